// Package events fans accepted position reports out to NATS subscribers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"trackd/internal/models"

	"github.com/nats-io/nats.go"
)

// PositionEvent is the payload published for every accepted report.
type PositionEvent struct {
	DeviceID   string    `json:"device_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	RecordedAt time.Time `json:"recorded_at"`
}

type Publisher struct {
	nc     *nats.Conn
	prefix string
}

func Connect(url, prefix string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("trackd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &Publisher{nc: nc, prefix: prefix}, nil
}

// Subject is <prefix>.<device>. NATS tokens cannot contain '.', '*', '>'
// or whitespace, so those become '_'.
func Subject(prefix, deviceID string) string {
	tok := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, deviceID)
	return prefix + "." + tok
}

func (p *Publisher) Publish(ctx context.Context, r models.PositionReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(PositionEvent{DeviceID: r.DeviceID, Lat: r.Lat, Lng: r.Lng, RecordedAt: r.RecordedAt})
	if err != nil {
		return err
	}
	return p.nc.Publish(Subject(p.prefix, r.DeviceID), b)
}

func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}
