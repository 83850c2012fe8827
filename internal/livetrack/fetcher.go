package livetrack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"trackd/internal/identity"
	"trackd/internal/trail"
)

// FetchError is a non-success answer from the tracking API.
type FetchError struct {
	Status  int
	Kind    string
	Message string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("snapshot: http %d %s: %s", e.Status, e.Kind, e.Message)
}

// HTTPFetcher polls GET /api/v1/snapshot on a trackd server.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Success bool           `json:"success"`
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Data    trail.Snapshot `json:"data"`
}

func (f *HTTPFetcher) Fetch(ctx context.Context, trackingID string) (trail.Snapshot, error) {
	u := f.BaseURL + "/api/v1/snapshot?tracking_id=" + url.QueryEscape(trackingID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return trail.Snapshot{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.Client.Do(req)
	if err != nil {
		return trail.Snapshot{}, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&env); err != nil {
		return trail.Snapshot{}, &FetchError{Status: resp.StatusCode, Kind: "decode", Message: err.Error()}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return trail.Snapshot{}, fmt.Errorf("%w: %s", identity.ErrNotFound, trackingID)
	case resp.StatusCode != http.StatusOK:
		return trail.Snapshot{}, &FetchError{Status: resp.StatusCode, Kind: env.Error, Message: env.Message}
	case env.Error == "unassigned":
		return env.Data, identity.ErrUnassigned
	case !env.Success:
		return trail.Snapshot{}, &FetchError{Status: resp.StatusCode, Kind: env.Error, Message: env.Message}
	}
	return env.Data, nil
}

// LocalFetcher reads snapshots in-process, without HTTP.
type LocalFetcher struct {
	Assembler *trail.Assembler
}

func (f LocalFetcher) Fetch(ctx context.Context, trackingID string) (trail.Snapshot, error) {
	return f.Assembler.Snapshot(ctx, trackingID)
}
