package models

import (
	"time"

	"trackd/internal/geo"
)

// PositionReport is one timestamped reading from a device. Append-only:
// rows are never updated or deleted.
type PositionReport struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	DeviceID   string    `gorm:"column:device_id;size:64;not null;index:idx_reports_device_time,priority:1" json:"device_id"`
	Lat        float64   `gorm:"not null" json:"lat"`
	Lng        float64   `gorm:"not null" json:"lng"`
	RecordedAt time.Time `gorm:"not null;index:idx_reports_device_time,priority:2" json:"recorded_at"`
}

func (PositionReport) TableName() string { return "position_reports" }

func (p PositionReport) Point() geo.Point { return geo.Point{Lat: p.Lat, Lng: p.Lng} }
