package models

import (
	"time"

	"trackd/internal/geo"
)

// CurrentPosition is the latest known location of a device.
// Exactly one row per device; every accepted report overwrites it.
type CurrentPosition struct {
	DeviceID  string    `gorm:"column:device_id;primaryKey;size:64" json:"device_id"`
	Lat       float64   `gorm:"not null" json:"lat"`
	Lng       float64   `gorm:"not null" json:"lng"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:false" json:"updated_at"`
}

func (CurrentPosition) TableName() string { return "current_positions" }

func (c CurrentPosition) Point() geo.Point { return geo.Point{Lat: c.Lat, Lng: c.Lng} }
