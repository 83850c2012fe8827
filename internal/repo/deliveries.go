package repo

import (
	"context"
	"errors"
	"strings"

	"trackd/internal/geo"
	"trackd/internal/identity"
	"trackd/internal/models"

	"gorm.io/gorm"
)

// DeliveryStore resolves tracking numbers against the deliveries table.
// The table belongs to dispatch; trackd never writes it outside tests and seeding.
type DeliveryStore struct {
	db *gorm.DB
}

func NewDeliveryStore(db *gorm.DB) *DeliveryStore {
	return &DeliveryStore{db: db}
}

func (s *DeliveryStore) Resolve(ctx context.Context, trackingID string) (identity.Association, error) {
	trackingID = strings.TrimSpace(trackingID)
	if trackingID == "" {
		return identity.Association{}, identity.ErrNotFound
	}

	var d models.Delivery
	err := s.db.WithContext(ctx).Where("tracking_number = ?", trackingID).Take(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return identity.Association{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.Association{}, err
	}

	a := identity.Association{
		TrackingID:  d.TrackingNumber,
		Destination: geo.Point{Lat: d.DestinationLat, Lng: d.DestinationLng},
		Status:      d.Status,
	}
	if d.DeviceID == nil || strings.TrimSpace(*d.DeviceID) == "" {
		return a, identity.ErrUnassigned
	}
	a.DeviceID = strings.TrimSpace(*d.DeviceID)
	return a, nil
}

// Upsert creates or updates a delivery by tracking number. Used by seeding.
func (s *DeliveryStore) Upsert(ctx context.Context, d models.Delivery) (models.Delivery, error) {
	var m models.Delivery
	tx := s.db.WithContext(ctx).Where("tracking_number = ?", d.TrackingNumber).Take(&m)
	switch {
	case errors.Is(tx.Error, gorm.ErrRecordNotFound):
		if err := s.db.WithContext(ctx).Create(&d).Error; err != nil {
			return models.Delivery{}, err
		}
		return d, nil
	case tx.Error != nil:
		return models.Delivery{}, tx.Error
	}
	d.ID = m.ID
	if err := s.db.WithContext(ctx).Save(&d).Error; err != nil {
		return models.Delivery{}, err
	}
	return d, nil
}
