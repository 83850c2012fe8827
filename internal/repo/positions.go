package repo

import (
	"context"
	"errors"
	"slices"

	"trackd/internal/models"
	"trackd/internal/position"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PositionStore is the gorm implementation of position.Backend.
type PositionStore struct {
	db *gorm.DB
}

func NewPositionStore(db *gorm.DB) *PositionStore {
	return &PositionStore{db: db}
}

// Save appends the report and upserts current_positions in one transaction.
// The upsert is unconditional: whichever transaction commits last wins.
func (s *PositionStore) Save(ctx context.Context, r models.PositionReport) (models.PositionReport, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&r).Error; err != nil {
			return err
		}
		cp := models.CurrentPosition{DeviceID: r.DeviceID, Lat: r.Lat, Lng: r.Lng, UpdatedAt: r.RecordedAt}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"lat", "lng", "updated_at"}),
		}).Create(&cp).Error
	})
	if err != nil {
		return models.PositionReport{}, err
	}
	return r, nil
}

func (s *PositionStore) Current(ctx context.Context, deviceID string) (models.CurrentPosition, bool, error) {
	var cp models.CurrentPosition
	err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Take(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.CurrentPosition{}, false, nil
	}
	if err != nil {
		return models.CurrentPosition{}, false, err
	}
	return cp, true, nil
}

// History streams rows with a cursor; each range opens a new query.
// The consumer must not issue queries on a single-connection pool while
// ranging.
func (s *PositionStore) History(ctx context.Context, deviceID string) position.Trail {
	return func(yield func(models.PositionReport, error) bool) {
		rows, err := s.db.WithContext(ctx).
			Model(&models.PositionReport{}).
			Where("device_id = ?", deviceID).
			Order("recorded_at ASC, id ASC").
			Rows()
		if err != nil {
			yield(models.PositionReport{}, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var r models.PositionReport
			if err := s.db.ScanRows(rows, &r); err != nil {
				yield(models.PositionReport{}, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.PositionReport{}, err)
		}
	}
}

func (s *PositionStore) Latest(ctx context.Context, deviceID string, n int) ([]models.PositionReport, error) {
	var out []models.PositionReport
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("recorded_at DESC, id DESC").
		Limit(n).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func (s *PositionStore) Devices(ctx context.Context) ([]models.CurrentPosition, error) {
	var out []models.CurrentPosition
	if err := s.db.WithContext(ctx).Order("device_id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
