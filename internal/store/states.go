package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sweeney/humidistat/internal/logic"
	"github.com/sweeney/humidistat/internal/models"
)

// States holds the last commanded status of each zone. Only the decision
// engine writes to it.
type States struct {
	db *gorm.DB
}

func NewStates(db *gorm.DB) *States {
	return &States{db: db}
}

// Get returns the state of zone, or ErrNotFound when the zone has never been
// decided.
func (s *States) Get(ctx context.Context, zone int) (*models.ControllerState, error) {
	var st models.ControllerState
	err := s.db.WithContext(ctx).Where("zone_id = ?", zone).Take(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("controller state for zone %d: %w", zone, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query controller state for zone %d: %w", zone, err)
	}
	return &st, nil
}

// Upsert inserts or replaces the state of zone in a single statement.
func (s *States) Upsert(ctx context.Context, zone int, status logic.Status, at time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("upsert controller state for zone %d: invalid status %q", zone, status)
	}

	st := models.ControllerState{
		ZoneID:      zone,
		Status:      status,
		LastUpdated: at.UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "zone_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "last_updated"}),
	}).Create(&st).Error
	if err != nil {
		return fmt.Errorf("upsert controller state for zone %d: %w", zone, err)
	}
	return nil
}

// List returns the state of every zone ordered by zone.
func (s *States) List(ctx context.Context) ([]models.ControllerState, error) {
	var states []models.ControllerState
	if err := s.db.WithContext(ctx).Order("zone_id ASC").Find(&states).Error; err != nil {
		return nil, fmt.Errorf("list controller states: %w", err)
	}
	return states, nil
}
