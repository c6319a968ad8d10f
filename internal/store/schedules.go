package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/sweeney/humidistat/internal/logic"
	"github.com/sweeney/humidistat/internal/models"
)

// ErrInvalidSchedule is returned when a schedule value is out of range.
var ErrInvalidSchedule = errors.New("invalid schedule")

const (
	MaxHysteresis = 20.0
	MaxTarget     = 100.0
)

// Schedules is a versioned key-value store keyed by (zone, hour of day).
// Writes append a new version; the current value of a key is the version
// with the latest EffectiveAt, ties going to the later insert.
type Schedules struct {
	db  *gorm.DB
	now func() time.Time
}

func NewSchedules(db *gorm.DB) *Schedules {
	return &Schedules{db: db, now: time.Now}
}

// ValidateEntry checks the value ranges of a schedule entry.
func ValidateEntry(zone, hour int, th logic.Thresholds) error {
	var errs []error
	if zone <= 0 {
		errs = append(errs, fmt.Errorf("zone %d must be positive", zone))
	}
	if hour < 0 || hour > 23 {
		errs = append(errs, fmt.Errorf("hour %d must be between 0 and 23", hour))
	}
	if th.Target < 0 || th.Target > MaxTarget {
		errs = append(errs, fmt.Errorf("target humidity %v must be between 0 and %v", th.Target, MaxTarget))
	}
	if th.Up < 0 || th.Up > MaxHysteresis {
		errs = append(errs, fmt.Errorf("upper hysteresis %v must be between 0 and %v", th.Up, MaxHysteresis))
	}
	if th.Down < 0 || th.Down > MaxHysteresis {
		errs = append(errs, fmt.Errorf("lower hysteresis %v must be between 0 and %v", th.Down, MaxHysteresis))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidSchedule, errors.Join(errs...))
	}
	return nil
}

// Current returns the current entry for (zone, hour), or ErrNotFound when the
// zone is unmanaged at that hour.
func (s *Schedules) Current(ctx context.Context, zone, hour int) (*models.ScheduleEntry, error) {
	return current(s.db.WithContext(ctx), zone, hour)
}

func current(db *gorm.DB, zone, hour int) (*models.ScheduleEntry, error) {
	var entry models.ScheduleEntry
	err := db.
		Where("zone_id = ? AND hour_of_day = ?", zone, hour).
		Order("effective_at DESC, id DESC").
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("schedule for zone %d hour %d: %w", zone, hour, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query schedule for zone %d hour %d: %w", zone, hour, err)
	}
	return &entry, nil
}

// Put appends a new version for (zone, hour) and records the change in the
// change log, both in one transaction. Writing values equal to the current
// ones is a no-op and returns false.
func (s *Schedules) Put(ctx context.Context, zone, hour int, th logic.Thresholds) (bool, error) {
	if err := ValidateEntry(zone, hour, th); err != nil {
		return false, err
	}

	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prev, err := current(tx, zone, hour)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if prev != nil && prev.TargetHumidity == th.Target &&
			prev.HysteresisUp == th.Up && prev.HysteresisDown == th.Down {
			return nil
		}

		now := s.now().UTC()
		entry := models.ScheduleEntry{
			ZoneID:         zone,
			HourOfDay:      hour,
			TargetHumidity: th.Target,
			HysteresisUp:   th.Up,
			HysteresisDown: th.Down,
			EffectiveAt:    now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("append schedule entry: %w", err)
		}

		change := models.ScheduleChange{
			ZoneID:            zone,
			HourOfDay:         hour,
			NewTarget:         th.Target,
			NewHysteresisUp:   th.Up,
			NewHysteresisDown: th.Down,
			ChangedAt:         now,
		}
		if prev != nil {
			change.OldTarget = &prev.TargetHumidity
			change.OldHysteresisUp = &prev.HysteresisUp
			change.OldHysteresisDown = &prev.HysteresisDown
		}
		if err := tx.Create(&change).Error; err != nil {
			return fmt.Errorf("record schedule change: %w", err)
		}

		changed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("put schedule for zone %d hour %d: %w", zone, hour, err)
	}
	return changed, nil
}

// Seed writes th for every hour of zone that has no entry yet and returns the
// number of hours written. Existing entries are left untouched.
func (s *Schedules) Seed(ctx context.Context, zone int, th logic.Thresholds) (int, error) {
	written := 0
	for hour := 0; hour < 24; hour++ {
		_, err := s.Current(ctx, zone, hour)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return written, err
		}
		if _, err := s.Put(ctx, zone, hour, th); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// CurrentForZone returns the current entry of every configured hour of zone,
// ordered by hour.
func (s *Schedules) CurrentForZone(ctx context.Context, zone int) ([]models.ScheduleEntry, error) {
	var entries []models.ScheduleEntry
	err := s.db.WithContext(ctx).
		Where("zone_id = ?", zone).
		Order("hour_of_day ASC, effective_at DESC, id DESC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("query schedule for zone %d: %w", zone, err)
	}

	out := make([]models.ScheduleEntry, 0, 24)
	for _, e := range entries {
		if n := len(out); n > 0 && out[n-1].HourOfDay == e.HourOfDay {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// History returns every version for (zone, hour), newest first.
func (s *Schedules) History(ctx context.Context, zone, hour int) ([]models.ScheduleEntry, error) {
	var entries []models.ScheduleEntry
	err := s.db.WithContext(ctx).
		Where("zone_id = ? AND hour_of_day = ?", zone, hour).
		Order("effective_at DESC, id DESC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("query schedule history for zone %d hour %d: %w", zone, hour, err)
	}
	return entries, nil
}

// Changes returns the change log of zone, newest first.
func (s *Schedules) Changes(ctx context.Context, zone int) ([]models.ScheduleChange, error) {
	var changes []models.ScheduleChange
	err := s.db.WithContext(ctx).
		Where("zone_id = ?", zone).
		Order("changed_at DESC, id DESC").
		Find(&changes).Error
	if err != nil {
		return nil, fmt.Errorf("query schedule changes for zone %d: %w", zone, err)
	}
	return changes, nil
}
