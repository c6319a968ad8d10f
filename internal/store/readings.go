// Package store provides the durable stores the controller reads and writes:
// sensor readings, the versioned hourly schedule and the controller state.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/sweeney/humidistat/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Readings is the append-only log of sensor samples.
type Readings struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

// ReadingsOption configures a Readings store.
type ReadingsOption func(*Readings)

// WithLogger sets the logger for data problems found while querying
// (default the logrus standard logger).
func WithLogger(log logrus.FieldLogger) ReadingsOption {
	return func(s *Readings) { s.log = log }
}

func NewReadings(db *gorm.DB, opts ...ReadingsOption) *Readings {
	s := &Readings{db: db, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append stores a new reading. The timestamp is normalised to UTC.
func (s *Readings) Append(ctx context.Context, r *models.Reading) error {
	r.Timestamp = r.Timestamp.UTC()
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("append reading for zone %d: %w", r.ZoneID, err)
	}
	return nil
}

// LatestPerZone returns, for every zone with at least one reading whose
// timestamp falls in [since, until], the most recent such reading. Readings
// sharing a timestamp are ordered by id, the higher id winning. The result is
// ordered by zone.
func (s *Readings) LatestPerZone(ctx context.Context, since, until time.Time) ([]models.Reading, error) {
	var rows []models.Reading
	err := s.db.WithContext(ctx).
		Where("timestamp >= ? AND timestamp <= ?", since.UTC(), until.UTC()).
		Order("sensor_id ASC, timestamp DESC, id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query readings in window: %w", err)
	}

	latest := make([]models.Reading, 0, 8)
	for _, r := range rows {
		if n := len(latest); n > 0 && latest[n-1].ZoneID == r.ZoneID {
			continue
		}
		latest = append(latest, r)
	}
	return latest, nil
}

// Recent returns up to limit readings, newest first. A zone of 0 or less
// means all zones.
func (s *Readings) Recent(ctx context.Context, zone, limit int) ([]models.Reading, error) {
	q := s.db.WithContext(ctx).Order("timestamp DESC, id DESC").Limit(limit)
	if zone > 0 {
		q = q.Where("sensor_id = ?", zone)
	}

	var rows []models.Reading
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query recent readings: %w", err)
	}
	return rows, nil
}

// ZoneStats summarises all readings of one zone.
type ZoneStats struct {
	ZoneID         int        `json:"sensor_id"`
	ReadingsCount  int64      `json:"readings_count"`
	AvgTemperature *float64   `json:"avg_temperature"`
	AvgHumidity    *float64   `json:"avg_humidity"`
	AvgVoltage     *float64   `json:"avg_voltage"`
	LastReading    *time.Time `json:"last_reading"`
}

type zoneStatsRow struct {
	ZoneID         int
	ReadingsCount  int64
	AvgTemperature *float64
	AvgHumidity    *float64
	AvgVoltage     *float64
	LastReading    *string
}

// Stats returns per-zone counts and averages rounded to two decimals.
func (s *Readings) Stats(ctx context.Context) ([]ZoneStats, error) {
	var rows []zoneStatsRow
	err := s.db.WithContext(ctx).
		Model(&models.Reading{}).
		Select(`sensor_id AS zone_id,
			COUNT(*) AS readings_count,
			ROUND(AVG(temperature), 2) AS avg_temperature,
			ROUND(AVG(humidity), 2) AS avg_humidity,
			ROUND(AVG(voltage), 2) AS avg_voltage,
			MAX(timestamp) AS last_reading`).
		Group("sensor_id").
		Order("sensor_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query reading stats: %w", err)
	}

	stats := make([]ZoneStats, 0, len(rows))
	for _, row := range rows {
		zs := ZoneStats{
			ZoneID:         row.ZoneID,
			ReadingsCount:  row.ReadingsCount,
			AvgTemperature: row.AvgTemperature,
			AvgHumidity:    row.AvgHumidity,
			AvgVoltage:     row.AvgVoltage,
		}
		if row.LastReading != nil {
			ts, err := parseSQLiteTime(*row.LastReading)
			if err != nil {
				s.log.WithError(err).WithFields(logrus.Fields{
					"zone":  row.ZoneID,
					"value": *row.LastReading,
				}).Warn("Unparseable last reading time in stats")
			} else {
				zs.LastReading = &ts
			}
		}
		stats = append(stats, zs)
	}
	return stats, nil
}

// sqliteTimeLayouts are the layouts the SQLite driver writes time values in.
var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

// parseSQLiteTime parses an aggregate time value, which SQLite returns as
// text rather than as a typed DATETIME column.
func parseSQLiteTime(v string) (time.Time, error) {
	for _, layout := range sqliteTimeLayouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time value %q", v)
}
