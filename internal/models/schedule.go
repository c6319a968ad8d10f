package models

import "time"

// ScheduleEntry is one version of the configuration for a (zone, hour) key.
// The current entry for a key is the one with the latest EffectiveAt.
type ScheduleEntry struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ZoneID         int       `gorm:"not null;index:idx_schedule_key" json:"zone_id"`
	HourOfDay      int       `gorm:"not null;index:idx_schedule_key" json:"hour_of_day"`
	TargetHumidity float64   `gorm:"not null" json:"target_humidity"`
	HysteresisUp   float64   `gorm:"not null" json:"hysteresis_up"`
	HysteresisDown float64   `gorm:"not null" json:"hysteresis_down"`
	EffectiveAt    time.Time `gorm:"not null;index:idx_schedule_key" json:"effective_at"`
}

func (ScheduleEntry) TableName() string { return "schedule_entries" }

// ScheduleChange is an audit record of a schedule mutation.
// Old values are nil when the key had no entry before.
type ScheduleChange struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	ZoneID            int       `gorm:"not null;index" json:"zone_id"`
	HourOfDay         int       `gorm:"not null" json:"hour_of_day"`
	OldTarget         *float64  `json:"old_target"`
	OldHysteresisUp   *float64  `json:"old_hysteresis_up"`
	OldHysteresisDown *float64  `json:"old_hysteresis_down"`
	NewTarget         float64   `gorm:"not null" json:"new_target"`
	NewHysteresisUp   float64   `gorm:"not null" json:"new_hysteresis_up"`
	NewHysteresisDown float64   `gorm:"not null" json:"new_hysteresis_down"`
	ChangedAt         time.Time `gorm:"not null" json:"changed_at"`
}

func (ScheduleChange) TableName() string { return "schedule_changes" }
