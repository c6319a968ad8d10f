package models

import (
	"time"

	"github.com/sweeney/humidistat/internal/logic"
)

// ControllerState is the last commanded status of a zone's humidifier.
// There is exactly one row per zone.
type ControllerState struct {
	ZoneID      int          `gorm:"primaryKey;autoIncrement:false" json:"zone_id"`
	Status      logic.Status `gorm:"size:10;not null" json:"status"`
	LastUpdated time.Time    `gorm:"not null" json:"last_updated"`
}

func (ControllerState) TableName() string { return "controller_states" }
