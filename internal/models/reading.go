// Package models defines the persisted records of the controller.
package models

import "time"

// Reading is one sensor sample. Rows are append-only.
type Reading struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Timestamp     time.Time `gorm:"not null;index" json:"timestamp"`
	ZoneID        int       `gorm:"column:sensor_id;not null;index" json:"sensor_id"`
	Temperature   *float64  `json:"temperature"`
	Humidity      *float64  `json:"humidity"`
	Voltage       *float64  `json:"voltage"`
	SourceAddress string    `gorm:"column:ip_address;size:50" json:"ip_address,omitempty"`
}

func (Reading) TableName() string { return "sensor_readings" }
