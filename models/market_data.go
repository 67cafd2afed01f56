package models

import (
	"time"

	"gorm.io/gorm"
)

// MarketData represents one recorded price observation
type MarketData struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Symbol    string    `gorm:"index;not null" json:"symbol"`
	Price     float64   `gorm:"not null" json:"price"`
	Volume    int64     `json:"volume"`
	Source    string    `json:"source"`
	RawData   *string   `json:"raw_data"`
	Timestamp time.Time `gorm:"index;not null" json:"timestamp"`
}

// RawMarketData stores unprocessed payloads attached to observations
type RawMarketData struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Symbol    string    `gorm:"index;not null" json:"symbol"`
	RawData   string    `gorm:"not null" json:"raw_data"`
	Source    string    `gorm:"not null" json:"source"`
	Processed int       `gorm:"default:0;not null" json:"processed"`
	Timestamp time.Time `gorm:"index;not null" json:"timestamp"`
}

// ProcessedPrice stores prices derived from raw payloads
type ProcessedPrice struct {
	ID        uint          `gorm:"primaryKey" json:"id"`
	Symbol    string        `gorm:"index;not null" json:"symbol"`
	Price     float64       `gorm:"not null" json:"price"`
	RawDataID uint          `json:"raw_data_id"`
	RawData   RawMarketData `gorm:"foreignKey:RawDataID" json:"raw_data,omitempty"`
	Timestamp time.Time     `gorm:"index;not null" json:"timestamp"`
}

// MigrateMarketDataModels runs database migrations for market data models
func MigrateMarketDataModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&MarketData{},
		&RawMarketData{},
		&ProcessedPrice{},
	)
}
