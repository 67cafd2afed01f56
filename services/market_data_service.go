package services

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"market_data_service/models"
)

// MarketDataService handles persistence and aggregation of market data
// observations.
type MarketDataService struct {
	db *gorm.DB
}

// NewMarketDataService creates a new market data service instance
func NewMarketDataService(db *gorm.DB) *MarketDataService {
	return &MarketDataService{db: db}
}

// Create persists a new observation. The timestamp defaults to the insert
// time when unset.
func (s *MarketDataService) Create(data *models.MarketData) error {
	if data.Timestamp.IsZero() {
		data.Timestamp = time.Now().UTC()
	}
	if err := s.db.Create(data).Error; err != nil {
		return fmt.Errorf("failed to create market data: %w", err)
	}
	return nil
}

// CaptureRaw stores the raw payload of an observation together with its
// processed price in one transaction.
func (s *MarketDataService) CaptureRaw(symbol, rawData, source string, price float64, ts time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		raw := models.RawMarketData{
			Symbol:    symbol,
			RawData:   rawData,
			Source:    source,
			Processed: 1,
			Timestamp: ts,
		}
		if err := tx.Create(&raw).Error; err != nil {
			return err
		}
		processed := models.ProcessedPrice{
			Symbol:    symbol,
			Price:     price,
			RawDataID: raw.ID,
			Timestamp: ts,
		}
		return tx.Create(&processed).Error
	})
}

// List returns observations ordered newest first.
func (s *MarketDataService) List(skip, limit int) ([]models.MarketData, error) {
	records := make([]models.MarketData, 0, limit)
	err := s.db.Order("timestamp desc").Offset(skip).Limit(limit).Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list market data: %w", err)
	}
	return records, nil
}

// ListBySymbol returns observations for one symbol ordered newest first.
func (s *MarketDataService) ListBySymbol(symbol string, skip, limit int) ([]models.MarketData, error) {
	records := make([]models.MarketData, 0, limit)
	err := s.db.Where("symbol = ?", symbol).
		Order("timestamp desc").Offset(skip).Limit(limit).Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list market data for %s: %w", symbol, err)
	}
	return records, nil
}

// GetByID returns one observation. gorm.ErrRecordNotFound passes through
// when the id is unknown.
func (s *MarketDataService) GetByID(id uint) (*models.MarketData, error) {
	var record models.MarketData
	if err := s.db.First(&record, id).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// Update applies a partial update and returns the refreshed record.
func (s *MarketDataService) Update(id uint, updates map[string]interface{}) (*models.MarketData, error) {
	var record models.MarketData
	if err := s.db.First(&record, id).Error; err != nil {
		return nil, err
	}
	if len(updates) > 0 {
		if err := s.db.Model(&record).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("failed to update market data %d: %w", id, err)
		}
		if err := s.db.First(&record, id).Error; err != nil {
			return nil, err
		}
	}
	return &record, nil
}

// Delete removes one observation. gorm.ErrRecordNotFound passes through
// when the id is unknown.
func (s *MarketDataService) Delete(id uint) error {
	result := s.db.Delete(&models.MarketData{}, id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete market data %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// GetLatest returns the most recent observation for a symbol.
func (s *MarketDataService) GetLatest(symbol string) (*models.MarketData, error) {
	var record models.MarketData
	err := s.db.Where("symbol = ?", symbol).Order("timestamp desc").First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetLatestTimestamp returns the most recent observation timestamp for a
// symbol; found is false when the symbol has no data.
func (s *MarketDataService) GetLatestTimestamp(symbol string) (time.Time, bool, error) {
	record, err := s.GetLatest(symbol)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return record.Timestamp, true, nil
}

// AllSymbols returns the distinct symbols present in the store.
func (s *MarketDataService) AllSymbols() ([]string, error) {
	symbols := make([]string, 0)
	err := s.db.Model(&models.MarketData{}).Distinct().Pluck("symbol", &symbols).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}
	return symbols, nil
}

// CalculateMovingAverage averages the most recent window prices for a
// symbol; found is false when fewer than window observations exist.
func (s *MarketDataService) CalculateMovingAverage(symbol string, window int) (float64, bool, error) {
	var records []models.MarketData
	err := s.db.Where("symbol = ?", symbol).
		Order("timestamp desc").Limit(window).Find(&records).Error
	if err != nil {
		return 0, false, fmt.Errorf("failed to load prices for %s: %w", symbol, err)
	}
	if len(records) < window {
		return 0, false, nil
	}

	sum := decimal.Zero
	for _, record := range records {
		sum = sum.Add(decimal.NewFromFloat(record.Price))
	}
	avg := sum.Div(decimal.NewFromInt(int64(window)))
	return avg.InexactFloat64(), true, nil
}

// PurgeRawDataBefore deletes raw captures older than the cutoff and returns
// the number of removed rows.
func (s *MarketDataService) PurgeRawDataBefore(cutoff time.Time) (int64, error) {
	result := s.db.Where("timestamp < ?", cutoff).Delete(&models.RawMarketData{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge raw market data: %w", result.Error)
	}
	return result.RowsAffected, nil
}
