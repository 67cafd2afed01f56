package controllers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"market_data_service/logging"
	"market_data_service/metrics"
	"market_data_service/middleware"
	"market_data_service/models"
	"market_data_service/services"
)

// Default statistics window in seconds
const defaultStatisticsWindow = 3600

// MarketDataCreateRequest is the POST body for a new observation. Pointer
// fields distinguish absent keys from zero values.
type MarketDataCreateRequest struct {
	Symbol  string   `json:"symbol"`
	Price   *float64 `json:"price"`
	Volume  *int64   `json:"volume"`
	Source  *string  `json:"source"`
	RawData *string  `json:"raw_data"`
}

// MarketDataUpdateRequest is the PUT body; every field is optional.
type MarketDataUpdateRequest struct {
	Symbol  *string  `json:"symbol"`
	Price   *float64 `json:"price"`
	Volume  *int64   `json:"volume"`
	Source  *string  `json:"source"`
	RawData *string  `json:"raw_data"`
}

// PriceController handles market data requests
type PriceController struct {
	marketData *services.MarketDataService
	redis      *services.RedisService
	kafka      *services.KafkaService
	stream     *services.StreamService
	audit      *services.AuditService
	kafkaTopic string
	maWindow   int
	log        zerolog.Logger
}

// NewPriceController creates a new price controller
func NewPriceController(marketData *services.MarketDataService, redis *services.RedisService, kafka *services.KafkaService, stream *services.StreamService, audit *services.AuditService, kafkaTopic string, maWindow int) *PriceController {
	return &PriceController{
		marketData: marketData,
		redis:      redis,
		kafka:      kafka,
		stream:     stream,
		audit:      audit,
		kafkaTopic: kafkaTopic,
		maWindow:   maWindow,
		log:        logging.Component("prices"),
	}
}

// ListPrices returns observations with optional symbol filtering
// GET /api/v1/prices/
func (pc *PriceController) ListPrices(c *gin.Context) {
	skip, err := strconv.Atoi(c.DefaultQuery("skip", "0"))
	if err != nil || skip < 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "skip must be a non-negative integer"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 1 || limit > 100 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "limit must be between 1 and 100"})
		return
	}

	var records []models.MarketData
	if symbol := c.Query("symbol"); symbol != "" {
		records, err = pc.marketData.ListBySymbol(symbol, skip, limit)
	} else {
		records, err = pc.marketData.List(skip, limit)
	}
	if err != nil {
		pc.log.Error().Err(err).Msg("Failed to list market data")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Error retrieving market data"})
		return
	}

	c.JSON(http.StatusOK, records)
}

// CreatePrice records a new observation and fans it out to the cache, the
// event topic and the price stream
// POST /api/v1/prices/
func (pc *PriceController) CreatePrice(c *gin.Context) {
	var req MarketDataCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "Invalid request body"})
		return
	}
	if detail, ok := validateCreateRequest(&req); !ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": detail})
		return
	}

	record := models.MarketData{
		Symbol:  req.Symbol,
		Price:   *req.Price,
		Volume:  *req.Volume,
		Source:  *req.Source,
		RawData: req.RawData,
	}
	if err := pc.marketData.Create(&record); err != nil {
		if isConstraintViolation(err) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "Invalid input data"})
			return
		}
		pc.log.Error().Err(err).Str("symbol", record.Symbol).Msg("Failed to create market data")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Error creating market data"})
		return
	}

	metrics.RecordDataPoint()
	if symbols, err := pc.marketData.AllSymbols(); err == nil {
		metrics.SetSymbolsTracked(len(symbols))
	}

	ctx := c.Request.Context()
	if pc.redis != nil {
		pc.redis.CachePrice(ctx, record.Symbol, record.Price)
		pc.redis.StorePricePoint(ctx, record.Symbol, record.Price, record.Timestamp)
	}
	if pc.kafka != nil {
		pc.kafka.Publish(ctx, pc.kafkaTopic, record.Symbol, record)
	}
	if pc.stream != nil {
		pc.stream.BroadcastPrice(record.Symbol, record.Price, record.Timestamp)
	}
	if record.RawData != nil {
		if err := pc.marketData.CaptureRaw(record.Symbol, *record.RawData, record.Source, record.Price, record.Timestamp); err != nil {
			pc.log.Warn().Err(err).Str("symbol", record.Symbol).Msg("Failed to capture raw data")
		}
	}
	if pc.audit != nil {
		pc.audit.LogDataAccess(ctx, middleware.GetUserID(c), "create", "market_data", strconv.FormatUint(uint64(record.ID), 10))
	}

	c.JSON(http.StatusCreated, record)
}

// GetLatestPrice returns the most recent observation for a symbol
// GET /api/v1/prices/latest
func (pc *PriceController) GetLatestPrice(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "symbol query parameter is required"})
		return
	}

	record, err := pc.marketData.GetLatest(symbol)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"detail": fmt.Sprintf("No data found for symbol %s", symbol)})
			return
		}
		pc.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to get latest price")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":    record.Symbol,
		"price":     record.Price,
		"timestamp": record.Timestamp,
		"source":    record.Source,
	})
}

// GetSymbols returns the distinct symbols present in the store
// GET /api/v1/prices/symbols
func (pc *PriceController) GetSymbols(c *gin.Context) {
	symbols, err := pc.marketData.AllSymbols()
	if err != nil {
		pc.log.Error().Err(err).Msg("Failed to list symbols")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Error retrieving symbols"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbols": symbols})
}

// GetMovingAverage calculates the moving average for a symbol
// GET /api/v1/prices/:symbol/moving-average
func (pc *PriceController) GetMovingAverage(c *gin.Context) {
	symbol := c.Param("symbol")

	window := pc.maWindow
	if raw := c.Query("window"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "window must be a positive integer"})
			return
		}
		window = parsed
	}

	avg, found, err := pc.marketData.CalculateMovingAverage(symbol, window)
	if err != nil {
		pc.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to calculate moving average")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Error calculating moving average"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"detail": fmt.Sprintf("No data found for symbol %s", symbol)})
		return
	}

	timestamp, ok, err := pc.marketData.GetLatestTimestamp(symbol)
	if err != nil || !ok {
		timestamp = time.Now().UTC()
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":         symbol,
		"moving_average": avg,
		"window_size":    window,
		"timestamp":      timestamp,
	})
}

// GetPriceStatistics summarizes recent prices for a symbol from the cache
// GET /api/v1/prices/:symbol/statistics
func (pc *PriceController) GetPriceStatistics(c *gin.Context) {
	symbol := c.Param("symbol")

	window := defaultStatisticsWindow
	if raw := c.Query("window"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "window must be a positive integer"})
			return
		}
		window = parsed
	}

	var stats *services.PriceStatistics
	ok := false
	if pc.redis != nil {
		stats, ok = pc.redis.PriceStatistics(c.Request.Context(), symbol, window)
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": fmt.Sprintf("No data found for symbol %s", symbol)})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// GetPrice returns one observation by id
// GET /api/v1/prices/:id
func (pc *PriceController) GetPrice(c *gin.Context) {
	id, ok := pc.parseID(c)
	if !ok {
		return
	}

	record, err := pc.marketData.GetByID(id)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"detail": fmt.Sprintf("Market data with id %d not found", id)})
			return
		}
		pc.log.Error().Err(err).Uint("id", id).Msg("Failed to get market data")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Error retrieving market data"})
		return
	}

	c.JSON(http.StatusOK, record)
}

// UpdatePrice applies a partial update to one observation
// PUT /api/v1/prices/:id
func (pc *PriceController) UpdatePrice(c *gin.Context) {
	id, ok := pc.parseID(c)
	if !ok {
		return
	}

	var req MarketDataUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "Invalid request body"})
		return
	}

	updates := map[string]interface{}{}
	if req.Symbol != nil {
		updates["symbol"] = *req.Symbol
	}
	if req.Price != nil {
		updates["price"] = *req.Price
	}
	if req.Volume != nil {
		updates["volume"] = *req.Volume
	}
	if req.Source != nil {
		updates["source"] = *req.Source
	}
	if req.RawData != nil {
		updates["raw_data"] = *req.RawData
	}

	record, err := pc.marketData.Update(id, updates)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"detail": fmt.Sprintf("Market data with id %d not found", id)})
			return
		}
		pc.log.Error().Err(err).Uint("id", id).Msg("Failed to update market data")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Error updating market data"})
		return
	}

	if pc.audit != nil {
		pc.audit.LogDataAccess(c.Request.Context(), middleware.GetUserID(c), "update", "market_data", strconv.FormatUint(uint64(id), 10))
	}

	c.JSON(http.StatusOK, record)
}

// DeletePrice removes one observation
// DELETE /api/v1/prices/:id
func (pc *PriceController) DeletePrice(c *gin.Context) {
	id, ok := pc.parseID(c)
	if !ok {
		return
	}

	record, err := pc.marketData.GetByID(id)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"detail": fmt.Sprintf("Market data with id %d not found", id)})
			return
		}
		pc.log.Error().Err(err).Uint("id", id).Msg("Failed to get market data")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Error deleting market data"})
		return
	}

	if err := pc.marketData.Delete(id); err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"detail": fmt.Sprintf("Market data with id %d not found", id)})
			return
		}
		pc.log.Error().Err(err).Uint("id", id).Msg("Failed to delete market data")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Error deleting market data"})
		return
	}

	if pc.redis != nil {
		pc.redis.DeletePrice(c.Request.Context(), record.Symbol)
	}
	if pc.audit != nil {
		pc.audit.LogDataAccess(c.Request.Context(), middleware.GetUserID(c), "delete", "market_data", strconv.FormatUint(uint64(id), 10))
	}

	c.JSON(http.StatusOK, gin.H{"message": "Market data deleted successfully"})
}

// parseID reads the shared :symbol route parameter as a numeric id. A 422
// is written when the value is not numeric.
func (pc *PriceController) parseID(c *gin.Context) (uint, bool) {
	raw := c.Param("symbol")
	id, err := strconv.Atoi(raw)
	if err != nil || id < 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "Invalid market data id"})
		return 0, false
	}
	return uint(id), true
}

func validateCreateRequest(req *MarketDataCreateRequest) (string, bool) {
	if req.Symbol == "" {
		return "symbol must not be empty", false
	}
	if req.Price == nil {
		return "price is required", false
	}
	if *req.Price < 0 {
		return "price must be greater than or equal to 0", false
	}
	if req.Volume == nil {
		return "volume is required", false
	}
	if *req.Volume <= 0 {
		return "volume must be greater than 0", false
	}
	if req.Source == nil {
		return "source is required", false
	}
	return "", true
}

// isConstraintViolation reports whether a store error came from a database
// constraint rather than an operational failure.
func isConstraintViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint") || strings.Contains(msg, "unique") || strings.Contains(msg, "check")
}
