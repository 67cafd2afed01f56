package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market_data_service/logging"
)

// Redis key prefixes
const (
	priceKeyPrefix   = "price:"
	jobKeyPrefix     = "job:"
	historyKeyPrefix = "price_history:"
)

// PriceStatistics summarizes prices observed inside a time window.
type PriceStatistics struct {
	Symbol        string  `json:"symbol"`
	WindowSeconds int     `json:"window_seconds"`
	Min           float64 `json:"min"`
	Max           float64 `json:"max"`
	Avg           float64 `json:"avg"`
	Count         int     `json:"count"`
}

// RedisService wraps the Redis cache. Every operation fails open: when the
// server is unreachable or a call errors, callers get zero values, never an
// error. The client connects lazily on first use.
type RedisService struct {
	mu       sync.Mutex
	client   *redis.Client
	addr     string
	password string
	db       int
	cacheTTL time.Duration
	log      zerolog.Logger
}

// NewRedisService creates a Redis service for the given server.
func NewRedisService(addr, password string, db, cacheTTLSeconds int) *RedisService {
	return &RedisService{
		addr:     addr,
		password: password,
		db:       db,
		cacheTTL: time.Duration(cacheTTLSeconds) * time.Second,
		log:      logging.Component("redis"),
	}
}

// getClient returns the lazily-created client, or nil when Redis is
// unreachable.
func (s *RedisService) getClient(ctx context.Context) *redis.Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client
	}

	client := redis.NewClient(&redis.Options{
		Addr:         s.addr,
		Password:     s.password,
		DB:           s.db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		s.log.Warn().Err(err).Str("addr", s.addr).Msg("Redis unavailable")
		client.Close()
		return nil
	}

	s.client = client
	return s.client
}

// Ping reports whether Redis is reachable.
func (s *RedisService) Ping(ctx context.Context) bool {
	client := s.getClient(ctx)
	if client == nil {
		return false
	}
	if err := client.Ping(ctx).Err(); err != nil {
		s.log.Warn().Err(err).Msg("Redis ping failed")
		return false
	}
	return true
}

// Close releases the underlying connection.
func (s *RedisService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// CachePrice caches the latest price for a symbol with the configured TTL.
func (s *RedisService) CachePrice(ctx context.Context, symbol string, price float64) bool {
	client := s.getClient(ctx)
	if client == nil {
		return false
	}

	key := priceKeyPrefix + symbol
	if err := client.Set(ctx, key, strconv.FormatFloat(price, 'f', -1, 64), s.cacheTTL).Err(); err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("Redis error")
		return false
	}
	return true
}

// GetCachedPrice returns the cached price for a symbol, if present.
func (s *RedisService) GetCachedPrice(ctx context.Context, symbol string) (float64, bool) {
	client := s.getClient(ctx)
	if client == nil {
		return 0, false
	}

	data, err := client.Get(ctx, priceKeyPrefix+symbol).Result()
	if err != nil {
		if err != redis.Nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("Redis error")
		}
		return 0, false
	}
	price, err := strconv.ParseFloat(data, 64)
	if err != nil {
		return 0, false
	}
	return price, true
}

// DeletePrice removes the cached price for a symbol.
func (s *RedisService) DeletePrice(ctx context.Context, symbol string) bool {
	client := s.getClient(ctx)
	if client == nil {
		return false
	}
	if err := client.Del(ctx, priceKeyPrefix+symbol).Err(); err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("Redis error")
		return false
	}
	return true
}

// StoreJobStatus mirrors a polling job snapshot under job:<id>.
func (s *RedisService) StoreJobStatus(ctx context.Context, jobID string, status interface{}) bool {
	client := s.getClient(ctx)
	if client == nil {
		return false
	}

	data, err := json.Marshal(status)
	if err != nil {
		return false
	}
	if err := client.Set(ctx, jobKeyPrefix+jobID, data, 0).Err(); err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("Redis error")
		return false
	}
	return true
}

// GetJobStatus reads a mirrored polling job snapshot.
func (s *RedisService) GetJobStatus(ctx context.Context, jobID string) (map[string]interface{}, bool) {
	client := s.getClient(ctx)
	if client == nil {
		return nil, false
	}

	data, err := client.Get(ctx, jobKeyPrefix+jobID).Result()
	if err != nil {
		if err != redis.Nil {
			s.log.Warn().Err(err).Str("job_id", jobID).Msg("Redis error")
		}
		return nil, false
	}

	var status map[string]interface{}
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		return nil, false
	}
	return status, true
}

// DeleteJob removes a mirrored polling job snapshot.
func (s *RedisService) DeleteJob(ctx context.Context, jobID string) bool {
	client := s.getClient(ctx)
	if client == nil {
		return false
	}
	if err := client.Del(ctx, jobKeyPrefix+jobID).Err(); err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("Redis error")
		return false
	}
	return true
}

// ClearJobs removes every mirrored job entry.
func (s *RedisService) ClearJobs(ctx context.Context) bool {
	client := s.getClient(ctx)
	if client == nil {
		return false
	}

	iter := client.Scan(ctx, 0, jobKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := client.Del(ctx, iter.Val()).Err(); err != nil {
			s.log.Warn().Err(err).Msg("Redis error")
			return false
		}
	}
	if err := iter.Err(); err != nil {
		s.log.Warn().Err(err).Msg("Redis error")
		return false
	}
	return true
}

// StorePricePoint appends a price point to the symbol's history sorted set.
// Members encode price and timestamp so equal prices never collapse.
func (s *RedisService) StorePricePoint(ctx context.Context, symbol string, price float64, ts time.Time) bool {
	client := s.getClient(ctx)
	if client == nil {
		return false
	}

	tsMs := ts.UnixMilli()
	member := strconv.FormatFloat(price, 'f', -1, 64) + ":" + strconv.FormatInt(tsMs, 10)
	err := client.ZAdd(ctx, historyKeyPrefix+symbol, &redis.Z{
		Score:  float64(tsMs),
		Member: member,
	}).Err()
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("Redis error")
		return false
	}
	return true
}

// PriceStatistics summarizes the history window for a symbol. The second
// return value is false when no points exist or Redis is unavailable.
func (s *RedisService) PriceStatistics(ctx context.Context, symbol string, windowSeconds int) (*PriceStatistics, bool) {
	client := s.getClient(ctx)
	if client == nil {
		return nil, false
	}

	now := time.Now()
	minScore := now.Add(-time.Duration(windowSeconds) * time.Second).UnixMilli()
	members, err := client.ZRangeByScore(ctx, historyKeyPrefix+symbol, &redis.ZRangeBy{
		Min: strconv.FormatInt(minScore, 10),
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("Redis error")
		return nil, false
	}
	if len(members) == 0 {
		return nil, false
	}

	var min, max, sum decimal.Decimal
	count := 0
	for _, member := range members {
		raw := member
		if idx := strings.LastIndex(member, ":"); idx > 0 {
			raw = member[:idx]
		}
		price, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		if count == 0 || price.LessThan(min) {
			min = price
		}
		if count == 0 || price.GreaterThan(max) {
			max = price
		}
		sum = sum.Add(price)
		count++
	}
	if count == 0 {
		return nil, false
	}

	avg := sum.Div(decimal.NewFromInt(int64(count)))
	return &PriceStatistics{
		Symbol:        symbol,
		WindowSeconds: windowSeconds,
		Min:           min.InexactFloat64(),
		Max:           max.InexactFloat64(),
		Avg:           avg.InexactFloat64(),
		Count:         count,
	}, true
}

// PruneHistory drops history points older than the window for every tracked
// symbol and returns the number of removed points.
func (s *RedisService) PruneHistory(ctx context.Context, windowSeconds int) int64 {
	client := s.getClient(ctx)
	if client == nil {
		return 0
	}

	cutoff := time.Now().Add(-time.Duration(windowSeconds) * time.Second).UnixMilli()
	var removed int64

	iter := client.Scan(ctx, 0, historyKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := client.ZRemRangeByScore(ctx, iter.Val(), "0", fmt.Sprintf("%d", cutoff)).Result()
		if err != nil {
			s.log.Warn().Err(err).Msg("Redis error")
			continue
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		s.log.Warn().Err(err).Msg("Redis error")
	}
	return removed
}
