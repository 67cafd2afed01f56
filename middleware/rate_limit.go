package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"market_data_service/logging"
	"market_data_service/services"
)

// Paths never subject to rate limiting.
var rateLimitExemptPaths = []string{"/health", "/ready", "/metrics"}

// RateLimiter enforces a sliding-window request limit per client IP, backed
// by a Redis sorted set per IP. When Redis is unreachable or a check takes
// longer than one second the limiter fails open and lets the request
// through.
type RateLimiter struct {
	mu          sync.Mutex
	client      *redis.Client
	addr        string
	password    string
	db          int
	maxRequests int
	window      time.Duration
	audit       *services.AuditService
	log         zerolog.Logger
}

// NewRateLimiter creates a rate limiter allowing maxRequests per
// windowSeconds for each client IP. audit may be nil.
func NewRateLimiter(addr, password string, db, maxRequests, windowSeconds int, audit *services.AuditService) *RateLimiter {
	return &RateLimiter{
		addr:        addr,
		password:    password,
		db:          db,
		maxRequests: maxRequests,
		window:      time.Duration(windowSeconds) * time.Second,
		audit:       audit,
		log:         logging.Component("ratelimit"),
	}
}

func (rl *RateLimiter) getClient(ctx context.Context) *redis.Client {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.client != nil {
		return rl.client
	}

	client := redis.NewClient(&redis.Options{
		Addr:         rl.addr,
		Password:     rl.password,
		DB:           rl.db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		rl.log.Warn().Err(err).Str("addr", rl.addr).Msg("Redis unavailable, rate limiting disabled")
		client.Close()
		return nil
	}

	rl.client = client
	return rl.client
}

// check trims the window, counts prior requests and records the current one
// in a single pipeline. It returns whether the request is allowed and how
// many requests remain in the window.
func (rl *RateLimiter) check(ctx context.Context, ip string) (bool, int) {
	client := rl.getClient(ctx)
	if client == nil {
		return true, rl.maxRequests
	}

	checkCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	key := "rate_limit:" + ip
	now := float64(time.Now().UnixNano()) / 1e9
	windowStart := now - rl.window.Seconds()

	pipe := client.Pipeline()
	pipe.ZRemRangeByScore(checkCtx, key, "0", strconv.FormatFloat(windowStart, 'f', -1, 64))
	countCmd := pipe.ZCard(checkCtx, key)
	pipe.ZAdd(checkCtx, key, &redis.Z{
		Score:  now,
		Member: strconv.FormatFloat(now, 'f', -1, 64),
	})
	pipe.Expire(checkCtx, key, rl.window)
	if _, err := pipe.Exec(checkCtx); err != nil {
		rl.log.Warn().Err(err).Msg("Rate limit check failed, allowing request")
		return true, rl.maxRequests
	}

	count := int(countCmd.Val())
	remaining := rl.maxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	return count < rl.maxRequests, remaining
}

// Middleware enforces the limit for every non-exempt path.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, exempt := range rateLimitExemptPaths {
			if strings.HasPrefix(path, exempt) {
				c.Next()
				return
			}
		}

		ip := c.ClientIP()
		allowed, remaining := rl.check(c.Request.Context(), ip)
		if !allowed {
			if rl.audit != nil {
				rl.audit.LogRateLimit(c.Request.Context(), ip, GetUserID(c), path)
			}
			c.JSON(http.StatusTooManyRequests, gin.H{
				"detail": gin.H{
					"error":              "Rate limit exceeded",
					"retry_after":        int(rl.window.Seconds()),
					"remaining_requests": remaining,
				},
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
