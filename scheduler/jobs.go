package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"market_data_service/logging"
	"market_data_service/metrics"
	"market_data_service/services"
)

// Scheduler manages the periodic maintenance jobs
type Scheduler struct {
	cron          *gocron.Scheduler
	marketData    *services.MarketDataService
	polling       *services.PollingService
	redis         *services.RedisService
	retentionDays int
	historyWindow int
	log           zerolog.Logger
}

// NewScheduler creates a new scheduler instance. historyWindow is the Redis
// price history horizon in seconds; retentionDays bounds raw data age.
func NewScheduler(marketData *services.MarketDataService, polling *services.PollingService, redis *services.RedisService, retentionDays, historyWindow int) *Scheduler {
	return &Scheduler{
		cron:          gocron.NewScheduler(time.UTC),
		marketData:    marketData,
		polling:       polling,
		redis:         redis,
		retentionDays: retentionDays,
		historyWindow: historyWindow,
		log:           logging.Component("scheduler"),
	}
}

// Start starts all scheduled jobs
func (s *Scheduler) Start() {
	s.log.Info().Msg("Starting scheduler...")

	// Refresh metric gauges every 5 minutes
	s.cron.Every(5).Minutes().Do(func() {
		s.refreshGauges()
	})

	// Prune Redis price history hourly
	s.cron.Every(1).Hour().Do(func() {
		s.pruneHistory()
	})

	// Purge expired raw data daily at 02:00
	s.cron.Every(1).Day().At("02:00").Do(func() {
		s.purgeRawData()
	})

	s.cron.StartAsync()
	s.log.Info().Msg("Scheduler started successfully")
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.log.Info().Msg("Scheduler stopped")
}

// refreshGauges recomputes the tracked-symbol and active-job gauges
func (s *Scheduler) refreshGauges() {
	symbols, err := s.marketData.AllSymbols()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to refresh symbol gauge")
	} else {
		metrics.SetSymbolsTracked(len(symbols))
	}
	metrics.SetActivePollingJobs(s.polling.ActiveJobs())
}

// pruneHistory drops price history points past the statistics horizon
func (s *Scheduler) pruneHistory() {
	removed := s.redis.PruneHistory(context.Background(), s.historyWindow)
	if removed > 0 {
		s.log.Info().Int64("removed", removed).Msg("Pruned price history")
	}
}

// purgeRawData deletes raw captures past the retention window
func (s *Scheduler) purgeRawData() {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	policy := services.RetryPolicy{MaxAttempts: 2, Delay: 5 * time.Second}

	var purged int64
	err := policy.Do(context.Background(), func() error {
		n, err := s.marketData.PurgeRawDataBefore(cutoff)
		purged = n
		return err
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to purge raw data")
		return
	}
	if purged > 0 {
		s.log.Info().Int64("purged", purged).Time("cutoff", cutoff).Msg("Purged expired raw data")
	}
}
