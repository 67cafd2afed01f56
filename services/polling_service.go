package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"market_data_service/logging"
	"market_data_service/metrics"
)

// Polling job statuses
const (
	JobStatusCreated   = "created"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusDeleted   = "deleted"
)

// PollingConfig describes what a polling job fetches and how often.
type PollingConfig struct {
	Symbols  []string `json:"symbols"`
	Interval int      `json:"interval"`
}

// JobSnapshot is a point-in-time copy of a polling job's state.
type JobSnapshot struct {
	JobID             string        `json:"id"`
	Config            PollingConfig `json:"config"`
	Provider          string        `json:"provider"`
	Status            string        `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	LastRun           *time.Time    `json:"last_run,omitempty"`
	LastCompleted     *time.Time    `json:"last_completed,omitempty"`
	DataPointsFetched int           `json:"data_points_fetched,omitempty"`
	Error             string        `json:"error,omitempty"`
}

type pollingJob struct {
	id                string
	config            PollingConfig
	provider          string
	status            string
	createdAt         time.Time
	lastRun           *time.Time
	lastCompleted     *time.Time
	dataPointsFetched int
	errMsg            string
	cancel            context.CancelFunc
}

func (j *pollingJob) snapshot() JobSnapshot {
	snap := JobSnapshot{
		JobID: j.id,
		Config: PollingConfig{
			Symbols:  append([]string(nil), j.config.Symbols...),
			Interval: j.config.Interval,
		},
		Provider:          j.provider,
		Status:            j.status,
		CreatedAt:         j.createdAt,
		DataPointsFetched: j.dataPointsFetched,
		Error:             j.errMsg,
	}
	if j.lastRun != nil {
		t := *j.lastRun
		snap.LastRun = &t
	}
	if j.lastCompleted != nil {
		t := *j.lastCompleted
		snap.LastCompleted = &t
	}
	return snap
}

// PollingService owns the background price polling jobs. All job state lives
// in memory behind one mutex; each job runs its own goroutine cancelled
// through a per-job context. Redis mirroring, Kafka publishing and WebSocket
// broadcasting are all best effort and never fail a job.
type PollingService struct {
	mu              sync.Mutex
	jobs            map[string]*pollingJob
	counter         int
	provider        QuoteProvider
	defaultProvider string
	redis           *RedisService
	kafka           *KafkaService
	stream          *StreamService
	log             zerolog.Logger
	wg              sync.WaitGroup
}

// NewPollingService creates the job registry. redis, kafka and stream may be
// nil; the corresponding fan-out is then skipped.
func NewPollingService(provider QuoteProvider, defaultProvider string, redis *RedisService, kafka *KafkaService, stream *StreamService) *PollingService {
	return &PollingService{
		jobs:            make(map[string]*pollingJob),
		provider:        provider,
		defaultProvider: defaultProvider,
		redis:           redis,
		kafka:           kafka,
		stream:          stream,
		log:             logging.Component("polling"),
	}
}

// Create registers a new polling job and starts its background loop.
func (s *PollingService) Create(symbols []string, interval int, provider string) JobSnapshot {
	if provider == "" {
		provider = s.defaultProvider
	}

	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.counter++
	id := fmt.Sprintf("poll_%d", s.counter)
	job := &pollingJob{
		id: id,
		config: PollingConfig{
			Symbols:  append([]string(nil), symbols...),
			Interval: interval,
		},
		provider:  provider,
		status:    JobStatusCreated,
		createdAt: time.Now().UTC(),
		cancel:    cancel,
	}
	s.jobs[id] = job
	snap := job.snapshot()
	active := len(s.jobs)
	s.mu.Unlock()

	metrics.SetActivePollingJobs(active)
	s.mirror(snap)

	s.wg.Add(1)
	go s.run(ctx, id)

	s.log.Info().Str("job_id", id).Strs("symbols", symbols).Int("interval", interval).Msg("Polling job created")
	return snap
}

// Get returns a snapshot of one job.
func (s *PollingService) Get(id string) (JobSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return JobSnapshot{}, false
	}
	return job.snapshot(), true
}

// List returns snapshots of every job.
func (s *PollingService) List() []JobSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := make([]JobSnapshot, 0, len(s.jobs))
	for _, job := range s.jobs {
		snaps = append(snaps, job.snapshot())
	}
	return snaps
}

// Delete cancels and removes one job.
func (s *PollingService) Delete(id string) bool {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	job.status = JobStatusDeleted
	cancel := job.cancel
	delete(s.jobs, id)
	active := len(s.jobs)
	s.mu.Unlock()

	cancel()
	metrics.SetActivePollingJobs(active)
	if s.redis != nil {
		s.redis.DeleteJob(context.Background(), id)
	}
	s.log.Info().Str("job_id", id).Msg("Polling job deleted")
	return true
}

// DeleteAll cancels and removes every job, returning how many were removed.
func (s *PollingService) DeleteAll() int {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.jobs))
	for _, job := range s.jobs {
		job.status = JobStatusDeleted
		cancels = append(cancels, job.cancel)
	}
	count := len(s.jobs)
	s.jobs = make(map[string]*pollingJob)
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	metrics.SetActivePollingJobs(0)
	if s.redis != nil {
		s.redis.ClearJobs(context.Background())
	}
	if count > 0 {
		s.log.Info().Int("count", count).Msg("All polling jobs deleted")
	}
	return count
}

// ActiveJobs returns the current registry size.
func (s *PollingService) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Stop cancels every job loop and waits for them to exit, bounded by ctx.
// Jobs stay registered so a restart sees consistent Redis mirrors.
func (s *PollingService) Stop(ctx context.Context) {
	s.mu.Lock()
	for _, job := range s.jobs {
		job.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Msg("Timed out waiting for polling jobs to stop")
	}
}

// run is the per-job loop: one poll cycle, then wait the configured interval,
// until the job is deleted or cancelled.
func (s *PollingService) run(ctx context.Context, id string) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		job, ok := s.jobs[id]
		if !ok || job.status == JobStatusDeleted {
			s.mu.Unlock()
			return
		}
		interval := job.config.Interval
		s.mu.Unlock()

		if !s.executeCycle(ctx, id) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(interval) * time.Second):
		}
	}
}

// executeCycle runs one poll pass over the job's symbols. It returns false
// only when the job context was cancelled mid-cycle.
func (s *PollingService) executeCycle(ctx context.Context, id string) bool {
	started := time.Now().UTC()

	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	job.status = JobStatusRunning
	job.lastRun = &started
	symbols := append([]string(nil), job.config.Symbols...)
	snap := job.snapshot()
	s.mu.Unlock()
	s.mirror(snap)

	var cycleErr error
	for _, symbol := range symbols {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}

		price, err := s.provider.FetchQuote(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			cycleErr = err
			break
		}

		ts := time.Now().UTC()
		if s.redis != nil {
			s.redis.CachePrice(ctx, symbol, price)
			s.redis.StorePricePoint(ctx, symbol, price, ts)
		}
		if s.kafka != nil {
			s.kafka.PublishPriceEvent(ctx, symbol, price)
		}
		if s.stream != nil {
			s.stream.BroadcastPrice(symbol, price, ts)
		}
	}

	completed := time.Now().UTC()
	s.mu.Lock()
	job, ok = s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return true
	}
	if cycleErr != nil {
		job.status = JobStatusFailed
		job.errMsg = cycleErr.Error()
	} else {
		job.status = JobStatusCompleted
		job.lastCompleted = &completed
		job.dataPointsFetched = len(symbols)
		job.errMsg = ""
	}
	snap = job.snapshot()
	s.mu.Unlock()
	s.mirror(snap)

	if cycleErr != nil {
		s.log.Warn().Err(cycleErr).Str("job_id", id).Msg("Polling cycle failed")
	}
	return true
}

func (s *PollingService) mirror(snap JobSnapshot) {
	if s.redis == nil {
		return
	}
	s.redis.StoreJobStatus(context.Background(), snap.JobID, snap)
}
