package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedQuoteProvider returns a constant price, or a fixed error when set.
type fixedQuoteProvider struct {
	mu    sync.Mutex
	price float64
	err   error
	calls int
}

func (p *fixedQuoteProvider) FetchQuote(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return 0, p.err
	}
	return p.price, nil
}

func newTestPollingService(provider QuoteProvider) *PollingService {
	return NewPollingService(provider, "alpha_vantage", nil, nil, nil)
}

func stopPollingService(t *testing.T, svc *PollingService) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Stop(ctx)
}

// waitForJobStatus polls the registry until the job reaches the wanted status.
// Poll cycles pace themselves with a one second sleep per symbol, so the
// deadline is generous.
func waitForJobStatus(t *testing.T, svc *PollingService, id, status string) JobSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := svc.Get(id); ok && snap.Status == status {
			return snap
		}
		time.Sleep(25 * time.Millisecond)
	}
	snap, _ := svc.Get(id)
	t.Fatalf("job %s never reached status %q, last snapshot: %+v", id, status, snap)
	return JobSnapshot{}
}

func TestCreateAssignsSequentialIDs(t *testing.T) {
	svc := newTestPollingService(&fixedQuoteProvider{price: 100})
	t.Cleanup(func() { stopPollingService(t, svc) })

	first := svc.Create([]string{"AAPL"}, 3600, "")
	second := svc.Create([]string{"MSFT"}, 3600, "custom")

	assert.Equal(t, "poll_1", first.JobID)
	assert.Equal(t, "poll_2", second.JobID)
	assert.Equal(t, JobStatusCreated, first.Status)
	assert.Equal(t, "alpha_vantage", first.Provider)
	assert.Equal(t, "custom", second.Provider)
	assert.Equal(t, []string{"AAPL"}, first.Config.Symbols)
	assert.Equal(t, 3600, first.Config.Interval)
	assert.Equal(t, 2, svc.ActiveJobs())
}

func TestJobCompletesCycle(t *testing.T) {
	provider := &fixedQuoteProvider{price: 123.45}
	svc := newTestPollingService(provider)
	t.Cleanup(func() { stopPollingService(t, svc) })

	snap := svc.Create([]string{"AAPL"}, 3600, "")
	done := waitForJobStatus(t, svc, snap.JobID, JobStatusCompleted)

	assert.Equal(t, 1, done.DataPointsFetched)
	require.NotNil(t, done.LastRun)
	require.NotNil(t, done.LastCompleted)
	assert.Empty(t, done.Error)
}

func TestJobFailsWhenProviderErrors(t *testing.T) {
	provider := &fixedQuoteProvider{err: errors.New("quote backend down")}
	svc := newTestPollingService(provider)
	t.Cleanup(func() { stopPollingService(t, svc) })

	snap := svc.Create([]string{"AAPL"}, 3600, "")
	failed := waitForJobStatus(t, svc, snap.JobID, JobStatusFailed)

	assert.Equal(t, "quote backend down", failed.Error)

	// Failed jobs stay registered and retry on the next interval
	_, ok := svc.Get(snap.JobID)
	assert.True(t, ok)
}

func TestDeleteCancelsJob(t *testing.T) {
	svc := newTestPollingService(&fixedQuoteProvider{price: 1})
	t.Cleanup(func() { stopPollingService(t, svc) })

	snap := svc.Create([]string{"AAPL", "MSFT"}, 3600, "")
	require.True(t, svc.Delete(snap.JobID))

	_, ok := svc.Get(snap.JobID)
	assert.False(t, ok)
	assert.Equal(t, 0, svc.ActiveJobs())
	assert.False(t, svc.Delete(snap.JobID))
}

func TestDeleteAllEmptiesRegistry(t *testing.T) {
	svc := newTestPollingService(&fixedQuoteProvider{price: 1})
	t.Cleanup(func() { stopPollingService(t, svc) })

	svc.Create([]string{"AAPL"}, 3600, "")
	svc.Create([]string{"MSFT"}, 3600, "")
	svc.Create([]string{"GOOG"}, 3600, "")

	assert.Equal(t, 3, svc.DeleteAll())
	assert.Empty(t, svc.List())
	assert.Equal(t, 0, svc.DeleteAll())
}

func TestGetUnknownJob(t *testing.T) {
	svc := newTestPollingService(&fixedQuoteProvider{price: 1})

	_, ok := svc.Get("poll_99")
	assert.False(t, ok)
}

func TestStopLeavesJobsRegistered(t *testing.T) {
	svc := newTestPollingService(&fixedQuoteProvider{price: 1})
	svc.Create([]string{"AAPL"}, 3600, "")

	stopPollingService(t, svc)

	assert.Equal(t, 1, svc.ActiveJobs())
}
