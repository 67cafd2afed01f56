package services

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// QuoteProvider fetches the current price for a symbol.
type QuoteProvider interface {
	FetchQuote(ctx context.Context, symbol string) (float64, error)
}

// SimulatedQuoteProvider generates prices around a fixed base with random
// jitter, standing in for an external market data API.
type SimulatedQuoteProvider struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedQuoteProvider creates a provider seeded from the clock.
func NewSimulatedQuoteProvider() *SimulatedQuoteProvider {
	return &SimulatedQuoteProvider{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// FetchQuote returns a simulated price of 100 plus jitter in [-10, 10),
// rounded to two decimal places.
func (p *SimulatedQuoteProvider) FetchQuote(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	p.mu.Lock()
	jitter := p.rng.Float64()*20 - 10
	p.mu.Unlock()

	price := decimal.NewFromFloat(100 + jitter).Round(2)
	return price.InexactFloat64(), nil
}
