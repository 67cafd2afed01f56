package services

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedQuoteStaysInRange(t *testing.T) {
	provider := NewSimulatedQuoteProvider()

	for i := 0; i < 200; i++ {
		price, err := provider.FetchQuote(context.Background(), "AAPL")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, price, 90.0)
		assert.LessOrEqual(t, price, 110.0)
		// Prices are rounded to cents
		assert.InDelta(t, math.Round(price*100), price*100, 1e-6)
	}
}

func TestSimulatedQuoteCancelledContext(t *testing.T) {
	provider := NewSimulatedQuoteProvider()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := provider.FetchQuote(ctx, "AAPL")
	assert.Error(t, err)
}
