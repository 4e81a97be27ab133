package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailbot/internal/models"
)

// flakyBroker fails every call with the configured error.
type flakyBroker struct {
	Paper
	err error
}

func (f *flakyBroker) Ping(context.Context) error { return f.err }

func (f *flakyBroker) AccountSnapshot(context.Context) (*Account, error) { return nil, f.err }

func TestBreakerTripsOnTransportErrors(t *testing.T) {
	flaky := &flakyBroker{err: NewError(KindTransport, "ping", errors.New("connection refused"))}
	cb := NewCircuitBreakerBrokerWithSettings(flaky, testLogger(), CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  3,
		FailureRatio: 0.6,
	})

	for i := 0; i < 5; i++ {
		_ = cb.Ping(context.Background())
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	// Fail-fast while open, classified as transport.
	err := cb.Ping(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))
}

func TestBreakerIgnoresValidationErrors(t *testing.T) {
	flaky := &flakyBroker{err: NewError(KindValidation, "submit_entry", errors.New("bad qty"))}
	cb := NewCircuitBreakerBrokerWithSettings(flaky, testLogger(), CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  3,
		FailureRatio: 0.6,
	})

	for i := 0; i < 10; i++ {
		_, _ = cb.AccountSnapshot(context.Background())
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State(),
		"validation responses mean the API is healthy")
}

func TestBreakerPassesThroughResults(t *testing.T) {
	paper := NewPaper(decimal.NewFromInt(100000))
	paper.SetQuote("TSLA", decimal.RequireFromString("231.42"), time.Now().UTC())
	cb := NewCircuitBreakerBroker(paper, testLogger())

	q, err := cb.LastPrice(context.Background(), "TSLA", models.AssetEquity)
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("231.42")))

	acct, err := cb.AccountSnapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, acct.Cash.Equal(decimal.NewFromInt(100000)))
}
