package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"trailbot/internal/models"
)

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality so
// a flapping broker API stops the bot from hammering it. While the breaker
// is open every call fails fast with a transport error, which the
// orchestrator treats as "skip this tick".
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, NewError(KindTransport, "circuit", err)
		}
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker Broker, logger *logrus.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, logger, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Broker, logger *logrus.Logger, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			// Validation and not-found responses mean the API is healthy;
			// only transport-class failures should trip the breaker.
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State exposes the breaker state for the orchestrator's reconnect gate.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

// LastPrice wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) LastPrice(ctx context.Context, symbol string, class models.AssetClass) (*Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Quote, error) {
		return b.LastPrice(ctx, symbol, class)
	})
}

// AccountSnapshot wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) AccountSnapshot(ctx context.Context) (*Account, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Account, error) { return b.AccountSnapshot(ctx) })
}

// Positions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) Positions(ctx context.Context) ([]Position, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Position, error) { return b.Positions(ctx) })
}

// OpenOrders wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) OpenOrders(ctx context.Context) ([]models.Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Order, error) { return b.OpenOrders(ctx) })
}

// ClosedOrders wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) ClosedOrders(ctx context.Context, since time.Time) ([]models.Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Order, error) {
		return b.ClosedOrders(ctx, since)
	})
}

// SubmitEntry wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) SubmitEntry(ctx context.Context, order EntryOrder) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) { return b.SubmitEntry(ctx, order) })
}

// SubmitProtective wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) SubmitProtective(ctx context.Context, order ProtectiveOrder) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.SubmitProtective(ctx, order)
	})
}

// Cancel wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) Cancel(ctx context.Context, orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.Cancel(ctx, orderID)
	})
	return err
}

// Ping wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) Ping(ctx context.Context) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.Ping(ctx)
	})
	return err
}
