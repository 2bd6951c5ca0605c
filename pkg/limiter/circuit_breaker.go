package limiter

import (
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Name                string        `yaml:"-"`
	Enabled             bool          `yaml:"enabled"`
	MaxRequests         uint32        `yaml:"max_requests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
}

// DefaultCircuitBreakerConfig returns a default circuit breaker configuration
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:                name,
		Enabled:             true,
		MaxRequests:         1,
		Interval:            0,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Breaker guards calls into a health module. A disabled breaker passes every
// call straight through.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// StateChangeFunc is notified on every breaker transition
type StateChangeFunc func(name, from, to string)

// NewBreaker creates a breaker from config
func NewBreaker(config CircuitBreakerConfig, onChange StateChangeFunc) *Breaker {
	if !config.Enabled {
		return &Breaker{}
	}

	threshold := config.ConsecutiveFailures
	if threshold == 0 {
		threshold = 1
	}

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	if onChange != nil {
		settings.OnStateChange = func(name string, from gobreaker.State, to gobreaker.State) {
			onChange(name, from.String(), to.String())
		}
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. While the breaker is open fn is not
// called and gobreaker.ErrOpenState is returned.
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	if b.cb == nil {
		return fn()
	}

	return b.cb.Execute(fn)
}

// State returns the current breaker state name
func (b *Breaker) State() string {
	if b.cb == nil {
		return "disabled"
	}
	return b.cb.State().String()
}

// Counts returns the breaker's counters for the current generation
func (b *Breaker) Counts() gobreaker.Counts {
	if b.cb == nil {
		return gobreaker.Counts{}
	}
	return b.cb.Counts()
}
