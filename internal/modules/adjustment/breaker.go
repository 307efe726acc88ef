// README: Minimal circuit breaker so a dead provider is skipped instead of timing out every quote.
package adjustment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var ErrBreakerOpen = errors.New("circuit breaker is open")

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

type BreakerConfig struct {
	Name             string
	FailureThreshold uint32        // consecutive failures that open the breaker
	OpenTimeout      time.Duration // time spent open before a half-open probe
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{Name: name, FailureThreshold: 5, OpenTimeout: 30 * time.Second}
}

type Breaker struct {
	config BreakerConfig
	log    *logrus.Entry
	now    func() time.Time

	mu            sync.Mutex
	state         BreakerState
	failures      uint32
	openedAt      time.Time
	probeInFlight bool
}

func NewBreaker(config BreakerConfig, log *logrus.Entry) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 1
	}
	return &Breaker{config: config, log: log, now: time.Now}
}

// Execute runs fn unless the breaker is open. Only one half-open probe runs at a time.
// A call abandoned because ctx itself ended says nothing about the dependency and
// leaves the failure count untouched.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		b.abandon()
		return err
	}
	b.after(err)
	return err
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.config.OpenTimeout {
			return ErrBreakerOpen
		}
		b.setState(BreakerHalfOpen)
		b.probeInFlight = true
	case BreakerHalfOpen:
		if b.probeInFlight {
			return ErrBreakerOpen
		}
		b.probeInFlight = true
	}
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.probeInFlight = false
		if err != nil {
			b.openedAt = b.now()
			b.setState(BreakerOpen)
			return
		}
		b.failures = 0
		b.setState(BreakerClosed)
		return
	}

	if err == nil {
		b.failures = 0
		return
	}
	b.failures++
	if b.state == BreakerClosed && b.failures >= b.config.FailureThreshold {
		b.openedAt = b.now()
		b.setState(BreakerOpen)
	}
}

// abandon frees the half-open slot without judging the dependency.
func (b *Breaker) abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.probeInFlight = false
	}
}

func (b *Breaker) setState(to BreakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.log != nil {
		b.log.WithFields(logrus.Fields{
			"breaker":              b.config.Name,
			"from":                 from.String(),
			"to":                   to.String(),
			"consecutive_failures": b.failures,
		}).Warn("circuit breaker state changed")
	}
}
