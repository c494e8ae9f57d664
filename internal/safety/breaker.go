package safety

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"spot-arb/internal/alert"
	"spot-arb/internal/metrics"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	CircuitTrade = "trade"
	CircuitPoll  = "poll"
)

const (
	defaultPollCooldown        = 30 * time.Second
	defaultPollHalfOpenSuccess = 1
)

type circuit struct {
	name            string
	maxFailures     int
	failures        int
	state           circuitState
	openedAt        time.Time
	openErr         error
	halfOpenSuccess int
}

// Breaker guards the exchange port with two circuits. The trade circuit
// opens after consecutive rejected trades and stays open. The poll circuit
// opens after consecutive refresh failures and probes again after a
// cooldown.
type Breaker struct {
	enabled bool

	mu    sync.Mutex
	trade circuit
	poll  circuit

	pollCooldown        time.Duration
	pollHalfOpenSuccess int
	now                 func() time.Time

	logger  *zap.Logger
	alerter alert.Alerter
	metrics *metrics.Metrics
}

type BreakerOptions struct {
	Enabled          bool
	MaxTradeFailures int
	MaxPollFailures  int
	PollCooldown     time.Duration
	PollProbePasses  int
	Logger           *zap.Logger
	Alerter          alert.Alerter
	Metrics          *metrics.Metrics
}

func NewBreaker(opts BreakerOptions) *Breaker {
	if opts.PollCooldown <= 0 {
		opts.PollCooldown = defaultPollCooldown
	}
	if opts.PollProbePasses < 1 {
		opts.PollProbePasses = defaultPollHalfOpenSuccess
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		enabled:             opts.Enabled,
		trade:               circuit{name: CircuitTrade, maxFailures: opts.MaxTradeFailures, state: circuitClosed},
		poll:                circuit{name: CircuitPoll, maxFailures: opts.MaxPollFailures, state: circuitClosed},
		pollCooldown:        opts.PollCooldown,
		pollHalfOpenSuccess: opts.PollProbePasses,
		now:                 time.Now,
		logger:              logger.With(zap.String("component", "breaker")),
		alerter:             opts.Alerter,
		metrics:             opts.Metrics,
	}
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

func (b *Breaker) RecordTrade(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.trade, err)
}

func (b *Breaker) RecordPoll(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.poll, err)
}

// AllowTrade returns the open error once the trade circuit has tripped.
func (b *Breaker) AllowTrade() error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trade.state == circuitOpen {
		return b.trade.openErr
	}
	return nil
}

// TradeOpen reports whether new trades are refused.
func (b *Breaker) TradeOpen() bool {
	return b.AllowTrade() != nil
}

// AllowPoll refuses refreshes while the poll circuit cools down and moves
// it to half open afterwards.
func (b *Breaker) AllowPoll() error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	if b.poll.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(b.poll.openedAt) < b.pollCooldown {
		err := b.poll.openErr
		b.mu.Unlock()
		return err
	}
	b.poll.state = circuitHalfOpen
	b.poll.halfOpenSuccess = 0
	b.poll.failures = 0
	b.poll.openErr = nil
	alerter := b.alerter
	b.mu.Unlock()
	cooldown := strconv.FormatInt(int64(b.pollCooldown/time.Second), 10)
	b.logger.Info("circuit_breaker_half_open", zap.String("circuit", CircuitPoll), zap.String("cooldown_sec", cooldown))
	if alerter != nil {
		alerter.Important("circuit_breaker_half_open", map[string]string{
			"circuit":      CircuitPoll,
			"cooldown_sec": cooldown,
		})
	}
	return nil
}

func (b *Breaker) PollCooldownRemaining() time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.poll.state != circuitOpen {
		return 0
	}
	elapsed := b.now().Sub(b.poll.openedAt)
	if elapsed >= b.pollCooldown {
		return 0
	}
	return b.pollCooldown - elapsed
}

func (b *Breaker) record(c *circuit, err error) error {
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	if c.maxFailures < 1 {
		b.mu.Unlock()
		return nil
	}

	if err == nil {
		prevFailures := c.failures
		prevState := c.state
		recovered := false
		switch c.state {
		case circuitHalfOpen:
			c.halfOpenSuccess++
			if c.halfOpenSuccess >= b.pollHalfOpenSuccess {
				recovered = true
				c.state = circuitClosed
				c.failures = 0
				c.openErr = nil
				c.openedAt = time.Time{}
				c.halfOpenSuccess = 0
			}
		case circuitClosed:
			if c.failures > 0 {
				recovered = true
				c.failures = 0
			}
		}
		alerter := b.alerter
		b.mu.Unlock()
		if recovered {
			b.logger.Info("circuit_breaker_recovered",
				zap.String("circuit", c.name),
				zap.Int("previous_consecutive_failures", prevFailures),
				zap.String("from_state", string(prevState)),
			)
			if alerter != nil && prevState == circuitHalfOpen {
				alerter.Important("circuit_breaker_recovered", map[string]string{
					"circuit":                       c.name,
					"previous_consecutive_failures": strconv.Itoa(prevFailures),
				})
			}
		}
		return nil
	}

	if c.state == circuitOpen {
		openErr := c.openErr
		b.mu.Unlock()
		return openErr
	}

	phase := "consecutive_failures"
	failures := c.failures + 1
	if c.state == circuitHalfOpen {
		phase = "half_open_probe_failed"
	} else if failures < c.maxFailures {
		c.failures = failures
		nearTrip := c.maxFailures > 1 && failures == c.maxFailures-1
		b.mu.Unlock()
		if nearTrip {
			b.logger.Warn("circuit_breaker_near_trip",
				zap.String("circuit", c.name),
				zap.Int("consecutive_failures", failures),
				zap.Int("threshold", c.maxFailures),
				zap.Error(err),
			)
		}
		return nil
	}

	openErr := b.tripLocked(c, err, failures, phase)
	alerter := b.alerter
	limit := c.maxFailures
	b.mu.Unlock()
	b.logger.Error("circuit_breaker_trip",
		zap.String("circuit", c.name),
		zap.String("phase", phase),
		zap.Int("consecutive_failures", failures),
		zap.Int("threshold", limit),
		zap.Error(err),
	)
	b.metrics.BreakerTrip(c.name)
	if alerter != nil {
		alerter.Important("circuit_breaker_trip", map[string]string{
			"circuit":    c.name,
			"phase":      phase,
			"threshold":  strconv.Itoa(limit),
			"last_error": err.Error(),
		})
	}
	return openErr
}

func (b *Breaker) tripLocked(c *circuit, err error, failures int, reason string) error {
	c.state = circuitOpen
	c.openedAt = b.now()
	c.halfOpenSuccess = 0
	c.failures = failures
	if c == &b.poll {
		c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, reason=%s, last error: %v", ErrCircuitOpen, c.name, failures, b.pollCooldown, reason, err)
	} else {
		c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, reason=%s, last error: %v", ErrCircuitOpen, c.name, failures, reason, err)
	}
	return c.openErr
}
