package target

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgehive/fleetd/pkg/config"
	"github.com/edgehive/fleetd/pkg/log"
	"github.com/edgehive/fleetd/pkg/metrics"
)

const (
	// backoffBase is the first retry delay after a fetch failure;
	// doubled per consecutive failure, capped at the poll interval.
	backoffBase = 15 * time.Second

	// configRetryDelay is slept when the poll interval itself cannot
	// be read. No network request was attempted, so no backoff.
	configRetryDelay = 10 * time.Second

	// DefaultMaxJitter bounds the uniform random spread added to the
	// nominal interval so a fleet does not poll in lockstep.
	DefaultMaxJitter = 30 * time.Second
)

// Poller drives periodic target-state fetches. It never terminates on
// error: every failure path resolves into a sleep and another cycle.
type Poller struct {
	state    *State
	settings *config.Settings
	logger   zerolog.Logger

	// MaxJitter may be lowered in tests; defaults to DefaultMaxJitter.
	MaxJitter time.Duration

	startOnce sync.Once
	stopCh    chan struct{}

	// failures is only touched from the poll goroutine.
	failures int
}

// NewPoller creates a poller over the given state.
func NewPoller(state *State, settings *config.Settings) *Poller {
	return &Poller{
		state:     state,
		settings:  settings,
		logger:    log.WithComponent("poller"),
		MaxJitter: DefaultMaxJitter,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the poll loop. Repeated calls are no-ops.
func (p *Poller) Start() {
	p.startOnce.Do(func() {
		go p.run()
	})
}

// Stop stops the poll loop.
func (p *Poller) Stop() {
	close(p.stopCh)
}

func (p *Poller) run() {
	// When instantUpdates is unreadable the first fetch is skipped,
	// matching the conservative startup default.
	skipFirst := true
	if instant, err := p.settings.GetBool(config.KeyInstantUpdates); err == nil {
		skipFirst = !instant
	}

	for first := true; ; first = false {
		sleep := p.cycle(first && skipFirst)
		select {
		case <-time.After(sleep):
		case <-p.stopCh:
			return
		}
	}
}

// cycle performs one poll iteration and returns how long to sleep
// before the next one.
func (p *Poller) cycle(skipFetch bool) time.Duration {
	interval, err := p.settings.PollInterval()
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to read poll interval")
		return configRetryDelay
	}

	if !skipFetch {
		if err := p.state.Update(context.Background(), false, false); err != nil {
			delay := retryDelay(interval, p.failures)
			p.failures++
			metrics.PollFailureStreak.Set(float64(p.failures))
			p.logger.Warn().Err(err).Int("failures", p.failures).Dur("retry_in", delay).
				Msg("target state fetch failed")
			return delay
		}
		p.failures = 0
		metrics.PollFailureStreak.Set(0)
	}

	metrics.PollCyclesTotal.Inc()
	return jitteredInterval(interval, p.MaxJitter)
}

// jitteredInterval returns nominal plus a uniform random duration in
// [0, maxJitter).
func jitteredInterval(nominal, maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return nominal
	}
	return nominal + time.Duration(rand.Int63n(int64(maxJitter)))
}

// retryDelay computes the capped exponential backoff
// min(nominal, backoffBase * 2^failures).
func retryDelay(nominal time.Duration, failures int) time.Duration {
	if failures >= 30 {
		return nominal
	}
	delay := backoffBase << uint(failures)
	if delay > nominal || delay <= 0 {
		return nominal
	}
	return delay
}
