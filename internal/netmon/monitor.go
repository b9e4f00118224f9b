// Package netmon detects online/offline transitions by probing the remote
// store health endpoint. It holds no domain state; it only tells the sync
// engine when connectivity changes.
package netmon

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pinger is the probe the monitor runs. The remote transport client
// satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds monitor settings.
type Config struct {
	// Interval is how often to probe.
	Interval time.Duration

	// FlapThreshold is how many consecutive probes must agree before the
	// reported state flips. A single dropped probe does not thrash the
	// engine into a buffer/drain cycle.
	FlapThreshold int

	// ProbeTimeout bounds each individual probe.
	ProbeTimeout time.Duration

	// Logger for monitor activity.
	Logger zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      5 * time.Second,
		FlapThreshold: 2,
		ProbeTimeout:  3 * time.Second,
		Logger:        zerolog.New(os.Stderr).With().Timestamp().Logger(),
	}
}

// Monitor tracks connectivity and reports transitions.
type Monitor struct {
	pinger   Pinger
	cfg      Config
	onChange func(online bool)
	log      zerolog.Logger

	mu        sync.Mutex
	online    bool
	decided   bool
	agreeing  int
	lastState bool
}

// New creates a monitor. onChange is invoked on every state transition, from
// the monitor's goroutine; it must not block for long.
func New(pinger Pinger, cfg Config, onChange func(online bool)) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.FlapThreshold <= 0 {
		cfg.FlapThreshold = DefaultConfig().FlapThreshold
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	return &Monitor{
		pinger:   pinger,
		cfg:      cfg,
		onChange: onChange,
		log:      cfg.Logger.With().Str("component", "netmon").Logger(),
	}
}

// Online reports the current connectivity state. Before the first probe
// completes the monitor reports offline, which only delays the first drain,
// never a local write.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Run probes until ctx is cancelled. The first probe decides the initial
// state immediately; after that the flap threshold applies.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe and applies the debounce rules. Exposed so a caller
// can force an immediate re-check (e.g. right after a push failure).
func (m *Monitor) Check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.pinger.Ping(probeCtx)
	cancel()

	observed := err == nil

	m.mu.Lock()
	var flip, newState bool

	if !m.decided {
		m.decided = true
		m.online = observed
		m.lastState = observed
		flip, newState = true, observed
	} else if observed == m.online {
		m.agreeing = 0
		m.lastState = observed
	} else {
		if observed == m.lastState {
			m.agreeing++
		} else {
			m.agreeing = 1
			m.lastState = observed
		}
		if m.agreeing >= m.cfg.FlapThreshold {
			m.online = observed
			m.agreeing = 0
			flip, newState = true, observed
		}
	}
	m.mu.Unlock()

	if flip {
		m.log.Info().Bool("online", newState).Msg("connectivity changed")
		if m.onChange != nil {
			m.onChange(newState)
		}
	}
}
