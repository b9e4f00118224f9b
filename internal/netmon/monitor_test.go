package netmon

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

// scriptedPinger returns one scripted result per probe, repeating the last
// result when the script runs out.
type scriptedPinger struct {
	script []error
	calls  int
}

var errProbe = errors.New("probe failed")

func (p *scriptedPinger) Ping(ctx context.Context) error {
	i := p.calls
	if i >= len(p.script) {
		i = len(p.script) - 1
	}
	p.calls++
	return p.script[i]
}

func newTestMonitor(pinger Pinger, threshold int, onChange func(bool)) *Monitor {
	cfg := DefaultConfig()
	cfg.FlapThreshold = threshold
	cfg.Logger = zerolog.Nop()
	return New(pinger, cfg, onChange)
}

func TestFirstProbeDecidesImmediately(t *testing.T) {
	var transitions []bool
	m := newTestMonitor(&scriptedPinger{script: []error{nil}}, 3, func(online bool) {
		transitions = append(transitions, online)
	})

	if m.Online() {
		t.Error("monitor should report offline before any probe")
	}

	m.Check(context.Background())
	if !m.Online() {
		t.Error("first successful probe should flip online without debounce")
	}
	if len(transitions) != 1 || !transitions[0] {
		t.Errorf("expected one online transition, got %v", transitions)
	}
}

func TestFirstProbeFailureDecidesOffline(t *testing.T) {
	var transitions []bool
	m := newTestMonitor(&scriptedPinger{script: []error{errProbe}}, 2, func(online bool) {
		transitions = append(transitions, online)
	})

	m.Check(context.Background())
	if m.Online() {
		t.Error("failed first probe should decide offline")
	}
	if len(transitions) != 1 || transitions[0] {
		t.Errorf("expected one offline transition, got %v", transitions)
	}
}

// A single dropped probe must not flip the state when the threshold is 2.
func TestSingleFailureDoesNotFlap(t *testing.T) {
	var transitions []bool
	p := &scriptedPinger{script: []error{nil, errProbe, nil}}
	m := newTestMonitor(p, 2, func(online bool) {
		transitions = append(transitions, online)
	})
	ctx := context.Background()

	m.Check(ctx) // online
	m.Check(ctx) // one failure, below threshold
	if !m.Online() {
		t.Error("one failed probe flipped the state")
	}
	m.Check(ctx) // recovered
	if !m.Online() {
		t.Error("state should still be online")
	}
	if len(transitions) != 1 {
		t.Errorf("expected only the initial transition, got %v", transitions)
	}
}

func TestConsecutiveFailuresFlipState(t *testing.T) {
	var transitions []bool
	p := &scriptedPinger{script: []error{nil, errProbe, errProbe}}
	m := newTestMonitor(p, 2, func(online bool) {
		transitions = append(transitions, online)
	})
	ctx := context.Background()

	m.Check(ctx)
	m.Check(ctx)
	m.Check(ctx)

	if m.Online() {
		t.Error("two consecutive failures should flip offline")
	}
	if len(transitions) != 2 || transitions[1] {
		t.Errorf("expected online then offline, got %v", transitions)
	}
}

func TestRecoveryRequiresThreshold(t *testing.T) {
	var transitions []bool
	p := &scriptedPinger{script: []error{errProbe, nil, errProbe, nil, nil}}
	m := newTestMonitor(p, 2, func(online bool) {
		transitions = append(transitions, online)
	})
	ctx := context.Background()

	m.Check(ctx) // offline decided
	m.Check(ctx) // one success, below threshold
	m.Check(ctx) // failure resets the agreement count
	m.Check(ctx) // success 1
	if m.Online() {
		t.Error("non-consecutive successes must not flip online")
	}
	m.Check(ctx) // success 2, flips
	if !m.Online() {
		t.Error("two consecutive successes should flip online")
	}
	if len(transitions) != 2 || !transitions[1] {
		t.Errorf("expected offline then online, got %v", transitions)
	}
}

func TestNilOnChange(t *testing.T) {
	m := newTestMonitor(&scriptedPinger{script: []error{nil}}, 1, nil)
	m.Check(context.Background())
	if !m.Online() {
		t.Error("monitor with nil callback should still track state")
	}
}
