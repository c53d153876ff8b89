package external

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State is the completion-detection state of one external batch.
type State int

const (
	StateSubmitted State = iota
	StatePolling
	StateComplete
	StateTimedOut
	StateInterrupted
	StateReconciled
)

func (s State) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StatePolling:
		return "polling"
	case StateComplete:
		return "complete"
	case StateTimedOut:
		return "timed_out"
	case StateInterrupted:
		return "interrupted"
	case StateReconciled:
		return "reconciled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether polling has stopped.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateTimedOut || s == StateInterrupted || s == StateReconciled
}

var (
	errNotYet            = errors.New("output count below expected")
	ErrInvalidTransition = errors.New("external: invalid state transition")
)

// PollEvent is emitted after every unsuccessful check.
type PollEvent struct {
	Attempt  int
	Observed int
	Expected int
	Next     time.Duration
}

// Poller watches an output directory until it holds the expected number of files.
type Poller struct {
	dir      string
	expected int
	interval time.Duration
	attempts int
	timer    backoff.Timer
	onPoll   func(PollEvent)

	mu       sync.Mutex
	state    State
	observed int
	made     int
}

// NewPoller returns a poller checking every interval, at most attempts times.
// A nil timer uses a real clock.
func NewPoller(dir string, expected int, interval time.Duration, attempts int, timer backoff.Timer) *Poller {
	if attempts < 1 {
		attempts = 1
	}
	return &Poller{
		dir:      dir,
		expected: expected,
		interval: interval,
		attempts: attempts,
		timer:    timer,
		state:    StateSubmitted,
	}
}

// OnPoll registers a callback for unsuccessful checks.
func (p *Poller) OnPoll(fn func(PollEvent)) { p.onPoll = fn }

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Observed returns the file count seen on the last check.
func (p *Poller) Observed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.observed
}

// Attempts returns the number of checks made.
func (p *Poller) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.made
}

func (p *Poller) transition(to State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ok := false
	switch {
	case p.state == StateSubmitted:
		ok = to == StatePolling
	case p.state == StatePolling:
		ok = to.Terminal() && to != StateReconciled
	case p.state.Terminal() && p.state != StateReconciled:
		ok = to == StateReconciled
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.state, to)
	}
	p.state = to
	return nil
}

// MarkReconciled records that the observed outputs were matched to inputs.
func (p *Poller) MarkReconciled() error {
	return p.transition(StateReconciled)
}

// Poll blocks until the expected count is reached, the attempt budget is spent, or ctx
// is done. Running out of attempts is not an error; the final state says which happened.
func (p *Poller) Poll(ctx context.Context) (State, error) {
	if err := p.transition(StatePolling); err != nil {
		return p.State(), err
	}

	op := func() error {
		n, err := CountOutputs(p.dir)
		p.mu.Lock()
		p.made++
		if err == nil {
			p.observed = n
		}
		p.mu.Unlock()
		if err != nil {
			return err
		}
		if n >= p.expected {
			return nil
		}
		return errNotYet
	}

	notify := func(err error, next time.Duration) {
		if p.onPoll == nil {
			return
		}
		p.onPoll(PollEvent{Attempt: p.Attempts(), Observed: p.Observed(), Expected: p.expected, Next: next})
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.interval), uint64(p.attempts-1)),
		ctx,
	)

	err := backoff.RetryNotifyWithTimer(op, b, notify, p.timer)
	switch {
	case err == nil:
		return StateComplete, p.transition(StateComplete)
	case ctx.Err() != nil:
		if terr := p.transition(StateInterrupted); terr != nil {
			return p.State(), terr
		}
		return StateInterrupted, ctx.Err()
	default:
		return StateTimedOut, p.transition(StateTimedOut)
	}
}

// CountOutputs counts regular files in dir, ignoring temporaries and hidden files.
func CountOutputs(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.Type().IsRegular() || !IsOutputName(e.Name()) {
			continue
		}
		n++
	}
	return n, nil
}

// IsOutputName reports whether a file name looks like a finished output.
func IsOutputName(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".tmp", ".part":
		return false
	}
	return true
}
