package external

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTimer fires immediately on every Start unless blocked, running onStart first.
type fakeTimer struct {
	mu      sync.Mutex
	c       chan time.Time
	starts  int
	blocked bool
	onStart func(n int)
}

func newFakeTimer(onStart func(n int)) *fakeTimer {
	return &fakeTimer{c: make(chan time.Time, 1), onStart: onStart}
}

func (f *fakeTimer) Start(time.Duration) {
	f.mu.Lock()
	f.starts++
	n := f.starts
	f.mu.Unlock()
	if f.onStart != nil {
		f.onStart(n)
	}
	if f.blocked {
		return
	}
	select {
	case f.c <- time.Now():
	default:
	}
}

func (f *fakeTimer) Stop() {}

func (f *fakeTimer) C() <-chan time.Time { return f.c }

// backgroundTool behaves like a daemonized compressor: it reports a few lines and
// then idles until cancelled.
type backgroundTool struct {
	lines []string
}

func (b *backgroundTool) Name() string { return "background" }

func (b *backgroundTool) Run(ctx context.Context, _ Request, progress chan<- string) error {
	for _, l := range b.lines {
		progress <- l
	}
	<-ctx.Done()
	return nil
}

type failingTool struct{}

func (failingTool) Name() string { return "failing" }

func (failingTool) Run(context.Context, Request, chan<- string) error {
	return errors.New("exit status 2")
}

func writeOutput(t *testing.T, dir string, n int) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("out%d.jpg", n)), []byte("x"), 0644))
}

func TestRunnerCompletesWhenCountReached(t *testing.T) {
	outDir := t.TempDir()
	timer := newFakeTimer(func(n int) { writeOutput(t, outDir, n) })
	logger, _ := test.NewNullLogger()

	var polls []PollEvent
	timers := 0
	r := NewRunner(&backgroundTool{}, logger,
		WithPolling(time.Millisecond, 60),
		WithTimer(func() backoff.Timer {
			timers++
			if timers == 1 {
				return timer
			}
			return newFakeTimer(nil)
		}),
		WithGrace(10*time.Millisecond),
		WithPollHook(func(ev PollEvent) { polls = append(polls, ev) }),
	)

	reconciled := 0
	rep, err := r.Run(context.Background(), Request{OutputDir: outDir}, 3, func(rep *Report) error {
		reconciled++
		assert.Equal(t, StateComplete, rep.State)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, reconciled)
	assert.Equal(t, StateComplete, rep.State)
	assert.True(t, rep.Reconciled)
	assert.Equal(t, 3, rep.Observed)
	assert.Equal(t, 4, rep.Attempts)
	assert.Zero(t, rep.Shortfall())
	require.Len(t, polls, 3)
	assert.Equal(t, 2, polls[2].Observed)
}

func TestRunnerGraceRunsOnInjectedClock(t *testing.T) {
	logger, _ := test.NewNullLogger()
	var graceTimer *fakeTimer
	timers := 0
	r := NewRunner(&backgroundTool{}, logger,
		WithTimer(func() backoff.Timer {
			timers++
			ft := newFakeTimer(nil)
			if timers == 2 {
				graceTimer = ft
			}
			return ft
		}),
		WithGrace(time.Hour),
	)

	done := make(chan *Report, 1)
	go func() {
		rep, err := r.Run(context.Background(), Request{OutputDir: t.TempDir()}, 0, func(*Report) error { return nil })
		assert.NoError(t, err)
		done <- rep
	}()

	select {
	case rep := <-done:
		assert.Equal(t, StateComplete, rep.State)
		assert.True(t, rep.Reconciled)
	case <-time.After(5 * time.Second):
		t.Fatal("grace period was not driven by the injected timer")
	}
	assert.Equal(t, 2, timers)
	require.NotNil(t, graceTimer)
	assert.Equal(t, 1, graceTimer.starts)
}

func TestClockTimerFires(t *testing.T) {
	c := &clockTimer{}
	c.Start(time.Millisecond)
	select {
	case <-c.C():
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	c.Start(time.Hour)
	c.Stop()
}

func TestRunnerExhaustionIsNotAnError(t *testing.T) {
	outDir := t.TempDir()
	writeOutput(t, outDir, 1)
	logger, _ := test.NewNullLogger()

	r := NewRunner(&backgroundTool{}, logger,
		WithPolling(time.Millisecond, 5),
		WithTimer(func() backoff.Timer { return newFakeTimer(nil) }),
		WithGrace(time.Millisecond),
	)

	called := false
	rep, err := r.Run(context.Background(), Request{OutputDir: outDir}, 3, func(*Report) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, StateTimedOut, rep.State)
	assert.Equal(t, 5, rep.Attempts)
	assert.Equal(t, 1, rep.Observed)
	assert.Equal(t, 2, rep.Shortfall())
}

func TestRunnerInterrupted(t *testing.T) {
	outDir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timer := newFakeTimer(func(n int) {
		if n == 2 {
			cancel()
		}
	})
	timer.blocked = true
	go func() {
		// let the first wait pass so the poller reaches the second Start
		timer.c <- time.Now()
	}()
	logger, _ := test.NewNullLogger()

	r := NewRunner(&backgroundTool{}, logger,
		WithPolling(time.Millisecond, 60),
		WithTimer(func() backoff.Timer { return timer }),
	)

	called := false
	rep, err := r.Run(ctx, Request{OutputDir: outDir}, 2, func(*Report) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, called)
	assert.Equal(t, StateInterrupted, rep.State)
	assert.True(t, rep.Reconciled)
}

func TestRunnerToolFailureStopsPolling(t *testing.T) {
	logger, _ := test.NewNullLogger()
	timer := newFakeTimer(nil)
	timer.blocked = true

	r := NewRunner(failingTool{}, logger,
		WithPolling(time.Millisecond, 1000),
		WithTimer(func() backoff.Timer { return timer }),
	)

	rep, err := r.Run(context.Background(), Request{OutputDir: t.TempDir()}, 2, func(*Report) error { return nil })
	require.NoError(t, err)
	assert.Error(t, rep.ToolErr)
	assert.Equal(t, StateInterrupted, rep.State)
	assert.Equal(t, 2, rep.Shortfall())
}

func TestRunnerRelaysProgress(t *testing.T) {
	logger, _ := test.NewNullLogger()
	var mu sync.Mutex
	var lines []string

	r := NewRunner(&backgroundTool{lines: []string{"a.jpg [OK]", "b.jpg [OK]"}}, logger,
		WithTimer(func() backoff.Timer { return newFakeTimer(nil) }),
		WithGrace(5*time.Millisecond),
		WithProgressHook(func(l string) {
			mu.Lock()
			lines = append(lines, l)
			mu.Unlock()
		}),
	)

	_, err := r.Run(context.Background(), Request{OutputDir: t.TempDir()}, 0, func(*Report) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg [OK]", "b.jpg [OK]"}, lines)
}

func TestRunnerReturnsReconcileError(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := NewRunner(&backgroundTool{}, logger,
		WithTimer(func() backoff.Timer { return newFakeTimer(nil) }),
		WithGrace(time.Millisecond),
	)
	boom := errors.New("boom")
	_, err := r.Run(context.Background(), Request{OutputDir: t.TempDir()}, 0, func(*Report) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestPollerTransitions(t *testing.T) {
	p := NewPoller(t.TempDir(), 0, time.Millisecond, 1, newFakeTimer(nil))
	assert.Equal(t, StateSubmitted, p.State())
	assert.ErrorIs(t, p.MarkReconciled(), ErrInvalidTransition)

	state, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateComplete, state)

	_, err = p.Poll(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, p.MarkReconciled())
	assert.True(t, p.State().Terminal())
	assert.Equal(t, "reconciled", p.State().String())
}

func TestCountOutputsIgnoresTemporaries(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.jpg", "b.jpg.tmp", ".hidden", "c.part", "d.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	n, err := CountOutputs(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCommandToolExpandArgs(t *testing.T) {
	tool := NewCommandTool("", nil)
	assert.Equal(t, "jpegoptim", tool.Name())

	args := tool.ExpandArgs(Request{OutputDir: "/out", Quality: 80, Inputs: []string{"/in/a.jpg", "/in/b.jpg"}})
	assert.Equal(t, []string{"--max=80", "--strip-all", "--dest=/out", "/in/a.jpg", "/in/b.jpg"}, args)
}

func TestCommandToolStreamsStdout(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	tool := NewCommandTool("sh", []string{"-c", "echo {quality}; echo; echo done"})
	progress := make(chan string, 4)

	require.NoError(t, tool.Run(context.Background(), Request{Quality: 42}, progress))
	close(progress)

	var got []string
	for l := range progress {
		got = append(got, l)
	}
	assert.Equal(t, []string{"42", "done"}, got)
}

func TestCommandToolFailure(t *testing.T) {
	tool := NewCommandTool("definitely-not-a-real-compressor", []string{"{inputs}"})
	err := tool.Run(context.Background(), Request{}, make(chan string, 1))
	assert.Error(t, err)
}
