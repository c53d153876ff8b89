package external

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultPollAttempts = 60
	defaultGrace        = 5 * time.Second
)

// Report summarizes one external batch.
type Report struct {
	State      State
	Reconciled bool
	Expected   int
	Observed   int
	Attempts   int
	ToolErr    error
	Duration   time.Duration
}

// Shortfall returns how many expected outputs never appeared.
func (r *Report) Shortfall() int {
	if r.Observed >= r.Expected {
		return 0
	}
	return r.Expected - r.Observed
}

// Runner drives an external tool and detects completion by polling the output directory.
type Runner struct {
	tool       Tool
	interval   time.Duration
	attempts   int
	grace      time.Duration
	newTimer   func() backoff.Timer
	logger     *logrus.Logger
	onPoll     func(PollEvent)
	onProgress func(string)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPolling sets the poll interval and attempt budget.
func WithPolling(interval time.Duration, attempts int) RunnerOption {
	return func(r *Runner) {
		if interval > 0 {
			r.interval = interval
		}
		if attempts > 0 {
			r.attempts = attempts
		}
	}
}

// WithTimer replaces the poll clock.
func WithTimer(newTimer func() backoff.Timer) RunnerOption {
	return func(r *Runner) { r.newTimer = newTimer }
}

// WithGrace bounds how long a finished poll waits for the tool to exit on its own.
func WithGrace(d time.Duration) RunnerOption {
	return func(r *Runner) { r.grace = d }
}

// WithPollHook registers a callback for unsuccessful checks.
func WithPollHook(fn func(PollEvent)) RunnerOption {
	return func(r *Runner) { r.onPoll = fn }
}

// WithProgressHook registers a callback for tool status lines.
func WithProgressHook(fn func(string)) RunnerOption {
	return func(r *Runner) { r.onProgress = fn }
}

func NewRunner(tool Tool, logger *logrus.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		tool:     tool,
		interval: DefaultPollInterval,
		attempts: DefaultPollAttempts,
		grace:    defaultGrace,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) timer() backoff.Timer {
	if r.newTimer != nil {
		return r.newTimer()
	}
	return &clockTimer{}
}

// clockTimer is a backoff.Timer on the wall clock.
type clockTimer struct {
	t *time.Timer
}

func (c *clockTimer) Start(d time.Duration) {
	if c.t == nil {
		c.t = time.NewTimer(d)
		return
	}
	c.t.Reset(d)
}

func (c *clockTimer) Stop() {
	if c.t != nil {
		c.t.Stop()
	}
}

func (c *clockTimer) C() <-chan time.Time { return c.t.C }

// Run submits req to the tool and polls req.OutputDir until expected files exist.
// reconcile is invoked once polling stops, whatever the reason, and the tool has exited.
// Only an interrupted ctx or a reconcile failure is returned as an error.
func (r *Runner) Run(ctx context.Context, req Request, expected int, reconcile func(*Report) error) (*Report, error) {
	start := time.Now()
	log := r.logger.WithFields(logrus.Fields{
		"operation": "external",
		"tool":      r.tool.Name(),
	})

	toolCtx, cancelTool := context.WithCancel(ctx)
	defer cancelTool()
	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()

	progress := make(chan string, 16)
	toolDone := make(chan struct{})
	var toolErr error

	var g errgroup.Group
	g.Go(func() error {
		defer close(toolDone)
		defer close(progress)
		// an error after we cancelled the tool is our own doing
		if err := r.tool.Run(toolCtx, req, progress); err != nil && toolCtx.Err() == nil {
			toolErr = err
			cancelPoll()
		}
		return nil
	})
	g.Go(func() error {
		for line := range progress {
			log.Debugf("Tool: %s", line)
			if r.onProgress != nil {
				r.onProgress(line)
			}
		}
		return nil
	})

	var timer backoff.Timer
	if r.newTimer != nil {
		timer = r.newTimer()
	}
	poller := NewPoller(req.OutputDir, expected, r.interval, r.attempts, timer)
	poller.OnPoll(func(ev PollEvent) {
		log.Debugf("Waiting for outputs: %d/%d (attempt %d)", ev.Observed, ev.Expected, ev.Attempt)
		if r.onPoll != nil {
			r.onPoll(ev)
		}
	})

	log.Infof("Submitted %d files from %s", expected, req.InputDir)
	state, _ := poller.Poll(pollCtx)

	if state == StateComplete {
		grace := r.timer()
		grace.Start(r.grace)
		select {
		case <-toolDone:
		case <-grace.C():
			log.Warn("Tool still running after outputs completed, stopping it")
		}
		grace.Stop()
	}
	cancelTool()
	_ = g.Wait()

	rep := &Report{
		State:    state,
		Expected: expected,
		Observed: poller.Observed(),
		Attempts: poller.Attempts(),
		ToolErr:  toolErr,
	}
	if n, err := CountOutputs(req.OutputDir); err == nil {
		rep.Observed = n
	}

	switch {
	case toolErr != nil:
		log.Warnf("Tool failed: %v", toolErr)
	case state == StateTimedOut:
		log.Warnf("Gave up after %d checks with %d/%d outputs", rep.Attempts, rep.Observed, expected)
	}

	recErr := reconcile(rep)
	if err := poller.MarkReconciled(); err != nil {
		log.Errorf("Poller state: %v", err)
	} else {
		rep.Reconciled = true
	}
	rep.Duration = time.Since(start)

	if recErr != nil {
		return rep, recErr
	}
	if ctx.Err() != nil {
		return rep, ctx.Err()
	}
	return rep, nil
}
