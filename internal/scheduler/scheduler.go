// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Outcome tells the scheduler whether to keep going after a cycle.
type Outcome int

const (
	Continue Outcome = iota
	Terminal
)

// CycleFunc examines the page once. attempt counts from 1. Cycles never run concurrently.
type CycleFunc func(ctx context.Context, attempt int) Outcome

// StopReason records why a scheduler stopped.
type StopReason int

const (
	Running StopReason = iota
	ReasonAttempts
	ReasonDeadline
	ReasonTerminal
	ReasonCancelled
	ReasonContext
)

func (r StopReason) String() string {
	switch r {
	case Running:
		return "running"
	case ReasonAttempts:
		return "attempt_ceiling"
	case ReasonDeadline:
		return "wall_clock_ceiling"
	case ReasonTerminal:
		return "terminal"
	case ReasonCancelled:
		return "cancelled"
	case ReasonContext:
		return "context_done"
	default:
		return "unknown"
	}
}

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("scheduler: already started")

type requestKind int

const (
	reqRunNow requestKind = iota
	reqRunAfter
	reqNotify
)

type request struct {
	kind  requestKind
	delay time.Duration
}

const requestBuffer = 32

// Scheduler drives repeated cycles for one page run: immediately, after the
// initial delay, on every interval tick, on explicit requests, and after change
// notifications settle. It stops for good at the first ceiling it hits.
type Scheduler struct {
	policy Policy
	cycle  CycleFunc
	logger *zap.Logger

	requests chan request
	fired    chan struct{}
	done     chan struct{}

	startOnce sync.Once
	started   atomic.Bool
	cancelled atomic.Bool
	cancel    context.CancelFunc
	cancelMu  sync.Mutex

	attempts atomic.Int64
	reason   atomic.Int32
}

// New creates a scheduler; nothing runs until Start.
func New(policy Policy, cycle CycleFunc, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		policy:   policy,
		cycle:    cycle,
		logger:   logger.Named("scheduler"),
		requests: make(chan request, requestBuffer),
		fired:    make(chan struct{}, requestBuffer),
		done:     make(chan struct{}),
	}
}

// Start validates the policy and launches the scheduler goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.policy.Validate(); err != nil {
		return err
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	// The wall clock ceiling also cancels a cycle that is still running.
	runCtx, cancel := context.WithTimeout(ctx, s.policy.MaxDuration)
	s.cancelMu.Lock()
	s.cancel = cancel
	s.cancelMu.Unlock()
	if s.cancelled.Load() {
		cancel()
	}

	go s.loop(ctx, runCtx, cancel)
	return nil
}

// RunNow requests an immediate cycle.
func (s *Scheduler) RunNow() { s.send(request{kind: reqRunNow}) }

// RunAfter requests one cycle after d.
func (s *Scheduler) RunAfter(d time.Duration) { s.send(request{kind: reqRunAfter, delay: d}) }

// Notify reports a change to the page. Bursts collapse into one cycle once they
// have been quiet for the debounce window.
func (s *Scheduler) Notify() { s.send(request{kind: reqNotify}) }

// send never blocks. After stop every request is dropped; a full buffer means a
// cycle is already queued.
func (s *Scheduler) send(r request) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.requests <- r:
	default:
	}
}

// Cancel stops the scheduler and tears down its timers.
func (s *Scheduler) Cancel() {
	s.cancelled.Store(true)
	s.cancelMu.Lock()
	cancel := s.cancel
	s.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed once the scheduler goroutine has exited.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Reason reports why the scheduler stopped, or Running.
func (s *Scheduler) Reason() StopReason { return StopReason(s.reason.Load()) }

// Attempts reports how many cycles have run.
func (s *Scheduler) Attempts() int { return int(s.attempts.Load()) }

func (s *Scheduler) loop(parent, ctx context.Context, cancel context.CancelFunc) {
	defer close(s.done)
	defer cancel()

	initial := time.NewTimer(s.policy.InitialDelay)
	defer initial.Stop()
	ticker := time.NewTicker(s.policy.Interval)
	defer ticker.Stop()

	var debounceC <-chan time.Time
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	var delayed []*time.Timer
	defer func() {
		for _, t := range delayed {
			t.Stop()
		}
	}()

	stop := func(r StopReason) {
		s.reason.Store(int32(r))
		s.logger.Debug("Scheduler stopped.", zap.Stringer("reason", r), zap.Int64("attempts", s.attempts.Load()))
	}

	// run executes one cycle and reports whether the scheduler should stop.
	run := func() bool {
		if ctx.Err() != nil {
			return false
		}
		n := s.attempts.Add(1)
		outcome := s.cycle(ctx, int(n))
		if ctx.Err() != nil {
			stop(s.contextReason(parent, ctx))
			return true
		}
		if outcome == Terminal {
			stop(ReasonTerminal)
			return true
		}
		if int(n) >= s.policy.MaxAttempts {
			s.logger.Info("Attempt ceiling reached.", zap.Int("max_attempts", s.policy.MaxAttempts))
			stop(ReasonAttempts)
			return true
		}
		return false
	}

	if run() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			stop(s.contextReason(parent, ctx))
			return

		case <-initial.C:
			if run() {
				return
			}

		case <-ticker.C:
			if run() {
				return
			}

		case <-debounceC:
			debounceC = nil
			if run() {
				return
			}

		case <-s.fired:
			if run() {
				return
			}

		case r := <-s.requests:
			switch r.kind {
			case reqRunNow:
				if run() {
					return
				}
			case reqRunAfter:
				if r.delay <= 0 {
					if run() {
						return
					}
					continue
				}
				delayed = append(delayed, time.AfterFunc(r.delay, func() {
					select {
					case s.fired <- struct{}{}:
					default:
					}
				}))
			case reqNotify:
				if s.policy.Debounce <= 0 {
					if run() {
						return
					}
					continue
				}
				debounce.Reset(s.policy.Debounce)
				debounceC = debounce.C
			}
		}
	}
}

// contextReason classifies why the run context ended.
func (s *Scheduler) contextReason(parent, ctx context.Context) StopReason {
	switch {
	case s.cancelled.Load():
		return ReasonCancelled
	case parent.Err() != nil:
		return ReasonContext
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		s.logger.Info("Wall clock ceiling reached.", zap.Duration("max_duration", s.policy.MaxDuration))
		return ReasonDeadline
	}
	return ReasonCancelled
}
