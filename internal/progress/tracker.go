// internal/progress/tracker.go
package progress

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Session keys holding the tracker state.
const (
	KeyStep   = "autoauth.step"
	KeyActive = "autoauth.active"
)

// DefaultGraceDelay is how long Success stays visible before the state is cleared.
const DefaultGraceDelay = 2 * time.Second

// ErrStepRegression is returned when a caller tries to move progress backwards.
var ErrStepRegression = errors.New("progress: step regression")

// Overlay renders progress. Calls happen under the tracker lock, so implementations
// must return promptly.
type Overlay interface {
	SetStep(step Step)
	Destroy()
}

// State is the persisted tracker state.
type State struct {
	Step   Step
	Active bool
}

// Tracker owns the single logical progress state of a login session. It is the only
// writer of the session keys; every page run and frame feeds it through SetStep.
type Tracker struct {
	mu         sync.Mutex
	store      SessionStore
	overlay    Overlay
	logger     *zap.Logger
	graceDelay time.Duration
	graceTimer *time.Timer

	completeOnce sync.Once
	completed    chan struct{}
}

// NewTracker creates a tracker on top of a session store. A nil overlay discards
// rendering; a non-positive grace delay selects DefaultGraceDelay.
func NewTracker(store SessionStore, overlay Overlay, graceDelay time.Duration, logger *zap.Logger) *Tracker {
	if overlay == nil {
		overlay = nopOverlay{}
	}
	if graceDelay <= 0 {
		graceDelay = DefaultGraceDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:      store,
		overlay:    overlay,
		logger:     logger.Named("progress"),
		graceDelay: graceDelay,
		completed:  make(chan struct{}),
	}
}

// Current returns the persisted state, defaulting to {Init, false} when nothing is stored.
func (t *Tracker) Current(ctx context.Context) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.load(ctx)
}

func (t *Tracker) load(ctx context.Context) (State, error) {
	raw, ok, err := t.store.Get(ctx, KeyStep)
	if err != nil {
		return State{}, fmt.Errorf("failed to read step: %w", err)
	}
	if !ok {
		return State{Step: Init}, nil
	}
	step, err := ParseStep(raw)
	if err != nil {
		// Corrupt state is treated as absent rather than wedging the flow.
		t.logger.Warn("Discarding unreadable progress state.", zap.String("raw", raw), zap.Error(err))
		return State{Step: Init}, nil
	}

	active, ok, err := t.store.Get(ctx, KeyActive)
	if err != nil {
		return State{}, fmt.Errorf("failed to read active flag: %w", err)
	}
	return State{Step: step, Active: ok && active == "true"}, nil
}

// Restore re-renders the overlay for an active session, typically on a fresh page load.
func (t *Tracker) Restore(ctx context.Context) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, err := t.load(ctx)
	if err != nil {
		return State{}, err
	}
	if st.Active {
		t.overlay.SetStep(st.Step)
	}
	return st, nil
}

// SetStep records step as the current progress and renders it.
// Re-entering the current step only refreshes the overlay. Moving to an earlier step
// while progress is active returns ErrStepRegression and changes nothing.
func (t *Tracker) SetStep(ctx context.Context, step Step) error {
	if !step.Valid() {
		return fmt.Errorf("progress: invalid step %d", int(step))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur, err := t.load(ctx)
	if err != nil {
		return err
	}
	if cur.Active {
		if step < cur.Step {
			return fmt.Errorf("%w: %s -> %s", ErrStepRegression, cur.Step, step)
		}
		if step == cur.Step {
			t.overlay.SetStep(step)
			return nil
		}
	}

	if err := t.store.Set(ctx, KeyStep, strconv.Itoa(int(step))); err != nil {
		return fmt.Errorf("failed to write step: %w", err)
	}
	if err := t.store.Set(ctx, KeyActive, "true"); err != nil {
		return fmt.Errorf("failed to write active flag: %w", err)
	}
	t.logger.Info("Progress advanced.", zap.Stringer("from", cur.Step), zap.Stringer("to", step))
	t.overlay.SetStep(step)

	if step.Terminal() {
		t.scheduleGraceClear()
	}
	return nil
}

// scheduleGraceClear arms the post-Success clear. Caller holds t.mu.
func (t *Tracker) scheduleGraceClear() {
	if t.graceTimer != nil {
		t.graceTimer.Stop()
	}
	t.graceTimer = time.AfterFunc(t.graceDelay, func() {
		if err := t.Clear(context.Background()); err != nil {
			t.logger.Warn("Failed to clear progress after success.", zap.Error(err))
		}
		t.completeOnce.Do(func() { close(t.completed) })
	})
}

// Clear removes the persisted state, destroys the overlay and cancels a pending grace clear.
// Clearing a session that reached Success completes it.
func (t *Tracker) Clear(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clearLocked(ctx)
}

func (t *Tracker) clearLocked(ctx context.Context) error {
	cur, loadErr := t.load(ctx)
	if loadErr == nil && cur.Active && cur.Step.Terminal() {
		defer t.completeOnce.Do(func() { close(t.completed) })
	}

	if t.graceTimer != nil {
		t.graceTimer.Stop()
		t.graceTimer = nil
	}
	t.overlay.Destroy()
	if err := t.store.Delete(ctx, KeyStep, KeyActive); err != nil {
		return fmt.Errorf("failed to clear progress: %w", err)
	}
	return nil
}

// Reset abandons the current session's progress so the next page starts from Init.
func (t *Tracker) Reset(ctx context.Context, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, err := t.load(ctx)
	if err != nil {
		return err
	}
	if cur.Active {
		t.logger.Info("Progress reset.", zap.Stringer("step", cur.Step), zap.String("reason", reason))
	}
	return t.clearLocked(ctx)
}

// Completed is closed once a Success state has been cleared, by the grace delay or
// by an explicit Clear or Reset.
func (t *Tracker) Completed() <-chan struct{} {
	return t.completed
}

type nopOverlay struct{}

func (nopOverlay) SetStep(Step) {}
func (nopOverlay) Destroy()     {}
