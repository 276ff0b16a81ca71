// internal/injector/injector.go
package injector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrElementNotFound is reported by a Page when no element matches a selector.
	ErrElementNotFound = errors.New("injector: element not found")
	// ErrAlreadyFilled is returned by Inject when the field already holds a value.
	ErrAlreadyFilled = errors.New("injector: field already filled")
)

// ActivationMode selects how a control is activated on a ladder rung.
type ActivationMode int

const (
	// DirectActivation invokes the element's own click().
	DirectActivation ActivationMode = iota
	// FocusActivation focuses the element and then clicks it.
	FocusActivation
	// PointerActivation synthesizes a full pointer press and release at the element.
	PointerActivation
)

func (m ActivationMode) String() string {
	switch m {
	case DirectActivation:
		return "direct"
	case FocusActivation:
		return "focus"
	case PointerActivation:
		return "pointer"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Page is the narrow DOM surface the injector drives. Every method must return an
// error wrapping ErrElementNotFound when the selector matches nothing.
type Page interface {
	Value(ctx context.Context, selector string) (string, error)
	// SetValue focuses the element and assigns its value.
	SetValue(ctx context.Context, selector, value string) error
	Dispatch(ctx context.Context, selector, event string) error
	RemoveAttribute(ctx context.Context, selector, attr string) error
	Activate(ctx context.Context, selector string, mode ActivationMode) error
}

// DefaultLadder is the submit retry schedule, measured from the first rung.
var DefaultLadder = []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond}

// editEvents are dispatched after a value is assigned, in this order.
var editEvents = []string{"input", "change", "blur"}

// Injector writes credentials into form fields and submits them.
type Injector struct {
	page   Page
	ladder []time.Duration
	logger *zap.Logger
}

// New creates an injector for page. An empty ladder selects DefaultLadder.
func New(page Page, ladder []time.Duration, logger *zap.Logger) *Injector {
	if len(ladder) == 0 {
		ladder = DefaultLadder
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Injector{
		page:   page,
		ladder: append([]time.Duration(nil), ladder...),
		logger: logger.Named("injector"),
	}
}

// Inject assigns value to an empty field and fires the events frameworks listen for.
// A field that already has a value is left untouched and ErrAlreadyFilled returned.
func (i *Injector) Inject(ctx context.Context, selector, value string) error {
	current, err := i.page.Value(ctx, selector)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", selector, err)
	}
	if current != "" {
		return ErrAlreadyFilled
	}

	if err := i.page.SetValue(ctx, selector, value); err != nil {
		return fmt.Errorf("failed to set %s: %w", selector, err)
	}
	for _, ev := range editEvents {
		if err := i.page.Dispatch(ctx, selector, ev); err != nil {
			return fmt.Errorf("failed to dispatch %s on %s: %w", ev, selector, err)
		}
	}
	if err := i.page.RemoveAttribute(ctx, selector, "aria-invalid"); err != nil {
		return fmt.Errorf("failed to clear validation state on %s: %w", selector, err)
	}
	i.logger.Debug("Field injected.", zap.String("selector", selector))
	return nil
}

// SubmitReport records which ladder rungs were dispatched.
type SubmitReport struct {
	Dispatched []ActivationMode
	// Vanished is set when the control disappeared before the ladder finished.
	Vanished bool
}

// Submit walks the retry ladder against selector, one rung at a time. A control that
// is missing or disappears ends the ladder without error; the ladder never extends
// past its last rung.
func (i *Injector) Submit(ctx context.Context, selector string) (SubmitReport, error) {
	var report SubmitReport
	if selector == "" {
		report.Vanished = true
		return report, nil
	}

	start := time.Now()
	for rung, at := range i.ladder {
		if err := sleepUntil(ctx, start.Add(at)); err != nil {
			return report, err
		}

		mode := modeForRung(rung)
		err := i.page.Activate(ctx, selector, mode)
		switch {
		case errors.Is(err, ErrElementNotFound):
			i.logger.Debug("Submit control gone, ending ladder.",
				zap.String("selector", selector), zap.Int("rung", rung+1))
			report.Vanished = true
			return report, nil
		case err != nil:
			return report, fmt.Errorf("rung %d (%s) on %s: %w", rung+1, mode, selector, err)
		}
		report.Dispatched = append(report.Dispatched, mode)
	}
	return report, nil
}

func modeForRung(rung int) ActivationMode {
	if rung >= int(PointerActivation) {
		return PointerActivation
	}
	return ActivationMode(rung)
}

func sleepUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
