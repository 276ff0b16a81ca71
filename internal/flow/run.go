// internal/flow/run.go
package flow

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoauth/internal/classifier"
	"github.com/xkilldash9x/autoauth/internal/config"
	"github.com/xkilldash9x/autoauth/internal/injector"
	"github.com/xkilldash9x/autoauth/internal/progress"
	"github.com/xkilldash9x/autoauth/internal/scheduler"
	"github.com/xkilldash9x/autoauth/internal/store"
)

// RunOptions holds what a PageRun needs besides the document it drives.
type RunOptions struct {
	Sink StepSink
	// Tracker is set only for the top-level document. It enters the flow on a fresh
	// login surface, is reset when automation is disabled and judges idle completion.
	Tracker     *progress.Tracker
	Credentials store.KV
	Rules       classifier.RuleSet
	Policy      scheduler.Policy
	Ladder      []time.Duration
	Timing      config.TimingConfig
	// IdleCheck arms the one-shot idle completion check for this load.
	IdleCheck bool
}

// PageRun is the automation for a single load of one document. Everything in it,
// the attempt counter included, dies with the load.
type PageRun struct {
	id       string
	url      string
	doc      Document
	opts     RunOptions
	injector *injector.Injector
	sched    *scheduler.Scheduler
	logger   *zap.Logger

	// acted records button steps already taken on this load. Only the cycle
	// goroutine touches it.
	acted map[string]bool

	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// NewPageRun prepares a run for the document currently loaded at pageURL.
func NewPageRun(doc Document, pageURL string, opts RunOptions, logger *zap.Logger) *PageRun {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	r := &PageRun{
		id:    id,
		url:   pageURL,
		doc:   doc,
		opts:  opts,
		acted: make(map[string]bool),
	}
	r.logger = logger.Named("run").With(zap.String("run_id", id), zap.String("url", redactURL(pageURL)))
	r.injector = injector.New(doc, opts.Ladder, r.logger)
	r.sched = scheduler.New(opts.Policy, r.cycle, r.logger)
	return r
}

// ID identifies the run in logs.
func (r *PageRun) ID() string { return r.id }

// Start launches the scheduler and, when asked, the idle completion check.
func (r *PageRun) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	if err := r.sched.Start(ctx); err != nil {
		cancel()
		return err
	}
	r.started = true
	if r.opts.IdleCheck && r.opts.Tracker != nil && r.opts.Timing.IdleCompletion > 0 {
		r.wg.Add(1)
		go r.idleWatch(ctx, r.opts.Timing.IdleCompletion)
	}
	r.logger.Debug("Page run started.")
	return nil
}

// Notify reports a document change; the scheduler debounces bursts.
func (r *PageRun) Notify() { r.sched.Notify() }

// Done is closed once the scheduler has stopped.
func (r *PageRun) Done() <-chan struct{} { return r.sched.Done() }

// Attempts is the number of cycles this load has used.
func (r *PageRun) Attempts() int { return r.sched.Attempts() }

// Stop tears the run down and waits for its goroutines.
func (r *PageRun) Stop() {
	r.sched.Cancel()
	if r.cancel != nil {
		r.cancel()
	}
	if !r.started {
		return
	}
	<-r.sched.Done()
	r.wg.Wait()
}

// -- Cycle --

func (r *PageRun) cycle(ctx context.Context, attempt int) scheduler.Outcome {
	creds, err := store.Load(ctx, r.opts.Credentials)
	if err != nil {
		if ctx.Err() != nil {
			return scheduler.Terminal
		}
		r.logger.Warn("Credential store unavailable, skipping cycle.", zap.Int("attempt", attempt), zap.Error(err))
		return scheduler.Continue
	}
	if !creds.AutomationEnabled {
		if r.opts.Tracker != nil {
			if err := r.opts.Tracker.Reset(ctx, "automation disabled"); err != nil {
				r.logger.Warn("Failed to reset progress.", zap.Error(err))
			}
		}
		r.logger.Info("Automation disabled, standing down.")
		return scheduler.Terminal
	}
	if !creds.Configured() {
		r.logger.Info("Credentials not configured, standing down.")
		return scheduler.Terminal
	}

	sig, ok := r.inspect(ctx)
	if !ok {
		if ctx.Err() != nil {
			return scheduler.Terminal
		}
		return scheduler.Continue
	}
	r.enterFlow(ctx, sig)

	m, ok := classifier.Classify(sig)
	if !ok {
		r.logger.Debug("No known step on page.", zap.Int("attempt", attempt))
		return scheduler.Continue
	}
	r.logger.Debug("Step recognized.", zap.String("rule", m.Rule), zap.Int("attempt", attempt))
	return r.act(ctx, m, creds)
}

func (r *PageRun) inspect(ctx context.Context) (classifier.PageSignature, bool) {
	snap, err := r.doc.Snapshot(ctx)
	if err != nil {
		r.logger.Debug("Snapshot failed.", zap.Error(err))
		return classifier.PageSignature{}, false
	}
	sig, err := classifier.Inspect(snap, r.opts.Rules)
	if err != nil {
		r.logger.Debug("Document could not be inspected.", zap.Error(err))
		return classifier.PageSignature{}, false
	}
	return sig, true
}

// enterFlow starts progress at Init the first time a login surface is seen.
func (r *PageRun) enterFlow(ctx context.Context, sig classifier.PageSignature) {
	if r.opts.Tracker == nil || !classifier.HasAuthSurface(sig) {
		return
	}
	st, err := r.opts.Tracker.Current(ctx)
	if err != nil || st.Active {
		return
	}
	r.advance(ctx, progress.Init)
}

func (r *PageRun) act(ctx context.Context, m classifier.Match, creds store.Credentials) scheduler.Outcome {
	switch m.Action {
	case classifier.FillAndSubmit:
		r.fillAndSubmit(ctx, m, creds)
		return scheduler.Continue

	case classifier.Submit:
		if m.Rule == classifier.RuleDeviceTrust {
			return r.confirmDevice(ctx, m, creds)
		}
		r.verifySecondFactor(ctx, m)
		return scheduler.Continue

	case classifier.Observe:
		r.advance(ctx, m.Step)
		return scheduler.Continue

	case classifier.Complete:
		r.advance(ctx, m.Step)
		return scheduler.Terminal
	}
	return scheduler.Continue
}

func (r *PageRun) fillAndSubmit(ctx context.Context, m classifier.Match, creds store.Credentials) {
	value := creds.Identity
	if m.Credential == classifier.SecretCredential {
		value = creds.Secret
	}
	r.advance(ctx, m.Step)

	if err := r.injector.Inject(ctx, m.Field, value); err != nil {
		switch {
		case errors.Is(err, injector.ErrAlreadyFilled):
			r.logger.Debug("Field already filled by the page.", zap.String("rule", m.Rule))
		case errors.Is(err, injector.ErrElementNotFound):
			r.logger.Debug("Field vanished before injection.", zap.String("rule", m.Rule))
		default:
			r.logger.Warn("Injection failed.", zap.String("rule", m.Rule), zap.Error(err))
		}
		return
	}
	if err := sleep(ctx, r.opts.Timing.SubmitDelay); err != nil {
		return
	}
	r.submit(ctx, m)
}

func (r *PageRun) verifySecondFactor(ctx context.Context, m classifier.Match) {
	if r.acted[m.Rule] {
		return
	}
	r.acted[m.Rule] = true
	r.advance(ctx, m.Step)

	if err := sleep(ctx, r.opts.Timing.VerifyDelay); err != nil {
		return
	}
	r.submit(ctx, m)
	if err := sleep(ctx, r.opts.Timing.ChallengeAdvance); err != nil {
		return
	}
	r.advance(ctx, progress.AuthenticatingChallenge)
}

func (r *PageRun) confirmDevice(ctx context.Context, m classifier.Match, creds store.Credentials) scheduler.Outcome {
	if !creds.AutoConfirmDeviceTrust {
		r.logger.Debug("Device trust prompt left to the user.")
		return scheduler.Continue
	}
	if r.acted[m.Rule] {
		return scheduler.Continue
	}
	r.acted[m.Rule] = true

	if err := sleep(ctx, r.opts.Timing.TrustDelay); err != nil {
		return scheduler.Terminal
	}
	r.submit(ctx, m)
	r.advance(ctx, progress.Finalizing)
	if err := sleep(ctx, r.opts.Timing.SuccessSettle); err != nil {
		return scheduler.Terminal
	}
	r.advance(ctx, progress.Success)
	return scheduler.Terminal
}

func (r *PageRun) submit(ctx context.Context, m classifier.Match) {
	report, err := r.injector.Submit(ctx, m.Control)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("Submit failed.", zap.String("rule", m.Rule), zap.Error(err))
		}
		return
	}
	r.logger.Debug("Submitted.",
		zap.String("rule", m.Rule),
		zap.Int("rungs", len(report.Dispatched)),
		zap.Bool("vanished", report.Vanished),
	)
}

// advance reports step to the sink. A regression means another context already
// moved progress further, which is expected and not worth more than a debug line.
func (r *PageRun) advance(ctx context.Context, step progress.Step) {
	err := r.opts.Sink.SetStep(ctx, step)
	switch {
	case err == nil:
	case errors.Is(err, progress.ErrStepRegression):
		r.logger.Debug("Progress already past step.", zap.Stringer("step", step))
	case ctx.Err() != nil:
	default:
		r.logger.Warn("Failed to record progress.", zap.Stringer("step", step), zap.Error(err))
	}
}

// -- Idle completion --

// idleWatch completes an active flow that settles on a page with no login surface,
// such as the application page the provider finally redirects to.
func (r *PageRun) idleWatch(ctx context.Context, after time.Duration) {
	defer r.wg.Done()
	if err := sleep(ctx, after); err != nil {
		return
	}
	st, err := r.opts.Tracker.Current(ctx)
	if err != nil || !st.Active {
		return
	}
	sig, ok := r.inspect(ctx)
	if !ok || classifier.HasAuthSurface(sig) {
		return
	}
	r.logger.Info("Page settled without a login surface, completing flow.")
	r.advance(ctx, progress.Success)
}

func sleep(ctx context.Context, d time.Duration) error {
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

// redactURL drops the query and fragment, which may carry session tokens.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String()
}
