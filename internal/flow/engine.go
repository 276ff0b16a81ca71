// internal/flow/engine.go
package flow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/autoauth/internal/browser"
	"github.com/xkilldash9x/autoauth/internal/classifier"
	"github.com/xkilldash9x/autoauth/internal/config"
	"github.com/xkilldash9x/autoauth/internal/progress"
	"github.com/xkilldash9x/autoauth/internal/relay"
	"github.com/xkilldash9x/autoauth/internal/scheduler"
	"github.com/xkilldash9x/autoauth/internal/store"
)

var (
	// ErrSessionTimeout is returned when the flow does not finish within the session timeout.
	ErrSessionTimeout = errors.New("login flow did not complete before the session timeout")
	// ErrTabClosed is returned when the browser tab goes away mid-flow.
	ErrTabClosed = errors.New("browser tab closed")

	errFlowComplete = errors.New("flow complete")
)

// Engine drives one login session in one tab.
type Engine struct {
	cfg     *config.Config
	tab     Tab
	tracker *progress.Tracker
	creds   store.KV
	rules   classifier.RuleSet
	logger  *zap.Logger
}

// NewEngine wires the engine. The tracker carries the session's progress and owns
// the overlay; creds is read afresh on every cycle.
func NewEngine(cfg *config.Config, tab Tab, tracker *progress.Tracker, creds store.KV, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg,
		tab:     tab,
		tracker: tracker,
		creds:   creds,
		rules:   classifier.RulesFromConfig(cfg.Rules),
		logger:  logger.Named("flow"),
	}
}

// Run navigates to loginURL, or the configured login URL, and drives the flow until
// progress reaches Success and clears, the session times out or ctx ends.
func (e *Engine) Run(ctx context.Context, loginURL string) error {
	if loginURL == "" {
		loginURL = e.cfg.Flow.LoginURL
	}
	if _, err := url.Parse(loginURL); err != nil || loginURL == "" {
		return fmt.Errorf("invalid login url %q", loginURL)
	}

	sessionCtx := ctx
	if t := e.cfg.Flow.SessionTimeout; t > 0 {
		var cancel context.CancelFunc
		sessionCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	e.logger.Info("Starting login flow.", zap.String("url", redactURL(loginURL)))
	g, gctx := errgroup.WithContext(sessionCtx)
	g.Go(func() error { return e.driveTop(gctx, loginURL) })
	g.Go(func() error { return e.watchFrames(gctx) })

	err := g.Wait()
	switch {
	case errors.Is(err, errFlowComplete):
		e.logger.Info("Login flow complete.")
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		e.logger.Warn("Login flow timed out.", zap.Duration("timeout", e.cfg.Flow.SessionTimeout))
		return fmt.Errorf("%w (%s)", ErrSessionTimeout, e.cfg.Flow.SessionTimeout)
	}
	return err
}

// -- Top-level document --

func (e *Engine) driveTop(ctx context.Context, loginURL string) error {
	top := e.tab.Top()
	rl := relay.New(e.tracker, e.isSecondFactorHost, e.cfg.Relay.RatePerSecond, e.cfg.Relay.Burst, e.logger)

	var (
		cur    *PageRun
		curURL string
	)
	defer func() {
		if cur != nil {
			cur.Stop()
		}
	}()
	restart := func(pageURL string) {
		if cur != nil {
			cur.Stop()
			cur = nil
		}
		curURL = pageURL
		cur = e.onTopLoad(ctx, top, pageURL)
	}

	if err := top.Navigate(ctx, loginURL); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.tracker.Completed():
			return errFlowComplete
		case <-top.Done():
			return ErrTabClosed
		case evt := <-top.Events():
			switch evt.Kind {
			case browser.NavigationEvent:
				if evt.SameDocument && !routeChanged(curURL, evt.URL) {
					if cur != nil {
						cur.Notify()
					}
					continue
				}
				// A new route inside the same document gets a fresh attempt budget too.
				restart(evt.URL)
			case browser.MutationEvent:
				if cur != nil {
					cur.Notify()
				}
			case browser.RelayEvent:
				if err := rl.Handle(ctx, evt.Origin, evt.Data); err != nil {
					e.logger.Debug("Relay message dropped.", zap.Error(err))
				}
			}
		}
	}
}

// onTopLoad starts a fresh run for a new top-level document, or settles progress
// when the document left the flow.
func (e *Engine) onTopLoad(ctx context.Context, doc Document, pageURL string) *PageRun {
	host := hostOf(pageURL)
	if !e.inFlow(host) {
		e.leaveFlow(ctx, pageURL)
		return nil
	}

	if _, err := e.tracker.Restore(ctx); err != nil {
		e.logger.Warn("Failed to restore progress.", zap.Error(err))
	}
	run := NewPageRun(doc, pageURL, RunOptions{
		Sink:        e.tracker,
		Tracker:     e.tracker,
		Credentials: e.creds,
		Rules:       e.rules,
		Policy:      scheduler.PolicyFromConfig(e.cfg.Scheduler),
		Ladder:      e.cfg.Injector.Ladder,
		Timing:      e.cfg.Timing,
		IdleCheck:   !e.isSecondFactorHost(host),
	}, e.logger)
	if err := run.Start(ctx); err != nil {
		e.logger.Error("Failed to start page run.", zap.Error(err))
		return nil
	}
	return run
}

// leaveFlow handles a load outside the flow hosts. Past Finalizing the provider has
// accepted the login and is handing off; anything earlier was abandoned.
func (e *Engine) leaveFlow(ctx context.Context, pageURL string) {
	st, err := e.tracker.Current(ctx)
	if err != nil {
		e.logger.Warn("Failed to read progress.", zap.Error(err))
		return
	}
	if !st.Active {
		return
	}
	if st.Step >= progress.Finalizing {
		if err := e.tracker.SetStep(ctx, progress.Success); err != nil && !errors.Is(err, progress.ErrStepRegression) {
			e.logger.Warn("Failed to record success.", zap.Error(err))
		}
		return
	}
	if err := e.tracker.Reset(ctx, "navigated outside the login flow"); err != nil {
		e.logger.Warn("Failed to reset progress.", zap.Error(err))
	}
}

// -- Embedded frames --

func (e *Engine) watchFrames(ctx context.Context) error {
	frames, err := e.tab.WatchFrames(ctx, func(u string) bool { return e.isSecondFactorHost(hostOf(u)) })
	if err != nil {
		e.logger.Warn("Embedded frame discovery unavailable.", zap.Error(err))
		<-ctx.Done()
		return nil
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case doc := <-frames:
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.driveFrame(ctx, doc)
			}()
		}
	}
}

// driveFrame runs the second-factor frame until it goes away. Its progress reaches
// the tracker only through relay messages posted to the parent.
func (e *Engine) driveFrame(ctx context.Context, doc Document) {
	sink := relay.NewFrameSink(doc, e.logger)
	start := func(pageURL string) *PageRun {
		run := NewPageRun(doc, pageURL, RunOptions{
			Sink:        sink,
			Credentials: e.creds,
			Rules:       e.rules,
			Policy:      scheduler.PolicyFromConfig(e.cfg.FrameScheduler),
			Ladder:      e.cfg.Injector.Ladder,
			Timing:      e.cfg.Timing,
		}, e.logger.Named("frame"))
		if err := run.Start(ctx); err != nil {
			e.logger.Error("Failed to start frame run.", zap.Error(err))
			return nil
		}
		return run
	}

	cur := start("")
	curURL := ""
	defer func() {
		if cur != nil {
			cur.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-doc.Done():
			return
		case evt := <-doc.Events():
			switch {
			case evt.Kind == browser.NavigationEvent && (!evt.SameDocument || routeChanged(curURL, evt.URL)):
				if cur != nil {
					cur.Stop()
				}
				curURL = evt.URL
				cur = start(evt.URL)
			case evt.Kind == browser.NavigationEvent && curURL == "":
				// The frame was attached mid-load; its first route report names the current run.
				curURL = evt.URL
				if cur != nil {
					cur.Notify()
				}
			case cur != nil && (evt.Kind == browser.MutationEvent || evt.Kind == browser.NavigationEvent):
				cur.Notify()
			}
		}
	}
}

// routeChanged reports whether a same-document navigation moved from prev to a
// different URL. An unknown prev is not a change.
func routeChanged(prev, next string) bool {
	return prev != "" && next != "" && prev != next
}

// -- Hosts --

func (e *Engine) inFlow(host string) bool {
	return e.cfg.Flow.OwnsHost(host) || e.isSecondFactorHost(host)
}

func (e *Engine) isSecondFactorHost(host string) bool {
	if e.cfg.Flow.SecondFactorHost == "" {
		return false
	}
	return config.HostMatches(host, []string{e.cfg.Flow.SecondFactorHost})
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
