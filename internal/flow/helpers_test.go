// internal/flow/helpers_test.go
package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/autoauth/internal/browser"
	"github.com/xkilldash9x/autoauth/internal/classifier"
	"github.com/xkilldash9x/autoauth/internal/config"
	"github.com/xkilldash9x/autoauth/internal/injector"
	"github.com/xkilldash9x/autoauth/internal/progress"
	"github.com/xkilldash9x/autoauth/internal/store"
)

const waitFor = 3 * time.Second

const (
	nextButton   = `input[type="submit"][value="Next"]`
	verifyButton = `input[type="submit"][value="Verify"]`
	identitySel  = `input[name="identifier"]`
	secretSel    = `input[name="credentials.passcode"]`
)

func html(body string) string {
	return "<!DOCTYPE html><html><head><title>t</title></head><body>" + body + "</body></html>"
}

var (
	identityPage = html(`<h2>Sign In</h2><form><input name="identifier" value=""><input type="submit" value="Next"></form>`)
	secretPage   = html(`<h2>Sign In</h2><form><input type="password" name="credentials.passcode" value=""><input type="submit" value="Verify"></form>`)
	duoPage      = html(`<h1>Duo Two-Factor Login</h1><form><input type="submit" value="Verify"></form>`)
	passkeyPage  = html(`<h1>Duo</h1><p>Use your passkey</p>`)
	trustPage    = html(`<p>Is this your device?</p><button id="trust-browser-button">Yes, this is my device</button>`)
	appPage      = html(`<p>Welcome back</p>`)
)

// simPage is one page of a scripted flow. The simulation moves to the next page when
// the page's control is activated, or after the given number of snapshots.
type simPage struct {
	url       string
	html      string
	snapshots int
}

// fakeDoc is an in-memory document driven by a page script.
type fakeDoc struct {
	mu          sync.Mutex
	pages       []simPage
	idx         int
	seen        int
	values      map[string]string
	activations []string
	posted      []string
	snapErr     error
	onPost      func(payload []byte)
	events      chan browser.Event
	done        chan struct{}
	closeOnce   sync.Once
}

var _ Document = (*fakeDoc)(nil)

func newFakeDoc(pages ...simPage) *fakeDoc {
	return &fakeDoc{
		pages:  pages,
		idx:    -1,
		values: make(map[string]string),
		events: make(chan browser.Event, 128),
		done:   make(chan struct{}),
	}
}

// showing loads page i, as if the browser finished navigating there.
func (d *fakeDoc) showing(i int) *fakeDoc {
	d.mu.Lock()
	d.idx = i
	d.mu.Unlock()
	return d
}

// advanceLocked moves to the next page and returns its navigation event.
func (d *fakeDoc) advanceLocked() (browser.Event, bool) {
	if d.idx+1 >= len(d.pages) {
		return browser.Event{}, false
	}
	d.idx++
	d.seen = 0
	d.values = make(map[string]string)
	return browser.Event{Kind: browser.NavigationEvent, URL: d.pages[d.idx].url}, true
}

func (d *fakeDoc) emit(evt browser.Event) { d.events <- evt }

func (d *fakeDoc) Value(_ context.Context, selector string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.values[selector], nil
}

func (d *fakeDoc) SetValue(_ context.Context, selector, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[selector] = value
	return nil
}

func (d *fakeDoc) Dispatch(context.Context, string, string) error { return nil }

func (d *fakeDoc) RemoveAttribute(context.Context, string, string) error { return nil }

func (d *fakeDoc) Activate(_ context.Context, selector string, _ injector.ActivationMode) error {
	d.mu.Lock()
	d.activations = append(d.activations, selector)
	evt, ok := d.advanceLocked()
	d.mu.Unlock()
	if ok {
		d.emit(evt)
	}
	return nil
}

func (d *fakeDoc) Snapshot(context.Context) (classifier.Snapshot, error) {
	d.mu.Lock()
	if d.snapErr != nil {
		d.mu.Unlock()
		return classifier.Snapshot{}, d.snapErr
	}
	if d.idx < 0 {
		d.mu.Unlock()
		return classifier.Snapshot{URL: "about:blank", HTML: html("")}, nil
	}
	p := d.pages[d.idx]
	d.seen++
	var (
		evt browser.Event
		ok  bool
	)
	if p.snapshots > 0 && d.seen >= p.snapshots {
		evt, ok = d.advanceLocked()
	}
	d.mu.Unlock()
	if ok {
		d.emit(evt)
	}
	return classifier.Snapshot{URL: p.url, HTML: p.html}, nil
}

func (d *fakeDoc) Navigate(_ context.Context, url string) error {
	d.mu.Lock()
	d.idx = 0
	d.seen = 0
	d.mu.Unlock()
	d.emit(browser.Event{Kind: browser.NavigationEvent, URL: url})
	return nil
}

func (d *fakeDoc) PostToParent(_ context.Context, payload []byte) error {
	d.mu.Lock()
	d.posted = append(d.posted, string(payload))
	hook := d.onPost
	d.mu.Unlock()
	if hook != nil {
		hook(payload)
	}
	return nil
}

func (d *fakeDoc) Events() <-chan browser.Event { return d.events }
func (d *fakeDoc) Done() <-chan struct{}        { return d.done }

func (d *fakeDoc) close() { d.closeOnce.Do(func() { close(d.done) }) }

func (d *fakeDoc) activated() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.activations...)
}

func (d *fakeDoc) postedPayloads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.posted...)
}

func (d *fakeDoc) value(selector string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.values[selector]
}

// fakeTab serves a top document and hands out frames pushed by the test.
type fakeTab struct {
	top      *fakeDoc
	frames   chan Document
	watchErr error
}

func (t *fakeTab) Top() Document { return t.top }

func (t *fakeTab) WatchFrames(context.Context, func(string) bool) (<-chan Document, error) {
	if t.watchErr != nil {
		return nil, t.watchErr
	}
	return t.frames, nil
}

// recordingOverlay keeps every step the tracker rendered.
type recordingOverlay struct {
	mu        sync.Mutex
	steps     []progress.Step
	destroyed int
}

func (o *recordingOverlay) SetStep(s progress.Step) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps = append(o.steps, s)
}

func (o *recordingOverlay) Destroy() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.destroyed++
}

func (o *recordingOverlay) rendered() []progress.Step {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]progress.Step(nil), o.steps...)
}

// failingKV rejects every read.
type failingKV struct{}

func (failingKV) Get(context.Context, ...string) (map[string]string, error) {
	return nil, errors.New("database is locked")
}
func (failingKV) Set(context.Context, map[string]string) error { return errors.New("database is locked") }
func (failingKV) Remove(context.Context, ...string) error      { return errors.New("database is locked") }
func (failingKV) Close() error                                 { return nil }

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	fast := config.SchedulerConfig{
		InitialDelay: 10 * time.Millisecond,
		Interval:     15 * time.Millisecond,
		MaxAttempts:  6,
		MaxDuration:  2 * time.Second,
	}
	cfg.Scheduler = fast
	cfg.FrameScheduler = fast
	cfg.Injector.Ladder = []time.Duration{0}
	cfg.Timing = config.TimingConfig{
		SubmitDelay:      time.Millisecond,
		VerifyDelay:      time.Millisecond,
		ChallengeAdvance: time.Millisecond,
		TrustDelay:       time.Millisecond,
		SuccessSettle:    time.Millisecond,
		GraceDelay:       20 * time.Millisecond,
	}
	cfg.Flow.LoginURL = "https://okta.uchicago.edu/"
	cfg.Flow.SessionTimeout = 5 * time.Second
	return cfg
}

func newCredentials(t *testing.T) store.KV {
	t.Helper()
	kv := store.NewMemory()
	require.NoError(t, store.SaveCredentials(context.Background(), kv, "alice", "hunter2"))
	return kv
}

func newTracker(cfg *config.Config, overlay progress.Overlay) *progress.Tracker {
	return progress.NewTracker(progress.NewMemorySessionStore(), overlay, cfg.Timing.GraceDelay, nil)
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func currentStep(t *testing.T, tr *progress.Tracker) progress.State {
	t.Helper()
	st, err := tr.Current(context.Background())
	require.NoError(t, err)
	return st
}
