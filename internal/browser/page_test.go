// internal/browser/page_test.go
package browser

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoauth/internal/injector"
)

// fakeCDP stands in for the browser: scripted results per DOM op, recorded actions.
type fakeCDP struct {
	mu       sync.Mutex
	scripts  []string
	actions  []chromedp.Action
	results  map[string]domResult
	evalErr  error
	inputErr error
	snapshot snapshotResult
}

func newFakeCDP() *fakeCDP {
	return &fakeCDP{results: make(map[string]domResult)}
}

func (f *fakeCDP) eval(ctx context.Context, expr string, res any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, expr)
	if f.evalErr != nil {
		return f.evalErr
	}
	switch r := res.(type) {
	case *domResult:
		for op, out := range f.results {
			if strings.HasSuffix(expr, `, "`+op+`", `+argOf(expr)+`)`) {
				*r = out
				return nil
			}
		}
		*r = domResult{Found: true}
	case *snapshotResult:
		*r = f.snapshot
	}
	return nil
}

// argOf returns the trailing argument literal of a domScript call.
func argOf(expr string) string {
	i := strings.LastIndex(expr, ", ")
	return strings.TrimSuffix(expr[i+2:], ")")
}

func (f *fakeCDP) run(ctx context.Context, actions ...chromedp.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, actions...)
	return f.inputErr
}

func (f *fakeCDP) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ops []string
	for _, s := range f.scripts {
		for _, op := range []string{"value", "set", "dispatch", "removeAttr", "focusClick", "click", "point", "syntheticClick"} {
			if strings.Contains(s, `, "`+op+`", `) {
				ops = append(ops, op)
				break
			}
		}
	}
	return ops
}

func newTestPage(t *testing.T, inFrame bool) (*Page, *fakeCDP) {
	t.Helper()
	f := newFakeCDP()
	p := newPage(context.Background(), inFrame, time.Second, zaptest.NewLogger(t))
	p.evalFunc = f.eval
	p.runActionsFunc = f.run
	return p, f
}

func TestPageValueAndSet(t *testing.T) {
	p, f := newTestPage(t, false)
	f.results["value"] = domResult{Found: true, Value: "alice"}

	v, err := p.Value(context.Background(), "#username")
	require.NoError(t, err)
	assert.Equal(t, "alice", v)

	require.NoError(t, p.SetValue(context.Background(), "#username", `bob"s`))
	require.NoError(t, p.Dispatch(context.Background(), "#username", "input"))
	require.NoError(t, p.RemoveAttribute(context.Background(), "#username", "aria-invalid"))

	assert.Equal(t, []string{"value", "set", "dispatch", "removeAttr"}, f.ops())
	assert.Contains(t, f.scripts[1], `"#username", "set", "bob\"s"`, "arguments are passed as JS string literals")
}

func TestPageMissingElement(t *testing.T) {
	p, f := newTestPage(t, false)
	f.results["value"] = domResult{Found: false}

	_, err := p.Value(context.Background(), "#gone")
	assert.ErrorIs(t, err, injector.ErrElementNotFound)
}

func TestPageDestroyedContextIsNotFound(t *testing.T) {
	p, f := newTestPage(t, false)
	f.evalErr = errors.New("exception: Execution context was destroyed.")

	err := p.SetValue(context.Background(), "#username", "x")
	assert.ErrorIs(t, err, injector.ErrElementNotFound)

	f.evalErr = errors.New("socket closed")
	err = p.SetValue(context.Background(), "#username", "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, injector.ErrElementNotFound)
}

func TestPageActivateModes(t *testing.T) {
	t.Run("Direct", func(t *testing.T) {
		p, f := newTestPage(t, false)
		require.NoError(t, p.Activate(context.Background(), "#next", injector.DirectActivation))
		assert.Equal(t, []string{"click"}, f.ops())
		assert.Empty(t, f.actions)
	})

	t.Run("Focus", func(t *testing.T) {
		p, f := newTestPage(t, false)
		require.NoError(t, p.Activate(context.Background(), "#next", injector.FocusActivation))
		assert.Equal(t, []string{"focusClick"}, f.ops())
	})

	t.Run("Pointer", func(t *testing.T) {
		p, f := newTestPage(t, false)
		f.results["point"] = domResult{Found: true, X: 40, Y: 20, Width: 80, Height: 40}
		require.NoError(t, p.Activate(context.Background(), "#next", injector.PointerActivation))

		assert.Equal(t, []string{"point"}, f.ops())
		require.Len(t, f.actions, 3)
		var types []input.MouseType
		for _, a := range f.actions {
			ev, ok := a.(*input.DispatchMouseEventParams)
			require.True(t, ok)
			assert.Equal(t, 40.0, ev.X)
			assert.Equal(t, 20.0, ev.Y)
			types = append(types, ev.Type)
		}
		assert.Equal(t, []input.MouseType{input.MouseMoved, input.MousePressed, input.MouseReleased}, types)
		pressed := f.actions[1].(*input.DispatchMouseEventParams)
		assert.Equal(t, input.Left, pressed.Button)
		assert.Equal(t, int64(1), pressed.ClickCount)
	})

	t.Run("PointerFallsBackToSyntheticClick", func(t *testing.T) {
		p, f := newTestPage(t, false)
		f.results["point"] = domResult{Found: true, X: 40, Y: 20, Width: 80, Height: 40}
		f.inputErr = errors.New("input dispatch refused")
		require.NoError(t, p.Activate(context.Background(), "#next", injector.PointerActivation))
		assert.Equal(t, []string{"point", "syntheticClick"}, f.ops())
	})

	t.Run("ZeroSizeSkipsPointerInput", func(t *testing.T) {
		p, f := newTestPage(t, false)
		f.results["point"] = domResult{Found: true}
		require.NoError(t, p.Activate(context.Background(), "#next", injector.PointerActivation))
		assert.Empty(t, f.actions)
		assert.Equal(t, []string{"point", "syntheticClick"}, f.ops())
	})
}

func TestPageSnapshot(t *testing.T) {
	p, f := newTestPage(t, true)
	f.snapshot = snapshotResult{URL: "https://api.duosecurity.com/frame", HTML: "<!DOCTYPE html><html></html>"}

	snap, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://api.duosecurity.com/frame", snap.URL)
	assert.True(t, snap.InFrame)
	assert.Contains(t, f.scripts[0], `"•"`, "password values never leave the page")
}

func TestPostToParent(t *testing.T) {
	top, _ := newTestPage(t, false)
	assert.Error(t, top.PostToParent(context.Background(), []byte(`{}`)))

	frame, f := newTestPage(t, true)
	require.NoError(t, frame.PostToParent(context.Background(), []byte(`{"type":"login-progress","status":"success"}`)))
	require.Len(t, f.scripts, 1)
	assert.Contains(t, f.scripts[0], "window.parent.postMessage")
	assert.Contains(t, f.scripts[0], `\"status\":\"success\"`)
}

func TestParseBridgePayload(t *testing.T) {
	evt, err := parseBridgePayload(`{"kind":"mutation"}`)
	require.NoError(t, err)
	assert.Equal(t, MutationEvent, evt.Kind)

	evt, err = parseBridgePayload(`{"kind":"relay","origin":"https://api.duosecurity.com","data":"{\"type\":\"login-progress\"}"}`)
	require.NoError(t, err)
	assert.Equal(t, RelayEvent, evt.Kind)
	assert.Equal(t, "https://api.duosecurity.com", evt.Origin)
	assert.JSONEq(t, `{"type":"login-progress"}`, string(evt.Data))

	_, err = parseBridgePayload(`{"kind":"keylog"}`)
	assert.Error(t, err)
	_, err = parseBridgePayload(`not json`)
	assert.Error(t, err)
}

func TestHandleCDPEvent(t *testing.T) {
	p, _ := newTestPage(t, false)
	const own = cdp.FrameID("TOP")

	p.handleCDPEvent(own, &runtime.EventBindingCalled{Name: "somethingElse", Payload: `{"kind":"mutation"}`})
	p.handleCDPEvent(own, &runtime.EventBindingCalled{Name: BindingName, Payload: `{"kind":"mutation"}`})
	p.handleCDPEvent(own, &page.EventFrameNavigated{Frame: &cdp.Frame{ID: "CHILD", URL: "https://ads.example"}})
	p.handleCDPEvent(own, &page.EventFrameNavigated{Frame: &cdp.Frame{ID: own, URL: "https://login.example.edu/idp"}})
	p.handleCDPEvent(own, &page.EventNavigatedWithinDocument{FrameID: own, URL: "https://login.example.edu/idp#mfa"})

	var got []Event
	for len(p.Events()) > 0 {
		got = append(got, <-p.Events())
	}
	require.Len(t, got, 3, "foreign bindings and child frames are ignored")
	assert.Equal(t, MutationEvent, got[0].Kind)
	assert.Equal(t, Event{Kind: NavigationEvent, URL: "https://login.example.edu/idp"}, got[1])
	assert.Equal(t, Event{Kind: NavigationEvent, URL: "https://login.example.edu/idp#mfa", SameDocument: true}, got[2])
}

func TestDeliverNeverBlocks(t *testing.T) {
	p, _ := newTestPage(t, false)
	for i := 0; i < eventBuffer+10; i++ {
		p.deliver(Event{Kind: MutationEvent})
	}
	assert.Len(t, p.events, eventBuffer)
}

func TestBridgeScript(t *testing.T) {
	script := BridgeScript()
	assert.Contains(t, script, `window["__autoauthBridge"]`)
	assert.Contains(t, script, `"autoauth-overlay"`)
	assert.NotContains(t, script, "%!", "format verbs must all resolve")
}
