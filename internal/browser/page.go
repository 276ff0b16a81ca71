// internal/browser/page.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoauth/internal/classifier"
	"github.com/xkilldash9x/autoauth/internal/injector"
	"github.com/xkilldash9x/autoauth/internal/relay"
)

// Page drives one execution context over CDP: the top-level document of a tab, or
// an embedded cross-origin frame attached as its own target.
type Page struct {
	ctx           context.Context
	logger        *zap.Logger
	inFrame       bool
	actionTimeout time.Duration

	// runActionsFunc executes chromedp actions against this page; tests replace it.
	runActionsFunc func(ctx context.Context, actions ...chromedp.Action) error
	// evalFunc evaluates a script and decodes its by-value result into res; tests replace it.
	evalFunc func(ctx context.Context, expression string, res any) error

	events    chan Event
	closeOnce sync.Once
	closed    chan struct{}
}

var (
	_ injector.Page = (*Page)(nil)
	_ relay.Poster  = (*Page)(nil)
)

const eventBuffer = 128

// newPage wraps a chromedp target context.
func newPage(ctx context.Context, inFrame bool, actionTimeout time.Duration, logger *zap.Logger) *Page {
	if actionTimeout <= 0 {
		actionTimeout = 10 * time.Second
	}
	name := "page"
	if inFrame {
		name = "frame"
	}
	p := &Page{
		ctx:           ctx,
		logger:        logger.Named(name),
		inFrame:       inFrame,
		actionTimeout: actionTimeout,
		events:        make(chan Event, eventBuffer),
		closed:        make(chan struct{}),
	}
	p.runActionsFunc = p.runActions
	p.evalFunc = p.evaluate
	return p
}

// runActions runs actions on the page's target, bounded by both ctx and the action timeout.
func (p *Page) runActions(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(p.ctx, p.actionTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *Page) evaluate(ctx context.Context, expression string, res any) error {
	return p.runActionsFunc(ctx, chromedp.Evaluate(expression, res, func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
		return ep.WithReturnByValue(true).WithAwaitPromise(true)
	}))
}

// InFrame reports whether this page is an embedded frame.
func (p *Page) InFrame() bool { return p.inFrame }

// Events delivers mutations, relay messages and navigations observed on this page.
func (p *Page) Events() <-chan Event { return p.events }

// Done is closed when the page's target goes away.
func (p *Page) Done() <-chan struct{} { return p.closed }

func (p *Page) markClosed() {
	p.closeOnce.Do(func() { close(p.closed) })
}

// Navigate loads url in the page.
func (p *Page) Navigate(ctx context.Context, url string) error {
	p.logger.Debug("Navigating.", zap.String("url", url))
	if err := p.runActionsFunc(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

// Eval runs an expression for its side effects.
func (p *Page) Eval(ctx context.Context, expression string) error {
	var ignored any
	return p.evalFunc(ctx, expression, &ignored)
}

// -- DOM operations --

// domScript runs op against the first element matching sel. The result always has
// found; value and the centre point are filled where the op produces them.
const domScript = `((sel, op, arg) => {
  const el = document.querySelector(sel);
  if (!el) return { found: false };
  switch (op) {
    case "value":
      return { found: true, value: el.value == null ? "" : String(el.value) };
    case "set": {
      el.focus();
      const proto = Object.getPrototypeOf(el);
      const desc = Object.getOwnPropertyDescriptor(proto, "value");
      if (desc && desc.set) desc.set.call(el, arg); else el.value = arg;
      return { found: true };
    }
    case "dispatch":
      el.dispatchEvent(new Event(arg, { bubbles: true }));
      return { found: true };
    case "removeAttr":
      el.removeAttribute(arg);
      return { found: true };
    case "click":
      el.click();
      return { found: true };
    case "focusClick":
      el.focus();
      el.click();
      return { found: true };
    case "point": {
      el.scrollIntoView({ block: "center", inline: "center" });
      const r = el.getBoundingClientRect();
      return { found: true, x: r.left + r.width / 2, y: r.top + r.height / 2, width: r.width, height: r.height };
    }
    case "syntheticClick":
      el.dispatchEvent(new MouseEvent("click", { view: window, bubbles: true, cancelable: true }));
      return { found: true };
  }
  return { found: true };
})(%s, %s, %s)`

type domResult struct {
	Found  bool    `json:"found"`
	Value  string  `json:"value"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (p *Page) dom(ctx context.Context, selector, op, arg string) (domResult, error) {
	var res domResult
	script := fmt.Sprintf(domScript, jsString(selector), jsString(op), jsString(arg))
	if err := p.evalFunc(ctx, script, &res); err != nil {
		if isContextGone(err) {
			return res, fmt.Errorf("%s %q: %w (%v)", op, selector, injector.ErrElementNotFound, err)
		}
		return res, fmt.Errorf("%s %q: %w", op, selector, err)
	}
	if !res.Found {
		return res, fmt.Errorf("%s %q: %w", op, selector, injector.ErrElementNotFound)
	}
	return res, nil
}

func (p *Page) Value(ctx context.Context, selector string) (string, error) {
	res, err := p.dom(ctx, selector, "value", "")
	return res.Value, err
}

func (p *Page) SetValue(ctx context.Context, selector, value string) error {
	_, err := p.dom(ctx, selector, "set", value)
	return err
}

func (p *Page) Dispatch(ctx context.Context, selector, event string) error {
	_, err := p.dom(ctx, selector, "dispatch", event)
	return err
}

func (p *Page) RemoveAttribute(ctx context.Context, selector, attr string) error {
	_, err := p.dom(ctx, selector, "removeAttr", attr)
	return err
}

// Activate clicks selector the way mode asks. Pointer activation presses and releases
// the left button at the element centre; if CDP input fails, a synthetic click event
// is dispatched instead.
func (p *Page) Activate(ctx context.Context, selector string, mode injector.ActivationMode) error {
	switch mode {
	case injector.DirectActivation:
		_, err := p.dom(ctx, selector, "click", "")
		return err
	case injector.FocusActivation:
		_, err := p.dom(ctx, selector, "focusClick", "")
		return err
	}

	pt, err := p.dom(ctx, selector, "point", "")
	if err != nil {
		return err
	}
	if pt.Width > 0 && pt.Height > 0 {
		err = p.runActionsFunc(ctx,
			input.DispatchMouseEvent(input.MouseMoved, pt.X, pt.Y),
			input.DispatchMouseEvent(input.MousePressed, pt.X, pt.Y).
				WithButton(input.Left).WithButtons(1).WithClickCount(1),
			input.DispatchMouseEvent(input.MouseReleased, pt.X, pt.Y).
				WithButton(input.Left).WithClickCount(1),
		)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Debug("Pointer input failed, falling back to synthetic click.", zap.String("selector", selector), zap.Error(err))
	}
	_, err = p.dom(ctx, selector, "syntheticClick", "")
	return err
}

// -- Snapshot --

// snapshotScript clones the document and copies live control values into the clone.
// Password values are replaced by a marker; only their filled-state is needed.
const snapshotScript = `(() => {
  const root = document.documentElement;
  if (!root) return { url: location.href, html: "" };
  const clone = root.cloneNode(true);
  const live = root.querySelectorAll("input, textarea");
  const copies = clone.querySelectorAll("input, textarea");
  for (let i = 0; i < live.length && i < copies.length; i++) {
    const el = live[i];
    let v = el.value == null ? "" : String(el.value);
    if (el.type === "password" && v !== "") v = "•";
    if (el.tagName === "TEXTAREA") copies[i].textContent = v; else copies[i].setAttribute("value", v);
  }
  return { url: location.href, html: "<!DOCTYPE html>" + clone.outerHTML };
})()`

type snapshotResult struct {
	URL  string `json:"url"`
	HTML string `json:"html"`
}

// Snapshot captures the document for classification without mutating it.
func (p *Page) Snapshot(ctx context.Context) (classifier.Snapshot, error) {
	var res snapshotResult
	if err := p.evalFunc(ctx, snapshotScript, &res); err != nil {
		return classifier.Snapshot{}, fmt.Errorf("failed to snapshot document: %w", err)
	}
	return classifier.Snapshot{URL: res.URL, HTML: res.HTML, InFrame: p.inFrame}, nil
}

// PostToParent delivers payload to the embedding window with postMessage.
func (p *Page) PostToParent(ctx context.Context, payload []byte) error {
	if !p.inFrame {
		return errors.New("browser: top-level page has no parent")
	}
	script := fmt.Sprintf(`(() => { if (window.parent !== window) window.parent.postMessage(JSON.parse(%s), "*"); })()`, jsString(string(payload)))
	return p.Eval(ctx, script)
}

var contextGoneMarkers = []string{
	"Execution context was destroyed",
	"Cannot find context with specified id",
	"Inspected target navigated or closed",
	"No node with given id",
}

// isContextGone reports errors meaning the document went away underneath an action.
func isContextGone(err error) bool {
	msg := err.Error()
	for _, m := range contextGoneMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func jsString(s string) string {
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}
