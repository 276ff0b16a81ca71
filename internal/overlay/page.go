// internal/overlay/page.go
package overlay

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoauth/internal/progress"
)

// ElementID is the id of the in-page overlay root. Page observers ignore this subtree.
const ElementID = "autoauth-overlay"

// Evaluator runs a script in the top-level document.
type Evaluator interface {
	Eval(ctx context.Context, expression string) error
}

// The root covers the viewport but never intercepts input, so automation and the
// user can still reach the page underneath.
const renderScript = `(() => {
  let root = document.getElementById(%[1]s);
  if (!root) {
    root = document.createElement("div");
    root.id = %[1]s;
    root.setAttribute("style", "position:fixed;inset:0;z-index:2147483647;pointer-events:none;display:flex;align-items:center;justify-content:center;background:rgba(255,255,255,0.94);font-family:system-ui,sans-serif");
    root.innerHTML = '<div style="text-align:center;min-width:280px"><div data-role="label" style="font-size:18px;margin-bottom:12px"></div><div style="height:6px;background:#ddd;border-radius:3px;overflow:hidden"><div data-role="bar" style="height:100%%;width:0;background:#800000;transition:width .3s"></div></div><div data-role="count" style="margin-top:8px;font-size:12px;color:#666"></div></div>';
    (document.body || document.documentElement).appendChild(root);
  }
  root.querySelector('[data-role="label"]').textContent = %[2]s;
  root.querySelector('[data-role="bar"]').style.width = "%[3]d%%";
  root.querySelector('[data-role="count"]').textContent = %[4]s;
})()`

const destroyScript = `(() => { const el = document.getElementById(%s); if (el) el.remove(); })()`

// Page renders progress inside the browser tab.
type Page struct {
	ctx     context.Context
	eval    Evaluator
	timeout time.Duration
	logger  *zap.Logger
}

// NewPage creates an in-page overlay bound to the tab context ctx.
func NewPage(ctx context.Context, eval Evaluator, timeout time.Duration, logger *zap.Logger) *Page {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Page{ctx: ctx, eval: eval, timeout: timeout, logger: logger.Named("overlay.page")}
}

// RenderScript returns the script that shows step.
func RenderScript(step progress.Step) string {
	n := int(step) + 1
	return fmt.Sprintf(renderScript,
		jsString(ElementID),
		jsString(step.Label()),
		100*n/progress.StepCount,
		jsString(fmt.Sprintf("Step %d of %d", n, progress.StepCount)),
	)
}

func (p *Page) SetStep(step progress.Step) {
	if !step.Valid() {
		return
	}
	p.run(RenderScript(step), step.String())
}

func (p *Page) Destroy() {
	p.run(fmt.Sprintf(destroyScript, jsString(ElementID)), "destroy")
}

func (p *Page) run(script, what string) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	if err := p.eval.Eval(ctx, script); err != nil {
		// Navigation routinely destroys the context mid-render; the next load restores it.
		p.logger.Debug("Overlay update failed.", zap.String("op", what), zap.Error(err))
	}
}

func jsString(s string) string {
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}
