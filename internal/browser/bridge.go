// internal/browser/bridge.go
package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoauth/internal/overlay"
)

// BindingName is the page-side function the bridge script reports through.
const BindingName = "__autoauthBridge"

// EventKind separates the signals a page reports.
type EventKind int

const (
	// MutationEvent means the document changed outside the overlay.
	MutationEvent EventKind = iota
	// RelayEvent is a window message received by the document.
	RelayEvent
	// NavigationEvent is a navigation of the page's own frame.
	NavigationEvent
)

func (k EventKind) String() string {
	switch k {
	case MutationEvent:
		return "mutation"
	case RelayEvent:
		return "relay"
	case NavigationEvent:
		return "navigation"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one signal from a page.
type Event struct {
	Kind EventKind
	// URL is the new location for navigations.
	URL string
	// SameDocument marks history and fragment navigations that keep the document.
	SameDocument bool
	// Origin and Data carry a window message.
	Origin string
	Data   []byte
}

// bridgeScript installs once per document. Mutation records that only touch the
// overlay subtree are dropped so rendering progress never re-triggers evaluation.
const bridgeScript = `(() => {
  if (window.__autoauthInstalled) return;
  window.__autoauthInstalled = true;
  const send = (msg) => { try { window[%[1]s](JSON.stringify(msg)); } catch (_) {} };
  const overlayID = %[2]s;
  const inOverlay = (n) => {
    for (let cur = n; cur; cur = cur.parentNode) {
      if (cur.id === overlayID) return true;
    }
    return false;
  };
  const relevant = (r) => {
    if (inOverlay(r.target)) return false;
    const nodes = [...r.addedNodes, ...r.removedNodes];
    if (nodes.length === 0) return true;
    return !nodes.every((n) => n.id === overlayID || inOverlay(n));
  };
  const observe = () => {
    const root = document.documentElement;
    if (!root) return;
    new MutationObserver((records) => {
      if (records.some(relevant)) send({ kind: "mutation" });
    }).observe(root, { childList: true, subtree: true, attributes: true, characterData: true });
  };
  if (document.documentElement) observe();
  else document.addEventListener("DOMContentLoaded", observe, { once: true });
  window.addEventListener("message", (e) => {
    let data;
    try { data = typeof e.data === "string" ? e.data : JSON.stringify(e.data); } catch (_) { return; }
    if (typeof data !== "string") return;
    send({ kind: "relay", origin: String(e.origin || ""), data: data });
  });
})()`

// BridgeScript returns the document-start script for this process.
func BridgeScript() string {
	return fmt.Sprintf(bridgeScript, jsString(BindingName), jsString(overlay.ElementID))
}

type bridgePayload struct {
	Kind   string `json:"kind"`
	Origin string `json:"origin"`
	Data   string `json:"data"`
}

// parseBridgePayload decodes a binding call into an Event.
func parseBridgePayload(raw string) (Event, error) {
	var bp bridgePayload
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(raw, &bp); err != nil {
		return Event{}, fmt.Errorf("malformed bridge payload: %w", err)
	}
	switch bp.Kind {
	case "mutation":
		return Event{Kind: MutationEvent}, nil
	case "relay":
		return Event{Kind: RelayEvent, Origin: bp.Origin, Data: []byte(bp.Data)}, nil
	default:
		return Event{}, fmt.Errorf("unknown bridge payload kind %q", bp.Kind)
	}
}

// installBridge exposes the binding and registers the script for every future
// document, then runs it in the current one.
func (p *Page) installBridge(ctx context.Context) error {
	script := BridgeScript()
	err := p.runActionsFunc(ctx, chromedp.ActionFunc(func(c context.Context) error {
		if err := runtime.AddBinding(BindingName).Do(c); err != nil {
			return fmt.Errorf("failed to expose bridge binding: %w", err)
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(c); err != nil {
			return fmt.Errorf("failed to register bridge script: %w", err)
		}
		return nil
	}))
	if err != nil {
		return err
	}
	if err := p.Eval(ctx, script); err != nil {
		// The document may be mid-navigation; the registered script covers the next one.
		p.logger.Debug("Bridge script did not run in the current document.", zap.Error(err))
	}
	return nil
}

// listen forwards CDP events for this target onto the page's event channel.
func (p *Page) listen(frameID cdp.FrameID) {
	chromedp.ListenTarget(p.ctx, func(ev any) {
		p.handleCDPEvent(frameID, ev)
	})
	go func() {
		<-p.ctx.Done()
		p.markClosed()
	}()
}

func (p *Page) handleCDPEvent(frameID cdp.FrameID, ev any) {
	switch e := ev.(type) {
	case *runtime.EventBindingCalled:
		if e.Name != BindingName {
			return
		}
		evt, err := parseBridgePayload(e.Payload)
		if err != nil {
			p.logger.Debug("Dropping bridge payload.", zap.Error(err))
			return
		}
		p.deliver(evt)
	case *page.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ID != frameID {
			return
		}
		p.deliver(Event{Kind: NavigationEvent, URL: e.Frame.URL + e.Frame.URLFragment})
	case *page.EventNavigatedWithinDocument:
		if e.FrameID != frameID {
			return
		}
		p.deliver(Event{Kind: NavigationEvent, URL: e.URL, SameDocument: true})
	}
}

// deliver never blocks the CDP event loop. Mutation signals coalesce, so dropping
// one under backlog loses nothing.
func (p *Page) deliver(evt Event) {
	select {
	case p.events <- evt:
	default:
		if evt.Kind != MutationEvent {
			p.logger.Warn("Page event buffer full, dropping event.", zap.Stringer("kind", evt.Kind))
		}
	}
}
