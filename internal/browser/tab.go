// internal/browser/tab.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Tab is one browser tab: its top-level page and any cross-origin frames attached to it.
type Tab struct {
	ctx     context.Context
	cancel  context.CancelFunc
	manager *Manager
	logger  *zap.Logger
	timeout time.Duration
	page    *Page

	mu        sync.Mutex
	frames    map[string]context.CancelFunc
	watching  bool
	closeOnce sync.Once
}

// Page returns the tab's top-level page.
func (t *Tab) Page() *Page { return t.page }

// Close closes the tab and every frame attached to it.
func (t *Tab) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		for id, cancel := range t.frames {
			cancel()
			delete(t.frames, id)
		}
		t.mu.Unlock()

		if err := chromedp.Cancel(t.ctx); err != nil {
			t.logger.Debug("Tab did not close cleanly.", zap.Error(err))
		}
		t.cancel()
		t.page.markClosed()
		if t.manager != nil {
			t.manager.release(t)
		}
	})
}

// WatchFrames attaches to every iframe target whose URL satisfies match and sends
// its page on the returned channel. The channel is not closed; stop receiving once
// ctx is done. A frame's page is closed when its target is destroyed.
func (t *Tab) WatchFrames(ctx context.Context, match func(url string) bool) (<-chan *Page, error) {
	t.mu.Lock()
	if t.watching {
		t.mu.Unlock()
		return nil, fmt.Errorf("frames are already being watched")
	}
	t.watching = true
	t.mu.Unlock()

	out := make(chan *Page)
	chromedp.ListenBrowser(t.ctx, func(ev any) {
		switch e := ev.(type) {
		case *target.EventTargetCreated:
			t.consider(ctx, e.TargetInfo, match, out)
		case *target.EventTargetInfoChanged:
			t.consider(ctx, e.TargetInfo, match, out)
		case *target.EventTargetDestroyed:
			t.detach(string(e.TargetID))
		}
	})

	err := chromedp.Run(t.ctx, chromedp.ActionFunc(func(c context.Context) error {
		b := chromedp.FromContext(c).Browser
		return target.SetDiscoverTargets(true).Do(cdp.WithExecutor(c, b))
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to enable target discovery: %w", err)
	}
	return out, nil
}

// consider runs on the browser event loop and must not block.
func (t *Tab) consider(ctx context.Context, info *target.Info, match func(string) bool, out chan<- *Page) {
	if info == nil || info.Type != "iframe" || !match(info.URL) {
		return
	}
	id := string(info.TargetID)

	t.mu.Lock()
	if _, seen := t.frames[id]; seen {
		t.mu.Unlock()
		return
	}
	frameCtx, cancel := chromedp.NewContext(t.ctx, chromedp.WithTargetID(info.TargetID))
	t.frames[id] = cancel
	t.mu.Unlock()

	go t.attach(ctx, frameCtx, id, info.URL, out)
}

func (t *Tab) attach(ctx, frameCtx context.Context, id, url string, out chan<- *Page) {
	logger := t.logger.With(zap.String("target_id", id))
	if err := chromedp.Run(frameCtx); err != nil {
		logger.Warn("Failed to attach to frame.", zap.Error(err))
		t.detach(id)
		return
	}

	p := newPage(frameCtx, true, t.timeout, t.logger)
	p.listen(cdp.FrameID(id))
	if err := p.installBridge(ctx); err != nil {
		logger.Warn("Failed to instrument frame.", zap.Error(err))
		t.detach(id)
		return
	}
	logger.Info("Attached to embedded frame.", zap.String("url", url))

	select {
	case out <- p:
	case <-ctx.Done():
		t.detach(id)
	case <-frameCtx.Done():
	}
}

func (t *Tab) detach(id string) {
	t.mu.Lock()
	cancel, ok := t.frames[id]
	if ok {
		delete(t.frames, id)
	}
	t.mu.Unlock()
	if ok {
		cancel()
	}
}
