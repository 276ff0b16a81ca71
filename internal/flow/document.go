// internal/flow/document.go
package flow

import (
	"context"

	"github.com/xkilldash9x/autoauth/internal/browser"
	"github.com/xkilldash9x/autoauth/internal/classifier"
	"github.com/xkilldash9x/autoauth/internal/injector"
	"github.com/xkilldash9x/autoauth/internal/progress"
)

// StepSink receives the progress a page run observes. The top-level document feeds
// the tracker directly; an embedded frame feeds a relay sink that posts upward.
type StepSink interface {
	SetStep(ctx context.Context, step progress.Step) error
}

// Document is one execution context the engine can drive.
type Document interface {
	injector.Page
	Snapshot(ctx context.Context) (classifier.Snapshot, error)
	Navigate(ctx context.Context, url string) error
	PostToParent(ctx context.Context, payload []byte) error
	Events() <-chan browser.Event
	Done() <-chan struct{}
}

// Tab exposes the top-level document and the embedded frames worth driving.
type Tab interface {
	Top() Document
	WatchFrames(ctx context.Context, match func(url string) bool) (<-chan Document, error)
}

var _ Document = (*browser.Page)(nil)

// BrowserTab adapts a browser tab to Tab.
type BrowserTab struct {
	*browser.Tab
}

func (t BrowserTab) Top() Document { return t.Tab.Page() }

func (t BrowserTab) WatchFrames(ctx context.Context, match func(url string) bool) (<-chan Document, error) {
	pages, err := t.Tab.WatchFrames(ctx, match)
	if err != nil {
		return nil, err
	}
	out := make(chan Document)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-pages:
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
