// internal/relay/relay.go
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/autoauth/internal/progress"
)

// ErrRateLimited is returned when messages arrive faster than the relay accepts them.
var ErrRateLimited = errors.New("relay: rate limited")

// Target receives the transitions the relay forwards; the progress tracker satisfies it.
type Target interface {
	SetStep(ctx context.Context, step progress.Step) error
}

// OriginFilter decides whether a message origin may drive progress. A nil filter accepts all.
type OriginFilter func(host string) bool

// Relay is the parent side: it accepts progress messages from embedded frames and
// turns them into tracker transitions.
type Relay struct {
	target  Target
	allow   OriginFilter
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New creates a relay forwarding into target.
func New(target Target, allow OriginFilter, ratePerSecond float64, burst int, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		target:  target,
		allow:   allow,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		logger:  logger.Named("relay"),
	}
}

// Handle processes one message posted by a frame at origin. Rejected and rate-limited
// messages return an error and change nothing. A transition that would move progress
// backwards, or repeats the current step, is accepted as a no-op.
func (r *Relay) Handle(ctx context.Context, origin string, raw []byte) error {
	if r.allow != nil {
		u, err := url.Parse(origin)
		if err != nil || !r.allow(u.Hostname()) {
			return fmt.Errorf("%w: origin %q", ErrRejected, origin)
		}
	}
	if !r.limiter.Allow() {
		return ErrRateLimited
	}

	status, err := Parse(raw)
	if err != nil {
		return err
	}
	step, _ := status.Step()

	if err := r.target.SetStep(ctx, step); err != nil {
		if errors.Is(err, progress.ErrStepRegression) {
			r.logger.Debug("Ignoring stale relay message.", zap.String("status", string(status)))
			return nil
		}
		return fmt.Errorf("failed to apply relay status %s: %w", status, err)
	}
	r.logger.Debug("Relay message applied.", zap.String("status", string(status)), zap.String("origin", origin))
	return nil
}

// Poster delivers a payload to the embedding document.
type Poster interface {
	PostToParent(ctx context.Context, payload []byte) error
}

// FrameSink is the frame side: it stands in for the tracker inside an embedded frame,
// posting relayable steps to the parent instead of recording them.
type FrameSink struct {
	poster Poster
	logger *zap.Logger

	mu   sync.Mutex
	sent map[Status]bool
}

// NewFrameSink creates a sink posting through poster.
func NewFrameSink(poster Poster, logger *zap.Logger) *FrameSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FrameSink{poster: poster, logger: logger.Named("relay.frame"), sent: make(map[Status]bool)}
}

// SetStep posts step to the parent if it is relayable and has not been posted yet.
// Other steps are local to the frame and dropped.
func (f *FrameSink) SetStep(ctx context.Context, step progress.Step) error {
	status, ok := StatusForStep(step)
	if !ok {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent[status] {
		return nil
	}
	payload, err := Encode(status)
	if err != nil {
		return err
	}
	if err := f.poster.PostToParent(ctx, payload); err != nil {
		return fmt.Errorf("failed to post %s to parent: %w", status, err)
	}
	f.sent[status] = true
	f.logger.Debug("Posted progress to parent.", zap.String("status", string(status)))
	return nil
}
