// internal/overlay/overlay_test.go
package overlay

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/autoauth/internal/progress"
)

func TestTerminal(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf)

	term.SetStep(progress.Init)
	term.SetStep(progress.EnteringIdentity)
	term.SetStep(progress.EnteringIdentity)
	term.SetStep(progress.Success)
	term.SetStep(progress.Step(99))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3, "repeats and invalid steps are not printed")
	assert.Contains(t, lines[0], "[1/7]")
	assert.Contains(t, lines[0], "Initializing authentication...")
	assert.Contains(t, lines[1], "[2/7]")
	assert.Contains(t, lines[2], "[7/7]")
	assert.Contains(t, lines[2], "Success! Redirecting...")
	assert.Equal(t, strings.Repeat("█", barWidth), strings.Fields(lines[2])[1], "final step fills the bar")

	term.Destroy()
	term.SetStep(progress.Success)
	assert.Equal(t, 4, strings.Count(buf.String(), "\n"), "a destroyed display renders again")
}

type recordingEval struct {
	mu      sync.Mutex
	scripts []string
	err     error
}

func (r *recordingEval) Eval(ctx context.Context, expr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("no deadline")
	}
	r.scripts = append(r.scripts, expr)
	return r.err
}

func TestPageOverlay(t *testing.T) {
	eval := &recordingEval{}
	p := NewPage(context.Background(), eval, 0, nil)

	p.SetStep(progress.ConnectingSecondFactor)
	p.Destroy()

	require.Len(t, eval.scripts, 2)
	render := eval.scripts[0]
	assert.Contains(t, render, `"autoauth-overlay"`)
	assert.Contains(t, render, `"Connecting to Duo..."`)
	assert.Contains(t, render, `"Step 4 of 7"`)
	assert.Contains(t, render, `"57%"`)
	assert.Contains(t, render, "pointer-events:none")
	assert.NotContains(t, render, "%!", "format verbs must all resolve")

	assert.Contains(t, eval.scripts[1], "remove()")
}

func TestPageOverlayFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	eval := &recordingEval{err: errors.New("Execution context was destroyed")}
	p := NewPage(context.Background(), eval, 0, zap.New(core))

	p.SetStep(progress.Finalizing)
	require.Equal(t, 1, logs.FilterMessage("Overlay update failed.").Len())
}

type countingDriver struct{ set, destroyed int }

func (c *countingDriver) SetStep(progress.Step) { c.set++ }
func (c *countingDriver) Destroy()              { c.destroyed++ }

func TestMulti(t *testing.T) {
	a, b := &countingDriver{}, &countingDriver{}
	m := Multi{a, b, Nop{}}
	m.SetStep(progress.Init)
	m.SetStep(progress.Success)
	m.Destroy()

	assert.Equal(t, 2, a.set)
	assert.Equal(t, 2, b.set)
	assert.Equal(t, 1, a.destroyed)
	assert.Equal(t, 1, b.destroyed)
}
