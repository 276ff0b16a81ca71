// internal/overlay/terminal.go
package overlay

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/xkilldash9x/autoauth/internal/progress"
)

const barWidth = 21

// Terminal renders progress as one styled line per step change.
type Terminal struct {
	mu      sync.Mutex
	w       io.Writer
	shown   bool
	last    progress.Step
	label   lipgloss.Style
	filled  lipgloss.Style
	empty   lipgloss.Style
	counter lipgloss.Style
	done    lipgloss.Style
}

// NewTerminal creates a terminal overlay. Colors follow what w supports, so a
// plain buffer receives unstyled text.
func NewTerminal(w io.Writer) *Terminal {
	r := lipgloss.NewRenderer(w)
	return &Terminal{
		w:       w,
		label:   r.NewStyle().Bold(true),
		filled:  r.NewStyle().Foreground(lipgloss.Color("#800000")),
		empty:   r.NewStyle().Foreground(lipgloss.Color("#444444")),
		counter: r.NewStyle().Foreground(lipgloss.Color("#888888")),
		done:    r.NewStyle().Foreground(lipgloss.Color("#2E8B57")).Bold(true),
	}
}

// SetStep prints the step unless it is already the line on screen.
func (t *Terminal) SetStep(step progress.Step) {
	if !step.Valid() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shown && t.last == step {
		return
	}
	t.shown = true
	t.last = step
	fmt.Fprintln(t.w, t.render(step))
}

func (t *Terminal) render(step progress.Step) string {
	n := int(step) + 1
	fill := barWidth * n / progress.StepCount
	bar := t.filled.Render(strings.Repeat("█", fill)) + t.empty.Render(strings.Repeat("░", barWidth-fill))
	label := t.label.Render(step.Label())
	if step.Terminal() {
		label = t.done.Render(step.Label())
	}
	return fmt.Sprintf("%s %s %s", t.counter.Render(fmt.Sprintf("[%d/%d]", n, progress.StepCount)), bar, label)
}

// Destroy ends the current display; the next SetStep starts a new one.
func (t *Terminal) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shown = false
}
