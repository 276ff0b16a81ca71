// internal/overlay/overlay.go
package overlay

import "github.com/xkilldash9x/autoauth/internal/progress"

// Driver renders progress for the user. Every driver satisfies progress.Overlay.
type Driver interface {
	SetStep(step progress.Step)
	Destroy()
}

var (
	_ progress.Overlay = (Driver)(nil)
	_ Driver           = (*Terminal)(nil)
	_ Driver           = (*Page)(nil)
	_ Driver           = Multi(nil)
	_ Driver           = Nop{}
)

// Multi fans every call out to each driver in order.
type Multi []Driver

func (m Multi) SetStep(step progress.Step) {
	for _, d := range m {
		d.SetStep(step)
	}
}

func (m Multi) Destroy() {
	for _, d := range m {
		d.Destroy()
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) SetStep(progress.Step) {}
func (Nop) Destroy()              {}
