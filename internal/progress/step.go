// internal/progress/step.go
package progress

import (
	"fmt"
	"strconv"
)

// Step is one stage of the login flow. Steps are ordered; progress within one
// logical session never moves to a lower value except through an explicit reset.
type Step int

const (
	Init Step = iota
	EnteringIdentity
	EnteringSecret
	ConnectingSecondFactor
	AuthenticatingChallenge
	Finalizing
	Success
)

// StepCount is the fixed cardinality of the enumeration.
const StepCount = int(Success) + 1

var stepNames = [StepCount]string{
	"init",
	"entering_identity",
	"entering_secret",
	"connecting_second_factor",
	"authenticating_challenge",
	"finalizing",
	"success",
}

var stepLabels = [StepCount]string{
	"Initializing authentication...",
	"Entering credentials...",
	"Verifying password...",
	"Connecting to Duo...",
	"Authenticating with passkey...",
	"Finalizing login...",
	"Success! Redirecting...",
}

// Valid reports whether s is a member of the enumeration.
func (s Step) Valid() bool {
	return s >= Init && s <= Success
}

// String returns the machine name used in logs.
func (s Step) String() string {
	if !s.Valid() {
		return fmt.Sprintf("step(%d)", int(s))
	}
	return stepNames[s]
}

// Label returns the text shown by progress overlays.
func (s Step) Label() string {
	if !s.Valid() {
		return ""
	}
	return stepLabels[s]
}

// Terminal reports whether s ends the flow.
func (s Step) Terminal() bool {
	return s == Success
}

// ParseStep decodes the persisted form of a step (its index).
func ParseStep(raw string) (Step, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return Init, fmt.Errorf("invalid step %q: %w", raw, err)
	}
	s := Step(n)
	if !s.Valid() {
		return Init, fmt.Errorf("step index %d out of range", n)
	}
	return s, nil
}
