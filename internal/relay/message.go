// internal/relay/message.go
package relay

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/autoauth/internal/progress"
)

// MessageType tags every progress message exchanged between frames.
const MessageType = "login-progress"

// maxMessageSize bounds what Parse will look at; real messages are a few dozen bytes.
const maxMessageSize = 1024

// ErrRejected is returned for any payload that is not a well-formed progress message.
var ErrRejected = errors.New("relay: message rejected")

// Status is the progress an embedded frame reports to its parent.
type Status string

const (
	StatusFinalizing Status = "finalizing"
	StatusSuccess    Status = "success"
)

// Step maps a status to the tracker transition it requests.
func (s Status) Step() (progress.Step, bool) {
	switch s {
	case StatusFinalizing:
		return progress.Finalizing, true
	case StatusSuccess:
		return progress.Success, true
	default:
		return progress.Init, false
	}
}

// StatusForStep is the inverse of Status.Step; only relayable steps have one.
func StatusForStep(step progress.Step) (Status, bool) {
	switch step {
	case progress.Finalizing:
		return StatusFinalizing, true
	case progress.Success:
		return StatusSuccess, true
	default:
		return "", false
	}
}

// Message is the wire form.
type Message struct {
	Type   string `json:"type"`
	Status Status `json:"status"`
}

var strictJSON = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	DisallowUnknownFields:  true,
}.Froze()

// Parse decodes and validates a raw message. Anything other than a JSON object with
// exactly the expected tag and a known status is rejected.
func Parse(raw []byte) (Status, error) {
	if len(raw) == 0 || len(raw) > maxMessageSize {
		return "", fmt.Errorf("%w: size %d", ErrRejected, len(raw))
	}
	var msg Message
	if err := strictJSON.Unmarshal(raw, &msg); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if msg.Type != MessageType {
		return "", fmt.Errorf("%w: type %q", ErrRejected, msg.Type)
	}
	if _, ok := msg.Status.Step(); !ok {
		return "", fmt.Errorf("%w: status %q", ErrRejected, msg.Status)
	}
	return msg.Status, nil
}

// Encode produces the payload an embedded frame posts to its parent.
func Encode(s Status) ([]byte, error) {
	if _, ok := s.Step(); !ok {
		return nil, fmt.Errorf("relay: cannot encode status %q", s)
	}
	return strictJSON.Marshal(Message{Type: MessageType, Status: s})
}
