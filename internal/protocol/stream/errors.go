package stream

import (
	"fmt"

	"github.com/danmuck/xmppctl/internal/protocol"
	"github.com/danmuck/xmppctl/internal/protocol/element"
)

// Stream error conditions that end a session without hope of a retry
// succeeding unchanged.
const (
	CondConflict          = "conflict"
	CondNotAuthorized     = "not-authorized"
	CondPolicyViolation   = "policy-violation"
	CondHostUnknown       = "host-unknown"
	CondSystemShutdown    = "system-shutdown"
	CondConnectionTimeout = "connection-timeout"
)

// Error is a <stream:error/> sent by the peer.
type Error struct {
	Condition string
	Text      string
}

func (e *Error) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("stream: error %s", e.Condition)
	}
	return fmt.Sprintf("stream: error %s: %s", e.Condition, e.Text)
}

// Fatal reports whether reconnecting with the same configuration is pointless.
func (e *Error) Fatal() bool {
	switch e.Condition {
	case CondConflict, CondNotAuthorized, CondPolicyViolation, CondHostUnknown:
		return true
	default:
		return false
	}
}

// IsError reports whether el is a <stream:error/>.
func IsError(el *element.Element) bool {
	return el.Is("error", protocol.NSStream)
}

// ParseError extracts the condition and optional text from a stream error.
func ParseError(el *element.Element) *Error {
	out := &Error{Condition: "undefined-condition"}
	for _, c := range el.Children {
		if c.Space != protocol.NSStreamErrors {
			continue
		}
		if c.Name == "text" {
			out.Text = c.Text
			continue
		}
		out.Condition = c.Name
	}
	return out
}
