package stanza

import (
	"errors"
	"fmt"

	"github.com/danmuck/xmppctl/internal/protocol"
	"github.com/danmuck/xmppctl/internal/protocol/element"
)

// Error types defined for stanza errors.
const (
	ErrTypeAuth     = "auth"
	ErrTypeCancel   = "cancel"
	ErrTypeContinue = "continue"
	ErrTypeModify   = "modify"
	ErrTypeWait     = "wait"
)

// Conditions this client produces or inspects.
const (
	CondServiceUnavailable    = "service-unavailable"
	CondFeatureNotImplemented = "feature-not-implemented"
	CondBadRequest            = "bad-request"
	CondNotAllowed            = "not-allowed"
	CondConflict              = "conflict"
	CondUndefined             = "undefined-condition"
)

// Error is the structured <error/> child of a stanza of type error.
// Callers extract it with errors.As:
//
//	var serr *stanza.Error
//	if errors.As(err, &serr) && serr.Condition == stanza.CondConflict { ... }
type Error struct {
	Type      string
	Condition string
	Text      string
}

func (e *Error) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("stanza: %s (%s)", e.Condition, e.Type)
	}
	return fmt.Sprintf("stanza: %s (%s): %s", e.Condition, e.Type, e.Text)
}

// ParseError extracts the error condition from a stanza of type error. A
// missing or malformed <error/> yields undefined-condition.
func ParseError(el *element.Element) *Error {
	out := &Error{Type: ErrTypeCancel, Condition: CondUndefined}
	errEl := el.Child("error", "")
	if errEl == nil {
		return out
	}
	if t := errEl.Attr("type"); t != "" {
		out.Type = t
	}
	for _, c := range errEl.Children {
		if c.Space != protocol.NSStanzas {
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

// IsCondition checks whether err carries a *Error with the given condition.
func IsCondition(err error, condition string) bool {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Condition == condition
	}
	return false
}
