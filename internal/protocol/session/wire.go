package session

import (
	"fmt"
	"strconv"

	"github.com/danmuck/xmppctl/internal/protocol"
	"github.com/danmuck/xmppctl/internal/protocol/element"
)

// Enabled is the parsed <enabled/> reply.
type Enabled struct {
	ID       string
	Resume   bool
	Max      int
	Location string
}

// Resumed is the parsed <resumed/> reply.
type Resumed struct {
	PrevID string
	H      uint32
}

// Failed is the parsed <failed/> reply. HasH is set when the server reported
// its inbound count.
type Failed struct {
	Condition string
	H         uint32
	HasH      bool
}

func (f Failed) Error() string {
	return fmt.Sprintf("session: stream management failed: %s", f.Condition)
}

// IsSM reports whether el is a stream management nonza.
func IsSM(el *element.Element) bool {
	return el != nil && el.Space == protocol.NSSM
}

func EnableElement(resume bool, max int) *element.Element {
	el := element.New("enable", protocol.NSSM)
	if resume {
		el.SetAttr("resume", "true")
		if max > 0 {
			el.SetAttr("max", strconv.Itoa(max))
		}
	}
	return el
}

func ParseEnabled(el *element.Element) (Enabled, error) {
	if !el.Is("enabled", protocol.NSSM) {
		return Enabled{}, fmt.Errorf("%w: want enabled, got %s", protocol.ErrUnexpectedElement, el.Name)
	}
	out := Enabled{ID: el.Attr("id"), Location: el.Attr("location")}
	out.Resume = parseBoolAttr(el.Attr("resume"))
	if raw, ok := el.LookupAttr("max"); ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Enabled{}, fmt.Errorf("%w: max=%q", protocol.ErrInvalidAttribute, raw)
		}
		out.Max = n
	}
	return out, nil
}

func AckRequestElement() *element.Element {
	return element.New("r", protocol.NSSM)
}

func AckElement(h uint32) *element.Element {
	return element.New("a", protocol.NSSM).SetAttr("h", strconv.FormatUint(uint64(h), 10))
}

// ParseAck reads h from <a h='...'/>.
func ParseAck(el *element.Element) (uint32, error) {
	if !el.Is("a", protocol.NSSM) {
		return 0, fmt.Errorf("%w: want a, got %s", protocol.ErrUnexpectedElement, el.Name)
	}
	return parseH(el)
}

func ResumeElement(prevID string, h uint32) *element.Element {
	return element.New("resume", protocol.NSSM).
		SetAttr("previd", prevID).
		SetAttr("h", strconv.FormatUint(uint64(h), 10))
}

func ParseResumed(el *element.Element) (Resumed, error) {
	if !el.Is("resumed", protocol.NSSM) {
		return Resumed{}, fmt.Errorf("%w: want resumed, got %s", protocol.ErrUnexpectedElement, el.Name)
	}
	h, err := parseH(el)
	if err != nil {
		return Resumed{}, err
	}
	return Resumed{PrevID: el.Attr("previd"), H: h}, nil
}

func ParseFailed(el *element.Element) (Failed, error) {
	if !el.Is("failed", protocol.NSSM) {
		return Failed{}, fmt.Errorf("%w: want failed, got %s", protocol.ErrUnexpectedElement, el.Name)
	}
	out := Failed{Condition: "undefined-condition"}
	if _, ok := el.LookupAttr("h"); ok {
		h, err := parseH(el)
		if err != nil {
			return Failed{}, err
		}
		out.H = h
		out.HasH = true
	}
	for _, c := range el.Children {
		if c.Space == protocol.NSStanzas {
			out.Condition = c.Name
			break
		}
	}
	return out, nil
}

func parseH(el *element.Element) (uint32, error) {
	raw, ok := el.LookupAttr("h")
	if !ok {
		return 0, fmt.Errorf("%w: h", protocol.ErrMissingAttribute)
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: h=%q", protocol.ErrInvalidAttribute, raw)
	}
	return uint32(n), nil
}

func parseBoolAttr(v string) bool {
	return v == "true" || v == "1"
}
