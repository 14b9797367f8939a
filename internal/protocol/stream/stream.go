// Package stream frames an XML stream into open/element/close tokens.
//
// Ownership boundary:
// - stream header encode/decode
// - depth-1 element extraction with size limits
// - stream-level error elements
package stream

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/xmppctl/internal/protocol"
	"github.com/danmuck/xmppctl/internal/protocol/element"
)

// CloseTag ends the client stream.
const CloseTag = "</stream:stream>"

var (
	ErrElementTooLarge = errors.New("stream: element too large")
	ErrStreamClosed    = errors.New("stream: closed by peer")
)

// Kind identifies a stream token.
type Kind int

const (
	KindOpen Kind = iota
	KindElement
	KindClose
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindElement:
		return "element"
	case KindClose:
		return "close"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Header carries the attributes of a <stream:stream> open tag.
type Header struct {
	ID      string
	From    string
	To      string
	Version string
	Lang    string
}

// Token is one unit read from the stream.
type Token struct {
	Kind    Kind
	Header  Header
	Element *element.Element
}

// Limits constrains inbound decode memory use.
type Limits struct {
	MaxElementBytes int64
}

func DefaultLimits() Limits {
	return Limits{
		MaxElementBytes: 1 << 20,
	}
}

// Reader yields stream tokens from an inbound byte stream. A stream restart
// (a second <stream:stream> inside the same document) is reported as
// another KindOpen token.
type Reader struct {
	dec    *xml.Decoder
	limits Limits
}

func NewReader(r io.Reader, limits Limits) *Reader {
	dec := xml.NewDecoder(r)
	dec.Strict = true
	return &Reader{dec: dec, limits: limits}
}

func (r *Reader) Next() (Token, error) {
	for {
		before := r.dec.InputOffset()
		tok, err := r.dec.Token()
		if err != nil {
			return Token{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space == protocol.NSStream && t.Name.Local == "stream" {
				return Token{Kind: KindOpen, Header: headerFromStart(t)}, nil
			}
			el, err := element.Decode(r.dec, t)
			if err != nil {
				return Token{}, err
			}
			if r.limits.MaxElementBytes > 0 && r.dec.InputOffset()-before > r.limits.MaxElementBytes {
				return Token{}, fmt.Errorf("%w: %s (%d bytes)", ErrElementTooLarge, el.Name, r.dec.InputOffset()-before)
			}
			return Token{Kind: KindElement, Element: el}, nil
		case xml.EndElement:
			if t.Name.Space == protocol.NSStream && t.Name.Local == "stream" {
				return Token{Kind: KindClose}, nil
			}
			return Token{}, fmt.Errorf("%w: stray end element %s", protocol.ErrMalformedElement, t.Name.Local)
		}
	}
}

func headerFromStart(start xml.StartElement) Header {
	var h Header
	for _, a := range start.Attr {
		switch {
		case a.Name.Local == "id" && a.Name.Space == "":
			h.ID = a.Value
		case a.Name.Local == "from" && a.Name.Space == "":
			h.From = a.Value
		case a.Name.Local == "to" && a.Name.Space == "":
			h.To = a.Value
		case a.Name.Local == "version" && a.Name.Space == "":
			h.Version = a.Value
		case a.Name.Local == "lang":
			h.Lang = a.Value
		}
	}
	return h
}

// OpenHeader renders the client stream header addressed to h.To.
func OpenHeader(h Header) []byte {
	var buf bytes.Buffer
	buf.WriteString("<?xml version='1.0'?>")
	buf.WriteString("<stream:stream xmlns='")
	buf.WriteString(protocol.NSClient)
	buf.WriteString("' xmlns:stream='")
	buf.WriteString(protocol.NSStream)
	buf.WriteString("'")
	writeHeaderAttr(&buf, "to", h.To)
	writeHeaderAttr(&buf, "from", h.From)
	version := h.Version
	if version == "" {
		version = protocol.StreamVersion
	}
	writeHeaderAttr(&buf, "version", version)
	writeHeaderAttr(&buf, "xml:lang", h.Lang)
	buf.WriteByte('>')
	return buf.Bytes()
}

func writeHeaderAttr(buf *bytes.Buffer, name, value string) {
	if value == "" {
		return
	}
	buf.WriteByte(' ')
	buf.WriteString(name)
	buf.WriteString("='")
	_ = xml.EscapeText(buf, []byte(value))
	buf.WriteByte('\'')
}

// Write serializes one stanza or nonza below the client stream root.
func Write(w io.Writer, el *element.Element) error {
	return el.WriteTo(w, protocol.NSClient)
}

// Encode returns the bytes Write would produce.
func Encode(el *element.Element) []byte {
	return el.Bytes(protocol.NSClient)
}
