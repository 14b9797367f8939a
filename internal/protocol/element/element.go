// Package element is the mutable XML element tree exchanged on the stream.
//
// The tree is deliberately small: a name, a namespace, an ordered attribute
// list with unique keys, ordered children and an optional text value. It is
// produced by protocol/stream from inbound bytes and serialized back for
// outbound writes.
package element

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"
)

// Attr is one attribute. Prefixed names such as xml:lang are stored verbatim.
type Attr struct {
	Name  string
	Value string
}

// Element is one XML element. Space holds the resolved namespace; xmlns is
// never stored as an attribute.
type Element struct {
	Name     string
	Space    string
	Attrs    []Attr
	Children []*Element
	Text     string
}

func New(name, space string) *Element {
	return &Element{Name: name, Space: space}
}

// Is reports whether the element has the given name and namespace.
// An empty space matches any namespace.
func (e *Element) Is(name, space string) bool {
	if e == nil || e.Name != name {
		return false
	}
	return space == "" || e.Space == space
}

func (e *Element) Attr(name string) string {
	v, _ := e.LookupAttr(name)
	return v
}

func (e *Element) LookupAttr(name string) (string, bool) {
	if e == nil {
		return "", false
	}
	for _, a := range e.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// SetAttr replaces an existing attribute in place or appends a new one.
func (e *Element) SetAttr(name, value string) *Element {
	for i := range e.Attrs {
		if e.Attrs[i].Name == name {
			e.Attrs[i].Value = value
			return e
		}
	}
	e.Attrs = append(e.Attrs, Attr{Name: name, Value: value})
	return e
}

func (e *Element) RemoveAttr(name string) {
	for i := range e.Attrs {
		if e.Attrs[i].Name == name {
			e.Attrs = append(e.Attrs[:i], e.Attrs[i+1:]...)
			return
		}
	}
}

// Child returns the first child matching name and space, or nil.
func (e *Element) Child(name, space string) *Element {
	if e == nil {
		return nil
	}
	for _, c := range e.Children {
		if c.Is(name, space) {
			return c
		}
	}
	return nil
}

func (e *Element) ChildrenNamed(name, space string) []*Element {
	if e == nil {
		return nil
	}
	var out []*Element
	for _, c := range e.Children {
		if c.Is(name, space) {
			out = append(out, c)
		}
	}
	return out
}

// FirstChild returns the first child element, or nil.
func (e *Element) FirstChild() *Element {
	if e == nil || len(e.Children) == 0 {
		return nil
	}
	return e.Children[0]
}

func (e *Element) AddChild(c *Element) *Element {
	if c != nil {
		e.Children = append(e.Children, c)
	}
	return e
}

func (e *Element) SetText(text string) *Element {
	e.Text = text
	return e
}

// Copy returns a deep copy.
func (e *Element) Copy() *Element {
	if e == nil {
		return nil
	}
	out := &Element{Name: e.Name, Space: e.Space, Text: e.Text}
	if len(e.Attrs) > 0 {
		out.Attrs = make([]Attr, len(e.Attrs))
		copy(out.Attrs, e.Attrs)
	}
	if len(e.Children) > 0 {
		out.Children = make([]*Element, len(e.Children))
		for i, c := range e.Children {
			out.Children[i] = c.Copy()
		}
	}
	return out
}

// WriteTo serializes the element assuming it sits directly below a parent
// whose default namespace is parentSpace. Stanzas on a client stream are
// written with parentSpace = jabber:client so no xmlns is repeated.
func (e *Element) WriteTo(w io.Writer, parentSpace string) error {
	var buf bytes.Buffer
	e.encode(&buf, parentSpace)
	_, err := w.Write(buf.Bytes())
	return err
}

// Bytes serializes the element below a parent in parentSpace.
func (e *Element) Bytes(parentSpace string) []byte {
	var buf bytes.Buffer
	e.encode(&buf, parentSpace)
	return buf.Bytes()
}

// String serializes the element as a standalone document fragment.
func (e *Element) String() string {
	if e == nil {
		return ""
	}
	return string(e.Bytes(""))
}

func (e *Element) encode(buf *bytes.Buffer, parentSpace string) {
	buf.WriteByte('<')
	buf.WriteString(e.Name)
	if e.Space != "" && e.Space != parentSpace {
		writeAttr(buf, "xmlns", e.Space)
	}
	for _, a := range e.Attrs {
		writeAttr(buf, a.Name, a.Value)
	}
	if len(e.Children) == 0 && e.Text == "" {
		buf.WriteString("/>")
		return
	}
	buf.WriteByte('>')
	if e.Text != "" {
		_ = xml.EscapeText(buf, []byte(e.Text))
	}
	space := e.Space
	if space == "" {
		space = parentSpace
	}
	for _, c := range e.Children {
		c.encode(buf, space)
	}
	buf.WriteString("</")
	buf.WriteString(e.Name)
	buf.WriteByte('>')
}

func writeAttr(buf *bytes.Buffer, name, value string) {
	buf.WriteByte(' ')
	buf.WriteString(name)
	buf.WriteString(`='`)
	_ = xml.EscapeText(buf, []byte(value))
	buf.WriteByte('\'')
}

// Parse decodes exactly one element from s. It is intended for tests and
// small fixtures; the stream reader handles live traffic.
func Parse(s string) (*Element, error) {
	dec := xml.NewDecoder(strings.NewReader(s))
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return Decode(dec, start)
		}
	}
}
