package element

import (
	"encoding/xml"
	"strings"
)

const nsXML = "http://www.w3.org/XML/1998/namespace"

// Decode builds an element from start, consuming tokens from dec up to and
// including the matching end element.
func Decode(dec *xml.Decoder, start xml.StartElement) (*Element, error) {
	root := fromStart(start)
	stack := []*Element{root}
	texts := []*strings.Builder{{}}

	for len(stack) > 0 {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child := fromStart(t)
			parent := stack[len(stack)-1]
			parent.Children = append(parent.Children, child)
			stack = append(stack, child)
			texts = append(texts, &strings.Builder{})
		case xml.CharData:
			texts[len(texts)-1].Write(t)
		case xml.EndElement:
			cur := stack[len(stack)-1]
			text := texts[len(texts)-1].String()
			if len(cur.Children) > 0 && strings.TrimSpace(text) == "" {
				text = ""
			}
			cur.Text = text
			stack = stack[:len(stack)-1]
			texts = texts[:len(texts)-1]
		}
	}
	return root, nil
}

func fromStart(start xml.StartElement) *Element {
	e := &Element{Name: start.Name.Local, Space: start.Name.Space}
	for _, a := range start.Attr {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			continue
		}
		name := a.Name.Local
		if a.Name.Space == nsXML || a.Name.Space == "xml" {
			name = "xml:" + a.Name.Local
		}
		if _, dup := e.LookupAttr(name); dup {
			continue
		}
		e.Attrs = append(e.Attrs, Attr{Name: name, Value: a.Value})
	}
	return e
}
