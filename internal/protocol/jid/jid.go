// Package jid parses and formats XMPP addresses (local@domain/resource).
package jid

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/secure/precis"
)

var (
	ErrEmpty         = errors.New("jid: empty address")
	ErrMissingDomain = errors.New("jid: missing domain")
	ErrInvalidPart   = errors.New("jid: invalid part")
)

const maxPartBytes = 1023

// JID is a parsed address. The zero value is not valid.
type JID struct {
	Local    string
	Domain   string
	Resource string
}

// Parse splits s into its parts and normalises the localpart with the
// PRECIS UsernameCaseMapped profile.
func Parse(s string) (JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return JID{}, ErrEmpty
	}
	var out JID
	rest := s
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		out.Resource = rest[i+1:]
		rest = rest[:i]
		if out.Resource == "" {
			return JID{}, fmt.Errorf("%w: empty resource in %q", ErrInvalidPart, s)
		}
	}
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		out.Local = rest[:i]
		rest = rest[i+1:]
		if out.Local == "" {
			return JID{}, fmt.Errorf("%w: empty localpart in %q", ErrInvalidPart, s)
		}
	}
	out.Domain = strings.ToLower(strings.TrimSuffix(rest, "."))
	if out.Domain == "" {
		return JID{}, ErrMissingDomain
	}
	if out.Local != "" {
		local, err := precis.UsernameCaseMapped.String(out.Local)
		if err != nil {
			return JID{}, fmt.Errorf("%w: localpart %q: %v", ErrInvalidPart, out.Local, err)
		}
		out.Local = local
	}
	for _, part := range []string{out.Local, out.Domain, out.Resource} {
		if len(part) > maxPartBytes {
			return JID{}, fmt.Errorf("%w: part exceeds %d bytes", ErrInvalidPart, maxPartBytes)
		}
	}
	return out, nil
}

// MustParse is Parse for constants in tests and defaults.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return j
}

func (j JID) IsZero() bool {
	return j.Domain == ""
}

// Bare drops the resource.
func (j JID) Bare() JID {
	return JID{Local: j.Local, Domain: j.Domain}
}

func (j JID) WithResource(resource string) JID {
	j.Resource = resource
	return j
}

func (j JID) String() string {
	var b strings.Builder
	if j.Local != "" {
		b.WriteString(j.Local)
		b.WriteByte('@')
	}
	b.WriteString(j.Domain)
	if j.Resource != "" {
		b.WriteByte('/')
		b.WriteString(j.Resource)
	}
	return b.String()
}
