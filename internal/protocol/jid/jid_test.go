package jid

import (
	"errors"
	"testing"

	"github.com/danmuck/xmppctl/internal/testutil/testlog"
)

func TestParseFullAddress(t *testing.T) {
	testlog.Start(t)
	j, err := Parse("Juliet@Example.COM/balcony/east")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if j.Local != "juliet" || j.Domain != "example.com" || j.Resource != "balcony/east" {
		t.Fatalf("unexpected parts: %+v", j)
	}
	if j.Bare().String() != "juliet@example.com" {
		t.Fatalf("unexpected bare: %s", j.Bare())
	}
	if j.String() != "juliet@example.com/balcony/east" {
		t.Fatalf("unexpected string: %s", j)
	}
}

func TestParseDomainOnly(t *testing.T) {
	testlog.Start(t)
	j, err := Parse("example.com.")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if j.Local != "" || j.Domain != "example.com" || j.IsZero() {
		t.Fatalf("unexpected domain jid: %+v", j)
	}
	if got := j.WithResource("r").String(); got != "example.com/r" {
		t.Fatalf("unexpected with resource: %s", got)
	}
}

func TestParseRejectsBrokenAddresses(t *testing.T) {
	testlog.Start(t)
	if _, err := Parse(""); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if _, err := Parse("user@"); !errors.Is(err, ErrMissingDomain) {
		t.Fatalf("expected ErrMissingDomain, got %v", err)
	}
	if _, err := Parse("@example.com"); !errors.Is(err, ErrInvalidPart) {
		t.Fatalf("expected ErrInvalidPart for empty local, got %v", err)
	}
	if _, err := Parse("user@example.com/"); !errors.Is(err, ErrInvalidPart) {
		t.Fatalf("expected ErrInvalidPart for empty resource, got %v", err)
	}
}
