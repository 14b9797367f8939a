// Package sasl drives SASL authentication over the XML stream.
//
// Ownership boundary:
// - mechanism selection by priority and server offer
// - the auth/challenge/response/success/failure exchange
// - built-in mechanisms: SCRAM-SHA-256, SCRAM-SHA-1, EXTERNAL, PLAIN, ANONYMOUS
//
// Hash and HMAC primitives come from the Go crypto packages and
// golang.org/x/crypto; this package only sequences them.
package sasl

import (
	"errors"
	"fmt"
)

var (
	ErrNoUsableMechanism  = errors.New("sasl: no usable mechanism")
	ErrMalformedChallenge = errors.New("sasl: malformed challenge")
	ErrServerSignature    = errors.New("sasl: server signature mismatch")
	ErrUnexpectedElement  = errors.New("sasl: unexpected element")
	ErrIncomplete         = errors.New("sasl: server reported success before mechanism completed")
)

// Failure conditions from RFC 6120 6.5.
const (
	CondAborted              = "aborted"
	CondAccountDisabled      = "account-disabled"
	CondCredentialsExpired   = "credentials-expired"
	CondEncryptionRequired   = "encryption-required"
	CondIncorrectEncoding    = "incorrect-encoding"
	CondInvalidAuthzID       = "invalid-authzid"
	CondInvalidMechanism     = "invalid-mechanism"
	CondMalformedRequest     = "malformed-request"
	CondMechanismTooWeak     = "mechanism-too-weak"
	CondNotAuthorized        = "not-authorized"
	CondTemporaryAuthFailure = "temporary-auth-failure"
)

// Failure is a <failure/> returned by the server.
type Failure struct {
	Condition string
	Text      string
}

func (f *Failure) Error() string {
	if f.Text == "" {
		return fmt.Sprintf("sasl: failure %s", f.Condition)
	}
	return fmt.Sprintf("sasl: failure %s: %s", f.Condition, f.Text)
}

// Temporary reports whether retrying later with the same credentials can
// succeed.
func (f *Failure) Temporary() bool {
	return f.Condition == CondTemporaryAuthFailure
}

// Credentials are the client secrets offered to mechanisms.
type Credentials struct {
	Username string
	Password string
	AuthzID  string
	// HasClientCert is set when the TLS layer presented a client certificate.
	HasClientCert bool
}

// Context is the per-attempt authentication state. It is discarded when the
// exchange finishes either way.
type Context struct {
	Mechanism          string
	Secure             bool
	ServerName         string
	AllowInsecurePlain bool

	// State is owned by the selected mechanism.
	State any
}

// Mechanism is one pluggable SASL mechanism.
type Mechanism interface {
	Name() string
	// Usable reports whether the mechanism can run with creds in ctx.
	Usable(creds Credentials, ctx *Context) bool
	// Evaluate answers a server challenge. The first call receives a nil
	// challenge and returns the initial response; a nil response means
	// none is sent, an empty non-nil response is sent as "=".
	Evaluate(challenge []byte, creds Credentials, ctx *Context) ([]byte, error)
	Complete(ctx *Context) bool
}
