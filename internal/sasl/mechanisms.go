package sasl

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/secure/precis"
)

// Plain is RFC 4616 PLAIN. It refuses to run on an unencrypted stream unless
// Context.AllowInsecurePlain is set.
func Plain() Mechanism { return plain{} }

type plain struct{}

type oneShotState struct{ sent bool }

func (plain) Name() string { return "PLAIN" }

func (plain) Usable(creds Credentials, ctx *Context) bool {
	if creds.Username == "" || creds.Password == "" {
		return false
	}
	return ctx.Secure || ctx.AllowInsecurePlain
}

func (plain) Evaluate(challenge []byte, creds Credentials, ctx *Context) ([]byte, error) {
	if st, ok := ctx.State.(*oneShotState); ok && st.sent {
		return nil, fmt.Errorf("%w: PLAIN takes no challenges", ErrMalformedChallenge)
	}
	user, err := precis.UsernameCasePreserved.String(creds.Username)
	if err != nil {
		return nil, fmt.Errorf("sasl: username: %w", err)
	}
	pass, err := precis.OpaqueString.String(creds.Password)
	if err != nil {
		return nil, fmt.Errorf("sasl: password: %w", err)
	}
	ctx.State = &oneShotState{sent: true}
	return []byte(creds.AuthzID + "\x00" + user + "\x00" + pass), nil
}

func (plain) Complete(ctx *Context) bool { return oneShotDone(ctx) }

// External is RFC 4422 EXTERNAL, backed by the TLS client certificate.
func External() Mechanism { return external{} }

type external struct{}

func (external) Name() string { return "EXTERNAL" }

func (external) Usable(creds Credentials, ctx *Context) bool {
	return creds.HasClientCert && ctx.Secure
}

func (external) Evaluate(challenge []byte, creds Credentials, ctx *Context) ([]byte, error) {
	if st, ok := ctx.State.(*oneShotState); ok && st.sent {
		return []byte{}, nil
	}
	ctx.State = &oneShotState{sent: true}
	if creds.AuthzID == "" {
		return []byte{}, nil
	}
	return []byte(creds.AuthzID), nil
}

func (external) Complete(ctx *Context) bool { return oneShotDone(ctx) }

// Anonymous is RFC 4505 ANONYMOUS; it is only picked without a username.
func Anonymous() Mechanism { return anonymous{} }

type anonymous struct{}

func (anonymous) Name() string { return "ANONYMOUS" }

func (anonymous) Usable(creds Credentials, _ *Context) bool {
	return creds.Username == ""
}

func (anonymous) Evaluate(challenge []byte, _ Credentials, ctx *Context) ([]byte, error) {
	ctx.State = &oneShotState{sent: true}
	return []byte{}, nil
}

func (anonymous) Complete(ctx *Context) bool { return oneShotDone(ctx) }

func oneShotDone(ctx *Context) bool {
	st, ok := ctx.State.(*oneShotState)
	return ok && st.sent
}

// ScramSHA1 and ScramSHA256 are RFC 5802 / RFC 7677 without channel binding.
func ScramSHA1() Mechanism {
	return &scram{name: "SCRAM-SHA-1", hash: sha1.New, nonce: randomNonce}
}

func ScramSHA256() Mechanism {
	return &scram{name: "SCRAM-SHA-256", hash: sha256.New, nonce: randomNonce}
}

type scram struct {
	name  string
	hash  func() hash.Hash
	nonce func() (string, error)
}

type scramStep int

const (
	scramClientFirst scramStep = iota
	scramClientFinal
	scramVerify
	scramDone
)

type scramState struct {
	step            scramStep
	gs2Header       string
	clientNonce     string
	clientFirstBare string
	serverSignature []byte
}

func (m *scram) Name() string { return m.name }

func (m *scram) Usable(creds Credentials, _ *Context) bool {
	return creds.Username != "" && creds.Password != ""
}

func (m *scram) Complete(ctx *Context) bool {
	st, ok := ctx.State.(*scramState)
	return ok && st.step == scramDone
}

func (m *scram) Evaluate(challenge []byte, creds Credentials, ctx *Context) ([]byte, error) {
	st, _ := ctx.State.(*scramState)
	if challenge == nil || st == nil {
		return m.clientFirst(creds, ctx)
	}
	switch st.step {
	case scramClientFinal:
		return m.clientFinal(string(challenge), creds, st)
	case scramVerify:
		return nil, m.verify(string(challenge), st)
	default:
		return nil, fmt.Errorf("%w: %s exchange already finished", ErrMalformedChallenge, m.name)
	}
}

func (m *scram) clientFirst(creds Credentials, ctx *Context) ([]byte, error) {
	user, err := precis.UsernameCasePreserved.String(creds.Username)
	if err != nil {
		return nil, fmt.Errorf("sasl: username: %w", err)
	}
	nonce, err := m.nonce()
	if err != nil {
		return nil, fmt.Errorf("sasl: nonce: %w", err)
	}
	st := &scramState{step: scramClientFinal, clientNonce: nonce}
	st.gs2Header = "n,,"
	if creds.AuthzID != "" {
		st.gs2Header = "n,a=" + escapeSaslName(creds.AuthzID) + ","
	}
	st.clientFirstBare = "n=" + escapeSaslName(user) + ",r=" + nonce
	ctx.State = st
	return []byte(st.gs2Header + st.clientFirstBare), nil
}

func (m *scram) clientFinal(serverFirst string, creds Credentials, st *scramState) ([]byte, error) {
	attrs := parseScramAttrs(serverFirst)
	if msg, ok := attrs["e"]; ok {
		return nil, &Failure{Condition: CondNotAuthorized, Text: msg}
	}
	nonce := attrs["r"]
	if !strings.HasPrefix(nonce, st.clientNonce) || len(nonce) == len(st.clientNonce) {
		return nil, fmt.Errorf("%w: server nonce does not extend client nonce", ErrMalformedChallenge)
	}
	salt, err := base64.StdEncoding.DecodeString(attrs["s"])
	if err != nil || len(salt) == 0 {
		return nil, fmt.Errorf("%w: bad salt", ErrMalformedChallenge)
	}
	iter, err := strconv.Atoi(attrs["i"])
	if err != nil || iter < 1 {
		return nil, fmt.Errorf("%w: bad iteration count %q", ErrMalformedChallenge, attrs["i"])
	}
	pass, err := precis.OpaqueString.String(creds.Password)
	if err != nil {
		return nil, fmt.Errorf("sasl: password: %w", err)
	}

	salted := pbkdf2.Key([]byte(pass), salt, iter, m.hash().Size(), m.hash)
	clientKey := m.mac(salted, []byte("Client Key"))
	h := m.hash()
	h.Write(clientKey)
	storedKey := h.Sum(nil)

	withoutProof := "c=" + base64.StdEncoding.EncodeToString([]byte(st.gs2Header)) + ",r=" + nonce
	authMessage := []byte(st.clientFirstBare + "," + serverFirst + "," + withoutProof)

	clientSig := m.mac(storedKey, authMessage)
	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ clientSig[i]
	}
	serverKey := m.mac(salted, []byte("Server Key"))
	st.serverSignature = m.mac(serverKey, authMessage)
	st.step = scramVerify

	return []byte(withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)), nil
}

func (m *scram) verify(serverFinal string, st *scramState) error {
	attrs := parseScramAttrs(serverFinal)
	if msg, ok := attrs["e"]; ok {
		return &Failure{Condition: CondNotAuthorized, Text: msg}
	}
	got, err := base64.StdEncoding.DecodeString(attrs["v"])
	if err != nil {
		return fmt.Errorf("%w: bad verifier", ErrMalformedChallenge)
	}
	if !hmac.Equal(got, st.serverSignature) {
		return ErrServerSignature
	}
	st.step = scramDone
	return nil
}

func (m *scram) mac(key, msg []byte) []byte {
	h := hmac.New(m.hash, key)
	h.Write(msg)
	return h.Sum(nil)
}

func parseScramAttrs(msg string) map[string]string {
	out := make(map[string]string)
	for _, field := range strings.Split(msg, ",") {
		if len(field) < 2 || field[1] != '=' {
			continue
		}
		out[field[:1]] = field[2:]
	}
	return out
}

func escapeSaslName(s string) string {
	s = strings.ReplaceAll(s, "=", "=3D")
	return strings.ReplaceAll(s, ",", "=2C")
}

func randomNonce() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(buf), nil
}
