package session

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrInvalidSecurityMode     = errors.New("session: invalid security mode")
	ErrInvalidTLSMode          = errors.New("session: invalid tls mode")
	ErrTLSRequired             = errors.New("session: tls required")
	ErrTLSCertFileRequired     = errors.New("session: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("session: tls key file required")
	ErrTLSInsecureSkipNotAllow = errors.New("session: insecure skip verify not allowed")
	ErrPlainNotAllowed         = errors.New("session: insecure plain not allowed")
)

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

func NormalizeTLSMode(mode TLSMode) TLSMode {
	if strings.TrimSpace(string(mode)) == "" {
		return TLSModeStartTLS
	}
	return TLSMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

func (c Config) ValidateClientTransport() error {
	mode := NormalizeSecurityMode(c.SecurityMode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}
	tlsMode := NormalizeTLSMode(c.TLS.Mode)
	switch tlsMode {
	case TLSModeStartTLS, TLSModeDirect, TLSModeDisabled:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTLSMode, c.TLS.Mode)
	}

	if mode == SecurityModeProduction {
		if tlsMode == TLSModeDisabled || (tlsMode == TLSModeStartTLS && !c.TLS.Required) {
			return ErrTLSRequired
		}
		if c.TLS.InsecureSkipVerify {
			return ErrTLSInsecureSkipNotAllow
		}
		if c.AllowInsecurePlain {
			return ErrPlainNotAllowed
		}
	}
	if tlsMode == TLSModeDisabled && c.TLS.Required {
		return ErrTLSRequired
	}
	cert := strings.TrimSpace(c.TLS.CertFile)
	key := strings.TrimSpace(c.TLS.KeyFile)
	if cert != "" && key == "" {
		return ErrTLSKeyFileRequired
	}
	if key != "" && cert == "" {
		return ErrTLSCertFileRequired
	}
	return nil
}

// HasClientCert reports whether a client certificate is configured.
func (c Config) HasClientCert() bool {
	return strings.TrimSpace(c.TLS.CertFile) != "" && strings.TrimSpace(c.TLS.KeyFile) != ""
}

// ClientTLSConfig builds the tls.Config used for direct TLS and STARTTLS.
// serverName is used when TLS.ServerName is unset.
func (c Config) ClientTLSConfig(serverName string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
	if name := strings.TrimSpace(c.TLS.ServerName); name != "" {
		serverName = name
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(c.TLS.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("session: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
	}

	if c.HasClientCert() {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
