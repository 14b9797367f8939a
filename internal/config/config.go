package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/xmppctl/internal/protocol/jid"
	"github.com/danmuck/xmppctl/internal/protocol/session"
)

var (
	ErrAccountRequired  = errors.New("config: account is required")
	ErrAdminAddrMissing = errors.New("config: admin addr is required when admin is enabled")
)

// ClientConfig is the resolved configuration of one xmppctl process.
type ClientConfig struct {
	Account       string
	Password      string
	AuthzID       string
	Resource      string
	Lang          string
	Address       string
	AutoReconnect bool
	// ConnectOnStart dials as soon as the process starts.
	ConnectOnStart bool

	Session session.Config
	Admin   AdminConfig
}

type AdminConfig struct {
	Enabled     bool
	Addr        string
	Token       string
	CorsOrigins []string
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Lang:           "en",
		AutoReconnect:  true,
		ConnectOnStart: true,
		Session:        session.DefaultConfig(),
		Admin: AdminConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9300",
		},
	}
}

type fileConfig struct {
	Account        string `toml:"account"`
	Password       string `toml:"password"`
	PasswordEnv    string `toml:"password_env"`
	AuthzID        string `toml:"authzid"`
	Resource       string `toml:"resource"`
	Lang           string `toml:"lang"`
	Address        string `toml:"address"`
	AutoReconnect  bool   `toml:"auto_reconnect"`
	ConnectOnStart bool   `toml:"connect_on_start"`
	SecurityMode   string `toml:"security_mode"`

	Timeouts struct {
		Connect     string `toml:"connect"`
		Handshake   string `toml:"handshake"`
		Negotiation string `toml:"negotiation"`
		Write       string `toml:"write"`
		KeepAlive   string `toml:"keepalive"`
		Request     string `toml:"request"`
		TimeoutScan string `toml:"timeout_scan"`
	} `toml:"timeouts"`

	Reconnect struct {
		Initial     string  `toml:"initial"`
		Multiplier  float64 `toml:"multiplier"`
		Max         string  `toml:"max"`
		Jitter      bool    `toml:"jitter"`
		MaxAttempts int     `toml:"max_attempts"`
	} `toml:"reconnect"`

	TLS struct {
		Mode               string `toml:"mode"`
		Required           bool   `toml:"required"`
		ServerName         string `toml:"server_name"`
		CAFile             string `toml:"ca_file"`
		CertFile           string `toml:"cert_file"`
		KeyFile            string `toml:"key_file"`
		InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	} `toml:"tls"`

	SASL struct {
		Mechanisms         []string `toml:"mechanisms"`
		AllowInsecurePlain bool     `toml:"allow_insecure_plain"`
	} `toml:"sasl"`

	StreamManagement struct {
		Enabled          bool `toml:"enabled"`
		Resume           bool `toml:"resume"`
		MaxResumeSeconds int  `toml:"max_resume_seconds"`
		AckEvery         int  `toml:"ack_every"`
	} `toml:"stream_management"`

	Limits struct {
		MaxElementBytes int     `toml:"max_element_bytes"`
		SendRate        float64 `toml:"send_rate"`
		SendBurst       int     `toml:"send_burst"`
	} `toml:"limits"`

	Admin struct {
		Enabled     bool     `toml:"enabled"`
		Addr        string   `toml:"addr"`
		Token       string   `toml:"token"`
		CorsOrigins []string `toml:"cors_origins"`
	} `toml:"admin"`
}

// Load reads a TOML file and overlays every defined key onto
// DefaultClientConfig.
func Load(path string) (ClientConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return ClientConfig{}, fmt.Errorf("config parse failed (%s): unknown keys %s", path, strings.Join(keys, ", "))
	}
	cfg, err := overlay(DefaultClientConfig(), raw, meta)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func overlay(cfg ClientConfig, raw fileConfig, meta toml.MetaData) (ClientConfig, error) {
	str := func(dst *string, v string, key ...string) {
		if meta.IsDefined(key...) {
			*dst = strings.TrimSpace(v)
		}
	}
	str(&cfg.Account, raw.Account, "account")
	str(&cfg.AuthzID, raw.AuthzID, "authzid")
	str(&cfg.Resource, raw.Resource, "resource")
	str(&cfg.Lang, raw.Lang, "lang")
	str(&cfg.Address, raw.Address, "address")
	if meta.IsDefined("password") {
		cfg.Password = raw.Password
	}
	if meta.IsDefined("password_env") {
		name := strings.TrimSpace(raw.PasswordEnv)
		if v, ok := os.LookupEnv(name); ok {
			cfg.Password = v
		} else {
			return ClientConfig{}, fmt.Errorf("password_env %s is not set", name)
		}
	}
	if meta.IsDefined("auto_reconnect") {
		cfg.AutoReconnect = raw.AutoReconnect
	}
	if meta.IsDefined("connect_on_start") {
		cfg.ConnectOnStart = raw.ConnectOnStart
	}
	if meta.IsDefined("security_mode") {
		cfg.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}

	durations := []struct {
		dst *time.Duration
		v   string
		key string
	}{
		{&cfg.Session.ConnectTimeout, raw.Timeouts.Connect, "connect"},
		{&cfg.Session.HandshakeTimeout, raw.Timeouts.Handshake, "handshake"},
		{&cfg.Session.NegotiationTimeout, raw.Timeouts.Negotiation, "negotiation"},
		{&cfg.Session.WriteTimeout, raw.Timeouts.Write, "write"},
		{&cfg.Session.KeepAliveInterval, raw.Timeouts.KeepAlive, "keepalive"},
		{&cfg.Session.RequestTimeout, raw.Timeouts.Request, "request"},
		{&cfg.Session.TimeoutScanInterval, raw.Timeouts.TimeoutScan, "timeout_scan"},
	}
	for _, d := range durations {
		if !meta.IsDefined("timeouts", d.key) {
			continue
		}
		v, err := parseDuration(d.v)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("timeouts.%s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("reconnect", "initial") {
		v, err := parseDuration(raw.Reconnect.Initial)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("reconnect.initial: %w", err)
		}
		cfg.Session.Backoff.InitialDelay = v
	}
	if meta.IsDefined("reconnect", "max") {
		v, err := parseDuration(raw.Reconnect.Max)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("reconnect.max: %w", err)
		}
		cfg.Session.Backoff.MaxDelay = v
	}
	if meta.IsDefined("reconnect", "multiplier") {
		cfg.Session.Backoff.Multiplier = raw.Reconnect.Multiplier
	}
	if meta.IsDefined("reconnect", "jitter") {
		cfg.Session.Backoff.Jitter = raw.Reconnect.Jitter
	}
	if meta.IsDefined("reconnect", "max_attempts") {
		cfg.Session.MaxReconnectAttempts = raw.Reconnect.MaxAttempts
	}

	if meta.IsDefined("tls", "mode") {
		cfg.Session.TLS.Mode = session.TLSMode(strings.TrimSpace(raw.TLS.Mode))
	}
	if meta.IsDefined("tls", "required") {
		cfg.Session.TLS.Required = raw.TLS.Required
	}
	str(&cfg.Session.TLS.ServerName, raw.TLS.ServerName, "tls", "server_name")
	str(&cfg.Session.TLS.CAFile, raw.TLS.CAFile, "tls", "ca_file")
	str(&cfg.Session.TLS.CertFile, raw.TLS.CertFile, "tls", "cert_file")
	str(&cfg.Session.TLS.KeyFile, raw.TLS.KeyFile, "tls", "key_file")
	if meta.IsDefined("tls", "insecure_skip_verify") {
		cfg.Session.TLS.InsecureSkipVerify = raw.TLS.InsecureSkipVerify
	}

	if meta.IsDefined("sasl", "mechanisms") {
		cfg.Session.Mechanisms = normalizeList(raw.SASL.Mechanisms, strings.ToUpper)
	}
	if meta.IsDefined("sasl", "allow_insecure_plain") {
		cfg.Session.AllowInsecurePlain = raw.SASL.AllowInsecurePlain
	}

	sm := &cfg.Session.StreamManagement
	if meta.IsDefined("stream_management", "enabled") {
		sm.Enabled = raw.StreamManagement.Enabled
	}
	if meta.IsDefined("stream_management", "resume") {
		sm.Resume = raw.StreamManagement.Resume
	}
	if meta.IsDefined("stream_management", "max_resume_seconds") {
		sm.MaxResumeSeconds = raw.StreamManagement.MaxResumeSeconds
	}
	if meta.IsDefined("stream_management", "ack_every") {
		sm.AckEvery = raw.StreamManagement.AckEvery
	}

	if meta.IsDefined("limits", "max_element_bytes") {
		cfg.Session.MaxElementBytes = raw.Limits.MaxElementBytes
	}
	if meta.IsDefined("limits", "send_rate") {
		cfg.Session.SendRate = raw.Limits.SendRate
	}
	if meta.IsDefined("limits", "send_burst") {
		cfg.Session.SendBurst = raw.Limits.SendBurst
	}

	if meta.IsDefined("admin", "enabled") {
		cfg.Admin.Enabled = raw.Admin.Enabled
	}
	str(&cfg.Admin.Addr, raw.Admin.Addr, "admin", "addr")
	str(&cfg.Admin.Token, raw.Admin.Token, "admin", "token")
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CorsOrigins = normalizeList(raw.Admin.CorsOrigins, nil)
	}
	return cfg, nil
}

// Validate checks a resolved configuration.
func Validate(cfg ClientConfig) error {
	if strings.TrimSpace(cfg.Account) == "" {
		return ErrAccountRequired
	}
	if _, err := jid.Parse(cfg.Account); err != nil {
		return fmt.Errorf("config: account: %w", err)
	}
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Session.Backoff.Multiplier != 0 && cfg.Session.Backoff.Multiplier < 1 {
		return fmt.Errorf("config: reconnect.multiplier must be >= 1, got %v", cfg.Session.Backoff.Multiplier)
	}
	if cfg.Session.SendRate < 0 {
		return fmt.Errorf("config: limits.send_rate must be >= 0")
	}
	if cfg.Admin.Enabled && strings.TrimSpace(cfg.Admin.Addr) == "" {
		return ErrAdminAddrMissing
	}
	return nil
}

func parseDuration(v string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", v)
	}
	return d, nil
}

func normalizeList(in []string, mapFn func(string) string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if mapFn != nil {
			v = mapFn(v)
		}
		out = append(out, v)
	}
	return out
}
