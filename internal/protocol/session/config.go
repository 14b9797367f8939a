package session

import "time"

// SecurityMode gates how strict transport validation is.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSMode selects how the stream is encrypted.
type TLSMode string

const (
	// TLSModeStartTLS upgrades a plain TCP stream when the server offers it.
	TLSModeStartTLS TLSMode = "starttls"
	// TLSModeDirect handshakes TLS before the stream header (port 5223 style).
	TLSModeDirect TLSMode = "direct"
	// TLSModeDisabled never encrypts. Development only.
	TLSModeDisabled TLSMode = "disabled"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

type TLSConfig struct {
	Mode TLSMode
	// Required fails negotiation when STARTTLS is not offered.
	Required           bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
}

// StreamManagementConfig controls ack/resume behavior.
type StreamManagementConfig struct {
	Enabled bool
	Resume  bool
	// MaxResumeSeconds is the preferred resumption window; 0 lets the server pick.
	MaxResumeSeconds int
	// AckEvery requests an ack after this many outbound stanzas; 0 disables.
	AckEvery int
}

// Config defines transport/session reliability defaults.
type Config struct {
	ConnectTimeout      time.Duration
	HandshakeTimeout    time.Duration
	NegotiationTimeout  time.Duration
	WriteTimeout        time.Duration
	KeepAliveInterval   time.Duration
	RequestTimeout      time.Duration
	TimeoutScanInterval time.Duration
	MaxElementBytes     int

	// SendRate caps outbound stanzas per second; 0 disables limiting.
	SendRate  float64
	SendBurst int

	Backoff              BackoffConfig
	MaxReconnectAttempts int

	SecurityMode       SecurityMode
	TLS                TLSConfig
	StreamManagement   StreamManagementConfig
	AllowInsecurePlain bool
	Mechanisms         []string
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:      10 * time.Second,
		HandshakeTimeout:    10 * time.Second,
		NegotiationTimeout:  30 * time.Second,
		WriteTimeout:        15 * time.Second,
		KeepAliveInterval:   60 * time.Second,
		RequestTimeout:      30 * time.Second,
		TimeoutScanInterval: 250 * time.Millisecond,
		MaxElementBytes:     1 << 20,
		SendRate:            0,
		SendBurst:           1,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     60 * time.Second,
			Jitter:       true,
		},
		SecurityMode: SecurityModeDevelopment,
		TLS: TLSConfig{
			Mode:     TLSModeStartTLS,
			Required: true,
		},
		StreamManagement: StreamManagementConfig{
			Enabled:          true,
			Resume:           true,
			MaxResumeSeconds: 300,
			AckEvery:         5,
		},
	}
}

// WithDefaults fills zero durations and limits from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = def.NegotiationTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.TimeoutScanInterval <= 0 {
		c.TimeoutScanInterval = def.TimeoutScanInterval
	}
	if c.MaxElementBytes <= 0 {
		c.MaxElementBytes = def.MaxElementBytes
	}
	if c.SendBurst <= 0 {
		c.SendBurst = def.SendBurst
	}
	if c.Backoff.Multiplier == 0 && c.Backoff.InitialDelay == 0 && c.Backoff.MaxDelay == 0 {
		c.Backoff = def.Backoff
	}
	if c.TLS.Mode == "" {
		c.TLS.Mode = def.TLS.Mode
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	return c
}
