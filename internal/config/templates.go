package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "client", "xmppctl":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const clientTemplate = `account = "alice@example.com"
password_env = "XMPPCTL_PASSWORD"
resource = "xmppctl"
lang = "en"
# address = "xmpp.example.com:5222"
auto_reconnect = true
connect_on_start = true
security_mode = "development"

[timeouts]
connect = "10s"
handshake = "10s"
negotiation = "30s"
write = "15s"
keepalive = "60s"
request = "30s"
timeout_scan = "250ms"

[reconnect]
initial = "500ms"
multiplier = 2.0
max = "60s"
jitter = true
max_attempts = 0

[tls]
mode = "starttls"
required = true
# ca_file = "/etc/xmppctl/ca.pem"

[sasl]
mechanisms = ["SCRAM-SHA-256", "SCRAM-SHA-1", "PLAIN"]
allow_insecure_plain = false

[stream_management]
enabled = true
resume = true
max_resume_seconds = 300
ack_every = 5

[limits]
max_element_bytes = 1048576
send_rate = 0.0
send_burst = 1

[admin]
enabled = true
addr = "127.0.0.1:9300"
token = ""
cors_origins = ["http://localhost:3000"]
`
