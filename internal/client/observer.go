package client

import (
	"time"

	"github.com/danmuck/xmppctl/internal/observability"
)

// Observer receives session telemetry. The default records Prometheus
// metrics through internal/observability.
type Observer interface {
	StateChanged(to ConnectionState)
	StanzaSent(kind string)
	StanzaReceived(kind string)
	AckReceived(unacked int)
	AckSent()
	Resumption(outcome string)
	Reconnect(cause Cause, scheduled bool)
	RequestResolved(outcome string, latency time.Duration)
	NegotiationFailed(step Step, fatal bool)
}

type metricsObserver struct{}

func (metricsObserver) StateChanged(to ConnectionState) {
	observability.SetConnectionState(int(to))
}

func (metricsObserver) StanzaSent(kind string) {
	observability.RecordStanza("out", kind)
}

func (metricsObserver) StanzaReceived(kind string) {
	observability.RecordStanza("in", kind)
}

func (metricsObserver) AckReceived(unacked int) {
	observability.RecordAck("in")
	observability.SetUnacked(unacked)
}

func (metricsObserver) AckSent() {
	observability.RecordAck("out")
}

func (metricsObserver) Resumption(outcome string) {
	observability.RecordResumption(outcome)
}

func (metricsObserver) Reconnect(cause Cause, scheduled bool) {
	observability.RecordReconnect(cause.String(), scheduled)
}

func (metricsObserver) RequestResolved(outcome string, latency time.Duration) {
	observability.RecordRequest(outcome, latency)
}

func (metricsObserver) NegotiationFailed(step Step, fatal bool) {
	observability.RecordNegotiationFailure(step.String(), fatal)
}
