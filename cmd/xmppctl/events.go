package main

import (
	"github.com/rs/zerolog/log"

	"github.com/danmuck/xmppctl/internal/client"
	"github.com/danmuck/xmppctl/internal/events"
	"github.com/danmuck/xmppctl/internal/protocol/element"
	"github.com/danmuck/xmppctl/internal/protocol/session"
)

// watch logs lifecycle events published by mgr.
func watch(mgr *client.Manager) {
	bus := mgr.Bus()
	bus.Subscribe(events.KindConnectionState, func(ev events.Event) {
		change, ok := ev.Payload.(client.StateChange)
		if !ok {
			return
		}
		e := log.Info()
		if change.Err != nil {
			e = log.Warn().Err(change.Err)
		}
		e.Str("from", change.From.String()).
			Str("to", change.To.String()).
			Str("cause", change.Cause.String()).
			Int("attempt", change.Attempt).
			Msg("connection state")
	})
	bus.Subscribe(events.KindNegotiationFailed, func(ev events.Event) {
		if err, ok := ev.Payload.(error); ok {
			log.Warn().Err(err).Msg("negotiation failed")
		}
	})
	bus.Subscribe(events.KindSessionResumed, func(ev events.Event) {
		if info, ok := ev.Payload.(client.ResumeInfo); ok {
			log.Info().Str("id", info.ID).Int("replayed", info.Replayed).Msg("session resumed")
		}
	})
	bus.Subscribe(events.KindDeliveryLost, func(ev events.Event) {
		lost, ok := ev.Payload.([]session.UnackedEntry)
		if !ok {
			return
		}
		for _, entry := range lost {
			log.Warn().Uint32("seq", entry.Seq).Msg("stanza delivery unconfirmed")
		}
	})
}

func logStanza(el *element.Element) bool {
	log.Info().
		Str("stanza", el.Name).
		Str("from", el.Attr("from")).
		Str("type", el.Attr("type")).
		Str("id", el.Attr("id")).
		Msg("inbound stanza")
	return el.Name != "iq"
}
