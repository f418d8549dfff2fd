package observability

import (
	"github.com/danmuck/evmesh/internal/relay"
	"github.com/rs/zerolog"
)

// SubscribeMetrics counts every relay event of a node.
func SubscribeMetrics(events *relay.Events) error {
	return events.SubscribeAll(func(ev relay.Event) {
		action := ev.Action
		if action == "" {
			action = ev.Envelope.Action
		}
		RecordRelayEvent(ev.Node.String(), string(ev.Type), action, ev.Outcome)
		if ev.Type == relay.EventRequestFiltered {
			RecordDecision(ev.Node.String(), action, ev.Decision.String())
		}
	})
}

// SubscribeLogger writes relay events to logger at debug level, and
// rejected frames at warn.
func SubscribeLogger(events *relay.Events, logger zerolog.Logger) error {
	return events.SubscribeAll(func(ev relay.Event) {
		entry := logger.Debug()
		if ev.Type == relay.EventFrameRejected || ev.Type == relay.EventResponseUnmatched {
			entry = logger.Warn()
		}
		if ev.Err != nil {
			entry = entry.Err(ev.Err)
		}
		entry.
			Str("type", string(ev.Type)).
			Str("peer", ev.Peer.String()).
			Str("action", ev.Action).
			Str("request_id", ev.RequestID).
			Str("outcome", ev.Outcome).
			Time("at", ev.At).
			Msg("relay_event")
	})
}
