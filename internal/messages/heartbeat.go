package messages

import (
	"context"
	"encoding/json"
	"time"

	"github.com/danmuck/evmesh/internal/relay"
)

type HeartbeatResponse struct {
	CurrentTime string `json:"currentTime"`
}

func ParseHeartbeat(payload json.RawMessage) (any, error) {
	if _, err := parseObject(payload); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func heartbeatSpec(h Handlers) relay.ActionSpec {
	return relay.ActionSpec{
		Action: ActionHeartbeat,
		Parser: ParseHeartbeat,
		Handlers: []relay.Handler{func(context.Context, relay.InboundCall) (*relay.Response, error) {
			return relay.Respond(HeartbeatResponse{CurrentTime: h.Now().UTC().Format(time.RFC3339)}), nil
		}},
	}
}

func SendHeartbeat(ctx context.Context, out *relay.Outbound, r relay.Request) (HeartbeatResponse, relay.Result) {
	r.Action = ActionHeartbeat
	r.Payload = struct{}{}
	return relay.Call[HeartbeatResponse](ctx, out, r)
}
