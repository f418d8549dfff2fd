package messages

import (
	"context"
	"encoding/json"
	"time"

	"github.com/danmuck/evmesh/internal/relay"
)

type ChargingStation struct {
	Model           string `json:"model"`
	VendorName      string `json:"vendorName"`
	SerialNumber    string `json:"serialNumber,omitempty"`
	FirmwareVersion string `json:"firmwareVersion,omitempty"`
}

type BootNotificationRequest struct {
	Reason          string          `json:"reason"`
	ChargingStation ChargingStation `json:"chargingStation"`
}

type BootNotificationResponse struct {
	CurrentTime string `json:"currentTime"`
	Interval    int    `json:"interval"`
	Status      string `json:"status"`
}

var bootReasons = map[string]struct{}{
	"ApplicationReset": {}, "FirmwareUpdate": {}, "LocalReset": {}, "PowerUp": {},
	"RemoteReset": {}, "ScheduledReset": {}, "Triggered": {}, "Unknown": {}, "Watchdog": {},
}

func ParseBootNotification(payload json.RawMessage) (any, error) {
	doc, err := parseObject(payload)
	if err != nil {
		return nil, err
	}
	var req BootNotificationRequest
	if req.Reason, err = requireString(doc, "reason"); err != nil {
		return nil, err
	}
	if _, ok := bootReasons[req.Reason]; !ok {
		return nil, invalid("reason %q", req.Reason)
	}
	if req.ChargingStation.Model, err = requireString(doc, "chargingStation.model"); err != nil {
		return nil, err
	}
	if req.ChargingStation.VendorName, err = requireString(doc, "chargingStation.vendorName"); err != nil {
		return nil, err
	}
	if req.ChargingStation.SerialNumber, err = optionalString(doc, "chargingStation.serialNumber"); err != nil {
		return nil, err
	}
	if req.ChargingStation.FirmwareVersion, err = optionalString(doc, "chargingStation.firmwareVersion"); err != nil {
		return nil, err
	}
	return req, nil
}

func bootNotificationSpec(h Handlers) relay.ActionSpec {
	return relay.ActionSpec{
		Action: ActionBootNotification,
		Parser: ParseBootNotification,
		Handlers: []relay.Handler{func(ctx context.Context, call relay.InboundCall) (*relay.Response, error) {
			req := call.Message.(BootNotificationRequest)
			if h.Boot != nil {
				return relay.Respond(h.Boot(ctx, callerOf(call), req)), nil
			}
			return relay.Respond(BootNotificationResponse{
				CurrentTime: h.Now().UTC().Format(time.RFC3339),
				Interval:    int(h.HeartbeatInterval / time.Second),
				Status:      StatusAccepted,
			}), nil
		}},
	}
}

// SendBootNotification issues a BootNotification on out.
func SendBootNotification(ctx context.Context, out *relay.Outbound, req BootNotificationRequest, r relay.Request) (BootNotificationResponse, relay.Result) {
	r.Action = ActionBootNotification
	r.Payload = req
	return relay.Call[BootNotificationResponse](ctx, out, r)
}
