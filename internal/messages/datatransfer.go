package messages

import (
	"context"
	"encoding/json"

	"github.com/danmuck/evmesh/internal/relay"
)

type DataTransferRequest struct {
	VendorID  string          `json:"vendorId"`
	MessageID string          `json:"messageId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type DataTransferResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// VendorHandler answers DataTransfer requests for one vendor id.
type VendorHandler func(ctx context.Context, req DataTransferRequest) DataTransferResponse

func ParseDataTransfer(payload json.RawMessage) (any, error) {
	doc, err := parseObject(payload)
	if err != nil {
		return nil, err
	}
	var req DataTransferRequest
	if req.VendorID, err = requireString(doc, "vendorId"); err != nil {
		return nil, err
	}
	if req.MessageID, err = optionalString(doc, "messageId"); err != nil {
		return nil, err
	}
	if data := doc.Get("data"); data.Exists() {
		req.Data = json.RawMessage(data.Raw)
	}
	return req, nil
}

func dataTransferSpec(h Handlers) relay.ActionSpec {
	return relay.ActionSpec{
		Action: ActionDataTransfer,
		Parser: ParseDataTransfer,
		Handlers: []relay.Handler{func(ctx context.Context, call relay.InboundCall) (*relay.Response, error) {
			req := call.Message.(DataTransferRequest)
			vendor, ok := h.Vendors[req.VendorID]
			if !ok {
				return relay.Respond(DataTransferResponse{Status: StatusUnknownVendorID}), nil
			}
			return relay.Respond(vendor(ctx, req)), nil
		}},
	}
}

func SendDataTransfer(ctx context.Context, out *relay.Outbound, req DataTransferRequest, r relay.Request) (DataTransferResponse, relay.Result) {
	r.Action = ActionDataTransfer
	r.Payload = req
	return relay.Call[DataTransferResponse](ctx, out, r)
}
