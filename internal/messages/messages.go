package messages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/evmesh/internal/relay"
	"github.com/tidwall/gjson"
)

const (
	ActionBootNotification = "BootNotification"
	ActionHeartbeat        = "Heartbeat"
	ActionAddUserRole      = "AddUserRole"
	ActionDataTransfer     = "DataTransfer"
)

var ErrInvalidPayload = errors.New("messages: invalid payload")

// Status values shared by several responses.
const (
	StatusAccepted        = "Accepted"
	StatusRejected        = "Rejected"
	StatusPending         = "Pending"
	StatusUnknownVendorID = "UnknownVendorId"
)

// Handlers bundles the per-action behavior registered by Register. Nil
// fields select the defaults.
type Handlers struct {
	Now               func() time.Time
	HeartbeatInterval time.Duration
	Boot              func(ctx context.Context, from string, req BootNotificationRequest) BootNotificationResponse
	Roles             *RoleStore
	Vendors           map[string]VendorHandler
}

func (h Handlers) withDefaults() Handlers {
	if h.Now == nil {
		h.Now = time.Now
	}
	if h.HeartbeatInterval <= 0 {
		h.HeartbeatInterval = 300 * time.Second
	}
	if h.Roles == nil {
		h.Roles = NewRoleStore()
	}
	return h
}

// Register adds every action of this package to reg.
func Register(reg *relay.Registry, h Handlers) error {
	h = h.withDefaults()
	entries := []relay.ActionSpec{
		bootNotificationSpec(h),
		heartbeatSpec(h),
		addUserRoleSpec(h),
		dataTransferSpec(h),
	}
	for _, entry := range entries {
		if err := reg.Register(entry); err != nil {
			return err
		}
	}
	return nil
}

// Actions lists the actions Register installs.
func Actions() []string {
	return []string{ActionAddUserRole, ActionBootNotification, ActionDataTransfer, ActionHeartbeat}
}

// parseObject checks payload is a JSON object and returns its gjson view.
func parseObject(payload json.RawMessage) (gjson.Result, error) {
	if !gjson.ValidBytes(payload) {
		return gjson.Result{}, fmt.Errorf("%w: not valid json", ErrInvalidPayload)
	}
	doc := gjson.ParseBytes(payload)
	if !doc.IsObject() {
		return gjson.Result{}, fmt.Errorf("%w: not an object", ErrInvalidPayload)
	}
	return doc, nil
}

func requireString(doc gjson.Result, path string) (string, error) {
	v := doc.Get(path)
	if !v.Exists() {
		return "", fmt.Errorf("%w: missing %s", ErrInvalidPayload, path)
	}
	if v.Type != gjson.String || v.String() == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", ErrInvalidPayload, path)
	}
	return v.String(), nil
}

func optionalString(doc gjson.Result, path string) (string, error) {
	v := doc.Get(path)
	if !v.Exists() {
		return "", nil
	}
	if v.Type != gjson.String {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidPayload, path)
	}
	return v.String(), nil
}

func callerOf(call relay.InboundCall) string {
	if src := call.Envelope.Path.Source(); !src.IsZero() {
		return src.String()
	}
	return call.From.String()
}
