// Package schema declares the TLV contract of binary envelopes: which fields
// each envelope kind must carry and the wire type of every known field.
package schema

import (
	"fmt"

	"github.com/danmuck/evmesh/internal/protocol/tlv"
	logs "github.com/danmuck/evmesh/internal/logging"
)

// Envelope kinds, shared with the text format's leading array element.
const (
	KindCall          uint32 = 2
	KindCallResult    uint32 = 3
	KindCallError     uint32 = 4
	KindRequestError  uint32 = 5
	KindResponseError uint32 = 6
)

// Field IDs.
const (
	FieldRequestID        uint16 = 1
	FieldAction           uint16 = 2
	FieldPayload          uint16 = 3
	FieldErrorCode        uint16 = 4
	FieldErrorDescription uint16 = 5
	FieldErrorDetails     uint16 = 6

	FieldDestinationKind uint16 = 100
	FieldDestinationNode uint16 = 101
	FieldPathHop         uint16 = 102
	FieldEventTrackingID uint16 = 103
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	Kind    uint32
	FieldID uint16
	Reason  string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: kind=%d: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("schema: kind=%d field=%d: %s", e.Kind, e.FieldID, e.Reason)
}

var errorRequirements = []Requirement{
	{FieldRequestID, tlv.TypeString},
	{FieldErrorCode, tlv.TypeString},
	{FieldErrorDescription, tlv.TypeString},
}

var requirements = map[uint32][]Requirement{
	KindCall: {
		{FieldRequestID, tlv.TypeString},
		{FieldAction, tlv.TypeString},
		{FieldPayload, tlv.TypeBytes},
	},
	KindCallResult: {
		{FieldRequestID, tlv.TypeString},
		{FieldPayload, tlv.TypeBytes},
	},
	KindCallError:     errorRequirements,
	KindRequestError:  errorRequirements,
	KindResponseError: errorRequirements,
}

// knownTypes pins the wire type of optional fields too.
var knownTypes = map[uint16]uint8{
	FieldRequestID:        tlv.TypeString,
	FieldAction:           tlv.TypeString,
	FieldPayload:          tlv.TypeBytes,
	FieldErrorCode:        tlv.TypeString,
	FieldErrorDescription: tlv.TypeString,
	FieldErrorDetails:     tlv.TypeBytes,
	FieldDestinationKind:  tlv.TypeU8,
	FieldDestinationNode:  tlv.TypeString,
	FieldPathHop:          tlv.TypeString,
	FieldEventTrackingID:  tlv.TypeString,
}

// KnownKind reports whether kind is one of the envelope kinds.
func KnownKind(kind uint32) bool {
	_, ok := requirements[kind]
	return ok
}

// Known reports whether id is a field this contract understands.
func Known(id uint16) bool {
	_, ok := knownTypes[id]
	return ok
}

// Validate enforces required fields and the types of every known field for an
// envelope kind. Unknown fields are left for the caller to preserve.
func Validate(kind uint32, fields []tlv.Field) error {
	logs.Tracef("schema.Validate kind=%d fields=%d", kind, len(fields))
	reqs, ok := requirements[kind]
	if !ok {
		logs.Debugf("schema.Validate unknown kind=%d", kind)
		return ValidationError{Kind: kind, Reason: "unknown kind"}
	}
	for _, req := range reqs {
		if _, found := tlv.GetField(fields, req.ID); !found {
			logs.Debugf("schema.Validate missing field kind=%d field_id=%d", kind, req.ID)
			return ValidationError{Kind: kind, FieldID: req.ID, Reason: "missing required field"}
		}
	}
	for _, f := range fields {
		want, known := knownTypes[f.ID]
		if !known {
			continue
		}
		if f.Type != want {
			logs.Debugf(
				"schema.Validate type mismatch kind=%d field_id=%d got=%d want=%d",
				kind,
				f.ID,
				f.Type,
				want,
			)
			return ValidationError{Kind: kind, FieldID: f.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
