package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyFrame    = errors.New("protocol: empty frame")
	ErrUnknownFormat = errors.New("protocol: unknown format")
	ErrUnknownKind   = errors.New("protocol: unknown kind")
	ErrMalformed     = errors.New("protocol: malformed envelope")
	ErrBadPayload    = errors.New("protocol: payload is not a json object")
)

// ErrorCode is the wire error code of CallError, RequestError and ResponseError.
type ErrorCode string

const (
	CodeFormationViolation ErrorCode = "FormationViolation"
	CodeCouldNotParse      ErrorCode = "CouldNotParse"
	CodeNotImplemented     ErrorCode = "NotImplemented"
	CodeNotSupported       ErrorCode = "NotSupported"
	CodeInternalError      ErrorCode = "InternalError"
	CodeSignatureError     ErrorCode = "SignatureError"
	CodeTimeout            ErrorCode = "Timeout"
	CodeRejected           ErrorCode = "Rejected"
	CodeTransportError     ErrorCode = "TransportError"
	CodeProtocolError      ErrorCode = "ProtocolError"
	CodeSecurityError      ErrorCode = "SecurityError"
	CodeGenericError       ErrorCode = "GenericError"
)

func (c ErrorCode) String() string {
	return string(c)
}

// DecodeError is returned by Decode. It keeps whatever correlation the frame
// still yielded so the receiver can answer the sender.
type DecodeError struct {
	Code   ErrorCode
	Format Format
	// Kind is zero when the frame kind could not be read.
	Kind      Kind
	RequestID string
	Err       error
}

func (e *DecodeError) Error() string {
	if e.RequestID == "" {
		return fmt.Sprintf("protocol: decode %s: %s: %v", e.Format, e.Code, e.Err)
	}
	return fmt.Sprintf("protocol: decode %s request_id=%q: %s: %v", e.Format, e.RequestID, e.Code, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func formationError(format Format, kind Kind, requestID string, err error) error {
	return &DecodeError{Code: CodeFormationViolation, Format: format, Kind: kind, RequestID: requestID, Err: err}
}

func parseError(format Format, kind Kind, requestID string, err error) error {
	return &DecodeError{Code: CodeCouldNotParse, Format: format, Kind: kind, RequestID: requestID, Err: err}
}

// DecodeErrorCode maps err to the error code a reply should carry.
func DecodeErrorCode(err error) ErrorCode {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeFormationViolation
}
