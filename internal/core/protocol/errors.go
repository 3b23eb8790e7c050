package protocol

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Connection errors

	ErrConnectionClosed = errors.New("connection is closed")
	ErrHandshakeFirst   = errors.New("handshake required before any other packet")
	ErrVersionMismatch  = errors.New("protocol version mismatch")

	// Packet errors

	ErrProtocolViolation     = errors.New("protocol violation")
	ErrUnknownPacket         = errors.New("unknown packet type")
	ErrInvalidPacket         = errors.New("invalid packet")
	ErrSerializationFailed   = errors.New("packet serialization failed")
	ErrDeserializationFailed = errors.New("packet deserialization failed")

	// Transport errors

	ErrFrameTooLarge = errors.New("frame too large")
	ErrUnknownCodec  = errors.New("unknown codec")
)

// ErrorCode is a numeric error class carried in logs and close reasons.
type ErrorCode int

const (
	ErrorCodeSuccess ErrorCode = 0

	// Connection error codes (1000-1999)

	ErrorCodeConnectionClosed  ErrorCode = 1001
	ErrorCodeProtocolViolation ErrorCode = 1007
	ErrorCodeHandshakeFirst    ErrorCode = 1010
	ErrorCodeVersionMismatch   ErrorCode = 1011

	// Packet error codes (3000-3999)

	ErrorCodeFrameTooLarge         ErrorCode = 3001
	ErrorCodeUnknownPacket         ErrorCode = 3002
	ErrorCodeInvalidPacket         ErrorCode = 3003
	ErrorCodeSerializationFailed   ErrorCode = 3005
	ErrorCodeDeserializationFailed ErrorCode = 3006

	ErrorCodeUnknownCodec ErrorCode = 7001

	ErrorCodeUnknownError ErrorCode = 9999
)

// Error is a coded protocol error with optional context.
type Error struct {
	Code      ErrorCode
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp int64
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func NewProtocolError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Context:   make(map[string]any),
		Timestamp: time.Now().Unix(),
	}
}

func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

// IsFatal reports whether the connection that produced the error should be closed.
func (e *Error) IsFatal() bool {
	switch e.Code {
	case ErrorCodeConnectionClosed, ErrorCodeVersionMismatch:
		return true
	default:
		return false
	}
}

var errorCodeMap = map[error]ErrorCode{
	ErrConnectionClosed:      ErrorCodeConnectionClosed,
	ErrHandshakeFirst:        ErrorCodeHandshakeFirst,
	ErrVersionMismatch:       ErrorCodeVersionMismatch,
	ErrProtocolViolation:     ErrorCodeProtocolViolation,
	ErrUnknownPacket:         ErrorCodeUnknownPacket,
	ErrInvalidPacket:         ErrorCodeInvalidPacket,
	ErrSerializationFailed:   ErrorCodeSerializationFailed,
	ErrDeserializationFailed: ErrorCodeDeserializationFailed,
	ErrFrameTooLarge:         ErrorCodeFrameTooLarge,
	ErrUnknownCodec:          ErrorCodeUnknownCodec,
}

// GetErrorCode returns the code of err, looking through wrapping.
func GetErrorCode(err error) ErrorCode {
	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return protocolErr.Code
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ErrorCodeUnknownError
}

func WrapError(err error, message string) *Error {
	return NewProtocolError(GetErrorCode(err), message, err)
}

// Violation marks err as a protocol violation: the frame is rejected at the
// boundary and never reaches the scene.
func Violation(err error) *Error {
	return NewProtocolError(ErrorCodeProtocolViolation, "protocol violation", fmt.Errorf("%w: %w", ErrProtocolViolation, err))
}
