package transport

import (
	"errors"
	"strconv"
)

// Transport error codes.
// https://www.rfc-editor.org/rfc/rfc9000.html#error-codes
const (
	NoError                 = 0x0
	InternalError           = 0x1
	ConnectionRefused       = 0x2
	FlowControlError        = 0x3
	StreamLimitError        = 0x4
	StreamStateError        = 0x5
	FinalSizeError          = 0x6
	FrameEncodingError      = 0x7
	TransportParameterError = 0x8
	ConnectionIDLimitError  = 0x9
	ProtocolViolation       = 0xa
	InvalidToken            = 0xb
	ApplicationError        = 0xc
	CryptoBufferExceeded    = 0xd
	KeyUpdateError          = 0xe
	AEADLimitReached        = 0xf
	NoViablePath            = 0x10
	CryptoError             = 0x100
)

var errorCodeNames = map[uint64]string{
	NoError:                 "no_error",
	InternalError:           "internal_error",
	ConnectionRefused:       "connection_refused",
	FlowControlError:        "flow_control_error",
	StreamLimitError:        "stream_limit_error",
	StreamStateError:        "stream_state_error",
	FinalSizeError:          "final_size_error",
	FrameEncodingError:      "frame_encoding_error",
	TransportParameterError: "transport_parameter_error",
	ConnectionIDLimitError:  "connection_id_limit_error",
	ProtocolViolation:       "protocol_violation",
	InvalidToken:            "invalid_token",
	ApplicationError:        "application_error",
	CryptoBufferExceeded:    "crypto_buffer_exceeded",
	KeyUpdateError:          "key_update_error",
	AEADLimitReached:        "aead_limit_reached",
	NoViablePath:            "no_viable_path",
}

func errorCodeString(code uint64) string {
	if s, ok := errorCodeNames[code]; ok {
		return s
	}
	if code >= CryptoError && code <= CryptoError+0xff {
		return "crypto_error_" + strconv.FormatUint(code&0xff, 10)
	}
	return "error_" + strconv.FormatUint(code, 16)
}

// Error is a QUIC transport error. It carries the error code sent in
// a transport CONNECTION_CLOSE frame.
type Error struct {
	Code    uint64
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return errorCodeString(e.Code)
	}
	return errorCodeString(e.Code) + " " + e.Message
}

func newError(code uint64, msg string) *Error {
	return &Error{
		Code:    code,
		Message: msg,
	}
}

// AppError is an error sent or received in a CONNECTION_CLOSE frame of
// type 0x1d. Its code is defined by the application protocol.
type AppError struct {
	Code    uint64
	Message string
}

func (e *AppError) Error() string {
	if e.Message == "" {
		return sprint("application_error code=", e.Code)
	}
	return sprint("application_error code=", e.Code, " ", e.Message)
}

var (
	errShortBuffer = errors.New("short buffer")

	// ErrPacketDropped is returned internally when an incoming packet must
	// be discarded without terminating the connection.
	ErrPacketDropped = errors.New("packet dropped")
	// ErrKeysUnavailable is returned when a packet cannot be processed
	// because keys for its space have not been derived or were discarded.
	ErrKeysUnavailable = errors.New("keys unavailable")

	errFlowControl       = newError(FlowControlError, "")
	errStreamLimit       = newError(StreamLimitError, "")
	errFinalSize         = newError(FinalSizeError, "")
	errInvalidPacket     = newError(FrameEncodingError, "invalid packet")
	errInvalidFrame      = newError(FrameEncodingError, "invalid frame")
	errProtocolViolation = newError(ProtocolViolation, "")
)

// sprint formats values for error messages and log fields. It avoids fmt
// for the types this package emits on hot paths.
func sprint(values ...interface{}) string {
	b := make([]byte, 0, 64)
	for _, v := range values {
		switch v := v.(type) {
		case string:
			b = append(b, v...)
		case int:
			b = strconv.AppendInt(b, int64(v), 10)
		case int64:
			b = strconv.AppendInt(b, v, 10)
		case uint32:
			b = strconv.AppendUint(b, uint64(v), 10)
		case uint64:
			b = strconv.AppendUint(b, v, 10)
		case []byte:
			for _, c := range v {
				const hex = "0123456789abcdef"
				b = append(b, hex[c>>4], hex[c&0xf])
			}
		case bool:
			b = strconv.AppendBool(b, v)
		default:
			b = append(b, "<?>"...)
		}
	}
	return string(b)
}
