package h3

import (
	"fmt"
	"strconv"
)

// HTTP/3 and QPACK error codes.
// https://www.rfc-editor.org/rfc/rfc9114.html#section-8.1
// https://www.rfc-editor.org/rfc/rfc9204.html#section-6
const (
	NoError                uint64 = 0x100
	GeneralProtocolError   uint64 = 0x101
	InternalError          uint64 = 0x102
	StreamCreationError    uint64 = 0x103
	ClosedCriticalStream   uint64 = 0x104
	FrameUnexpected        uint64 = 0x105
	FrameError             uint64 = 0x106
	ExcessiveLoad          uint64 = 0x107
	IDError                uint64 = 0x108
	SettingsError          uint64 = 0x109
	MissingSettings        uint64 = 0x10a
	RequestRejected        uint64 = 0x10b
	RequestCancelled       uint64 = 0x10c
	RequestIncomplete      uint64 = 0x10d
	MessageError           uint64 = 0x10e
	ConnectError           uint64 = 0x10f
	VersionFallback        uint64 = 0x110
	QPACKDecompressionFail uint64 = 0x200
	QPACKEncoderStreamErr  uint64 = 0x201
	QPACKDecoderStreamErr  uint64 = 0x202
)

func errorCodeString(code uint64) string {
	switch code {
	case NoError:
		return "h3_no_error"
	case GeneralProtocolError:
		return "h3_general_protocol_error"
	case InternalError:
		return "h3_internal_error"
	case StreamCreationError:
		return "h3_stream_creation_error"
	case ClosedCriticalStream:
		return "h3_closed_critical_stream"
	case FrameUnexpected:
		return "h3_frame_unexpected"
	case FrameError:
		return "h3_frame_error"
	case ExcessiveLoad:
		return "h3_excessive_load"
	case IDError:
		return "h3_id_error"
	case SettingsError:
		return "h3_settings_error"
	case MissingSettings:
		return "h3_missing_settings"
	case RequestRejected:
		return "h3_request_rejected"
	case RequestCancelled:
		return "h3_request_cancelled"
	case RequestIncomplete:
		return "h3_request_incomplete"
	case MessageError:
		return "h3_message_error"
	case ConnectError:
		return "h3_connect_error"
	case VersionFallback:
		return "h3_version_fallback"
	case QPACKDecompressionFail:
		return "qpack_decompression_failed"
	case QPACKEncoderStreamErr:
		return "qpack_encoder_stream_error"
	case QPACKDecoderStreamErr:
		return "qpack_decoder_stream_error"
	default:
		return "error_" + strconv.FormatUint(code, 16)
	}
}

// Error is an HTTP/3 connection error. When the layer encounters one,
// the underlying QUIC connection is closed with the application error
// Code carried in a CONNECTION_CLOSE frame.
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

func newError(code uint64, format string, v ...interface{}) *Error {
	msg := format
	if len(v) > 0 {
		msg = fmt.Sprintf(format, v...)
	}
	return &Error{Code: code, Message: msg}
}
