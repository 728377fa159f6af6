package transport

import (
	"reflect"
	"testing"
	"time"
)

func TestTransportParams(t *testing.T) {
	tp := Parameters{
		OriginalDestinationCID: []byte{0x01, 0x02, 0x03, 0x04, 0x05},
		InitialSourceCID:       []byte{0x06, 0x07},
		RetrySourceCID:         []byte{0x08, 0x09, 0x0a},
		StatelessResetToken:    []byte("0123456789abcdef"),

		MaxIdleTimeout:    30 * time.Millisecond,
		MaxUDPPayloadSize: 1200,

		InitialMaxData:                 1440000,
		InitialMaxStreamDataBidiLocal:  90000,
		InitialMaxStreamDataBidiRemote: 90000,
		InitialMaxStreamDataUni:        262144,
		InitialMaxStreamsBidi:          8,
		InitialMaxStreamsUni:           8,

		AckDelayExponent: 3,
		MaxAckDelay:      25 * time.Millisecond,

		DisableActiveMigration:  true,
		ActiveConnectionIDLimit: 4,

		MaxDatagramFramePayloadSize: 1000,
	}
	b := tp.marshal()
	tp2 := Parameters{}
	if !tp2.unmarshal(b) {
		t.Fatal("could not unmarshal")
	}
	if !reflect.DeepEqual(&tp, &tp2) {
		t.Fatalf("unmarshal transport parameters:\nexpect=%#v\nactual=%#v", &tp, &tp2)
	}
}

func TestTransportParamsLegacy(t *testing.T) {
	tp := Parameters{
		OriginalDestinationCID: []byte{0x01, 0x02, 0x03, 0x04, 0x05},
		InitialSourceCID:       []byte{0x06, 0x07},
		StatelessResetToken:    []byte("0123456789abcdef"),

		MaxIdleTimeout: 30 * time.Millisecond,

		InitialMaxData:                 1440000,
		InitialMaxStreamDataBidiLocal:  90000,
		InitialMaxStreamDataBidiRemote: 90000,
		InitialMaxStreamDataUni:        262144,
		InitialMaxStreamsBidi:          8,
		InitialMaxStreamsUni:           8,

		AckDelayExponent: 3,
		MaxAckDelay:      25 * time.Millisecond,

		DisableActiveMigration:  true,
		ActiveConnectionIDLimit: 4,
	}
	b := tp.marshalLegacy()
	tp2 := Parameters{}
	if !tp2.unmarshalLegacy(b) {
		t.Fatal("could not unmarshal")
	}
	if !reflect.DeepEqual(&tp, &tp2) {
		t.Fatalf("unmarshal transport parameters:\nexpect=%#v\nactual=%#v", &tp, &tp2)
	}
	// The list length prefix must cover the whole extension.
	tp3 := Parameters{}
	if tp3.unmarshalLegacy(b[:len(b)-1]) {
		t.Fatal("expect unmarshal failure on truncated input")
	}
	if !isLegacyParamsVersion(versionDraftMin) || isLegacyParamsVersion(versionDraft27) ||
		isLegacyParamsVersion(ProtocolVersion) {
		t.Fatal("legacy format gate mismatch")
	}
}

func TestTransportParamsValidate(t *testing.T) {
	tp := Parameters{
		StatelessResetToken: []byte("0123456789abcdef"),
	}
	// Server-only parameters must not be sent by a client.
	if err := tp.validate(true); err == nil {
		t.Fatal("expect error for client stateless_reset_token")
	}
	if err := tp.validate(false); err != nil {
		t.Fatalf("validate: %v", err)
	}
	tp = Parameters{OriginalDestinationCID: []byte{1}}
	if err := tp.validate(true); err == nil {
		t.Fatal("expect error for client original_destination_connection_id")
	}
	tp = Parameters{RetrySourceCID: []byte{1}}
	if err := tp.validate(true); err == nil {
		t.Fatal("expect error for client retry_source_connection_id")
	}
	tp = Parameters{StatelessResetToken: []byte{1, 2, 3}}
	if err := tp.validate(false); err == nil {
		t.Fatal("expect error for short stateless_reset_token")
	}
	tp = Parameters{MaxUDPPayloadSize: 1100}
	if err := tp.validate(true); err == nil {
		t.Fatal("expect error for max_udp_payload_size")
	}
	tp = Parameters{AckDelayExponent: 21}
	if err := tp.validate(true); err == nil {
		t.Fatal("expect error for ack_delay_exponent")
	}
	tp = Parameters{MaxAckDelay: time.Duration(1<<14) * time.Millisecond}
	if err := tp.validate(true); err == nil {
		t.Fatal("expect error for max_ack_delay")
	}
	tp = Parameters{ActiveConnectionIDLimit: 1}
	if err := tp.validate(true); err == nil {
		t.Fatal("expect error for active_connection_id_limit")
	}
}
