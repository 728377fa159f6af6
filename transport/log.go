package transport

import (
	"bytes"
	"strconv"
	"time"
)

// Supported log events
// https://quicwg.org/qlog/draft-ietf-quic-qlog-quic-events.html
const (
	// Connection
	logEventConnStateUpdated = "connectivity:connection_state_updated"
	// Packet
	logEventPacketReceived  = "transport:packet_received"
	logEventPacketSent      = "transport:packet_sent"
	logEventPacketDropped   = "transport:packet_dropped"
	logEventPacketLost      = "recovery:packet_lost"
	logEventFramesProcessed = "transport:frames_processed"
	// Stream
	logEventStreamStateUpdated = "transport:stream_state_updated"
	// Recovery
	logEventParametersSet    = "recovery:parameters_set"
	logEventMetricsUpdated   = "recovery:metrics_updated"
	logEventLossTimerUpdated = "recovery:loss_timer_updated"
	// Security
	logEventKeyUpdated = "security:key_updated"
)

// Packet dropped triggers.
// https://quicwg.org/qlog/draft-ietf-quic-qlog-quic-events.html#section-3.3.7
const (
	logTriggerKeyUnavailable      = "key_unavailable"
	logTriggerUnknownConnectionID = "unknown_connection_id"
	logTriggerHeaderParseError    = "header_parse_error"
	logTriggerPayloadDecryptError = "payload_decrypt_error"
	logTriggerUnexpectedPacket    = "unexpected_packet"
	logTriggerDuplicate           = "duplicate"
	logTriggerUnsupportedVersion  = "unsupported_version"
	logTriggerStatelessReset      = "stateless_reset"
)

const hexTable = "0123456789abcdef"

// LogEvent is event sent by connection.
// Application must not retain Data as it is from internal buffers.
type LogEvent struct {
	Time time.Time
	Name string
	Data []byte
}

// newLogEvent creates a new LogEvent.
func newLogEvent(tm time.Time, nm string) LogEvent {
	return LogEvent{
		Time: tm,
		Name: nm,
		Data: newDataBuffer(dataBufferSizes[0])[:0],
	}
}

// AddField adds a key-value field to current event.
// Only limited types of v are supported.
func (e *LogEvent) addField(k string, v interface{}) {
	e.Data = appendField(e.Data, k, v)
}

func (e *LogEvent) resetData() {
	e.Data = e.Data[:0]
}

func (e LogEvent) String() string {
	w := bytes.Buffer{}
	w.WriteString(e.Time.Format(time.RFC3339))
	w.WriteString(" ")
	w.WriteString(e.Name)
	w.WriteString(" ")
	w.Write(e.Data)
	return w.String()
}

func freeLogEvent(e LogEvent) {
	freeDataBuffer(e.Data)
}

func appendField(b []byte, key string, val interface{}) []byte {
	if len(b) > 0 {
		b = append(b, ' ')
	}
	b = append(b, key...)
	b = append(b, '=')
	return appendFieldValue(b, val)
}

func appendFieldValue(b []byte, val interface{}) []byte {
	switch val := val.(type) {
	case int:
		b = strconv.AppendInt(b, int64(val), 10)
	case int8:
		b = strconv.AppendInt(b, int64(val), 10)
	case int16:
		b = strconv.AppendInt(b, int64(val), 10)
	case int32:
		b = strconv.AppendInt(b, int64(val), 10)
	case int64:
		b = strconv.AppendInt(b, val, 10)
	case uint:
		b = strconv.AppendUint(b, uint64(val), 10)
	case uint8:
		b = strconv.AppendUint(b, uint64(val), 10)
	case uint16:
		b = strconv.AppendUint(b, uint64(val), 10)
	case uint32:
		b = strconv.AppendUint(b, uint64(val), 10)
	case uint64:
		b = strconv.AppendUint(b, val, 10)
	case bool:
		b = strconv.AppendBool(b, val)
	case string:
		b = append(b, val...)
	case []byte:
		for _, v := range val {
			b = append(b, hexTable[v>>4])
			b = append(b, hexTable[v&0x0f])
		}
	case []uint32:
		b = append(b, '[')
		for i, v := range val {
			if i > 0 {
				b = append(b, ',')
			}
			b = strconv.AppendUint(b, uint64(v), 10)
		}
		b = append(b, ']')
	case time.Duration:
		b = strconv.AppendInt(b, int64(val/time.Millisecond), 10)
	case rangeSet:
		b = append(b, '[')
		for i, v := range val {
			if i > 0 {
				b = append(b, ',')
			}
			b = append(b, '[')
			b = strconv.AppendUint(b, v.start, 10)
			b = append(b, ',')
			b = strconv.AppendUint(b, v.end, 10)
			b = append(b, ']')
		}
		b = append(b, ']')
	default:
		b = append(b, "<unsupported_type>"...)
	}
	return b
}

// Log connection state

func logConnectionState(e *LogEvent, old, new ConnectionState) {
	e.addField("old", old.String())
	e.addField("new", new.String())
}

func logTrigger(e *LogEvent, trigger string) {
	e.addField("trigger", trigger)
}

// Log packets

func logPacket(e *LogEvent, p *packet) {
	e.addField("packet_type", p.typ.String())
	if p.packetSize > 0 {
		e.addField("packet_size", p.packetSize)
	}
	if p.header.Version > 0 {
		e.addField("version", p.header.Version)
	}
	if len(p.header.DCID) > 0 {
		e.addField("dcid", p.header.DCID)
	}
	if len(p.header.SCID) > 0 {
		e.addField("scid", p.header.SCID)
	}
	switch p.typ {
	case packetTypeVersionNegotiation:
		e.addField("supported_versions", p.supportedVersions)
	case packetTypeRetry:
		e.addField("retry_token", p.token)
	default:
		e.addField("packet_number", p.packetNumber)
		if p.typ == packetTypeInitial && len(p.token) > 0 {
			e.addField("token", p.token)
		}
		if p.payloadLen > 0 {
			e.addField("payload_length", p.payloadLen)
		}
	}
}

func logParameters(e *LogEvent, p *Parameters) {
	e.addField("owner", "remote") // Log peer's parameters only
	if len(p.OriginalDestinationCID) > 0 {
		e.addField("original_connection_id", p.OriginalDestinationCID)
	}
	if len(p.InitialSourceCID) > 0 {
		e.addField("initial_source_connection_id", p.InitialSourceCID)
	}
	if len(p.RetrySourceCID) > 0 {
		e.addField("retry_source_connection_id", p.RetrySourceCID)
	}
	if len(p.StatelessResetToken) > 0 {
		e.addField("stateless_reset_token", p.StatelessResetToken)
	}
	e.addField("max_idle_timeout", p.MaxIdleTimeout)
	e.addField("max_udp_payload_size", p.MaxUDPPayloadSize)
	e.addField("ack_delay_exponent", p.AckDelayExponent)
	e.addField("max_ack_delay", p.MaxAckDelay)
	e.addField("initial_max_data", p.InitialMaxData)
	e.addField("initial_max_stream_data_bidi_local", p.InitialMaxStreamDataBidiLocal)
	e.addField("initial_max_stream_data_bidi_remote", p.InitialMaxStreamDataBidiRemote)
	e.addField("initial_max_stream_data_uni", p.InitialMaxStreamDataUni)
	e.addField("initial_max_streams_bidi", p.InitialMaxStreamsBidi)
	e.addField("initial_max_streams_uni", p.InitialMaxStreamsUni)
	e.addField("active_connection_id_limit", p.ActiveConnectionIDLimit)
	if p.MaxDatagramFramePayloadSize > 0 {
		e.addField("max_datagram_frame_size", p.MaxDatagramFramePayloadSize)
	}
}

// Log frames

func logFrame(e *LogEvent, f frame) {
	switch f := f.(type) {
	case *paddingFrame:
		e.addField("frame_type", "padding")
	case *pingFrame:
		e.addField("frame_type", "ping")
	case *ackFrame:
		e.addField("frame_type", "ack")
		e.addField("ack_delay", f.ackDelay)
		e.addField("acked_ranges", f.toRangeSet())
	case *resetStreamFrame:
		e.addField("frame_type", "reset_stream")
		e.addField("stream_id", f.streamID)
		e.addField("error_code", f.errorCode)
		e.addField("final_size", f.finalSize)
	case *stopSendingFrame:
		e.addField("frame_type", "stop_sending")
		e.addField("stream_id", f.streamID)
		e.addField("error_code", f.errorCode)
	case *cryptoFrame:
		e.addField("frame_type", "crypto")
		e.addField("offset", f.offset)
		e.addField("length", len(f.data))
	case *newTokenFrame:
		e.addField("frame_type", "new_token")
		e.addField("token", f.token)
	case *streamFrame:
		e.addField("frame_type", "stream")
		e.addField("stream_id", f.streamID)
		e.addField("offset", f.offset)
		e.addField("length", len(f.data))
		e.addField("fin", f.fin)
	case *maxDataFrame:
		e.addField("frame_type", "max_data")
		e.addField("maximum", f.maximumData)
	case *maxStreamDataFrame:
		e.addField("frame_type", "max_stream_data")
		e.addField("stream_id", f.streamID)
		e.addField("maximum", f.maximumData)
	case *maxStreamsFrame:
		e.addField("frame_type", "max_streams")
		e.addField("maximum", f.maximumStreams)
		e.addField("bidi", f.bidi)
	case *dataBlockedFrame:
		e.addField("frame_type", "data_blocked")
		e.addField("limit", f.dataLimit)
	case *streamDataBlockedFrame:
		e.addField("frame_type", "stream_data_blocked")
		e.addField("stream_id", f.streamID)
		e.addField("limit", f.dataLimit)
	case *streamsBlockedFrame:
		e.addField("frame_type", "streams_blocked")
		e.addField("limit", f.streamLimit)
		e.addField("bidi", f.bidi)
	case *newConnectionIDFrame:
		e.addField("frame_type", "new_connection_id")
		e.addField("sequence_number", f.sequenceNumber)
		e.addField("retire_prior_to", f.retirePriorTo)
		e.addField("connection_id", f.connectionID)
	case *retireConnectionIDFrame:
		e.addField("frame_type", "retire_connection_id")
		e.addField("sequence_number", f.sequenceNumber)
	case *pathChallengeFrame:
		e.addField("frame_type", "path_challenge")
		e.addField("data", f.data)
	case *pathResponseFrame:
		e.addField("frame_type", "path_response")
		e.addField("data", f.data)
	case *connectionCloseFrame:
		if f.application {
			e.addField("frame_type", "connection_close")
			e.addField("error_space", "application")
		} else {
			e.addField("frame_type", "connection_close")
			e.addField("error_space", "transport")
			e.addField("trigger_frame_type", f.frameType)
		}
		e.addField("error_code", f.errorCode)
		e.addField("reason", string(f.reasonPhrase))
	case *handshakeDoneFrame:
		e.addField("frame_type", "handshake_done")
	case *datagramFrame:
		e.addField("frame_type", "datagram")
		e.addField("length", len(f.data))
	}
}

// Recovery

func logRecovery(e *LogEvent, lr *lossRecovery) {
	// Loss detection
	e.addField("min_rtt", lr.minRTT)
	e.addField("smoothed_rtt", lr.roundTripTime())
	e.addField("latest_rtt", lr.latestRTT)
	e.addField("rtt_variance", lr.rttVariance)
	e.addField("pto_count", lr.ptoCount)
	e.addField("lost_count", lr.lostCount)
	// Congestion control
	e.Data = lr.congestion.log(e.Data)
}

func logLossTimer(e *LogEvent, lr *lossRecovery) {
	if lr.lossDetectionTimer.IsZero() {
		e.addField("event_type", "cancelled")
	} else if lr.lossDetectionTimer.After(e.Time) {
		e.addField("event_type", "set")
		e.addField("delta", lr.lossDetectionTimer.Sub(e.Time))
	} else {
		e.addField("event_type", "expired")
	}
}

func logStreamClosed(e *LogEvent, id uint64) {
	e.addField("stream_id", id)
	e.addField("new", "closed")
}

func logKeyUpdated(e *LogEvent, keyPhase uint8, local bool) {
	e.addField("key_phase", keyPhase)
	if local {
		e.addField("trigger", "local_initiated")
	} else {
		e.addField("trigger", "remote_initiated")
	}
}
