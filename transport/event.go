package transport

// Supported event types.
const (
	// EventConnOpen is emitted once when the handshake completes.
	EventConnOpen = "conn_open"
	// EventConnClosed is emitted when the connection enters the closed state.
	EventConnClosed = "conn_closed"

	// EventStreamOpen is emitted when a peer-initiated stream is first seen.
	// Data is 1 when the stream is bidirectional.
	EventStreamOpen = "stream_open"
	// EventStreamReadable indicates stream data is available for reading.
	EventStreamReadable = "stream_readable"
	// EventStreamWritable indicates the stream has send credit again.
	EventStreamWritable = "stream_writable"
	// EventStreamReset is emitted when a RESET_STREAM frame was received.
	// Data is the peer error code.
	EventStreamReset = "stream_reset"
	// EventStreamStop is emitted when a STOP_SENDING frame was received.
	// Data is the peer error code.
	EventStreamStop = "stream_stop"
	// EventStreamComplete indicates all outgoing stream data has been acked.
	EventStreamComplete = "stream_complete"
	// EventStreamClosed indicates the stream is fully terminated and its
	// state has been garbage collected.
	EventStreamClosed = "stream_closed"
	// EventStreamCreatable is emitted when the peer raised MAX_STREAMS.
	// Data is 1 for bidirectional streams, 0 for unidirectional.
	EventStreamCreatable = "stream_creatable"

	// EventDatagramWritable is emitted when the peer advertised datagram support.
	// Data is the maximum payload size.
	EventDatagramWritable = "datagram_writable"
	// EventDatagramReadable indicates a datagram is available for reading.
	EventDatagramReadable = "datagram_readable"
)

// Event is a connection event. One Event value is emitted per observable
// state transition and drained in order via Conn.Events.
type Event struct {
	Type string
	ID   uint64 // Stream ID, where applicable.
	Data uint64
}

func newEventConnOpen() Event {
	return Event{Type: EventConnOpen}
}

func newEventConnClosed() Event {
	return Event{Type: EventConnClosed}
}

func newEventStreamOpen(id uint64, bidi bool) Event {
	e := Event{Type: EventStreamOpen, ID: id}
	if bidi {
		e.Data = 1
	}
	return e
}

func newEventStreamReadable(id uint64) Event {
	return Event{Type: EventStreamReadable, ID: id}
}

func newEventStreamWritable(id uint64) Event {
	return Event{Type: EventStreamWritable, ID: id}
}

func newEventStreamReset(id, code uint64) Event {
	return Event{Type: EventStreamReset, ID: id, Data: code}
}

func newEventStreamStop(id, code uint64) Event {
	return Event{Type: EventStreamStop, ID: id, Data: code}
}

func newEventStreamComplete(id uint64) Event {
	return Event{Type: EventStreamComplete, ID: id}
}

func newEventStreamClosed(id uint64) Event {
	return Event{Type: EventStreamClosed, ID: id}
}

func newEventStreamCreatable(bidi bool) Event {
	e := Event{Type: EventStreamCreatable}
	if bidi {
		e.Data = 1
	}
	return e
}

func newEventDatagramWritable(max uint64) Event {
	return Event{Type: EventDatagramWritable, Data: max}
}

func newEventDatagramReadable() Event {
	return Event{Type: EventDatagramReadable}
}
