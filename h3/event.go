package h3

// Event is an HTTP/3 layer event produced while processing transport
// events. One event is emitted per observable change on a stream.
type Event interface {
	eventStreamID() uint64
}

// HeadersEvent carries a decoded header block from a HEADERS frame.
type HeadersEvent struct {
	StreamID uint64
	Headers  []Header
	// PushID is set when the headers arrived on a server push stream.
	PushID uint64
	Push   bool
	// Fin reports that the peer finished the stream with this block.
	Fin bool
}

// DataEvent carries a chunk of DATA frame payload. The slice aliases an
// internal buffer and is only valid until the next HandleEvent call.
type DataEvent struct {
	StreamID uint64
	Data     []byte
	Fin      bool
}

// PushPromiseEvent carries a PUSH_PROMISE received on a request stream.
type PushPromiseEvent struct {
	StreamID uint64
	PushID   uint64
	Headers  []Header
}

// DoneEvent reports that the peer finished the stream and all frames on
// it have been delivered.
type DoneEvent struct {
	StreamID uint64
}

// ResetEvent reports that the peer abruptly terminated the stream.
type ResetEvent struct {
	StreamID  uint64
	ErrorCode uint64
}

// GoawayEvent reports a GOAWAY frame from the peer. From a server the ID
// is a request stream ID, from a client a push ID.
type GoawayEvent struct {
	ID uint64
}

// CancelPushEvent reports a CANCEL_PUSH frame from the peer.
type CancelPushEvent struct {
	PushID uint64
}

func (e HeadersEvent) eventStreamID() uint64     { return e.StreamID }
func (e DataEvent) eventStreamID() uint64        { return e.StreamID }
func (e PushPromiseEvent) eventStreamID() uint64 { return e.StreamID }
func (e DoneEvent) eventStreamID() uint64        { return e.StreamID }
func (e ResetEvent) eventStreamID() uint64       { return e.StreamID }
func (e GoawayEvent) eventStreamID() uint64      { return 0 }
func (e CancelPushEvent) eventStreamID() uint64  { return 0 }
