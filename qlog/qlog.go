// Package qlog transforms plume text logs to the qlog format.
package qlog

import (
	"io"
	"sort"

	"github.com/francoispqt/gojay"
)

var defaultEventFields = []string{
	"time",
	"category",
	"event",
	"data",
}

// LogFile is the qlog file.
// https://quicwg.org/qlog/draft-ietf-quic-qlog-main-schema.html#section-3
type LogFile struct {
	Version string
	Title   string
	Traces  []Trace
}

// MarshalJSONObject implements gojay.MarshalerJSONObject.
func (s *LogFile) MarshalJSONObject(enc *gojay.Encoder) {
	enc.StringKey("qlog_version", s.Version)
	enc.StringKeyOmitEmpty("title", s.Title)
	enc.ArrayKey("traces", traceList(s.Traces))
}

// IsNil implements gojay.MarshalerJSONObject.
func (s *LogFile) IsNil() bool {
	return s == nil
}

// Trace is the qlog trace.
// https://quicwg.org/qlog/draft-ietf-quic-qlog-main-schema.html#section-3.2
type Trace struct {
	Title         string
	Configuration Configuration
	CommonFields  CommonFields
	EventFields   []string
	VantagePoint  VantagePoint
	Events        []Event
}

// MarshalJSONObject implements gojay.MarshalerJSONObject.
func (s *Trace) MarshalJSONObject(enc *gojay.Encoder) {
	enc.StringKeyOmitEmpty("title", s.Title)
	enc.ObjectKey("configuration", &s.Configuration)
	enc.ObjectKey("common_fields", &s.CommonFields)
	enc.ArrayKeyOmitEmpty("event_fields", stringList(s.EventFields))
	enc.ObjectKey("vantage_point", &s.VantagePoint)
	enc.ArrayKey("events", eventList(s.Events))
}

// IsNil implements gojay.MarshalerJSONObject.
func (s *Trace) IsNil() bool {
	return s == nil
}

// Configuration is the trace configuration.
type Configuration struct {
	TimeUnit   string
	TimeOffset uint64
}

// MarshalJSONObject implements gojay.MarshalerJSONObject.
func (s *Configuration) MarshalJSONObject(enc *gojay.Encoder) {
	enc.StringKeyOmitEmpty("time_unit", s.TimeUnit)
	enc.Uint64KeyOmitEmpty("time_offset", s.TimeOffset)
}

// IsNil implements gojay.MarshalerJSONObject.
func (s *Configuration) IsNil() bool {
	return s == nil
}

// CommonFields is the trace common fields.
type CommonFields struct {
	CID string
}

// MarshalJSONObject implements gojay.MarshalerJSONObject.
func (s *CommonFields) MarshalJSONObject(enc *gojay.Encoder) {
	enc.StringKeyOmitEmpty("cid", s.CID)
}

// IsNil implements gojay.MarshalerJSONObject.
func (s *CommonFields) IsNil() bool {
	return s == nil
}

// VantagePoint is the vantage point from which the traces originate.
// https://quicwg.org/qlog/draft-ietf-quic-qlog-main-schema.html#section-3.3.2
type VantagePoint struct {
	Type string
}

// MarshalJSONObject implements gojay.MarshalerJSONObject.
func (s *VantagePoint) MarshalJSONObject(enc *gojay.Encoder) {
	enc.StringKey("type", s.Type)
}

// IsNil implements gojay.MarshalerJSONObject.
func (s *VantagePoint) IsNil() bool {
	return s == nil
}

// Predefined vantage points.
const (
	vantagePointServer = "server"
	vantagePointClient = "client"
)

// Event is a trace event, serialized as an array following the trace
// event_fields: time, category, event name and data.
type Event struct {
	Time     uint64 // milliseconds
	Category string
	Name     string
	Data     EventData
}

// MarshalJSONArray implements gojay.MarshalerJSONArray.
func (s *Event) MarshalJSONArray(enc *gojay.Encoder) {
	enc.AddUint64(s.Time)
	enc.AddString(s.Category)
	enc.AddString(s.Name)
	enc.AddObject(s.Data)
}

// IsNil implements gojay.MarshalerJSONArray.
func (s *Event) IsNil() bool {
	return s == nil
}

// EventData is the data of an event. Keys are serialized in sorted order
// so output is deterministic.
type EventData map[string]interface{}

// MarshalJSONObject implements gojay.MarshalerJSONObject.
func (s EventData) MarshalJSONObject(enc *gojay.Encoder) {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := s[k].(type) {
		case uint64:
			enc.Uint64Key(k, v)
		case bool:
			enc.BoolKey(k, v)
		case string:
			enc.StringKey(k, v)
		case EventData:
			enc.ObjectKey(k, v)
		case []EventData:
			enc.ArrayKey(k, eventDataList(v))
		case [][2]uint64:
			enc.ArrayKey(k, rangeList(v))
		}
	}
}

// IsNil implements gojay.MarshalerJSONObject.
func (s EventData) IsNil() bool {
	return s == nil
}

type traceList []Trace

func (s traceList) MarshalJSONArray(enc *gojay.Encoder) {
	for i := range s {
		enc.AddObject(&s[i])
	}
}

func (s traceList) IsNil() bool {
	return len(s) == 0
}

type eventList []Event

func (s eventList) MarshalJSONArray(enc *gojay.Encoder) {
	for i := range s {
		enc.AddArray(&s[i])
	}
}

func (s eventList) IsNil() bool {
	return len(s) == 0
}

type eventDataList []EventData

func (s eventDataList) MarshalJSONArray(enc *gojay.Encoder) {
	for _, v := range s {
		enc.AddObject(v)
	}
}

func (s eventDataList) IsNil() bool {
	return len(s) == 0
}

type stringList []string

func (s stringList) MarshalJSONArray(enc *gojay.Encoder) {
	for _, v := range s {
		enc.AddString(v)
	}
}

func (s stringList) IsNil() bool {
	return len(s) == 0
}

type rangeList [][2]uint64

func (s rangeList) MarshalJSONArray(enc *gojay.Encoder) {
	for i := range s {
		r := numberRange(s[i])
		enc.AddArray(&r)
	}
}

func (s rangeList) IsNil() bool {
	return len(s) == 0
}

type numberRange [2]uint64

func (s *numberRange) MarshalJSONArray(enc *gojay.Encoder) {
	enc.AddUint64(s[0])
	enc.AddUint64(s[1])
}

func (s *numberRange) IsNil() bool {
	return s == nil
}

// Encode writes the qlog file as JSON.
func Encode(w io.Writer, f *LogFile) error {
	return gojay.NewEncoder(w).EncodeObject(f)
}
