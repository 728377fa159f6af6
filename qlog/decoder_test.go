package qlog

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

const clientLog = `
2021/06/19 00:09:31.227310 transport:packet_sent cid=f93fccb848e3 packet_type=initial packet_size=1200 packet_number=0 dcid=8a2b48f3
2021/06/19 00:09:31.227500 transport:frames_processed cid=f93fccb848e3 frame_type=crypto offset=0 length=245
2021/06/19 00:09:31.228310 recovery:loss_timer_updated cid=f93fccb848e3 event_type=set delta=998
2021/06/19 00:09:31.250000 transport:packet_received cid=f93fccb848e3 packet_type=handshake packet_size=712 packet_number=1
2021/06/19 00:09:31.250100 transport:frames_processed cid=f93fccb848e3 frame_type=ack ack_delay=0 acked_ranges=[[0,1],[3,3]]
`

func TestDecode(t *testing.T) {
	data, err := Decode(strings.NewReader(clientLog))
	if err != nil {
		t.Fatal(err)
	}
	if len(data.Traces) != 1 {
		t.Fatalf("expect 1 trace, actual: %+v", data.Traces)
	}
	trace := data.Traces[0]
	if trace.CommonFields.CID != "f93fccb848e3" {
		t.Fatalf("expect cid: %v, actual: %v", "f93fccb848e3", trace.CommonFields.CID)
	}
	if trace.VantagePoint.Type != vantagePointClient {
		t.Fatalf("expect vantage point: %v, actual: %v", vantagePointClient, trace.VantagePoint.Type)
	}
	if len(trace.Events) != 3 {
		t.Fatalf("expect 3 events, actual: %+v", trace.Events)
	}

	sent := trace.Events[0]
	if sent.Category != "transport" || sent.Name != "packet_sent" {
		t.Fatalf("expect event packet_sent, actual: %+v", sent)
	}
	wantTime := uint64(time.Date(2021, 6, 19, 0, 9, 31, 227310000, time.UTC).UnixNano()) / 1e6
	if sent.Time != wantTime {
		t.Fatalf("expect time %d, actual: %d", wantTime, sent.Time)
	}
	if sent.Data["packet_type"] != "initial" || sent.Data["packet_size"] != uint64(1200) {
		t.Fatalf("unexpected packet data: %+v", sent.Data)
	}
	header, ok := sent.Data["header"].(EventData)
	if !ok || header["packet_number"] != uint64(0) || header["dcid"] != "8a2b48f3" {
		t.Fatalf("unexpected packet header: %+v", sent.Data)
	}
	frames, ok := sent.Data["frames"].([]EventData)
	if !ok || len(frames) != 1 || frames[0]["frame_type"] != "crypto" {
		t.Fatalf("expect crypto frame folded into packet, actual: %+v", sent.Data)
	}

	timer := trace.Events[1]
	if timer.Category != "recovery" || timer.Name != "loss_timer_updated" || timer.Data["delta"] != uint64(998) {
		t.Fatalf("expect event loss_timer_updated, actual: %+v", timer)
	}

	received := trace.Events[2]
	frames, ok = received.Data["frames"].([]EventData)
	if !ok || len(frames) != 1 {
		t.Fatalf("expect ack frame folded into packet, actual: %+v", received.Data)
	}
	ranges, ok := frames[0]["acked_ranges"].([][2]uint64)
	if !ok || len(ranges) != 2 || ranges[0] != [2]uint64{0, 1} || ranges[1] != [2]uint64{3, 3} {
		t.Fatalf("unexpected acked ranges: %+v", frames[0])
	}
}

const serverLog = `
2021/06/19 00:09:31.000000 transport:server_listening addr=127.0.0.1:4433
2021/06/19 00:09:31.227310 transport:packet_received cid=aabbccdd packet_type=initial packet_size=1200 packet_number=0
`

func TestDecodeServer(t *testing.T) {
	data, err := Decode(strings.NewReader(serverLog))
	if err != nil {
		t.Fatal(err)
	}
	if len(data.Traces) != 2 {
		t.Fatalf("expect 2 traces, actual: %+v", data.Traces)
	}
	trace := data.Traces[1]
	if trace.CommonFields.CID != "aabbccdd" || trace.VantagePoint.Type != vantagePointServer {
		t.Fatalf("expect server trace, actual: %+v", trace)
	}
}

func TestDecodeInvalid(t *testing.T) {
	_, err := Decode(strings.NewReader("not a log line\n"))
	if err == nil {
		t.Fatal("expect error, actual none")
	}
}

func TestEncode(t *testing.T) {
	f := &LogFile{
		Version: "draft-02-wip",
		Title:   "plume",
		Traces: []Trace{
			{
				Title:         "abcd",
				Configuration: Configuration{TimeUnit: "ms"},
				CommonFields:  CommonFields{CID: "abcd"},
				EventFields:   defaultEventFields,
				VantagePoint:  VantagePoint{Type: vantagePointClient},
				Events: []Event{
					{
						Time:     100,
						Category: "transport",
						Name:     "packet_sent",
						Data: EventData{
							"packet_type": "initial",
							"header":      EventData{"packet_number": uint64(0)},
						},
					},
				},
			},
		},
	}
	b := &bytes.Buffer{}
	if err := Encode(b, f); err != nil {
		t.Fatal(err)
	}
	want := `{"qlog_version":"draft-02-wip","title":"plume","traces":[` +
		`{"title":"abcd","configuration":{"time_unit":"ms"},"common_fields":{"cid":"abcd"},` +
		`"event_fields":["time","category","event","data"],"vantage_point":{"type":"client"},` +
		`"events":[[100,"transport","packet_sent",{"header":{"packet_number":0},"packet_type":"initial"}]]}]}`
	if got := strings.TrimSpace(b.String()); got != want {
		t.Fatalf("unexpected output:\nexpect: %s\nactual: %s", want, got)
	}
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	data, err := Decode(strings.NewReader(clientLog))
	if err != nil {
		t.Fatal(err)
	}
	b := &bytes.Buffer{}
	if err = Encode(b, data); err != nil {
		t.Fatal(err)
	}
	out := b.String()
	for _, want := range []string{
		`"qlog_version":"draft-02-wip"`,
		`"cid":"f93fccb848e3"`,
		`"acked_ranges":[[0,1],[3,3]]`,
		`"loss_timer_updated"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expect output to contain %s, actual: %s", want, out)
		}
	}
}
