package qlog

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const logTimeFormat = "2006/01/02 15:04:05.000000 "

// Decode decodes a plume log file. Lines have the form:
//
//	2006/01/02 15:04:05.000000 category:event key=value ...
//
// Events are grouped into traces by their cid field.
func Decode(r io.Reader) (*LogFile, error) {
	dec := newDecoder(r)
	err := dec.decode()
	if err != nil {
		return nil, err
	}
	return dec.result, nil
}

type event struct {
	GroupID string

	Time     uint64
	Category string
	Name     string
	Data     EventData
}

type decoder struct {
	scanner *bufio.Scanner
	result  *LogFile

	isServer   bool
	lineNumber uint
}

func newDecoder(r io.Reader) *decoder {
	return &decoder{
		scanner: bufio.NewScanner(r),
		result: &LogFile{
			Version: "draft-02-wip",
			Title:   "plume",
		},
	}
}

func (dc *decoder) decode() error {
	for dc.scanner.Scan() {
		dc.lineNumber++
		line := strings.TrimSpace(dc.scanner.Text())
		if len(line) > 0 {
			e, err := dc.parseLine(line)
			if err != nil {
				return err
			}
			dc.addEvent(e)
		}
	}
	return dc.scanner.Err()
}

func (dc *decoder) parseLine(line string) (*event, error) {
	if len(line) < len(logTimeFormat) {
		return nil, dc.newErrorInvalid()
	}
	// Time
	tm, err := time.Parse(logTimeFormat, line[:len(logTimeFormat)])
	if err != nil {
		return nil, dc.newError("parse time", err)
	}
	e := &event{}
	e.Time = uint64(tm.UnixNano()) / 1e6 // ms

	line = strings.TrimSpace(line[len(logTimeFormat):])
	// Event name
	name := line
	idx := strings.Index(line, " ")
	if idx > 0 {
		name = line[:idx]
		e.Data = parseEventData(line[idx+1:])
	}
	if sep := strings.Index(name, ":"); sep > 0 {
		e.Category = name[:sep]
		e.Name = name[sep+1:]
	} else {
		e.Category = "transport"
		e.Name = name
	}
	// CID is Group ID
	if cid, ok := e.Data["cid"]; ok {
		e.GroupID, _ = cid.(string)
		delete(e.Data, "cid")
	}
	switch e.Name {
	case "packet_received", "packet_sent":
		// Move packet headers to sub property
		header := make(EventData)
		for k, v := range e.Data {
			switch k {
			case "packet_type", "packet_size":
				continue
			}
			header[k] = v
			delete(e.Data, k)
		}
		e.Data["header"] = header
	}
	return e, nil
}

func (dc *decoder) addEvent(e *event) {
	f := dc.result
	if len(f.Traces) == 0 && e.Name == "server_listening" {
		dc.isServer = true
	}
	t := findTrace(f, e.GroupID)
	if t == nil {
		f.Traces = append(f.Traces, Trace{})
		t = &f.Traces[len(f.Traces)-1]
		if dc.isServer {
			t.VantagePoint.Type = vantagePointServer
		} else {
			t.VantagePoint.Type = vantagePointClient
		}
		t.Title = e.GroupID
		t.Configuration.TimeUnit = "ms"
		t.CommonFields.CID = e.GroupID
		t.EventFields = defaultEventFields
	}
	if e.Name == "frames_processed" {
		p := findLastTracePacket(t)
		if p != nil {
			var frames []EventData
			if f, ok := p["frames"]; ok {
				frames = f.([]EventData)
			}
			frames = append(frames, e.Data)
			p["frames"] = frames
			return
		}
	}
	t.Events = append(t.Events, Event{
		Time:     e.Time,
		Category: e.Category,
		Name:     e.Name,
		Data:     e.Data,
	})
}

func (dc *decoder) newErrorInvalid() error {
	return fmt.Errorf("%d: invalid format", dc.lineNumber)
}

func (dc *decoder) newError(msg string, err error) error {
	return fmt.Errorf("%d: %s: %v", dc.lineNumber, msg, err)
}

func findTrace(f *LogFile, id string) *Trace {
	for i := range f.Traces {
		t := &f.Traces[i]
		if t.CommonFields.CID == id {
			return t
		}
	}
	return nil
}

func findLastTracePacket(t *Trace) EventData {
	for i := len(t.Events) - 1; i >= 0; i-- {
		e := &t.Events[i]
		switch e.Name {
		case "packet_sent", "packet_received":
			return e.Data
		}
	}
	return nil
}

func parseEventData(line string) EventData {
	line = strings.TrimSpace(line)
	data := make(EventData)
	var field string
	for len(line) > 0 {
		idx := strings.Index(line, " ")
		if idx > 0 {
			field = line[:idx]
		} else {
			field = line
		}
		sep := strings.Index(field, "=")
		if sep <= 0 {
			data["message"] = line // Take whole remaining
			break
		}
		key := field[:sep]
		if key == "message" || key == "description" || key == "reason" {
			data[key] = line[sep+1:]
			break
		}
		data[key] = parseEventValue(field[sep+1:])
		if idx > 0 {
			line = line[idx+1:]
		} else {
			break
		}
	}
	return data
}

func parseEventValue(value string) interface{} {
	if value == "false" {
		return false
	}
	if value == "true" {
		return true
	}
	if strings.HasPrefix(value, "[[") && strings.HasSuffix(value, "]]") {
		items := strings.Split(value[2:len(value)-2], "],[")
		v := make([][2]uint64, len(items))
		for i, item := range items {
			sep := strings.Index(item, ",")
			if sep < 0 {
				return value
			}
			v1, err := strconv.ParseUint(item[:sep], 10, 0)
			if err != nil {
				return value
			}
			v2, err := strconv.ParseUint(item[sep+1:], 10, 0)
			if err != nil {
				return value
			}
			v[i][0], v[i][1] = v1, v2
		}
		return v
	}
	if len(value) < 20 { // max uint62
		if v, err := strconv.ParseUint(value, 10, 0); err == nil {
			return v
		}
	}
	return value
}
