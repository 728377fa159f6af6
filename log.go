package plume

import (
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/plumeq/plume/transport"
)

// Log levels supported by SetLogger.
const (
	LevelOff = iota
	LevelError
	LevelInfo
	LevelDebug
	LevelTrace
)

// logger writes one line per event in the key=value format understood by
// the qlog package:
//
//	2006/01/02 15:04:05.000000 category:event key=value ...
type logger struct {
	level int
	out   *log.Logger
}

func (lg *logger) init(level int, w io.Writer) {
	lg.level = level
	if w == nil || level <= LevelOff {
		lg.out = nil
		return
	}
	lg.out = log.New(w, "", log.LstdFlags|log.Lmicroseconds)
}

func (lg *logger) enabled(level int) bool {
	return lg.out != nil && level <= lg.level
}

// log writes a single event line. The first field is the event name and
// must have an empty key.
func (lg *logger) log(level int, fields ...zField) {
	if !lg.enabled(level) {
		return
	}
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(' ')
			b.WriteString(f.key)
			b.WriteByte('=')
		}
		b.WriteString(f.val)
	}
	lg.out.Output(2, b.String())
}

// attachLogger forwards transport events of the connection to this logger,
// prefixed with the connection id and peer address for trace grouping.
func (lg *logger) attachLogger(c *Conn) {
	if !lg.enabled(LevelDebug) {
		return
	}
	cid := hex.EncodeToString(c.scid)
	addr := c.addr.String()
	c.conn.SetLogger(func(e transport.LogEvent) {
		lg.out.Printf("%s cid=%s addr=%s %s", e.Name, cid, addr, e.Data)
	})
}

// zField is a lazily formatted key-value pair of a log event.
type zField struct {
	key string
	val string
}

// zs formats a string field. An empty key marks the event name.
func zs(key, val string) zField {
	return zField{key, val}
}

// zi formats an integer field.
func zi(key string, val int) zField {
	return zField{key, strconv.Itoa(val)}
}

// zx formats a byte slice field as lowercase hex.
func zx(key string, val []byte) zField {
	return zField{key, hex.EncodeToString(val)}
}

// zv formats an arbitrary value field.
func zv(key string, val interface{}) zField {
	return zField{key, fmt.Sprint(val)}
}

// ze formats an error field.
func ze(key string, err error) zField {
	return zField{key, err.Error()}
}
