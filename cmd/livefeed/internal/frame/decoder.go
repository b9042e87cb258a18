// Package frame splits a server-push byte stream into event records.
//
// A record is a group of lines terminated by a blank line. Lines are either
// "event:<name>" or "data:<payload>"; several data lines in one record are
// joined with "\n". The decoder knows nothing about the payload format.
package frame

import (
	"bytes"
	"errors"
	"strings"
)

// DefaultMaxBuffer bounds how much undelimited input the decoder keeps.
const DefaultMaxBuffer = 1 << 20

// ErrFrameTooLarge is returned when the pending record outgrows the buffer limit.
var ErrFrameTooLarge = errors.New("frame: record exceeds buffer limit")

var delimiter = []byte("\n\n")

// Record is one complete protocol record.
type Record struct {
	Event string
	Data  string
}

// Decoder accumulates chunks and emits records once their delimiter has arrived.
// It is not safe for concurrent use; one connection owns one decoder.
type Decoder struct {
	buf       []byte
	maxBuffer int
	pendingCR bool
}

// NewDecoder returns a decoder holding at most maxBuffer undelimited bytes.
// maxBuffer <= 0 selects DefaultMaxBuffer.
func NewDecoder(maxBuffer int) *Decoder {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	return &Decoder{maxBuffer: maxBuffer}
}

// Feed appends chunk to the buffer and calls emit for every record completed by it,
// in stream order. Records without an event line are dropped.
func (d *Decoder) Feed(chunk []byte, emit func(Record)) error {
	d.appendNormalized(chunk)

	for {
		i := bytes.Index(d.buf, delimiter)
		if i < 0 {
			break
		}
		raw := d.buf[:i]
		if rec, ok := parseRecord(raw); ok {
			emit(rec)
		}
		d.buf = d.buf[i+len(delimiter):]
	}

	// compact so the backing array does not grow with the session
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	} else if cap(d.buf) > 2*len(d.buf)+4096 {
		d.buf = append([]byte(nil), d.buf...)
	}

	if len(d.buf) > d.maxBuffer {
		d.buf = nil
		return ErrFrameTooLarge
	}
	return nil
}

// Buffered reports how many bytes are waiting for a delimiter.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Reset drops any partial record. Called when a connection is replaced.
func (d *Decoder) Reset() {
	d.buf = nil
	d.pendingCR = false
}

// appendNormalized turns "\r\n" and lone "\r" into "\n". A trailing "\r" is held
// back until the next chunk shows whether a "\n" follows it.
func (d *Decoder) appendNormalized(chunk []byte) {
	for _, b := range chunk {
		if d.pendingCR {
			d.pendingCR = false
			d.buf = append(d.buf, '\n')
			if b == '\n' {
				continue
			}
		}
		if b == '\r' {
			d.pendingCR = true
			continue
		}
		d.buf = append(d.buf, b)
	}
}

func parseRecord(raw []byte) (Record, bool) {
	var (
		rec      Record
		hasEvent bool
		data     []string
	)
	for _, line := range strings.Split(string(raw), "\n") {
		switch {
		case strings.HasPrefix(line, "event:"):
			rec.Event = fieldValue(line[len("event:"):])
			hasEvent = true
		case strings.HasPrefix(line, "data:"):
			data = append(data, fieldValue(line[len("data:"):]))
		}
	}
	if !hasEvent {
		return Record{}, false
	}
	rec.Data = strings.Join(data, "\n")
	return rec, true
}

// fieldValue strips the single optional space after the colon.
func fieldValue(s string) string {
	return strings.TrimPrefix(s, " ")
}
