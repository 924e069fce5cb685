package jsonrpc

import (
	"bytes"
	"encoding/json"
)

// Framer turns a raw byte stream into complete JSON-RPC messages.
//
// Input is split on newlines; the trailing partial line is held until the
// next Append. Lines that are not JSON objects, or that carry none of
// jsonrpc/method/id, are dropped without error. Misbehaving backends print
// banners and stray text on stdout and that noise must not break the stream.
//
// A Framer is not safe for concurrent use; each reader owns one.
type Framer struct {
	buf []byte
}

// Append adds chunk to the buffer and returns every message completed by it,
// one per input line, in stream order.
func (f *Framer) Append(chunk []byte) []*Message {
	f.buf = append(f.buf, chunk...)

	var msgs []*Message
	consumed := 0
	for {
		i := bytes.IndexByte(f.buf[consumed:], '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(f.buf[consumed : consumed+i])
		consumed += i + 1
		if len(line) == 0 {
			continue
		}
		if msg, ok := parseLine(line); ok {
			msgs = append(msgs, msg)
		}
	}

	if consumed > 0 {
		rest := f.buf[consumed:]
		if len(rest) == 0 {
			f.buf = nil
		} else {
			f.buf = append([]byte(nil), rest...)
		}
	}
	return msgs
}

// Buffered returns the number of bytes held for an incomplete line.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset discards any partial line.
func (f *Framer) Reset() {
	f.buf = nil
}

func parseLine(line []byte) (*Message, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil || fields == nil {
		return nil, false
	}
	_, hasVersion := fields["jsonrpc"]
	_, hasMethod := fields["method"]
	_, hasID := fields["id"]
	if !hasVersion && !hasMethod && !hasID {
		return nil, false
	}

	msg, err := Decode(line)
	if err != nil {
		return nil, false
	}
	return msg, true
}
