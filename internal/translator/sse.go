// Package translator - sse.go reads server-sent events incrementally.
package translator

import (
	"bufio"
	"bytes"
	"io"
)

// maxEventSize bounds a single SSE line; image payloads can be large.
const maxEventSize = 16 << 20

// SSEReader yields the data payload of each event in an SSE stream.
type SSEReader struct {
	scanner *bufio.Scanner
	data    bytes.Buffer
	done    bool
}

// NewSSEReader wraps r.
func NewSSEReader(r io.Reader) *SSEReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &SSEReader{scanner: scanner}
}

// Next returns the data of the next event. Multi-line data fields are joined
// with newlines; comments and non-data fields are skipped. An event that is
// not followed by a blank line is still returned at end of stream. Next
// returns io.EOF when the stream ends cleanly.
func (r *SSEReader) Next() ([]byte, error) {
	if r.done {
		return nil, io.EOF
	}
	r.data.Reset()
	have := false

	for r.scanner.Scan() {
		line := bytes.TrimSuffix(r.scanner.Bytes(), []byte("\r"))
		if len(line) == 0 {
			if have {
				return r.event(), nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}
		field, value, _ := bytes.Cut(line, []byte(":"))
		if string(field) != "data" {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		if have {
			r.data.WriteByte('\n')
		}
		r.data.Write(value)
		have = true
	}

	r.done = true
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if have {
		return r.event(), nil
	}
	return nil, io.EOF
}

func (r *SSEReader) event() []byte {
	out := make([]byte, r.data.Len())
	copy(out, r.data.Bytes())
	return out
}
