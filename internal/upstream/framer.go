package upstream

import (
	"bytes"
)

// DefaultMaxPending bounds the bytes held for one unterminated line.
const DefaultMaxPending = 8 << 20

// LineFramer splits a chunked NDJSON byte stream into lines. Lines may span
// any number of chunks. Each returned line keeps its trailing newline, so
// writing the lines back out reproduces the input exactly.
type LineFramer struct {
	pending    []byte
	maxPending int
}

// NewLineFramer creates a framer. A non-positive max uses DefaultMaxPending.
func NewLineFramer(maxPending int) *LineFramer {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &LineFramer{maxPending: maxPending}
}

// Feed consumes one chunk and returns the lines it completed. When the
// unterminated remainder grows past the limit it is returned as a line
// without a newline.
func (f *LineFramer) Feed(chunk []byte) [][]byte {
	var lines [][]byte
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			f.pending = append(f.pending, chunk...)
			break
		}
		line := make([]byte, 0, len(f.pending)+i+1)
		line = append(line, f.pending...)
		line = append(line, chunk[:i+1]...)
		lines = append(lines, line)
		f.pending = f.pending[:0]
		chunk = chunk[i+1:]
	}

	if len(f.pending) > f.maxPending {
		lines = append(lines, f.take())
	}
	return lines
}

// Flush returns the unterminated remainder, if any, once the stream ended.
func (f *LineFramer) Flush() []byte {
	if len(f.pending) == 0 {
		return nil
	}
	return f.take()
}

func (f *LineFramer) take() []byte {
	out := make([]byte, len(f.pending))
	copy(out, f.pending)
	f.pending = f.pending[:0]
	return out
}
