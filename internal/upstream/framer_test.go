package upstream

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineFramer_SplitsAcrossChunks(t *testing.T) {
	f := NewLineFramer(0)

	lines := f.Feed([]byte(`{"message":{"content":"he"}}` + "\n" + `{"message":{"con`))
	require.Len(t, lines, 1)
	assert.Equal(t, `{"message":{"content":"he"}}`+"\n", string(lines[0]))

	lines = f.Feed([]byte(`tent":"llo"},"done":true}`))
	assert.Empty(t, lines)

	lines = f.Feed([]byte("\n"))
	require.Len(t, lines, 1)
	assert.Equal(t, `{"message":{"content":"llo"},"done":true}`+"\n", string(lines[0]))
	assert.Nil(t, f.Flush())
}

func TestLineFramer_SeveralLinesInOneChunk(t *testing.T) {
	f := NewLineFramer(0)
	lines := f.Feed([]byte("a\nb\n\nc"))

	require.Len(t, lines, 3)
	assert.Equal(t, "a\n", string(lines[0]))
	assert.Equal(t, "b\n", string(lines[1]))
	assert.Equal(t, "\n", string(lines[2]))
	assert.Equal(t, "c", string(f.Flush()))
	assert.Nil(t, f.Flush())
}

func TestLineFramer_ReassemblesInput(t *testing.T) {
	input := []byte("{\"response\":\"x\"}\n{\"response\":\"yy\"}\r\n{\"done\":true}")
	for size := 1; size <= len(input); size++ {
		f := NewLineFramer(0)
		var out bytes.Buffer
		for start := 0; start < len(input); start += size {
			end := start + size
			if end > len(input) {
				end = len(input)
			}
			for _, line := range f.Feed(input[start:end]) {
				out.Write(line)
			}
		}
		out.Write(f.Flush())
		assert.Equal(t, string(input), out.String(), "chunk size %d", size)
	}
}

func TestLineFramer_LinesDoNotAliasInput(t *testing.T) {
	f := NewLineFramer(0)
	chunk := []byte("abc\n")
	lines := f.Feed(chunk)
	chunk[0] = 'X'

	require.Len(t, lines, 1)
	assert.Equal(t, "abc\n", string(lines[0]))
}

func TestLineFramer_OverflowIsEmitted(t *testing.T) {
	f := NewLineFramer(4)

	assert.Empty(t, f.Feed([]byte("abcd")))
	lines := f.Feed([]byte("ef"))
	require.Len(t, lines, 1)
	assert.Equal(t, "abcdef", string(lines[0]))

	lines = f.Feed([]byte("g\n"))
	require.Len(t, lines, 1)
	assert.Equal(t, "g\n", string(lines[0]))
}
