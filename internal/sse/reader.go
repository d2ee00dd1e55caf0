// Package sse consumes server-sent-event style streams: a line reader that
// reassembles newline-delimited frames from arbitrarily sized byte chunks,
// and one decoder per framing convention the backend speaks.
package sse

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

// defaultChunkSize is the read buffer size for one underlying Read call.
const defaultChunkSize = 4096

// LineReader splits a byte stream into complete \n-delimited lines.
//
// Reads may split a line, or a multi-byte UTF-8 sequence, at any byte
// boundary; the reader buffers the trailing partial line across reads and
// only converts whole lines to strings, so split runes reassemble naturally.
//
// If the stream ends with a non-empty unterminated fragment, that fragment is
// discarded — it cannot form a complete frame. This is a deliberate,
// observable truncation: callers must check Truncated after the sequence
// ends and decide whether the stream terminated cleanly.
type LineReader struct {
	src       io.Reader
	pending   []byte
	truncated bool
	consumed  bool
}

// NewLineReader wraps an incremental byte source.
func NewLineReader(src io.Reader) *LineReader {
	return &LineReader{src: src}
}

// Lines yields complete lines in arrival order. The sequence is finite and
// single-use; iterating twice panics.
func (lr *LineReader) Lines() iter.Seq2[string, error] {
	if lr.consumed {
		panic("sse: LineReader is not restartable")
	}
	lr.consumed = true

	return func(yield func(string, error) bool) {
		buf := make([]byte, defaultChunkSize)
		for {
			n, err := lr.src.Read(buf)
			if n > 0 {
				lr.pending = append(lr.pending, buf[:n]...)
				for {
					i := indexNewline(lr.pending)
					if i < 0 {
						break
					}
					line := strings.TrimSuffix(string(lr.pending[:i]), "\r")
					lr.pending = lr.pending[i+1:]
					if !yield(line, nil) {
						return
					}
				}
			}
			if errors.Is(err, io.EOF) {
				lr.truncated = len(lr.pending) > 0
				lr.pending = nil
				return
			}
			if err != nil {
				yield("", fmt.Errorf("read stream chunk: %w", err))
				return
			}
		}
	}
}

// Truncated reports whether the stream ended with an unflushed partial line.
// Only meaningful after Lines has been fully drained.
func (lr *LineReader) Truncated() bool {
	return lr.truncated
}

func indexNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return -1
}
