// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package ffmpeg

import (
	"bytes"
	"sync"
)

// LineRing keeps the most recent lines of encoder output so a failed run
// can report its stderr tail without buffering the whole stream.
type LineRing struct {
	mu      sync.Mutex
	lines   []string
	head    int // next write position
	count   int // populated slots, up to len(lines)
	partial []byte
}

// NewLineRing returns a ring holding up to capacity lines.
func NewLineRing(capacity int) *LineRing {
	if capacity < 1 {
		capacity = 50
	}
	return &LineRing{lines: make([]string, capacity)}
}

// Write implements io.Writer. Input is split on newlines; an incomplete
// trailing line is buffered until the next write completes it, so writers
// that flush mid-line do not produce broken entries.
func (r *LineRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := p
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			r.partial = append(r.partial, buf...)
			break
		}
		line := buf[:i]
		if len(r.partial) > 0 {
			line = append(r.partial, line...)
			r.partial = nil
		}
		r.push(string(line))
		buf = buf[i+1:]
	}
	return len(p), nil
}

// Flush promotes a buffered partial line into the ring. Call after the
// stream hits EOF so the final unterminated line is not lost.
func (r *LineRing) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.partial) > 0 {
		r.push(string(r.partial))
		r.partial = nil
	}
}

func (r *LineRing) push(line string) {
	r.lines[r.head] = line
	r.head = (r.head + 1) % len(r.lines)
	if r.count < len(r.lines) {
		r.count++
	}
}

// LastN returns up to n of the most recent lines in chronological order.
func (r *LineRing) LastN(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}

	out := make([]string, 0, n)
	start := (r.head - n + len(r.lines)) % len(r.lines)
	for i := 0; i < n; i++ {
		out = append(out, r.lines[(start+i)%len(r.lines)])
	}
	return out
}
