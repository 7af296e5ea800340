package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// headerSeparator terminates the header block of a framed message.
var headerSeparator = []byte("\r\n\r\n")

// EncodeFrame writes a Content-Length-prefixed JSON-RPC frame for payload.
// The header and body are returned as a single buffer so callers always
// perform one write, matching spec.md §4.B's "single write" requirement.
func EncodeFrame(payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	out := make([]byte, 0, len(header)+len(body))
	out = append(out, header...)
	out = append(out, body...)
	return out, nil
}

// FrameParser is a push-only streaming state machine that extracts
// Content-Length-framed JSON messages from arbitrary byte chunks. It holds
// no state between successfully emitted frames beyond the residual buffer,
// and partial frames never emit (spec.md §4.B).
//
// Feed calls are serialized by an internal mutex; in practice each child
// owns exactly one parser fed by its own read loop
// (spec.md §5's "the parser must not copy more than one frame's worth of
// data beyond the frame boundary").
type FrameParser struct {
	mu     sync.Mutex
	buf    []byte
	onMsg  func(obj json.RawMessage)
}

// NewFrameParser creates a parser that invokes onMessage for every
// successfully decoded JSON body, in the order the bytes were fed.
func NewFrameParser(onMessage func(obj json.RawMessage)) *FrameParser {
	return &FrameParser{onMsg: onMessage}
}

// Feed appends chunk to the parser's internal buffer and emits every frame
// that can be fully decoded from it. Feed may be called repeatedly with
// arbitrarily small or large chunks; the parser reassembles frames that
// span multiple calls.
func (p *FrameParser) Feed(chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf = append(p.buf, chunk...)

	for {
		sep := bytes.Index(p.buf, headerSeparator)
		if sep < 0 {
			// No complete header yet. Bound unbounded growth from a child
			// that never sends a valid header by refusing to buffer past
			// a generous header budget; real headers are a few dozen bytes.
			if len(p.buf) > 64*1024 {
				p.buf = p.buf[len(p.buf)-4096:]
			}
			return
		}

		header := p.buf[:sep]
		contentLength, ok := parseContentLength(header)
		if !ok {
			// Malformed header block: advance past the bad separator and
			// keep scanning (spec.md §4.B recovery rule).
			p.buf = p.buf[sep+len(headerSeparator):]
			continue
		}

		frameStart := sep + len(headerSeparator)
		if len(p.buf) < frameStart+contentLength {
			// Wait for the rest of the body to arrive.
			return
		}

		body := p.buf[frameStart : frameStart+contentLength]
		p.buf = p.buf[frameStart+contentLength:]

		var obj json.RawMessage
		if err := json.Unmarshal(body, &obj); err != nil {
			// Body is not valid JSON: drop silently and keep parsing.
			continue
		}
		if p.onMsg != nil {
			p.onMsg(obj)
		}
	}
}

// parseContentLength scans a raw header block (the bytes before \r\n\r\n)
// for a case-insensitive Content-Length field with a non-negative integer
// value. Other headers are ignored.
func parseContentLength(header []byte) (int, bool) {
	lines := bytes.Split(header, []byte("\r\n"))
	for _, line := range lines {
		parts := bytes.SplitN(line, []byte(":"), 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(string(parts[0]))
		if !strings.EqualFold(name, "Content-Length") {
			continue
		}
		value := strings.TrimSpace(string(parts[1]))
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
