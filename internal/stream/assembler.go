// Package stream assembles an OpenAI-compatible server-sent-events chat stream
// into the reply text, emitting each content delta as it arrives.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DefaultMaxBytes bounds the accumulated reply text.
const DefaultMaxBytes = 64 << 10

// ErrTextTooLarge is returned when the reply grows past the configured bound.
var ErrTextTooLarge = errors.New("stream: reply text exceeds limit")

// UpstreamError is an error frame sent by the chat backend mid-stream.
type UpstreamError struct {
	Message string
	Code    string
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stream: upstream error %s: %s", e.Code, e.Message)
	}
	return "stream: upstream error: " + e.Message
}

// DeltaFunc receives each content delta together with the text accumulated so
// far, including that delta.
type DeltaFunc func(delta, text string)

// Assembler is a push parser for one chat stream. Feed it chunks in order and
// call Finish at EOF. The zero value is not usable; use NewAssembler.
type Assembler struct {
	maxBytes int
	onDelta  DeltaFunc

	buf     []byte // bytes after the last newline
	pending string // data payload that did not parse yet
	text    strings.Builder
	dropped int
	done    bool
}

// NewAssembler returns an Assembler that caps the reply at maxBytes
// (DefaultMaxBytes when maxBytes <= 0). onDelta may be nil.
func NewAssembler(maxBytes int, onDelta DeltaFunc) *Assembler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Assembler{maxBytes: maxBytes, onDelta: onDelta}
}

// Feed consumes one chunk. Chunk boundaries may fall anywhere, including
// inside a line or a multi-byte rune. Bytes after [DONE] are ignored.
func (a *Assembler) Feed(chunk []byte) error {
	if a.done {
		return nil
	}
	a.buf = append(a.buf, chunk...)
	for !a.done {
		i := bytes.IndexByte(a.buf, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimSuffix(a.buf[:i], []byte{'\r'}))
		a.buf = a.buf[i+1:]
		if err := a.line(line); err != nil {
			return err
		}
	}
	if len(a.buf) == 0 {
		a.buf = nil
	}
	return nil
}

// Finish flushes a trailing unterminated line and drops any payload that
// still does not parse.
func (a *Assembler) Finish() error {
	if !a.done && len(a.buf) > 0 {
		line := strings.TrimSuffix(string(a.buf), "\r")
		a.buf = nil
		if err := a.line(line); err != nil {
			return err
		}
	}
	a.dropPending()
	return nil
}

// Text returns the reply accumulated so far.
func (a *Assembler) Text() string { return a.text.String() }

// Done reports whether the [DONE] sentinel was seen.
func (a *Assembler) Done() bool { return a.done }

// Dropped returns how many data payloads were discarded as unparseable.
func (a *Assembler) Dropped() int { return a.dropped }

func (a *Assembler) line(line string) error {
	if a.pending != "" {
		if !isBoundary(line) {
			a.pending += line
			return a.tryPending()
		}
		a.dropPending()
	}

	payload, ok := strings.CutPrefix(line, "data:")
	if !ok {
		// Blank separators, keep-alive comments and event/id/retry fields.
		return nil
	}
	payload = strings.TrimSpace(payload)
	if payload == "[DONE]" {
		a.done = true
		return nil
	}
	if payload == "" {
		return nil
	}

	f, err := parseFrame(payload)
	if err != nil {
		a.pending = payload
		return nil
	}
	return a.apply(f)
}

func (a *Assembler) tryPending() error {
	f, err := parseFrame(a.pending)
	if err != nil {
		return nil
	}
	a.pending = ""
	return a.apply(f)
}

func (a *Assembler) dropPending() {
	if a.pending != "" {
		a.pending = ""
		a.dropped++
	}
}

func (a *Assembler) apply(f frame) error {
	if f.Error != nil {
		return &UpstreamError{Message: f.Error.Message, Code: codeString(f.Error.Code)}
	}
	for _, c := range f.Choices {
		if c.Delta == nil || c.Delta.Content == "" {
			continue
		}
		if a.text.Len()+len(c.Delta.Content) > a.maxBytes {
			return fmt.Errorf("%w (%d bytes)", ErrTextTooLarge, a.maxBytes)
		}
		a.text.WriteString(c.Delta.Content)
		if a.onDelta != nil {
			a.onDelta(c.Delta.Content, a.text.String())
		}
	}
	return nil
}

func isBoundary(line string) bool {
	return strings.TrimSpace(line) == "" ||
		strings.HasPrefix(line, "data:") ||
		strings.HasPrefix(line, ":")
}

type frame struct {
	Choices []struct {
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string          `json:"message"`
		Code    json.RawMessage `json:"code"`
	} `json:"error"`
}

func parseFrame(payload string) (frame, error) {
	var f frame
	err := json.Unmarshal([]byte(payload), &f)
	return f, err
}

// codeString renders a numeric or string error code.
func codeString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}
