// Package upstream drives the conversational backend's proprietary SSE
// protocol and transcodes it into the gateway's canonical events.
package upstream

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/larkbridge/larkbridge/internal/domain"
)

// Transcoder is the per-request state machine over the raw upstream byte
// stream. Input bytes are not guaranteed to align on UTF-8 character or
// event-frame boundaries. Not safe for concurrent use; create one per call.
type Transcoder struct {
	pending []byte // trailing bytes of a split multi-byte character
	text    []byte // decoded text awaiting a complete frame
	dataBuf []byte // multi-line SSE data accumulator

	finished       bool
	conversationID string
}

// NewTranscoder creates a fresh state machine.
func NewTranscoder() *Transcoder {
	return &Transcoder{}
}

// ConversationID returns the upstream-assigned conversation observed so far.
func (t *Transcoder) ConversationID() string {
	return t.conversationID
}

// Feed consumes a raw byte slice and returns the events that became fully
// decodable. Once a terminal or error event has been returned the stream is
// finished and further input yields nothing: exactly one terminal is ever
// surfaced per logical request, whether or not the upstream honors that.
func (t *Transcoder) Feed(p []byte) []Event {
	if t.finished {
		return nil
	}

	combined := append(t.pending, p...)
	cut := len(combined) - incompleteTail(combined)
	t.pending = append([]byte(nil), combined[cut:]...)
	t.text = append(t.text, combined[:cut]...)

	var events []Event
	for {
		idx := bytes.IndexByte(t.text, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSuffix(string(t.text[:idx]), "\r")
		t.text = t.text[idx+1:]

		ev, done := t.consumeLine(line)
		if ev != nil {
			events = append(events, *ev)
		}
		if done {
			t.finished = true
			return events
		}
	}
	return events
}

// consumeLine handles one complete SSE line. An event may span several
// data: lines; the payload is dispatched on the blank separator line.
func (t *Transcoder) consumeLine(line string) (*Event, bool) {
	if data, ok := strings.CutPrefix(line, "data:"); ok {
		if len(t.dataBuf) > 0 {
			t.dataBuf = append(t.dataBuf, '\n')
		}
		t.dataBuf = append(t.dataBuf, strings.TrimPrefix(data, " ")...)
		return nil, false
	}
	if line != "" {
		// event:/id:/retry: lines and comments carry nothing we need.
		return nil, false
	}
	if len(t.dataBuf) == 0 {
		return nil, false
	}

	payload := string(t.dataBuf)
	t.dataBuf = t.dataBuf[:0]

	ev, err := parseFrame(payload)
	if err != nil {
		return &Event{Kind: EventError, Err: err}, true
	}
	if ev == nil {
		return nil, false
	}
	if ev.ConversationID != "" {
		t.conversationID = ev.ConversationID
	}
	switch ev.Kind {
	case EventTerminal, EventError:
		return ev, true
	}
	if ev.Text == "" {
		return nil, false
	}
	return ev, false
}

// Close flushes buffered input at end of stream. An EOF without an explicit
// terminal frame is an implicit success, not an error.
func (t *Transcoder) Close() []Event {
	if t.finished {
		return nil
	}
	// A final data line may lack its trailing newline.
	events := t.Feed([]byte("\n\n"))
	if !t.finished {
		t.finished = true
		events = append(events, Event{Kind: EventTerminal, ConversationID: t.conversationID})
	}
	return events
}

// Result is the buffered-mode output.
type Result struct {
	Text           string
	ConversationID string
}

// Collect consumes the whole stream and returns the accumulated text with a
// single trailing newline trimmed.
func Collect(r io.Reader, t *Transcoder) (*Result, error) {
	var sb strings.Builder
	buf := make([]byte, 4096)
	done := false

	apply := func(events []Event) error {
		for _, ev := range events {
			switch ev.Kind {
			case EventDelta:
				sb.WriteString(ev.Text)
			case EventTerminal:
				done = true
			case EventError:
				return ev.Err
			}
		}
		return nil
	}

	for !done {
		n, err := r.Read(buf)
		if n > 0 {
			if aerr := apply(t.Feed(buf[:n])); aerr != nil {
				return nil, aerr
			}
		}
		if err == io.EOF {
			if aerr := apply(t.Close()); aerr != nil {
				return nil, aerr
			}
			break
		}
		if err != nil {
			return nil, domain.WrapGatewayError(domain.ErrUpstreamRequestFailed,
				"stream read failed", err)
		}
	}

	return &Result{
		Text:           strings.TrimSuffix(sb.String(), "\n"),
		ConversationID: t.ConversationID(),
	}, nil
}

// Events consumes the stream incrementally and sends decoded events on the
// returned channel, which is closed after exactly one terminal or error
// event. Chunks are emitted as soon as they are decodable; no unbounded
// buffering.
func Events(r io.Reader, t *Transcoder) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		buf := make([]byte, 4096)

		send := func(events []Event) bool {
			for _, ev := range events {
				out <- ev
				if ev.Kind == EventTerminal || ev.Kind == EventError {
					return true
				}
			}
			return false
		}

		for {
			n, err := r.Read(buf)
			if n > 0 {
				if send(t.Feed(buf[:n])) {
					return
				}
			}
			if err == io.EOF {
				send(t.Close())
				return
			}
			if err != nil {
				out <- Event{Kind: EventError, Err: domain.WrapGatewayError(
					domain.ErrUpstreamRequestFailed, "stream read failed", err)}
				return
			}
		}
	}()
	return out
}

// incompleteTail returns how many trailing bytes of b form the beginning of
// an unfinished multi-byte character.
func incompleteTail(b []byte) int {
	n := len(b)
	for i := n - 1; i >= 0 && n-i < utf8.UTFMax; i-- {
		c := b[i]
		if c < utf8.RuneSelf {
			return 0
		}
		if utf8.RuneStart(c) {
			want := runeLen(c)
			if want > n-i {
				return n - i
			}
			return 0
		}
	}
	return 0
}

// runeLen derives the encoded length from a leading byte; 1 for bytes that
// cannot start a multi-byte sequence, so invalid input passes through.
func runeLen(c byte) int {
	switch {
	case c&0xE0 == 0xC0:
		return 2
	case c&0xF0 == 0xE0:
		return 3
	case c&0xF8 == 0xF0:
		return 4
	}
	return 1
}
