package upstream

import (
	"github.com/tidwall/gjson"

	"github.com/larkbridge/larkbridge/internal/domain"
)

// Frame discriminators used by the upstream event stream. The protocol is
// neither versioned nor documented; these values are observed behavior.
const (
	frameTypeDelta    = 2001
	frameTypeTerminal = 2003
)

// EventKind classifies a decoded upstream event.
type EventKind int

const (
	// EventDelta carries an incremental text fragment.
	EventDelta EventKind = iota
	// EventTerminal closes the logical stream successfully.
	EventTerminal
	// EventError closes the logical stream with an upstream fault.
	EventError
)

// Event is one decoded frame from the upstream stream.
type Event struct {
	Kind EventKind
	Text string

	// ConversationID is the upstream-assigned conversation, reported so the
	// ephemeral session can be discarded after completion.
	ConversationID string

	// Err is set for EventError.
	Err error
}

// deltaShapes are the known encodings of a delta's nested content, tried in
// priority order; the first type-match wins. The variance is inherent to the
// upstream's own format.
var deltaShapes = []func(gjson.Result) (string, bool){
	func(r gjson.Result) (string, bool) {
		if r.Type == gjson.String {
			return r.String(), true
		}
		return "", false
	},
	func(r gjson.Result) (string, bool) {
		if t := r.Get("text"); t.Type == gjson.String {
			return t.String(), true
		}
		return "", false
	},
	func(r gjson.Result) (string, bool) {
		if t := r.Get("delta.text"); t.Type == gjson.String {
			return t.String(), true
		}
		return "", false
	},
}

// parseFrame decodes one SSE data payload into an Event. A nil event with a
// nil error means the frame carried nothing we surface (heartbeats, unknown
// frame types).
func parseFrame(data string) (*Event, error) {
	if !gjson.Valid(data) {
		return nil, domain.NewGatewayError(domain.ErrStreamFraming,
			"undecodable event frame")
	}

	root := gjson.Parse(data)
	payload := gjson.Parse(root.Get("event_data").String())

	// A vendor error code anywhere in the payload short-circuits the stream.
	if code := payload.Get("code"); code.Exists() && code.Int() != 0 {
		msg := "upstream rejected the request"
		if m := payload.Get("message"); m.Type == gjson.String {
			msg = m.String()
		}
		err := &domain.GatewayError{
			Kind:    domain.ErrUpstreamRequestFailed,
			Message: msg,
			Code:    int(code.Int()),
		}
		return &Event{Kind: EventError, Err: err}, nil
	}

	conversationID := payload.Get("conversation_id").String()

	switch root.Get("event_type").Int() {
	case frameTypeDelta:
		content := payload.Get("message.content").String()
		// Bare, non-JSON content is taken verbatim.
		text := content
		if gjson.Valid(content) {
			nested := gjson.Parse(content)
			for _, shape := range deltaShapes {
				if s, ok := shape(nested); ok {
					text = s
					break
				}
			}
		}
		return &Event{Kind: EventDelta, Text: text, ConversationID: conversationID}, nil

	case frameTypeTerminal:
		return &Event{Kind: EventTerminal, ConversationID: conversationID}, nil
	}

	if conversationID != "" {
		return &Event{Kind: EventDelta, ConversationID: conversationID}, nil
	}
	return nil, nil
}
