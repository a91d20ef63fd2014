package message

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
)

// Message is the canonical outbound form of an accepted payload. Built per
// request and discarded after dispatch.
type Message struct {
	Text        string
	Destination string
	ThreadID    int
	ParseMode   string
	Silent      bool
}

var (
	ErrMissingMessage = errors.New("payload has no message or text field")
	ErrEmptyMessage   = errors.New("message is empty")
)

// maxTextRunes is the point past which outbound text is truncated. The
// truncation marker may push the total slightly above it but stays well
// under Telegram's 4096 limit.
const maxTextRunes = 3900

const truncationMarker = "\n\n[truncated]"

// controlFields are extracted explicitly; everything else in the payload is
// passed through as a pretty-printed extras block.
var controlFields = map[string]bool{
	"message":           true,
	"text":              true,
	"source":            true,
	"subject":           true,
	"parse_mode":        true,
	"thread_id":         true,
	"topic_id":          true,
	"message_thread_id": true,
	"silence":           true,
}

// Normalizer shapes arbitrary JSON payloads into outbound messages.
type Normalizer struct {
	// DefaultThreadID is used when the payload carries no usable
	// thread/topic id. Zero means no thread.
	DefaultThreadID int
}

// Normalize validates a decoded payload and composes the outbound text:
// an optional "[source] subject" header line, the message body, and a
// pretty-printed block of any unrecognized fields. Numbers in the payload
// are expected as json.Number (decode with UseNumber) so they survive
// coercion and re-serialization verbatim.
func (n *Normalizer) Normalize(payload map[string]any) (*Message, error) {
	raw, ok := payload["message"]
	if !ok || raw == nil {
		raw, ok = payload["text"]
	}
	if !ok || raw == nil {
		return nil, ErrMissingMessage
	}
	body := strings.TrimSpace(coerceString(raw))
	if body == "" {
		return nil, ErrEmptyMessage
	}

	source := strings.TrimSpace(coerceString(payload["source"]))
	subject := strings.TrimSpace(coerceString(payload["subject"]))
	header := ""
	if source != "" {
		header = "[" + source + "]"
	}
	if subject != "" {
		if header != "" {
			header += " " + subject
		} else {
			header = subject
		}
	}

	text := body
	if header != "" {
		text = header + "\n" + body
	}

	extras := make(map[string]any)
	for k, v := range payload {
		if !controlFields[k] {
			extras[k] = v
		}
	}
	if len(extras) > 0 {
		pretty, err := json.MarshalIndent(extras, "", "  ")
		if err == nil {
			text += "\n\n---\n" + string(pretty)
		}
	}

	if runes := []rune(text); len(runes) > maxTextRunes {
		text = string(runes[:maxTextRunes]) + truncationMarker
	}

	m := &Message{Text: text, ThreadID: n.threadID(payload)}
	if mode, ok := payload["parse_mode"].(string); ok {
		m.ParseMode = mode
	}
	if silent, ok := payload["silence"].(bool); ok {
		m.Silent = silent
	}
	return m, nil
}

// threadID picks the first thread field present, in priority order. A
// present but non-numeric value falls back to the default rather than
// trying the next field.
func (n *Normalizer) threadID(payload map[string]any) int {
	for _, field := range []string{"thread_id", "topic_id", "message_thread_id"} {
		v, ok := payload[field]
		if !ok || v == nil {
			continue
		}
		if id, ok := coerceThreadID(v); ok {
			return id
		}
		return n.DefaultThreadID
	}
	return n.DefaultThreadID
}

func coerceThreadID(v any) (int, bool) {
	var s string
	switch x := v.(type) {
	case json.Number:
		s = x.String()
	case string:
		s = x
	case float64:
		s = strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(f), true
}

// coerceString renders a loosely-typed JSON value as text. Scalars keep
// their literal form; objects and arrays serialize compactly.
func coerceString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
