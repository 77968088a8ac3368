package types

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message encapsulates the payload to be processed.
type Message struct {
	Payload  interface{}
	Metadata map[string]interface{}
}

// Processor defines the interface for processing messages.
type Processor interface {
	Process(context.Context, Message) error
	Subscribe(Processor)
}

// Event is a normalized RTLS event: the keyed payload of an upstream frame
// with leading underscores stripped from its top-level keys.
type Event map[string]interface{}

// Clone returns a shallow copy of the event. Nested values are shared.
func (e Event) Clone() Event {
	out := make(Event, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// String returns the value stored under key formatted as text. Missing or
// null values yield an empty string.
func (e Event) String(key string) string {
	return FormatValue(e[key])
}

// Identifier returns the transmitter identifier type and value carried in
// tiraid.identifier. ok is false when either part is missing.
func (e Event) Identifier() (idType, idValue string, ok bool) {
	tiraid, isMap := e["tiraid"].(map[string]interface{})
	if !isMap {
		return "", "", false
	}
	ident, isMap := tiraid["identifier"].(map[string]interface{})
	if !isMap {
		return "", "", false
	}
	idType = FormatValue(ident["type"])
	idValue = FormatValue(ident["value"])
	return idType, idValue, idType != "" && idValue != ""
}

// FormatValue renders a decoded JSON value for use in ids, topics and keys.
func FormatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

// Consumer is the narrow capability every sink exposes to its worker.
//
// Process forwards one drained batch. A returned error means the sink's
// cached connection may be unusable; the worker then calls Reset so the next
// Process lazily reconnects. Close flushes and releases the connection at
// shutdown.
type Consumer interface {
	Name() string
	Process(ctx context.Context, events []Event) error
	Reset()
	Close() error
}
