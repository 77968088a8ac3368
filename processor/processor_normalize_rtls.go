package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/withObsrvr/pareto-event-router/pkg/common/types"
	"github.com/withObsrvr/pareto-event-router/pkg/metrics"
)

// ErrInvalidJSON is returned for frames whose event data is not valid JSON.
var ErrInvalidJSON = errors.New("message not valid JSON")

// ReceiverIDsField is the derived field listing "type/value" receiver
// identifiers taken from the payload's decodings list.
const ReceiverIDsField = "receiverIds"

// Discard reasons reported to metrics.
const (
	discardUnmatched     = "unmatched"
	discardEmpty         = "empty"
	discardInvalidJSON   = "invalid_json"
	discardNotPair       = "not_pair"
	discardNotObject     = "not_object"
	discardMissingTenant = "missing_tenant"
)

// framePattern splits a socket.io frame into its packet type token and the
// event data that follows it, e.g. `42["rtls",{...}]`.
var framePattern = regexp.MustCompile(`(?s)^([0-9a-z]+)(.*)$`)

// decodingPaths are checked in order for the list of radio decodings.
var decodingPaths = [][]string{
	{"tiraid", "radioDecodings"},
	{"radioDecodings"},
	{"decodings"},
}

// Frame is a raw upstream frame split into its parts.
type Frame struct {
	EventType string
	Data      string
}

// SplitFrame separates the event type token from the trimmed event data.
// ok is false when the frame does not start with a token.
func SplitFrame(raw string) (Frame, bool) {
	m := framePattern.FindStringSubmatch(raw)
	if m == nil {
		return Frame{}, false
	}
	return Frame{EventType: m[1], Data: strings.TrimSpace(m[2])}, true
}

// NormalizeFrame turns a raw frame into an Event. Frames that are not RTLS
// events yield a nil event and nil error; only undecodable JSON is an error.
func NormalizeFrame(raw string) (types.Event, error) {
	event, _, _, err := normalize(raw)
	return event, err
}

func normalize(raw string) (event types.Event, eventType string, reason string, err error) {
	frame, ok := SplitFrame(raw)
	if !ok {
		return nil, "", discardUnmatched, nil
	}
	if frame.Data == "" {
		return nil, frame.EventType, discardEmpty, nil
	}
	if !gjson.Valid(frame.Data) {
		return nil, frame.EventType, discardInvalidJSON, fmt.Errorf("%w: %s", ErrInvalidJSON, frame.Data)
	}

	parsed := gjson.Parse(frame.Data)
	if !parsed.IsArray() {
		return nil, frame.EventType, discardNotPair, nil
	}
	elems := parsed.Array()
	if len(elems) != 2 {
		return nil, frame.EventType, discardNotPair, nil
	}
	if !elems[1].IsObject() {
		return nil, frame.EventType, discardNotObject, nil
	}

	var payload map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(elems[1].Raw))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, frame.EventType, discardInvalidJSON, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	event = stripUnderscores(payload)
	if event.String("tenantId") == "" {
		return nil, frame.EventType, discardMissingTenant, nil
	}
	if ids, ok := receiverIDs(event); ok {
		event[ReceiverIDsField] = ids
	}
	return event, frame.EventType, "", nil
}

// stripUnderscores removes one leading underscore from every top-level key.
// When both "_k" and "k" are present the underscored value wins.
func stripUnderscores(payload map[string]interface{}) types.Event {
	event := make(types.Event, len(payload))
	for k, v := range payload {
		if !strings.HasPrefix(k, "_") {
			event[k] = v
		}
	}
	for k, v := range payload {
		if strings.HasPrefix(k, "_") {
			event[k[1:]] = v
		}
	}
	return event
}

func receiverIDs(event types.Event) ([]string, bool) {
	for _, path := range decodingPaths {
		list, ok := lookupList(event, path)
		if !ok {
			continue
		}
		ids := make([]string, 0, len(list))
		for _, item := range list {
			decoding, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			ident, ok := decoding["identifier"].(map[string]interface{})
			if !ok {
				continue
			}
			idType := types.FormatValue(ident["type"])
			idValue := types.FormatValue(ident["value"])
			if idType == "" || idValue == "" {
				continue
			}
			ids = append(ids, idType+"/"+idValue)
		}
		return ids, true
	}
	return nil, false
}

func lookupList(m map[string]interface{}, path []string) ([]interface{}, bool) {
	var cur interface{} = m
	for _, key := range path {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = obj[key]; !ok {
			return nil, false
		}
	}
	list, ok := cur.([]interface{})
	return list, ok
}

// NormalizeRTLS converts raw upstream frames into Events and forwards them
// to its subscribers. Bad frames are dropped; they never fail the chain.
type NormalizeRTLS struct {
	subscribers []types.Processor
	logger      *slog.Logger
}

// NewNormalizeRTLS creates the normalization stage.
func NewNormalizeRTLS(logger *slog.Logger) *NormalizeRTLS {
	if logger == nil {
		logger = slog.Default()
	}
	return &NormalizeRTLS{logger: logger}
}

// Subscribe adds a downstream stage.
func (p *NormalizeRTLS) Subscribe(subscriber types.Processor) {
	p.subscribers = append(p.subscribers, subscriber)
}

// Process normalizes a raw frame carried as a string or []byte payload.
func (p *NormalizeRTLS) Process(ctx context.Context, msg types.Message) error {
	var raw string
	switch payload := msg.Payload.(type) {
	case string:
		raw = payload
	case []byte:
		raw = string(payload)
	default:
		return fmt.Errorf("expected raw frame, got %T", msg.Payload)
	}

	event, eventType, reason, err := normalize(raw)
	if err != nil {
		p.logger.Error("Message not valid JSON", "error", err)
	}
	if event == nil {
		metrics.FramesDiscarded.WithLabelValues(reason).Inc()
		return nil
	}

	p.logger.Debug("RTLS message received", "deviceId", event.String("deviceId"), "tenantId", event.String("tenantId"))

	out := types.Message{
		Payload:  event,
		Metadata: map[string]interface{}{"event_type": eventType},
	}
	for _, subscriber := range p.subscribers {
		if err := subscriber.Process(ctx, out); err != nil {
			return fmt.Errorf("error in processor chain: %w", err)
		}
	}
	return nil
}
