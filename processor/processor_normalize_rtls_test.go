package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/pareto-event-router/pkg/common/types"
)

func TestSplitFrame(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   Frame
		wantOK bool
	}{
		{"event packet", `42["rtls",{}]`, Frame{EventType: "42", Data: `["rtls",{}]`}, true},
		{"token only", "abc123", Frame{EventType: "abc123", Data: ""}, true},
		{"trims data", "42  [1,2] \n", Frame{EventType: "42", Data: "[1,2]"}, true},
		{"no token", `["rtls",{}]`, Frame{}, false},
		{"uppercase token", "ABC", Frame{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SplitFrame(tt.raw)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeFrameDiscards(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no json body", "abc123"},
		{"engine.io pong", "3"},
		{"open packet object", `0{"sid":"abc","pingInterval":25000}`},
		{"not an array", `42{"_tenantId":"x"}`},
		{"single element array", `42["rtls"]`},
		{"three element array", `42["rtls",{"_tenantId":"x"},1]`},
		{"second element not keyed", `42["rtls","payload"]`},
		{"missing tenant", `42["rtls",{"_deviceId":"d1"}]`},
		{"empty tenant", `42["rtls",{"_tenantId":"","_deviceId":"d1"}]`},
		{"no token", `["rtls",{"_tenantId":"x"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := NormalizeFrame(tt.raw)
			assert.NoError(t, err)
			assert.Nil(t, event)
		})
	}
}

func TestNormalizeFrameInvalidJSON(t *testing.T) {
	event, err := NormalizeFrame(`42["rtls",{"_tenantId":`)
	assert.Nil(t, event)
	assert.True(t, errors.Is(err, ErrInvalidJSON))
}

func TestNormalizeFrameStripsUnderscores(t *testing.T) {
	event, err := NormalizeFrame(`42["rtls",{"_tenantId":"x","_deviceId":"d1","time":1712345678901,"rssi":-71}]`)
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, "x", event["tenantId"])
	assert.Equal(t, "d1", event["deviceId"])
	assert.NotContains(t, event, "_tenantId")
	assert.NotContains(t, event, "_deviceId")
	assert.Equal(t, json.Number("1712345678901"), event["time"])
	assert.NotContains(t, event, ReceiverIDsField)
}

func TestNormalizeFrameUnderscoredKeyWins(t *testing.T) {
	event, err := NormalizeFrame(`42["rtls",{"_tenantId":"x","deviceId":"plain","_deviceId":"stripped"}]`)
	require.NoError(t, err)
	assert.Equal(t, "stripped", event["deviceId"])
}

func TestNormalizeFrameReceiverIDs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "top-level decodings",
			raw:  `42["rtls",{"_tenantId":"x","decodings":[{"identifier":{"type":"ble","value":"AA"}}]}]`,
			want: []string{"ble/AA"},
		},
		{
			name: "tiraid radio decodings",
			raw: `42["rtls",{"_tenantId":"x","tiraid":{"identifier":{"type":"ble","value":"T1"},` +
				`"radioDecodings":[{"identifier":{"type":"eui","value":"R1"},"rssi":-60},{"identifier":{"type":"eui","value":"R2"}}]}}]`,
			want: []string{"eui/R1", "eui/R2"},
		},
		{
			name: "entries without identifiers skipped",
			raw:  `42["rtls",{"_tenantId":"x","decodings":[{"rssi":-60},{"identifier":{"type":"ble"}},{"identifier":{"type":"ble","value":"BB"}}]}]`,
			want: []string{"ble/BB"},
		},
		{
			name: "empty list",
			raw:  `42["rtls",{"_tenantId":"x","decodings":[]}]`,
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := NormalizeFrame(tt.raw)
			require.NoError(t, err)
			require.NotNil(t, event)
			assert.Equal(t, tt.want, event[ReceiverIDsField])
		})
	}
}

type captureProcessor struct {
	messages []types.Message
	err      error
}

func (c *captureProcessor) Process(_ context.Context, msg types.Message) error {
	c.messages = append(c.messages, msg)
	return c.err
}

func (c *captureProcessor) Subscribe(types.Processor) {}

func TestNormalizeRTLSForwardsEvents(t *testing.T) {
	p := NewNormalizeRTLS(nil)
	sink := &captureProcessor{}
	p.Subscribe(sink)

	ctx := context.Background()
	require.NoError(t, p.Process(ctx, types.Message{Payload: "abc123"}))
	require.NoError(t, p.Process(ctx, types.Message{Payload: `42["rtls",{"_tenantId":`}))
	require.NoError(t, p.Process(ctx, types.Message{Payload: []byte(`42["rtls",{"_tenantId":"x","_deviceId":"d1"}]`)}))

	require.Len(t, sink.messages, 1)
	event, ok := sink.messages[0].Payload.(types.Event)
	require.True(t, ok)
	assert.Equal(t, "d1", event["deviceId"])
	assert.Equal(t, "42", sink.messages[0].Metadata["event_type"])
}

func TestNormalizeRTLSRejectsUnknownPayload(t *testing.T) {
	p := NewNormalizeRTLS(nil)
	assert.Error(t, p.Process(context.Background(), types.Message{Payload: 42}))
}

func TestNormalizeRTLSPropagatesSubscriberError(t *testing.T) {
	p := NewNormalizeRTLS(nil)
	p.Subscribe(&captureProcessor{err: errors.New("downstream")})

	err := p.Process(context.Background(), types.Message{Payload: `42["rtls",{"_tenantId":"x"}]`})
	assert.ErrorContains(t, err, "downstream")
}
