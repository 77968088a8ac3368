package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/pareto-event-router/pkg/common/types"
)

type fakeNATS struct {
	subjects []string
	flushes  int
	flushErr error
	closed   chan struct{}
}

func (f *fakeNATS) Publish(subject string, _ []byte) error {
	f.subjects = append(f.subjects, subject)
	return nil
}

func (f *fakeNATS) FlushTimeout(time.Duration) error {
	f.flushes++
	return f.flushErr
}

func (f *fakeNATS) Close() {
	if f.closed != nil {
		close(f.closed)
	}
}

func TestPublishToNATSSubject(t *testing.T) {
	sink, err := NewPublishToNATS(NATSConfig{URL: "nats://localhost:4222"}, nil)
	require.NoError(t, err)

	subject, ok := sink.Subject(rtlsEvent("acme", "AA", "r1", 1))
	assert.True(t, ok)
	assert.Equal(t, "rtls.tenants.acme.transmitters.ble.AA.rtls", subject)

	event := rtlsEvent("acme.eu", "a*b", "r1", 1)
	subject, ok = sink.Subject(event)
	assert.True(t, ok)
	assert.Equal(t, "rtls.tenants.acme_eu.transmitters.ble.a_b.rtls", subject)

	_, ok = sink.Subject(types.Event{"tenantId": "acme"})
	assert.False(t, ok)
}

func TestPublishToNATS(t *testing.T) {
	_, err := NewPublishToNATS(NATSConfig{}, nil)
	assert.ErrorContains(t, err, "NATS_URL")

	sink, err := NewPublishToNATS(NATSConfig{URL: "nats://localhost:4222", SubjectPrefix: "site1"}, discardLogger())
	require.NoError(t, err)
	conn := &fakeNATS{}
	sink.dial = func(NATSConfig) (NATSPublisher, error) { return conn, nil }

	events := []types.Event{rtlsEvent("acme", "AA", "r1", 1), {"tenantId": "acme"}, rtlsEvent("acme", "BB", "r1", 2)}
	require.NoError(t, sink.Process(context.Background(), events))

	assert.Equal(t, []string{
		"site1.tenants.acme.transmitters.ble.AA.rtls",
		"site1.tenants.acme.transmitters.ble.BB.rtls",
	}, conn.subjects)
	assert.Equal(t, 1, conn.flushes, "one flush per batch")
}

func TestPublishToNATSFlushError(t *testing.T) {
	sink, err := NewPublishToNATS(NATSConfig{URL: "nats://localhost:4222"}, discardLogger())
	require.NoError(t, err)
	conn := &fakeNATS{flushErr: errors.New("timeout"), closed: make(chan struct{})}
	sink.dial = func(NATSConfig) (NATSPublisher, error) { return conn, nil }

	assert.ErrorContains(t, sink.Process(context.Background(), []types.Event{rtlsEvent("acme", "AA", "r1", 1)}), "timeout")

	sink.Reset()
	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("reset did not close the connection")
	}
}
