package publish

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startJetStream(t *testing.T) jetstream.JetStream {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Port:      -1, // Random available port
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Skip("embedded NATS server failed to start")
	}

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	return js
}

func TestJetStreamSink_Publish(t *testing.T) {
	js := startJetStream(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sink := NewJetStreamSink(js, "proposals.")
	require.NoError(t, sink.EnsureStream(ctx, ""))

	corr, err := sink.Publish(ctx, Message{
		ID:       "p-1",
		Payload:  []byte(`{"id":"p-1"}`),
		Topic:    "matches",
		Priority: PriorityHigh,
		Tags:     []string{"MATCH", "mutual-aid-matcher"},
	})
	require.NoError(t, err)
	assert.Equal(t, "PROPOSALS:1", corr)

	stream, err := js.Stream(ctx, DefaultStream)
	require.NoError(t, err)
	raw, err := stream.GetMsg(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "proposals.matches", raw.Subject)
	assert.Equal(t, `{"id":"p-1"}`, string(raw.Data))
	assert.Equal(t, "high", raw.Header.Get(HeaderPriority))
	assert.Equal(t, "MATCH,mutual-aid-matcher", raw.Header.Get(HeaderTags))
	assert.Equal(t, "matches", raw.Header.Get(HeaderTopic))
}

func TestJetStreamSink_DeduplicatesByID(t *testing.T) {
	js := startJetStream(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sink := NewJetStreamSink(js, "proposals")
	require.NoError(t, sink.EnsureStream(ctx, "PROPOSALS"))

	msg := Message{ID: "p-dup", Payload: []byte("{}"), Topic: "alerts"}
	first, err := sink.Publish(ctx, msg)
	require.NoError(t, err)
	second, err := sink.Publish(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, first, second, "a resent proposal maps to the same stream sequence")
}

func TestJetStreamSink_RequiresTopic(t *testing.T) {
	sink := NewJetStreamSink(nil, "")
	_, err := sink.Publish(context.Background(), Message{Payload: []byte("{}")})
	assert.ErrorIs(t, err, ErrEmptyTopic)
	assert.Equal(t, "proposals.alerts", sink.Subject("alerts"))
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	corr, err := sink.Publish(context.Background(), Message{ID: "p-9", Topic: "replenishment", Priority: PriorityNormal})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(corr, "log:"))
	assert.Contains(t, buf.String(), `"proposal_id":"p-9"`)
	assert.Contains(t, buf.String(), `"topic":"replenishment"`)

	_, err = sink.Publish(context.Background(), Message{})
	assert.ErrorIs(t, err, ErrEmptyTopic)
}
