package publish

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Header names set on every published message.
const (
	HeaderPriority = "Stewardd-Priority"
	HeaderTags     = "Stewardd-Tags"
	HeaderTopic    = "Stewardd-Topic"
)

// DefaultStream is the JetStream stream proposals are written to.
const DefaultStream = "PROPOSALS"

// JetStreamSink publishes to NATS JetStream on "<prefix>.<topic>".
// The correlation id is "<stream>:<sequence>" from the publish ack.
type JetStreamSink struct {
	js     jetstream.JetStream
	prefix string
	logger *slog.Logger
}

// NewJetStreamSink wraps a JetStream context.
func NewJetStreamSink(js jetstream.JetStream, prefix string) *JetStreamSink {
	if prefix == "" {
		prefix = "proposals"
	}
	return &JetStreamSink{
		js:     js,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: slog.Default().With("component", "publish_jetstream"),
	}
}

// ConnectJetStream dials url and returns a sink plus the connection to close.
func ConnectJetStream(url, prefix string) (*JetStreamSink, *nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("stewardd"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return NewJetStreamSink(js, prefix), nc, nil
}

// EnsureStream creates or updates the stream capturing every proposal subject.
func (s *JetStreamSink) EnsureStream(ctx context.Context, name string) error {
	if name == "" {
		name = DefaultStream
	}
	_, err := s.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{s.prefix + ".>"},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", name, err)
	}
	return nil
}

// Subject returns the subject a topic is published on.
func (s *JetStreamSink) Subject(topic string) string {
	return s.prefix + "." + topic
}

func (s *JetStreamSink) Publish(ctx context.Context, m Message) (string, error) {
	if m.Topic == "" {
		return "", ErrEmptyTopic
	}

	msg := nats.NewMsg(s.Subject(m.Topic))
	msg.Data = m.Payload
	msg.Header.Set(HeaderTopic, m.Topic)
	if m.Priority != "" {
		msg.Header.Set(HeaderPriority, string(m.Priority))
	}
	if len(m.Tags) > 0 {
		msg.Header.Set(HeaderTags, strings.Join(m.Tags, ","))
	}

	var opts []jetstream.PublishOpt
	if m.ID != "" {
		opts = append(opts, jetstream.WithMsgID(m.ID))
	}

	ack, err := s.js.PublishMsg(ctx, msg, opts...)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", msg.Subject, err)
	}

	s.logger.DebugContext(ctx, "published",
		"subject", msg.Subject,
		"stream", ack.Stream,
		"seq", ack.Sequence,
		"duplicate", ack.Duplicate,
	)
	return fmt.Sprintf("%s:%d", ack.Stream, ack.Sequence), nil
}
