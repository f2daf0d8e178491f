package publish

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// LogSink writes announcements to the log. Used in lite mode where no
// broker is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging through logger, or slog.Default when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "publish_log")}
}

func (s *LogSink) Publish(ctx context.Context, m Message) (string, error) {
	if m.Topic == "" {
		return "", ErrEmptyTopic
	}
	id := "log:" + uuid.New().String()
	s.logger.InfoContext(ctx, "proposal announced",
		"correlation_id", id,
		"proposal_id", m.ID,
		"topic", m.Topic,
		"priority", m.Priority,
		"tags", m.Tags,
		"bytes", len(m.Payload),
	)
	return id, nil
}
