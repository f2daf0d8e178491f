// Package publish announces new proposals to the network.
//
// A Sink accepts one Message per proposal and returns a correlation id the
// ledger stores on the proposal. Delivery is at-least-once; consumers
// deduplicate on Message.ID.
package publish

import (
	"context"
	"errors"
)

// Priority orders messages for consumers that triage.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Message is one announcement.
type Message struct {
	ID       string // proposal id, used for deduplication
	Payload  []byte
	Topic    string
	Priority Priority
	Tags     []string
}

// ErrEmptyTopic is returned for messages without a topic.
var ErrEmptyTopic = errors.New("publish: message has no topic")

// Sink disseminates messages.
type Sink interface {
	Publish(ctx context.Context, msg Message) (correlationID string, err error)
}
