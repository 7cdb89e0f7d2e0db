// Package notify broadcasts running-test state transitions to topic
// subscribers such as dashboard viewers.
package notify

import (
	"context"
	"errors"
)

// Global topics.
const (
	TopicRecentTest  = "recent-test"
	TopicRunningTest = "running-test"
)

// Kind tags the type of record an event carries.
type Kind string

// Event kinds.
const (
	KindTestRun     Kind = "testrun"
	KindRunningTest Kind = "runningTest"
)

// Action is the state transition an event announces.
type Action string

// Event actions.
const (
	ActionSaved   Action = "saved"
	ActionRemoved Action = "removed"
)

// Event is a single notification.
type Event struct {
	Topic   string `json:"room"`
	Kind    Kind   `json:"type"`
	Action  Action `json:"event"`
	Payload any    `json:"testrun"`
}

// Notifier publishes events. Delivery is best-effort.
type Notifier interface {
	Publish(ctx context.Context, event Event) error
}

// ScopedTopic returns the topic of a single product dashboard.
func ScopedTopic(productName, dashboardName string) string {
	return productName + "-" + dashboardName
}

// Multi fans every event out to all notifiers.
type Multi []Notifier

// Compile-time interface check.
var _ Notifier = Multi(nil)

// Publish delivers to each notifier in order. Every notifier is tried
// even when an earlier one fails.
func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error

	for _, n := range m {
		if err := n.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Notifier.
func (Nop) Publish(context.Context, Event) error {
	return nil
}
