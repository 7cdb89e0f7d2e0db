package notify

import (
	"context"

	"github.com/sirupsen/logrus"
)

type logNotifier struct {
	log logrus.FieldLogger
}

// NewLogNotifier returns a Notifier that writes each event to log.
func NewLogNotifier(log logrus.FieldLogger) Notifier {
	return &logNotifier{
		log: log.WithField("component", "log-notifier"),
	}
}

func (n *logNotifier) Publish(_ context.Context, event Event) error {
	n.log.WithFields(logrus.Fields{
		"topic":  event.Topic,
		"kind":   event.Kind,
		"action": event.Action,
	}).Info("Event published")

	return nil
}
