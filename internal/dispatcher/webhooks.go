package dispatcher

import (
	"log/slog"

	"jobctl/internal/job"
	"jobctl/pkg/cloudevent"
)

// Target is a webhook endpoint subscribed to run events.
type Target struct {
	URL     string            `mapstructure:"url" yaml:"url"`
	Events  []string          `mapstructure:"events" yaml:"events"` // empty receives everything
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`
}

// Webhooks fans run events out to every subscribed target.
type Webhooks struct {
	d          Dispatcher
	targets    []Target
	signingKey string
	log        *slog.Logger
}

// NewWebhooks creates a notifier delivering through d. Events are signed
// with signingKey when it is set.
func NewWebhooks(d Dispatcher, targets []Target, signingKey string, log *slog.Logger) *Webhooks {
	if log == nil {
		log = slog.Default()
	}
	return &Webhooks{d: d, targets: targets, signingKey: signingKey, log: log.With("component", "webhooks")}
}

// Publish queues ev for each target whose filter accepts it. It never blocks.
func (w *Webhooks) Publish(ev *cloudevent.CloudEvent) {
	for _, t := range w.targets {
		if !job.FilteredEvents(ev.Type, t.Events) {
			continue
		}
		err := w.d.Dispatch(&Event{
			Payload:     ev,
			Destination: t.URL,
			SigningKey:  w.signingKey,
			Headers:     t.Headers,
		})
		if err != nil {
			w.log.Debug("Event not queued", "type", ev.Type, "subject", ev.Subject, "error", err)
		}
	}
}
