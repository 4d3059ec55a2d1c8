package sender

import (
	"context"
	"log/slog"

	"github.com/nestlog/nestlog/server/internal/nudge"
)

// Simulated logs the job and reports it as enqueued. It stands in for a
// provider integration during development.
type Simulated struct {
	Logger *slog.Logger
}

// Send implements nudge.Sender.
func (s Simulated) Send(_ context.Context, job nudge.Job) (string, error) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("sender: simulated delivery",
		"channel", string(job.Channel),
		"caregiver", job.PreferenceKey,
		"title", job.Title,
		"triggered_by", job.TriggeredBy,
	)
	return job.Channel.Label() + " delivery enqueued", nil
}
