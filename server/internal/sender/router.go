package sender

import (
	"context"
	"fmt"
	"time"

	"github.com/nestlog/nestlog/server/internal/nudge"
)

// Router sends each job through the sender registered for its channel.
type Router struct {
	routes map[nudge.Channel]nudge.Sender
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{routes: make(map[nudge.Channel]nudge.Sender)}
}

// Route registers s for ch, replacing any previous sender.
func (r *Router) Route(ch nudge.Channel, s nudge.Sender) *Router {
	r.routes[ch] = s
	return r
}

// Send implements nudge.Sender.
func (r *Router) Send(ctx context.Context, job nudge.Job) (string, error) {
	s, ok := r.routes[job.Channel]
	if !ok {
		return "", fmt.Errorf("no sender configured for channel %s", job.Channel)
	}
	return s.Send(ctx, job)
}

// WithTimeout bounds every call to s by d. A non-positive d returns s unchanged.
func WithTimeout(s nudge.Sender, d time.Duration) nudge.Sender {
	if d <= 0 {
		return s
	}
	return nudge.SenderFunc(func(ctx context.Context, job nudge.Job) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return s.Send(ctx, job)
	})
}
