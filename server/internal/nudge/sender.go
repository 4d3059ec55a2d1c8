package nudge

import "context"

// Sender delivers a job over its channel. It returns a human-readable detail
// on success. The queue calls Send from a single goroutine and blocks on it.
type Sender interface {
	Send(ctx context.Context, job Job) (string, error)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, job Job) (string, error)

// Send calls f(ctx, job).
func (f SenderFunc) Send(ctx context.Context, job Job) (string, error) { return f(ctx, job) }

// Sink appends a processed job's outcome to durable storage. Appends arrive in
// drain order and must be stored in that order.
type Sink interface {
	Append(ctx context.Context, o Outcome) error
}

// PreferenceSource resolves a caregiver's preference record. It returns a
// *PreferenceNotFoundError when the caregiver has none.
type PreferenceSource interface {
	Preference(ctx context.Context, caregiverKey string) (*Preference, error)
}

// ArticleLookup resolves playbook articles by key. Keys that do not exist are
// simply absent from the result.
type ArticleLookup interface {
	Articles(ctx context.Context, keys []string) (map[string]Article, error)
}
