package nudge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultSinkRetries = 2
	defaultSinkBackoff = 100 * time.Millisecond
)

// ErrQueueRunning is returned by Run when a worker is already draining the queue.
var ErrQueueRunning = errors.New("queue: worker already running")

// Queue is an in-memory FIFO of jobs with a single drain loop.
//
// Enqueue may be called from any goroutine, including while a drain is in
// progress. Draining is serialised: Drain and Run never process two jobs at
// once, so the Sender sees one call at a time. Every dequeued job yields
// exactly one Outcome, appended to the Sink before the next job starts.
type Queue struct {
	prefs  PreferenceSource
	sender Sender
	sink   Sink
	logger *slog.Logger

	observe     func(Outcome, time.Duration)
	sinkRetries int
	sinkBackoff time.Duration

	mu     sync.Mutex
	jobs   []Job
	signal chan struct{} // buffered(1); coalesces wake-ups

	worker  sync.Mutex
	running atomic.Bool
}

// QueueOption customises a Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets the logger used for delivery and persistence events.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// WithObserver registers fn to be called after each outcome is persisted,
// together with the time spent processing the job.
func WithObserver(fn func(Outcome, time.Duration)) QueueOption {
	return func(q *Queue) { q.observe = fn }
}

// WithSinkRetries sets how many times a failed Sink.Append is retried and the
// base wait between attempts. The wait grows linearly per attempt.
func WithSinkRetries(n int, backoff time.Duration) QueueOption {
	return func(q *Queue) {
		if n >= 0 {
			q.sinkRetries = n
		}
		if backoff >= 0 {
			q.sinkBackoff = backoff
		}
	}
}

// NewQueue creates a Queue that re-reads preferences from prefs at drain time,
// delivers through sender and persists outcomes to sink.
func NewQueue(prefs PreferenceSource, sender Sender, sink Sink, opts ...QueueOption) *Queue {
	q := &Queue{
		prefs:       prefs,
		sender:      sender,
		sink:        sink,
		logger:      slog.Default(),
		sinkRetries: defaultSinkRetries,
		sinkBackoff: defaultSinkBackoff,
		jobs:        make([]Job, 0, 64),
		signal:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends job to the back of the queue. It always accepts the job and
// returns immediately; delivery happens on the drain loop.
func (q *Queue) Enqueue(job Job) {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of jobs waiting to be drained.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Pending returns a copy of the jobs waiting to be drained, oldest first.
func (q *Queue) Pending() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.jobs))
	copy(out, q.jobs)
	return out
}

// Drain processes queued jobs in arrival order until the queue is empty,
// including jobs enqueued while it runs. It returns the number processed.
func (q *Queue) Drain(ctx context.Context) int {
	q.worker.Lock()
	defer q.worker.Unlock()

	n := 0
	for {
		job, ok := q.next()
		if !ok {
			return n
		}
		q.process(ctx, job)
		n++
	}
}

// Run drains the queue whenever jobs arrive. When ctx is cancelled Run drains
// whatever is still queued and returns; an enqueued job is never abandoned.
// Jobs are delivered with a context detached from ctx's cancellation, so a
// shutdown does not abort an in-flight send.
func (q *Queue) Run(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return ErrQueueRunning
	}
	defer q.running.Store(false)

	work := context.WithoutCancel(ctx)
	for {
		q.Drain(work)
		select {
		case <-ctx.Done():
			if n := q.Drain(work); n > 0 {
				q.logger.Info("queue: drained remaining jobs on shutdown", "count", n)
			}
			return nil
		case <-q.signal:
		}
	}
}

// Start runs the drain loop in the background, independent of any caller
// context, and returns a function that stops it. stop waits for the final
// drain, so jobs enqueued before stop is called always get an outcome. Call it
// once every producer has stopped enqueueing.
func (q *Queue) Start() (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := q.Run(ctx); err != nil {
			q.logger.Error("queue: stopped", "err", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (q *Queue) next() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return Job{}, false
	}
	job := q.jobs[0]
	q.jobs[0] = Job{}
	q.jobs = q.jobs[1:]
	return job, true
}

func (q *Queue) process(ctx context.Context, job Job) {
	start := time.Now()
	o := q.deliver(ctx, job)
	q.persist(ctx, o)
	if q.observe != nil {
		q.observe(o, time.Since(start))
	}
}

// deliver runs the gate and the sender for one job and returns its outcome.
func (q *Queue) deliver(ctx context.Context, job Job) Outcome {
	o := Outcome{Job: job, Status: StatusSuppressed}

	pref, err := q.prefs.Preference(ctx, job.PreferenceKey)
	var notFound *PreferenceNotFoundError
	switch {
	case errors.As(err, &notFound), err == nil && pref == nil:
		o.Details = "preference not found"
		return o
	case err != nil:
		o.Details = "preference lookup failed: " + err.Error()
		return o
	}

	dec, err := Gate(*pref, job)
	if err != nil {
		q.logger.Error("queue: job dropped by gate", "preference", job.PreferenceKey, "err", err)
		o.Details = err.Error()
		return o
	}
	if !dec.Deliverable {
		o.Details = dec.Reason
		return o
	}

	detail, err := q.send(ctx, job)
	if err != nil {
		serr := &SendError{Channel: job.Channel, Err: err}
		q.logger.Warn("queue: send failed",
			"preference", job.PreferenceKey,
			"channel", string(job.Channel),
			"err", err,
		)
		o.Details = serr.Error()
		return o
	}

	o.Delivered = true
	o.Status = StatusSent
	o.Details = detail
	return o
}

// send calls the sender and converts a panic into an error so one bad job
// cannot stop the drain loop.
func (q *Queue) send(ctx context.Context, job Job) (detail string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()
	return q.sender.Send(ctx, job)
}

func (q *Queue) persist(ctx context.Context, o Outcome) {
	var err error
	for attempt := 0; attempt <= q.sinkRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(q.sinkBackoff * time.Duration(attempt))
		}
		if err = q.sink.Append(ctx, o); err == nil {
			q.logger.Debug("queue: outcome persisted",
				"preference", o.Job.PreferenceKey,
				"channel", string(o.Job.Channel),
				"status", string(o.Status),
			)
			return
		}
	}
	q.logger.Error("queue: outcome not persisted",
		"preference", o.Job.PreferenceKey,
		"channel", string(o.Job.Channel),
		"status", string(o.Status),
		"attempts", q.sinkRetries+1,
		"err", err,
	)
}
