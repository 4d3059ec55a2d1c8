package nudge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
)

// Engine ties the registry, evaluator and queue together for one process.
// Submit is safe for concurrent use; SetRegistry swaps the rule set atomically.
type Engine struct {
	registry atomic.Pointer[Registry]
	prefs    PreferenceSource
	articles ArticleLookup
	queue    *Queue
	logger   *slog.Logger
	onJob    func(Job)
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithArticles sets the playbook lookup used to resolve threshold article keys.
func WithArticles(a ArticleLookup) EngineOption {
	return func(e *Engine) { e.articles = a }
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithJobObserver registers fn to be called for every job created by Submit.
func WithJobObserver(fn func(Job)) EngineOption {
	return func(e *Engine) { e.onJob = fn }
}

// NewEngine creates an Engine evaluating reg and enqueuing onto queue.
func NewEngine(reg *Registry, prefs PreferenceSource, queue *Queue, opts ...EngineOption) *Engine {
	e := &Engine{
		prefs:  prefs,
		queue:  queue,
		logger: slog.Default(),
	}
	e.registry.Store(reg)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the active rule set.
func (e *Engine) Registry() *Registry { return e.registry.Load() }

// SetRegistry replaces the active rule set. Submits already in flight finish
// with the registry they started with.
func (e *Engine) SetRegistry(reg *Registry) {
	e.registry.Store(reg)
	e.logger.Info("engine: thresholds replaced", "count", reg.Len())
}

// Queue returns the dispatch queue jobs are enqueued on.
func (e *Engine) Queue() *Queue { return e.queue }

// Submit evaluates samples for caregiverKey and enqueues every resulting job.
// It returns the jobs in threshold order.
//
// Validation and preference errors are returned before anything is enqueued.
// A failing article lookup is logged and the jobs are built without articles.
func (e *Engine) Submit(ctx context.Context, caregiverKey string, samples []MetricSample) ([]Job, error) {
	if strings.TrimSpace(caregiverKey) == "" {
		return nil, &ValidationError{Field: "caregiver_key", Reason: "must not be empty"}
	}
	for i, s := range samples {
		if err := s.Validate(); err != nil {
			return nil, prefixField(err, fmt.Sprintf("samples[%d]", i))
		}
	}

	pref, err := e.prefs.Preference(ctx, caregiverKey)
	if err != nil {
		return nil, err
	}
	if pref == nil {
		return nil, &PreferenceNotFoundError{CaregiverKey: caregiverKey}
	}

	reg := e.registry.Load()
	var articles map[string]Article
	if keys := reg.ArticleKeys(); e.articles != nil && len(keys) > 0 && len(samples) > 0 {
		articles, err = e.articles.Articles(ctx, keys)
		if err != nil {
			e.logger.Warn("engine: article lookup failed, continuing without articles",
				"caregiver", caregiverKey, "err", err)
			articles = nil
		}
	}

	jobs, err := Evaluate(pref, reg.All(), samples, articles)
	if err != nil {
		return nil, err
	}

	for _, job := range jobs {
		e.queue.Enqueue(job)
		if e.onJob != nil {
			e.onJob(job)
		}
	}
	if len(jobs) > 0 {
		e.logger.Info("engine: nudges enqueued",
			"caregiver", caregiverKey,
			"samples", len(samples),
			"jobs", len(jobs),
		)
	}
	return jobs, nil
}
