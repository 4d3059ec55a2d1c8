package api

import "github.com/nestlog/nestlog/server/internal/nudge"

// SubmitResponse is the payload for POST /api/v1/nudges.
type SubmitResponse struct {
	Enqueued int         `json:"enqueued"`
	Jobs     []nudge.Job `json:"jobs"`
}

// NudgeResponse is one persisted outcome in GET /api/v1/nudges.
type NudgeResponse struct {
	ID           string        `json:"id"`
	CaregiverKey string        `json:"caregiver_key"`
	Channel      nudge.Channel `json:"channel"`
	Title        string        `json:"title"`
	Body         string        `json:"body"`
	TriggeredBy  string        `json:"triggered_by"`
	ArticleKey   string        `json:"article_key,omitempty"`
	Delivered    bool          `json:"delivered"`
	Status       nudge.Status  `json:"status"`
	Details      string        `json:"details"`
	CreatedAt    string        `json:"created_at"` // RFC3339
}

// NudgesResponse is the payload for GET /api/v1/nudges.
type NudgesResponse struct {
	Nudges []NudgeResponse `json:"nudges"`
}

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status     string `json:"status"`
	Timestamp  string `json:"timestamp"` // RFC3339
	QueueDepth int    `json:"queue_depth"`
	Thresholds int    `json:"thresholds"`
	Storage    string `json:"storage"`
}

// ThresholdsResponse is the payload for GET /api/v1/thresholds.
type ThresholdsResponse struct {
	Thresholds []nudge.Threshold `json:"thresholds"`
}

// ArticleResponse is one playbook entry in GET /api/v1/articles.
type ArticleResponse struct {
	nudge.Article
	BabyAgeMin  *int   `json:"baby_age_min,omitempty"`
	BabyAgeMax  *int   `json:"baby_age_max,omitempty"`
	PublishedAt string `json:"published_at,omitempty"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}
