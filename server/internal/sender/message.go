package sender

import (
	"time"

	"github.com/nestlog/nestlog/server/internal/nudge"
)

// Message is the JSON document published for a job by the http webhook format
// and the bus senders.
type Message struct {
	CaregiverKey string    `json:"caregiver_key"`
	Channel      string    `json:"channel"`
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	TriggeredBy  string    `json:"triggered_by"`
	ArticleKey   string    `json:"article_key,omitempty"`
	SentAt       time.Time `json:"sent_at"`
}

func newMessage(job nudge.Job, now time.Time) Message {
	return Message{
		CaregiverKey: job.PreferenceKey,
		Channel:      string(job.Channel),
		Title:        job.Title,
		Body:         job.Body,
		TriggeredBy:  job.TriggeredBy,
		ArticleKey:   job.ArticleKey,
		SentAt:       now.UTC(),
	}
}
