package nudge

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Channel is the delivery medium for a nudge.
type Channel string

// Recognised channels.
const (
	ChannelEmail Channel = "EMAIL"
	ChannelPush  Channel = "PUSH"
	ChannelChat  Channel = "CHAT"
	ChannelInApp Channel = "IN_APP"
)

// Channels lists every recognised channel in display order.
var Channels = []Channel{ChannelEmail, ChannelPush, ChannelChat, ChannelInApp}

// ParseChannel converts a configuration string to a Channel. Matching is
// case-insensitive; "matrix" is accepted as the legacy name of CHAT.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "EMAIL":
		return ChannelEmail, nil
	case "PUSH":
		return ChannelPush, nil
	case "CHAT", "MATRIX":
		return ChannelChat, nil
	case "IN_APP", "INAPP":
		return ChannelInApp, nil
	default:
		return "", &UnknownChannelError{Channel: Channel(s)}
	}
}

// Valid reports whether c is one of the four recognised channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelPush, ChannelChat, ChannelInApp:
		return true
	}
	return false
}

// Label is the human-facing name used in outcome details.
func (c Channel) Label() string {
	switch c {
	case ChannelEmail:
		return "email"
	case ChannelPush:
		return "web push"
	case ChannelChat:
		return "chat"
	case ChannelInApp:
		return "in-app banner"
	default:
		return strings.ToLower(string(c))
	}
}

// UnmarshalYAML lets thresholds in config.yaml spell channels in any case.
func (c *Channel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	ch, err := ParseChannel(s)
	if err != nil {
		return err
	}
	*c = ch
	return nil
}

// Status is the persisted delivery state of a job.
type Status string

// Terminal statuses. A transport failure is stored as StatusSuppressed.
const (
	StatusSent       Status = "SENT"
	StatusSuppressed Status = "SUPPRESSED"
)

// MetricSample is one observation of a named quantity for a caregiver.
type MetricSample struct {
	Metric      string    `json:"metric"`
	Value       float64   `json:"value"`
	CollectedAt time.Time `json:"collected_at"`
}

// Validate checks the sample preconditions: a metric name, a finite value and
// a collection instant.
func (s MetricSample) Validate() error {
	if strings.TrimSpace(s.Metric) == "" {
		return &ValidationError{Field: "metric", Reason: "must not be empty"}
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return &ValidationError{Field: "value", Reason: fmt.Sprintf("must be finite, got %v", s.Value)}
	}
	if s.CollectedAt.IsZero() {
		return &ValidationError{Field: "collected_at", Reason: "must be set"}
	}
	return nil
}

// Threshold is one rule definition: a metric bound and the nudge to send when
// the latest sample falls outside it.
type Threshold struct {
	Metric     string   `yaml:"metric" json:"metric"`
	Min        *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max        *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Channel    Channel  `yaml:"channel" json:"channel"`
	ArticleKey string   `yaml:"article_key,omitempty" json:"article_key,omitempty"`
	Title      string   `yaml:"title" json:"title"`
	Message    string   `yaml:"message" json:"message"`
}

// Violated reports whether v is outside the threshold's bounds. The bounds are
// inclusive: v == Min and v == Max never fire.
func (t Threshold) Violated(v float64) bool {
	if t.Min != nil && v < *t.Min {
		return true
	}
	if t.Max != nil && v > *t.Max {
		return true
	}
	return false
}

// Preference holds a caregiver's channel opt-ins. IN_APP is always enabled.
type Preference struct {
	CaregiverKey string `json:"caregiver_key" yaml:"caregiver_key"`
	OptInEmail   bool   `json:"opt_in_email" yaml:"opt_in_email"`
	OptInPush    bool   `json:"opt_in_push" yaml:"opt_in_push"`
	OptInChat    bool   `json:"opt_in_chat" yaml:"opt_in_chat"`
}

// Article is a playbook entry a nudge can point the caregiver to.
type Article struct {
	Key     string   `json:"key"`
	Title   string   `json:"title"`
	Summary string   `json:"summary,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// Job is one unit of delivery work: tell this caregiver this message on this
// channel. Jobs are never modified after Evaluate creates them.
type Job struct {
	PreferenceKey string  `json:"preference_key"`
	Channel       Channel `json:"channel"`
	Title         string  `json:"title"`
	Body          string  `json:"body"`
	TriggeredBy   string  `json:"triggered_by"`
	ArticleKey    string  `json:"article_key,omitempty"`
}

// Outcome is the terminal record of a processed job.
type Outcome struct {
	Job       Job    `json:"job"`
	Delivered bool   `json:"delivered"`
	Status    Status `json:"status"`
	Details   string `json:"details"`
}

// Float returns a pointer to v. It keeps threshold literals short.
func Float(v float64) *float64 { return &v }
