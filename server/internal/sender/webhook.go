package sender

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/nestlog/nestlog/server/internal/nudge"
)

// Webhook payload formats.
const (
	FormatHTTP  = "http"
	FormatSlack = "slack"
	FormatTeams = "teams"
)

// Webhook posts jobs to an HTTP endpoint in one of the supported formats.
type Webhook struct {
	client *resty.Client
	url    string
	format string
	now    func() time.Time
}

// NewWebhook returns a Webhook posting to url. Transport retries are handled
// by resty: retries attempts on connection errors and 5xx responses.
func NewWebhook(url, format string, retries int) (*Webhook, error) {
	switch format {
	case FormatHTTP, FormatSlack, FormatTeams:
	case "":
		format = FormatHTTP
	default:
		return nil, fmt.Errorf("webhook: unknown format %q", format)
	}
	if url == "" {
		return nil, fmt.Errorf("webhook: empty url")
	}
	client := resty.New().
		SetRetryCount(retries).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "nestlog-nudges")
	return &Webhook{client: client, url: url, format: format, now: time.Now}, nil
}

// Send implements nudge.Sender.
func (w *Webhook) Send(ctx context.Context, job nudge.Job) (string, error) {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(w.payload(job)).
		Post(w.url)
	if err != nil {
		return "", fmt.Errorf("http post: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return "", fmt.Errorf("webhook returned HTTP %d", resp.StatusCode())
	}
	return fmt.Sprintf("%s delivered via %s webhook", job.Channel.Label(), w.format), nil
}

func (w *Webhook) payload(job nudge.Job) any {
	switch w.format {
	case FormatSlack:
		text := fmt.Sprintf("*%s* %s", job.Title, job.Body)
		if job.ArticleKey != "" {
			text += fmt.Sprintf(" (playbook: %s)", job.ArticleKey)
		}
		return map[string]string{"text": text}
	case FormatTeams:
		return map[string]any{
			"@type":      "MessageCard",
			"@context":   "http://schema.org/extensions",
			"themeColor": channelColor(job.Channel),
			"summary":    job.Title,
			"title":      fmt.Sprintf("nestlog nudge: %s", job.Title),
			"text":       job.Body,
		}
	default:
		return map[string]any{"nudge": newMessage(job, w.now())}
	}
}

func channelColor(ch nudge.Channel) string {
	switch ch {
	case nudge.ChannelEmail:
		return "4F7CFF"
	case nudge.ChannelPush:
		return "FFAB40"
	case nudge.ChannelChat:
		return "2EC27E"
	default:
		return "00D4FF"
	}
}
