package sender

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nestlog/nestlog/server/internal/config"
	"github.com/nestlog/nestlog/server/internal/nudge"
)

func testJob(ch nudge.Channel) nudge.Job {
	return nudge.Job{
		PreferenceKey: "demo-user",
		Channel:       ch,
		Title:         "Hydration check",
		Body:          "Diaper counts dipped.",
		TriggeredBy:   "wet_diapers_last_24h:4",
		ArticleKey:    "hydration-tracking-basics",
	}
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSimulated(t *testing.T) {
	cases := map[nudge.Channel]string{
		nudge.ChannelEmail: "email delivery enqueued",
		nudge.ChannelPush:  "web push delivery enqueued",
		nudge.ChannelChat:  "chat delivery enqueued",
		nudge.ChannelInApp: "in-app banner delivery enqueued",
	}
	for ch, want := range cases {
		got, err := Simulated{Logger: quiet()}.Send(context.Background(), testJob(ch))
		if err != nil {
			t.Fatalf("Send(%s): %v", ch, err)
		}
		if got != want {
			t.Errorf("Send(%s): got %q, want %q", ch, got, want)
		}
	}
}

func TestRouter(t *testing.T) {
	r := NewRouter().
		Route(nudge.ChannelPush, nudge.SenderFunc(func(context.Context, nudge.Job) (string, error) { return "push", nil }))

	got, err := r.Send(context.Background(), testJob(nudge.ChannelPush))
	if err != nil || got != "push" {
		t.Errorf("Send(PUSH): got %q, %v", got, err)
	}
	if _, err := r.Send(context.Background(), testJob(nudge.ChannelEmail)); err == nil {
		t.Error("Send(EMAIL) without route: expected error")
	}
}

func TestWithTimeout(t *testing.T) {
	slow := nudge.SenderFunc(func(ctx context.Context, _ nudge.Job) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
			return "late", nil
		}
	})

	_, err := WithTimeout(slow, 20*time.Millisecond).Send(context.Background(), testJob(nudge.ChannelEmail))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want DeadlineExceeded", err)
	}

	fast := nudge.SenderFunc(func(context.Context, nudge.Job) (string, error) { return "ok", nil })
	if s := WithTimeout(fast, 0); s == nil {
		t.Fatal("WithTimeout(0) returned nil")
	}
}

func TestWebhook_Formats(t *testing.T) {
	var last map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type: got %q", r.Header.Get("Content-Type"))
		}
		last = nil
		if err := json.NewDecoder(r.Body).Decode(&last); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	for _, format := range []string{FormatHTTP, FormatSlack, FormatTeams} {
		wh, err := NewWebhook(srv.URL, format, 0)
		if err != nil {
			t.Fatalf("NewWebhook(%s): %v", format, err)
		}
		detail, err := wh.Send(context.Background(), testJob(nudge.ChannelPush))
		if err != nil {
			t.Fatalf("Send(%s): %v", format, err)
		}
		if detail != "web push delivered via "+format+" webhook" {
			t.Errorf("detail: got %q", detail)
		}

		switch format {
		case FormatHTTP:
			n, _ := last["nudge"].(map[string]any)
			if n["caregiver_key"] != "demo-user" || n["triggered_by"] != "wet_diapers_last_24h:4" {
				t.Errorf("http payload: got %v", last)
			}
		case FormatSlack:
			text, _ := last["text"].(string)
			if !strings.HasPrefix(text, "*Hydration check* Diaper counts dipped.") ||
				!strings.Contains(text, "hydration-tracking-basics") {
				t.Errorf("slack text: got %q", text)
			}
		case FormatTeams:
			if last["@type"] != "MessageCard" || last["themeColor"] != "FFAB40" {
				t.Errorf("teams payload: got %v", last)
			}
		}
	}
}

func TestWebhook_ClientError(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	wh, _ := NewWebhook(srv.URL, FormatHTTP, 2)
	_, err := wh.Send(context.Background(), testJob(nudge.ChannelEmail))
	if err == nil || !strings.Contains(err.Error(), "HTTP 403") {
		t.Errorf("got %v, want HTTP 403 error", err)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("4xx retried: %d requests, want 1", n)
	}
}

func TestWebhook_RetriesServerError(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh, _ := NewWebhook(srv.URL, FormatHTTP, 2)
	if _, err := wh.Send(context.Background(), testJob(nudge.ChannelEmail)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Errorf("requests: got %d, want 2", n)
	}
}

func TestNewWebhook_Invalid(t *testing.T) {
	if _, err := NewWebhook("http://x", "discord", 0); err == nil {
		t.Error("unknown format: expected error")
	}
	if _, err := NewWebhook("", FormatHTTP, 0); err == nil {
		t.Error("empty url: expected error")
	}
}

type fakePublisher struct {
	subject string
	data    []byte
	err     error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subject, f.data = subject, data
	return f.err
}

func TestNATS_Send(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNATS(pub, "nestlog.push")
	n.now = func() time.Time { return time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC) }

	detail, err := n.Send(context.Background(), testJob(nudge.ChannelPush))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if detail != "web push published to nestlog.push" {
		t.Errorf("detail: got %q", detail)
	}
	var msg Message
	if err := json.Unmarshal(pub.data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pub.subject != "nestlog.push" || msg.Channel != "PUSH" || msg.CaregiverKey != "demo-user" {
		t.Errorf("published: subject=%q msg=%+v", pub.subject, msg)
	}
	if !msg.SentAt.Equal(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("SentAt: got %v", msg.SentAt)
	}

	pub.err = errors.New("nats: connection closed")
	if _, err := n.Send(context.Background(), testJob(nudge.ChannelPush)); err == nil {
		t.Error("publish failure: expected error")
	}
}

// fakeToken is a completed mqtt.Token.
type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error, complete bool) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	if complete {
		close(t.done)
	}
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMQTT struct {
	topic string
	qos   byte
	token *fakeToken
}

func (f *fakeMQTT) Publish(topic string, qos byte, _ bool, _ interface{}) mqtt.Token {
	f.topic, f.qos = topic, qos
	return f.token
}

func TestMQTT_Send(t *testing.T) {
	client := &fakeMQTT{token: newFakeToken(nil, true)}
	m := NewMQTT(client, "nestlog/chat", 1)

	detail, err := m.Send(context.Background(), testJob(nudge.ChannelChat))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if detail != "chat published to nestlog/chat" || client.topic != "nestlog/chat" || client.qos != 1 {
		t.Errorf("detail=%q topic=%q qos=%d", detail, client.topic, client.qos)
	}

	client.token = newFakeToken(errors.New("not connected"), true)
	if _, err := m.Send(context.Background(), testJob(nudge.ChannelChat)); err == nil {
		t.Error("token error: expected error")
	}

	client.token = newFakeToken(nil, false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.Send(ctx, testJob(nudge.ChannelChat)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("unacked publish: got %v, want DeadlineExceeded", err)
	}
}

func TestFromConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	t.Setenv("TEST_EMAIL_HOOK", srv.URL)

	cfg := config.ChannelsConfig{
		Timeout: time.Second,
		Email:   config.ChannelConfig{Type: "webhook", Format: "slack", URLEnv: "TEST_EMAIL_HOOK"},
		Push:    config.ChannelConfig{Type: "log"},
	}
	r, closeFn, err := FromConfig(cfg, quiet())
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	defer closeFn()

	detail, err := r.Send(context.Background(), testJob(nudge.ChannelEmail))
	if err != nil || detail != "email delivered via slack webhook" {
		t.Errorf("email: got %q, %v", detail, err)
	}
	// Unset channels fall back to the simulated sender.
	detail, err = r.Send(context.Background(), testJob(nudge.ChannelInApp))
	if err != nil || detail != "in-app banner delivery enqueued" {
		t.Errorf("in_app: got %q, %v", detail, err)
	}
}

func TestFromConfig_MissingEndpoint(t *testing.T) {
	cfg := config.ChannelsConfig{
		Chat: config.ChannelConfig{Type: "nats", URLEnv: "TEST_UNSET_NATS_URL", Subject: "s"},
	}
	_, closeFn, err := FromConfig(cfg, quiet())
	closeFn()
	if err == nil || !strings.Contains(err.Error(), "channel CHAT") {
		t.Errorf("got %v, want channel CHAT error", err)
	}
}
