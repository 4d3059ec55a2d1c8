package sender

import (
	"fmt"
	"log/slog"

	"github.com/nestlog/nestlog/server/internal/config"
	"github.com/nestlog/nestlog/server/internal/nudge"
)

const defaultWebhookRetries = 2

// FromConfig builds a Router with one sender per channel as configured. The
// returned close function releases broker connections; it is safe to call
// when err is non-nil.
func FromConfig(cfg config.ChannelsConfig, logger *slog.Logger) (*Router, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	r := NewRouter()
	for _, ch := range nudge.Channels {
		cc := cfg.For(ch)
		s, closer, err := build(cc, ch, logger)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("sender: channel %s: %w", ch, err)
		}
		if closer != nil {
			closers = append(closers, closer)
		}
		r.Route(ch, WithTimeout(s, cfg.Timeout))
		logger.Info("sender: channel configured", "channel", string(ch), "type", cc.Type)
	}
	return r, closeAll, nil
}

func build(cc config.ChannelConfig, ch nudge.Channel, logger *slog.Logger) (nudge.Sender, func(), error) {
	switch cc.Type {
	case "", "log":
		return Simulated{Logger: logger}, nil, nil
	case "webhook":
		url := cc.URL()
		if url == "" {
			return nil, nil, fmt.Errorf("webhook %s: %w", cc.URLEnv, errNoEndpoint)
		}
		w, err := NewWebhook(url, cc.Format, defaultWebhookRetries)
		return w, nil, err
	case "nats":
		url := cc.URL()
		if url == "" {
			return nil, nil, fmt.Errorf("nats %s: %w", cc.URLEnv, errNoEndpoint)
		}
		n, err := DialNATS(url, cc.Subject)
		if err != nil {
			return nil, nil, err
		}
		return n, n.Close, nil
	case "mqtt":
		broker := cc.URL()
		if broker == "" {
			return nil, nil, fmt.Errorf("mqtt %s: %w", cc.URLEnv, errNoEndpoint)
		}
		clientID := cc.ClientID
		if clientID == "" {
			clientID = "nestlog-" + string(ch)
		}
		m, err := DialMQTT(broker, clientID, cc.Topic, cc.QoS)
		if err != nil {
			return nil, nil, err
		}
		return m, m.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown sender type %q", cc.Type)
	}
}
