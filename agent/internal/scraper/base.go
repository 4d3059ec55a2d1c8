package scraper

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"

	"github.com/nestlog/nestlog/agent/internal/config"
	"github.com/nestlog/nestlog/pkg/types"
)

const defaultScrapeTimeout = 10 * time.Second

// Scraper is implemented by every source scraper.
type Scraper interface {
	// Scrape fetches the source once and returns one submission per
	// caregiver found, ordered by caregiver key.
	Scrape(ctx context.Context) ([]types.Submission, error)
}

// New returns a Scraper for the given source configuration.
// It builds the HTTP client once and reuses it across scrape calls.
func New(src config.Source) (Scraper, error) {
	client, err := buildHTTPClient(src)
	if err != nil {
		return nil, fmt.Errorf("scraper %q: build http client: %w", src.ID, err)
	}
	return &promScraper{src: src, client: client, now: time.Now}, nil
}

// authRoundTripper injects authentication headers into every outgoing request.
type authRoundTripper struct {
	base http.RoundTripper
	src  config.Source
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	switch t.src.Auth.Mode {
	case "apikey":
		req = req.Clone(req.Context())
		req.Header.Set(t.src.Auth.EffectiveHeader(), t.src.Auth.Key())
	case "bearer":
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.src.Auth.Token())
	case "basic":
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.src.Auth.Username, t.src.Auth.Password())
	}
	return t.base.RoundTrip(req)
}

// buildHTTPClient constructs an http.Client for the source's auth and TLS settings.
func buildHTTPClient(src config.Source) (*http.Client, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: src.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
	}

	if src.Auth.Mode == "mtls" {
		cert, err := tls.LoadX509KeyPair(src.Auth.CertFile, src.Auth.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}

		if src.Auth.CAFile != "" {
			caPEM, err := os.ReadFile(src.Auth.CAFile)
			if err != nil {
				return nil, fmt.Errorf("read ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caPEM) {
				return nil, fmt.Errorf("no valid certs found in ca file %q", src.Auth.CAFile)
			}
			tlsCfg.RootCAs = pool
		}
	}

	transport := &authRoundTripper{
		base: &http.Transport{TLSClientConfig: tlsCfg},
		src:  src,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultScrapeTimeout,
	}, nil
}

// fetchMetrics performs an HTTP GET to url and returns parsed metric families.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a Prometheus text exposition from r into metric families.
// A partial result with a non-fatal parse warning is still returned.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	parser := expfmt.NewTextParser(model.UTF8Validation)
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

// sampleValue returns the value of a counter, gauge or untyped metric.
// Summaries and histograms have no single value and report false.
func sampleValue(m *dto.Metric) (float64, bool) {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue(), true
	case m.Gauge != nil:
		return m.Gauge.GetValue(), true
	case m.Untyped != nil:
		return m.Untyped.GetValue(), true
	}
	return 0, false
}

// labelValue returns the value of the named label, or "".
func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
