// Package scraper polls Prometheus text endpoints that expose per-caregiver
// gauges (for example the log store's exporter) and converts each scrape into
// one types.Submission per caregiver.
//
// A series is shipped when it carries the source's caregiver label; the
// family name, minus the optional prefix, becomes the sample's metric name.
// Authentication (mTLS, API key, bearer token, basic) is handled by the
// authRoundTripper in base.go.
package scraper
