// Package metrics defines the server's Prometheus collectors: HTTP request
// counts, nudges created per channel, delivery outcomes and latency, and the
// dispatch queue depth.
package metrics
