// Package shipper sends scraped submissions to nestlog-server over the
// Ingest gRPC service (pkg/ingest).
//
// Ship() is non-blocking: submissions go into an in-memory channel
// (default capacity 1000). When the buffer is full the oldest entry is
// evicted so the latest readings are always kept.
//
// Run() drains the buffer in a loop, reconnecting with truncated exponential
// backoff (1s to 60s, ±25% jitter) on transient errors. Permanent gRPC
// errors (InvalidArgument, NotFound, Unauthenticated, PermissionDenied)
// discard the submission instead of retrying it.
//
// Auth: mTLS via credentials.NewTLS(), API key via gRPC metadata, or
// plaintext for local development.
package shipper
