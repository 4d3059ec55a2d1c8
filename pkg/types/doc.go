// Package types defines the metric submission types shared by nestlog-agent and
// nestlog-server. They are the canonical in-memory form of an ingestion request,
// separate from the gRPC wire encoding in package ingest.
package types
