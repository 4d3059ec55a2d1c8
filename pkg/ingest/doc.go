// Package ingest is the gRPC contract between nestlog-agent and
// nestlog-server: the nestlog.ingest.v1.Ingest service with a single unary
// Submit method.
//
// Requests and responses are google.protobuf.Struct messages so the service
// needs no generated code. A request carries
//
//	{"caregiver_key": "demo-user",
//	 "metrics": [{"metric": "wet_diapers_last_24h", "value": 4,
//	              "collected_at": "2024-03-01T07:30:00Z"}]}
//
// and a response carries {"enqueued": n}.
package ingest
