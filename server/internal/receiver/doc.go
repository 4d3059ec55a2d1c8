// Package receiver implements ingest.Server, the gRPC endpoint that accepts
// metric submissions from nestlog-agent instances.
//
// Receiver.Submit decodes the request, hands the samples to the nudge engine
// and replies with the number of jobs enqueued. Engine errors map to status
// codes: validation failures to InvalidArgument, unknown caregivers to
// NotFound, anything else to Internal. Authentication is enforced upstream by
// the gRPC server interceptor (see package auth).
package receiver
