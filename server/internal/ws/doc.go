// Package ws streams persisted nudge outcomes to WebSocket clients.
//
// A client connects to /ws/nudges?caregiver=&limit= with the same paging
// rules as GET /api/v1/nudges. The hub sends that page immediately, then
// checks it every interval and resends it only when it has changed:
//
//	{
//	  "event": "nudges",
//	  "data":  {"nudges": [ /* NudgeResponse, newest first */ ], "generated_at": "..."}
//	}
//
// Run(ctx) blocks until ctx is cancelled, then closes all active connections.
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level.
package ws
