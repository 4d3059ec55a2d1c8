// Package api implements the HTTP REST API for nestlog-server.
//
// New(deps) returns an http.Handler that serves:
//
//	POST /api/v1/nudges              evaluate samples for a caregiver; 202 {"enqueued": n}
//	GET  /api/v1/nudges              persisted outcomes, newest first (?caregiver=&limit=)
//	GET  /api/v1/health              status, timestamp, queue depth, threshold count
//	GET  /api/v1/thresholds          the active rule set
//	GET  /api/v1/articles            playbook entries (?tag=)
//	PUT  /api/v1/preferences/{key}   replace a caregiver's channel opt-ins
//
// Domain errors map to status codes: validation failures to 400, unknown
// caregivers to 404. Routes are mounted on a chi router; unknown paths and
// methods get JSON errors too. Authentication is applied by the caller with
// auth.Middleware. All responses are JSON.
package api
