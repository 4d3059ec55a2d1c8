// Package config loads the server-side configuration from the `server:` section
// of config.yaml (the `agent:` key is ignored by the server binary).
//
// Config sections:
//   - grpc_port, http_port: listeners for ingest and the HTTP API (50051, 8080)
//   - auth:       "apikey" or "none"; the key is read from the variable named by key_env
//   - log:        slog level and json|text format
//   - nudges:     threshold rules (built-in set when empty) and outcome write retries
//   - reporting:  default and maximum page size of the nudge listing (25, 100)
//   - storage:    memory | postgres | sqlite, with outcome retention
//   - cache:      optional Redis preference cache
//   - playbook:   directory of markdown articles
//   - channels:   one sender per channel (log | webhook | nats | mqtt) and a send timeout
//   - preferences: seed caregiver preferences
//   - stream:     WebSocket push interval
//
// Load(path) applies defaults before unmarshalling, then validates. Watch
// reloads the file on change so thresholds can be updated without a restart.
package config
