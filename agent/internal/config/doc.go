// Package config loads and watches the agent configuration file.
//
// Load(path) reads the YAML file, applies defaults (60s scrape, 1000
// buffered submissions, "caregiver" label) and validates required fields
// and enums. Secrets (API keys, tokens, passwords) are never stored in the
// file; AuthConfig names the environment variables that hold them.
//
// Watch(ctx, path, onChange) uses fsnotify to reload the file on change and
// keeps the previous config when a reload fails.
package config
