// Package cli implements nestlogctl, the operator tool for nudge
// configuration. Commands read the same config file as nestlog-server and
// never touch its storage:
//
//	nestlogctl validate               load and validate the config
//	nestlogctl evaluate <samples.json> dry-run thresholds for a caregiver
//	nestlogctl gate <caregiver>       show which channels the caregiver accepts
package cli
