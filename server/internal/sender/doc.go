// Package sender implements nudge channel senders.
//
// A Router dispatches each job to the sender configured for its channel.
// Senders available: Simulated (log only), Webhook (HTTP via resty with
// http, slack and teams payloads), NATS and MQTT publishers. WithTimeout
// bounds any sender. FromConfig assembles a Router from server configuration.
package sender
