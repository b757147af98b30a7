// Package observability records runner and lifecycle events to an
// append-only JSON Lines log, derives run metrics and stuck-sprint alerts
// from it on demand, and forwards alerts to Slack.
package observability
