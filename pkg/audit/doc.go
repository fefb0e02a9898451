// Package audit records lifecycle audit events: submitted intents, approval
// decisions, status changes, deployment outcomes and deletions.
//
// The Sink logs each event and persists it from a background goroutine so
// that recording never blocks or fails a deployment.
package audit
