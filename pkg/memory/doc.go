// Package memory implements agent experience memory: recent episodes in
// process, learned patterns keyed by agent and event, and an optional
// durable backend with expiry.
package memory
