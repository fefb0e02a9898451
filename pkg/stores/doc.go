// Package stores provides the durable persistence layer for sagepilot.
//
// SQLiteStore keeps deployment plans, approval decisions, agent memories
// and the audit trail in a single SQLite database opened in WAL mode.
// The schema is applied from embedded migrations on Migrate.
package stores
