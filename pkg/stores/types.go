package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/sagepilot/sagepilot/pkg/engine"
)

// MemoryType classifies a stored memory.
type MemoryType string

const (
	MemoryTypeEpisodic   MemoryType = "episodic"
	MemoryTypeSemantic   MemoryType = "semantic"
	MemoryTypeProcedural MemoryType = "procedural"
)

// MemoryRecord is a persisted agent memory.
type MemoryRecord struct {
	ID        string                 `json:"id"`
	Agent     string                 `json:"agent"`
	Event     string                 `json:"event"`
	Type      MemoryType             `json:"type"`
	Outcome   map[string]interface{} `json:"outcome"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	PlanID    string                 `json:"plan_id,omitempty"` // set when the memory belongs to one plan
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt *time.Time             `json:"expires_at,omitempty"`
}

// MemoryQuery filters memories. Zero fields do not filter.
type MemoryQuery struct {
	Agent string
	Type  MemoryType

	// Contains matches event or outcome text, case-insensitively.
	Contains string

	// Since excludes memories created before it.
	Since time.Time

	// Limit caps the result. Zero means no cap.
	Limit int
}

// AuditQuery filters audit events. Zero fields do not filter.
type AuditQuery struct {
	PlanID string
	Type   engine.AuditEventType
	Limit  int
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Plans and approvals
	engine.PlanStore
	DeletePlan(ctx context.Context, planID string) error

	// Memory operations
	SaveMemory(ctx context.Context, record *MemoryRecord) error
	QueryMemories(ctx context.Context, q MemoryQuery) ([]*MemoryRecord, error)
	DeleteMemoriesByPlan(ctx context.Context, planID string) (int64, error)
	DeleteExpiredMemories(ctx context.Context, now time.Time) (int64, error)

	// Audit operations
	AppendAudit(ctx context.Context, event *engine.AuditEvent) error
	ListAudit(ctx context.Context, q AuditQuery) ([]*engine.AuditEvent, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
