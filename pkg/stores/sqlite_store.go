package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/sagepilot/sagepilot/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database with foreign keys, WAL and a busy timeout.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the embedded migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// SavePlan inserts or replaces a deployment plan.
func (s *SQLiteStore) SavePlan(ctx context.Context, plan *engine.DeploymentPlan) error {
	if plan == nil || plan.PlanID == "" {
		return engine.NewPermanentError("plan ID is required", nil).WithCode(engine.ErrCodeValidation)
	}

	payload, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}

	updated := plan.CreatedAt
	if plan.UpdatedAt != nil {
		updated = *plan.UpdatedAt
	}

	query := `
		INSERT INTO plans (plan_id, status, user_id, environment, intent, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (plan_id) DO UPDATE SET
			status = excluded.status,
			user_id = excluded.user_id,
			environment = excluded.environment,
			intent = excluded.intent,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		plan.PlanID,
		string(plan.Status),
		plan.UserID,
		string(plan.Environment),
		plan.Intent,
		string(payload),
		toMillis(plan.CreatedAt),
		toMillis(updated),
	)
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}

	return nil
}

// GetPlan retrieves a plan by ID
func (s *SQLiteStore) GetPlan(ctx context.Context, planID string) (*engine.DeploymentPlan, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM plans WHERE plan_id = ?`, planID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engine.ErrPlanNotFound, planID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	return decodePlan(payload)
}

// ListPlans lists all plans, newest first.
func (s *SQLiteStore) ListPlans(ctx context.Context) ([]*engine.DeploymentPlan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM plans ORDER BY created_at DESC, plan_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	plans := []*engine.DeploymentPlan{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plan, err := decodePlan(payload)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}

	return plans, nil
}

// DeletePlan removes a plan and its approval.
func (s *SQLiteStore) DeletePlan(ctx context.Context, planID string) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM plans WHERE plan_id = ?`, planID)
	if err != nil {
		return fmt.Errorf("failed to delete plan: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", engine.ErrPlanNotFound, planID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM approvals WHERE plan_id = ?`, planID); err != nil {
		return fmt.Errorf("failed to delete approval: %w", err)
	}

	return tx.Commit()
}

func decodePlan(payload string) (*engine.DeploymentPlan, error) {
	var plan engine.DeploymentPlan
	if err := json.Unmarshal([]byte(payload), &plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	return &plan, nil
}

// SaveApproval inserts or replaces the approval for a plan.
func (s *SQLiteStore) SaveApproval(ctx context.Context, approval *engine.ApprovalRequest) error {
	if approval == nil || approval.PlanID == "" {
		return engine.NewPermanentError("approval plan ID is required", nil).WithCode(engine.ErrCodeValidation)
	}

	var decidedAt *int64
	if approval.Timestamp != nil {
		ms := toMillis(*approval.Timestamp)
		decidedAt = &ms
	}

	query := `
		INSERT INTO approvals (plan_id, decision, approver, reason, decided_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (plan_id) DO UPDATE SET
			decision = excluded.decision,
			approver = excluded.approver,
			reason = excluded.reason,
			decided_at = excluded.decided_at,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		approval.PlanID,
		string(approval.Decision),
		approval.Approver,
		approval.Reason,
		decidedAt,
		toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save approval: %w", err)
	}

	return nil
}

// ListPendingApprovals lists undecided approvals ordered by plan ID.
func (s *SQLiteStore) ListPendingApprovals(ctx context.Context) ([]*engine.ApprovalRequest, error) {
	query := `
		SELECT plan_id, decision, approver, reason, decided_at
		FROM approvals
		WHERE decision = ?
		ORDER BY plan_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, string(engine.ApprovalPending))
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	approvals := []*engine.ApprovalRequest{}
	for rows.Next() {
		a := &engine.ApprovalRequest{}
		var decision string
		var decidedAt sql.NullInt64
		if err := rows.Scan(&a.PlanID, &decision, &a.Approver, &a.Reason, &decidedAt); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		a.Decision = engine.ApprovalState(decision)
		if decidedAt.Valid {
			ts := fromMillis(decidedAt.Int64)
			a.Timestamp = &ts
		}
		approvals = append(approvals, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approvals: %w", err)
	}

	return approvals, nil
}

// SaveMemory inserts a memory or replaces the one with the same ID.
func (s *SQLiteStore) SaveMemory(ctx context.Context, record *MemoryRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.Type == "" {
		record.Type = MemoryTypeEpisodic
	}

	outcome, err := encodeMap(record.Outcome)
	if err != nil {
		return fmt.Errorf("failed to encode outcome: %w", err)
	}
	metadata, err := encodeMap(record.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	var expiresAt *int64
	if record.ExpiresAt != nil {
		ms := toMillis(*record.ExpiresAt)
		expiresAt = &ms
	}

	query := `
		INSERT INTO memory_events (id, agent, event, memory_type, outcome, metadata, plan_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			agent = excluded.agent,
			event = excluded.event,
			memory_type = excluded.memory_type,
			outcome = excluded.outcome,
			metadata = excluded.metadata,
			plan_id = excluded.plan_id,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`

	_, err = s.db.ExecContext(ctx, query,
		record.ID,
		record.Agent,
		record.Event,
		string(record.Type),
		outcome,
		metadata,
		record.PlanID,
		toMillis(record.CreatedAt),
		expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save memory: %w", err)
	}

	return nil
}

// QueryMemories returns unexpired memories matching q, newest first.
func (s *SQLiteStore) QueryMemories(ctx context.Context, q MemoryQuery) ([]*MemoryRecord, error) {
	where := []string{"(expires_at IS NULL OR expires_at > ?)"}
	args := []interface{}{toMillis(time.Now())}

	if q.Agent != "" {
		where = append(where, "agent = ?")
		args = append(args, q.Agent)
	}
	if q.Type != "" {
		where = append(where, "memory_type = ?")
		args = append(args, string(q.Type))
	}
	if q.Contains != "" {
		needle := strings.ToLower(q.Contains)
		where = append(where, "(instr(lower(event), ?) > 0 OR instr(lower(outcome), ?) > 0)")
		args = append(args, needle, needle)
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, toMillis(q.Since))
	}

	query := `
		SELECT id, agent, event, memory_type, outcome, metadata, plan_id, created_at, expires_at
		FROM memory_events
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_at DESC, rowid DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	records := []*MemoryRecord{}
	for rows.Next() {
		r := &MemoryRecord{}
		var memType, outcome, metadata string
		var createdAt int64
		var expiresAt sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Agent, &r.Event, &memType, &outcome, &metadata, &r.PlanID, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		r.Type = MemoryType(memType)
		r.CreatedAt = fromMillis(createdAt)
		if expiresAt.Valid {
			ts := fromMillis(expiresAt.Int64)
			r.ExpiresAt = &ts
		}
		if r.Outcome, err = decodeMap(outcome); err != nil {
			return nil, fmt.Errorf("failed to decode outcome: %w", err)
		}
		if r.Metadata, err = decodeMap(metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memories: %w", err)
	}

	return records, nil
}

// DeleteMemoriesByPlan removes every memory tied to a plan.
func (s *SQLiteStore) DeleteMemoriesByPlan(ctx context.Context, planID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM memory_events WHERE plan_id = ?`, planID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete memories: %w", err)
	}
	return result.RowsAffected()
}

// DeleteExpiredMemories removes memories that expired before now.
func (s *SQLiteStore) DeleteExpiredMemories(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_events WHERE expires_at IS NOT NULL AND expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired memories: %w", err)
	}
	return result.RowsAffected()
}

// AppendAudit appends an audit event.
func (s *SQLiteStore) AppendAudit(ctx context.Context, event *engine.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	details, err := encodeMap(event.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}

	query := `
		INSERT INTO audit_events (id, event_type, plan_id, user_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		string(event.Type),
		event.PlanID,
		event.UserID,
		details,
		toMillis(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}

	return nil
}

// ListAudit lists audit events, newest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, q AuditQuery) ([]*engine.AuditEvent, error) {
	query := `SELECT id, event_type, plan_id, user_id, details, created_at FROM audit_events WHERE 1=1`
	args := []interface{}{}

	if q.PlanID != "" {
		query += ` AND plan_id = ?`
		args = append(args, q.PlanID)
	}
	if q.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, string(q.Type))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	events := []*engine.AuditEvent{}
	for rows.Next() {
		e := &engine.AuditEvent{}
		var eventType, details string
		var createdAt int64
		if err := rows.Scan(&e.ID, &eventType, &e.PlanID, &e.UserID, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Type = engine.AuditEventType(eventType)
		e.Timestamp = fromMillis(createdAt)
		if e.Details, err = decodeMap(details); err != nil {
			return nil, fmt.Errorf("failed to decode audit details: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Times are stored as Unix milliseconds so range filters compare numbers.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func encodeMap(m map[string]interface{}) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeMap(s string) (map[string]interface{}, error) {
	m := map[string]interface{}{}
	if s == "" || s == "{}" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
