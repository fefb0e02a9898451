package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sagepilot/sagepilot/pkg/engine"
	"github.com/sagepilot/sagepilot/pkg/stores"
)

const (
	// DefaultEpisodicCacheSize is how many episodic memories stay in process.
	DefaultEpisodicCacheSize = 100

	// DefaultRecallWindow bounds how far back Recall looks.
	DefaultRecallWindow = 30 * 24 * time.Hour

	// DefaultExpiration is how long durable memories are kept.
	DefaultExpiration = 90 * 24 * time.Hour
)

// Backend is the durable half of the memory. stores.SQLiteStore satisfies it.
type Backend interface {
	SaveMemory(ctx context.Context, record *stores.MemoryRecord) error
	QueryMemories(ctx context.Context, q stores.MemoryQuery) ([]*stores.MemoryRecord, error)
	DeleteMemoriesByPlan(ctx context.Context, planID string) (int64, error)
	DeleteExpiredMemories(ctx context.Context, now time.Time) (int64, error)
}

// Config tunes the memory.
type Config struct {
	EpisodicCacheSize int
	RecallWindow      time.Duration

	// Expiration is applied to durable rows. Zero or negative keeps them forever.
	Expiration time.Duration
}

// DefaultConfig returns the default memory settings.
func DefaultConfig() Config {
	return Config{
		EpisodicCacheSize: DefaultEpisodicCacheSize,
		RecallWindow:      DefaultRecallWindow,
		Expiration:        DefaultExpiration,
	}
}

// Memory keeps episodic and semantic agent memories. The in-process cache
// holds the most recent episodes; the backend, when set, is authoritative
// for recall and survives restarts.
type Memory struct {
	backend Backend
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	episodic []*stores.MemoryRecord
	semantic map[string]*stores.MemoryRecord
}

var _ engine.ExperienceMemory = (*Memory)(nil)

// New creates a memory. backend may be nil for a process-local memory.
func New(backend Backend, cfg Config, logger zerolog.Logger) *Memory {
	if cfg.EpisodicCacheSize <= 0 {
		cfg.EpisodicCacheSize = DefaultEpisodicCacheSize
	}
	if cfg.RecallWindow <= 0 {
		cfg.RecallWindow = DefaultRecallWindow
	}
	return &Memory{
		backend:  backend,
		cfg:      cfg,
		logger:   logger.With().Str("component", "memory").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		semantic: make(map[string]*stores.MemoryRecord),
	}
}

// Remember records an episodic memory. A metadata "plan_id" ties the memory
// to a plan for ForgetPlan.
func (m *Memory) Remember(ctx context.Context, agent, event string, outcome, metadata map[string]interface{}) error {
	record := m.newRecord(agent, event, stores.MemoryTypeEpisodic, outcome, metadata)
	record.ID = uuid.NewString()

	m.mu.Lock()
	m.episodic = append(m.episodic, record)
	if over := len(m.episodic) - m.cfg.EpisodicCacheSize; over > 0 {
		m.episodic = append([]*stores.MemoryRecord(nil), m.episodic[over:]...)
	}
	m.mu.Unlock()

	return m.persist(ctx, record)
}

// LearnPattern records a semantic memory. Patterns are keyed by agent and
// event, so learning the same pattern again replaces it.
func (m *Memory) LearnPattern(ctx context.Context, agent, pattern, lesson string, successRate float64, examples int) error {
	event := "Pattern: " + pattern
	record := m.newRecord(agent, event, stores.MemoryTypeSemantic,
		map[string]interface{}{
			"lesson":       lesson,
			"success_rate": successRate,
			"examples":     examples,
		},
		map[string]interface{}{"pattern": true})

	key := semanticKey(agent, event)
	record.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()

	m.mu.Lock()
	m.semantic[key] = record
	m.mu.Unlock()

	if err := m.persist(ctx, record); err != nil {
		return err
	}
	m.logger.Info().Str("agent", agent).Str("pattern", pattern).Msg("Learned pattern")
	return nil
}

// Recall returns the agent's episodic memories within the recall window
// whose event or outcome contains query, case-insensitively, newest first.
// A failing backend degrades to the in-process cache.
func (m *Memory) Recall(ctx context.Context, agent, query string, limit int) ([]engine.Experience, error) {
	since := m.now().Add(-m.cfg.RecallWindow)

	var records []*stores.MemoryRecord
	if m.backend != nil {
		found, err := m.backend.QueryMemories(ctx, stores.MemoryQuery{
			Agent:    agent,
			Type:     stores.MemoryTypeEpisodic,
			Contains: query,
			Since:    since,
			Limit:    limit,
		})
		if err == nil {
			records = found
		} else {
			m.logger.Warn().Err(err).Str("agent", agent).Msg("Durable recall failed, using cache")
			records = m.recallCached(agent, query, since, limit)
		}
	} else {
		records = m.recallCached(agent, query, since, limit)
	}

	experiences := make([]engine.Experience, 0, len(records))
	for _, r := range records {
		experiences = append(experiences, engine.Experience{
			Agent:     r.Agent,
			Event:     r.Event,
			Outcome:   r.Outcome,
			Metadata:  r.Metadata,
			Timestamp: r.CreatedAt,
		})
	}
	return experiences, nil
}

// Patterns returns the agent's learned patterns whose event contains query.
func (m *Memory) Patterns(agent, query string) []engine.Experience {
	needle := strings.ToLower(query)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []engine.Experience{}
	for _, r := range m.semantic {
		if r.Agent != agent || !strings.Contains(strings.ToLower(r.Event), needle) {
			continue
		}
		out = append(out, engine.Experience{
			Agent:     r.Agent,
			Event:     r.Event,
			Outcome:   r.Outcome,
			Metadata:  r.Metadata,
			Timestamp: r.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Event < out[j].Event })
	return out
}

// ForgetPlan deletes every memory tied to planID and returns how many were
// removed from the durable backend, or from the cache when there is none.
func (m *Memory) ForgetPlan(ctx context.Context, planID string) (int64, error) {
	if planID == "" {
		return 0, nil
	}

	m.mu.Lock()
	var cached int64
	kept := m.episodic[:0]
	for _, r := range m.episodic {
		if r.PlanID == planID {
			cached++
			continue
		}
		kept = append(kept, r)
	}
	m.episodic = kept
	for key, r := range m.semantic {
		if r.PlanID == planID {
			delete(m.semantic, key)
			cached++
		}
	}
	m.mu.Unlock()

	if m.backend == nil {
		return cached, nil
	}

	n, err := m.backend.DeleteMemoriesByPlan(ctx, planID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete memories for plan %s: %w", planID, err)
	}
	m.logger.Info().Str("plan_id", planID).Int64("deleted", n).Msg("Deleted plan memories")
	return n, nil
}

// Purge removes durable memories past their expiry.
func (m *Memory) Purge(ctx context.Context) (int64, error) {
	if m.backend == nil {
		return 0, nil
	}
	n, err := m.backend.DeleteExpiredMemories(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("failed to purge memories: %w", err)
	}
	if n > 0 {
		m.logger.Debug().Int64("deleted", n).Msg("Purged expired memories")
	}
	return n, nil
}

// RunPurger calls Purge every interval until ctx is done.
func (m *Memory) RunPurger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Purge(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("Memory purge failed")
			}
		}
	}
}

func (m *Memory) newRecord(agent, event string, memType stores.MemoryType, outcome, metadata map[string]interface{}) *stores.MemoryRecord {
	now := m.now()
	record := &stores.MemoryRecord{
		Agent:     agent,
		Event:     event,
		Type:      memType,
		Outcome:   copyMap(outcome),
		Metadata:  copyMap(metadata),
		CreatedAt: now,
	}
	if planID, ok := metadata["plan_id"].(string); ok {
		record.PlanID = planID
	}
	if m.cfg.Expiration > 0 {
		expires := now.Add(m.cfg.Expiration)
		record.ExpiresAt = &expires
	}
	return record
}

func (m *Memory) persist(ctx context.Context, record *stores.MemoryRecord) error {
	if m.backend == nil {
		return nil
	}
	if err := m.backend.SaveMemory(ctx, record); err != nil {
		return fmt.Errorf("failed to store %s memory for %s: %w", record.Type, record.Agent, err)
	}
	m.logger.Debug().Str("agent", record.Agent).Str("type", string(record.Type)).Msg("Stored memory")
	return nil
}

func (m *Memory) recallCached(agent, query string, since time.Time, limit int) []*stores.MemoryRecord {
	needle := strings.ToLower(query)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*stores.MemoryRecord
	for i := len(m.episodic) - 1; i >= 0; i-- {
		r := m.episodic[i]
		if r.Agent != agent || r.CreatedAt.Before(since) {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(r.Event), needle) &&
			!strings.Contains(strings.ToLower(outcomeText(r.Outcome)), needle) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func semanticKey(agent, event string) string {
	return agent + ":" + event
}

func outcomeText(outcome map[string]interface{}) string {
	return fmt.Sprint(outcome)
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
