package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/logiwatch/incident-orchestrator/internal/domain"
)

// RunInfo is the summary extracted from a finished automation run.
type RunInfo struct {
	RunID      string   `json:"run_id"`
	IncidentID string   `json:"incident_id"`
	Status     string   `json:"status"`
	Outcome    string   `json:"outcome,omitempty"`
	Summary    string   `json:"summary"`
	Agents     []string `json:"agents"`
	Steps      int      `json:"steps"`
	ResolvedAt int64    `json:"resolved_at_unix"`
}

// ExtractRunInfo derives a RunInfo from a final callback. It is pure apart
// from the timestamp passed in.
func ExtractRunInfo(cb Callback, nowUnix int64) RunInfo {
	info := RunInfo{
		RunID:      cb.RunID,
		IncidentID: cb.IncidentID,
		Status:     strings.ToLower(cb.Status),
		Outcome:    strings.ToLower(cb.Outcome),
		Steps:      len(cb.Steps),
		Summary:    strings.TrimSpace(cb.Summary),
		ResolvedAt: nowUnix,
	}

	seen := make(map[string]bool)
	if a := agentName(cb.Agent); a != "" {
		seen[a] = true
	}
	for _, s := range cb.Steps {
		if a := agentName(s.Agent); a != "" {
			seen[a] = true
		}
	}
	info.Agents = make([]string, 0, len(seen))
	for a := range seen {
		info.Agents = append(info.Agents, a)
	}
	sort.Strings(info.Agents)

	if info.Summary == "" {
		// Prefer the last SUCCESS step, otherwise the last non-empty message.
		for i := len(cb.Steps) - 1; i >= 0; i-- {
			msg := strings.TrimSpace(cb.Steps[i].Message)
			if msg == "" {
				continue
			}
			if domain.ParseSeverity(cb.Steps[i].Severity) == domain.SeveritySuccess {
				info.Summary = msg
				break
			}
			if info.Summary == "" {
				info.Summary = msg
			}
		}
	}
	return info
}

func agentName(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// RunStore persists RunInfo by run id. PutIfAbsent never overwrites and
// returns whichever value is stored after the call.
type RunStore interface {
	Get(ctx context.Context, runID string) (RunInfo, bool, error)
	PutIfAbsent(ctx context.Context, info RunInfo) (RunInfo, error)
}

// RunInfoCache memoizes RunInfo per run id: once a run's info is stored it
// is never recomputed.
type RunInfoCache struct {
	store  RunStore
	logger *slog.Logger
}

// NewRunInfoCache wraps store.
func NewRunInfoCache(store RunStore) *RunInfoCache {
	return &RunInfoCache{store: store, logger: slog.Default().With("component", "runinfo")}
}

// Resolve returns the stored info for runID, computing and storing it on a
// miss. If the store is unreachable the computed value is returned uncached.
func (c *RunInfoCache) Resolve(ctx context.Context, runID string, compute func() RunInfo) (RunInfo, error) {
	info, ok, err := c.store.Get(ctx, runID)
	if err != nil {
		c.logger.WarnContext(ctx, "run cache read failed", "run_id", runID, "error", err)
		return compute(), nil
	}
	if ok {
		return info, nil
	}
	computed := compute()
	stored, err := c.store.PutIfAbsent(ctx, computed)
	if err != nil {
		c.logger.WarnContext(ctx, "run cache write failed", "run_id", runID, "error", err)
		return computed, nil
	}
	return stored, nil
}

// Lookup returns the stored info for runID or ErrRunNotFound.
func (c *RunInfoCache) Lookup(ctx context.Context, runID string) (RunInfo, error) {
	info, ok, err := c.store.Get(ctx, runID)
	if err != nil {
		return RunInfo{}, domain.WrapOrchestratorError(domain.ErrStoreQuery, "read run cache", err)
	}
	if !ok {
		return RunInfo{}, domain.ErrRunNotFound
	}
	return info, nil
}

// MemoryRunStore keeps RunInfo in process memory.
type MemoryRunStore struct {
	mu   sync.Mutex
	runs map[string]RunInfo
}

// NewMemoryRunStore creates an empty MemoryRunStore.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]RunInfo)}
}

// Get implements RunStore.
func (m *MemoryRunStore) Get(_ context.Context, runID string) (RunInfo, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.runs[runID]
	return info, ok, nil
}

// PutIfAbsent implements RunStore.
func (m *MemoryRunStore) PutIfAbsent(_ context.Context, info RunInfo) (RunInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.runs[info.RunID]; ok {
		return existing, nil
	}
	m.runs[info.RunID] = info
	return info, nil
}

// RedisRunStore keeps RunInfo in Redis so every orchestrator process sees the
// same value. SETNX makes the first writer win.
type RedisRunStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisRunStore connects lazily to addr.
func NewRedisRunStore(addr string, ttl time.Duration) *RedisRunStore {
	return NewRedisRunStoreWithClient(redis.NewClient(&redis.Options{Addr: addr}), ttl)
}

// NewRedisRunStoreWithClient uses an existing client.
func NewRedisRunStoreWithClient(client *redis.Client, ttl time.Duration) *RedisRunStore {
	return &RedisRunStore{client: client, ttl: ttl, prefix: "orchestrator:run:"}
}

func (r *RedisRunStore) key(runID string) string {
	return r.prefix + runID
}

// Get implements RunStore.
func (r *RedisRunStore) Get(ctx context.Context, runID string) (RunInfo, bool, error) {
	raw, err := r.client.Get(ctx, r.key(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return RunInfo{}, false, nil
	}
	if err != nil {
		return RunInfo{}, false, fmt.Errorf("redis get: %w", err)
	}
	var info RunInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return RunInfo{}, false, fmt.Errorf("decode run info: %w", err)
	}
	return info, true, nil
}

// PutIfAbsent implements RunStore.
func (r *RedisRunStore) PutIfAbsent(ctx context.Context, info RunInfo) (RunInfo, error) {
	data, err := json.Marshal(info)
	if err != nil {
		return RunInfo{}, fmt.Errorf("encode run info: %w", err)
	}
	set, err := r.client.SetNX(ctx, r.key(info.RunID), data, r.ttl).Result()
	if err != nil {
		return RunInfo{}, fmt.Errorf("redis setnx: %w", err)
	}
	if set {
		return info, nil
	}
	existing, ok, err := r.Get(ctx, info.RunID)
	if err != nil {
		return RunInfo{}, err
	}
	if !ok {
		// Expired between SETNX and GET.
		return info, nil
	}
	return existing, nil
}

// Close releases the Redis connection pool.
func (r *RedisRunStore) Close() error {
	return r.client.Close()
}
