package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// SnapshotStore persists position snapshots across restarts. Save and Delete
// are called with the ledger lock held, so implementations must not call back
// into the ledger.
type SnapshotStore interface {
	// Save writes or replaces one position's snapshot.
	Save(ctx context.Context, symbol string, snap PositionSnapshot) error

	// Delete removes one position's snapshot after a full close.
	Delete(ctx context.Context, symbol string) error

	// Load returns every persisted snapshot, for startup restore.
	Load(ctx context.Context) (map[string]PositionSnapshot, error)
}

// ============================================================================
// REDIS STORE
// ============================================================================

const (
	redisKeyPrefix   = "portfolio:position:"
	redisIndexKey    = "portfolio:positions"
	redisSnapshotTTL = 7 * 24 * time.Hour
)

// RedisSnapshotStore persists snapshots in Redis. Each position is one JSON
// value plus membership in an index set; writes go through a transactional
// pipeline so the value and the index never diverge.
type RedisSnapshotStore struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedisSnapshotStore(client *redis.Client, log zerolog.Logger) *RedisSnapshotStore {
	return &RedisSnapshotStore{
		client: client,
		log:    log.With().Str("component", "snapshot_store").Logger(),
	}
}

func (s *RedisSnapshotStore) Save(ctx context.Context, symbol string, snap PositionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot for %s: %w", symbol, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisKeyPrefix+symbol, data, redisSnapshotTTL)
	pipe.SAdd(ctx, redisIndexKey, symbol)
	pipe.Expire(ctx, redisIndexKey, redisSnapshotTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist snapshot for %s: %w", symbol, err)
	}
	return nil
}

func (s *RedisSnapshotStore) Delete(ctx context.Context, symbol string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, redisKeyPrefix+symbol)
	pipe.SRem(ctx, redisIndexKey, symbol)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete snapshot for %s: %w", symbol, err)
	}
	return nil
}

func (s *RedisSnapshotStore) Load(ctx context.Context) (map[string]PositionSnapshot, error) {
	symbols, err := s.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load snapshot index: %w", err)
	}

	out := make(map[string]PositionSnapshot, len(symbols))
	for _, symbol := range symbols {
		data, err := s.client.Get(ctx, redisKeyPrefix+symbol).Bytes()
		if err == redis.Nil {
			// Index member outlived its value (TTL skew). Drop it.
			s.client.SRem(ctx, redisIndexKey, symbol)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load snapshot for %s: %w", symbol, err)
		}

		var snap PositionSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			s.log.Error().Err(err).Str("symbol", symbol).Msg("corrupt snapshot skipped")
			continue
		}
		out[symbol] = snap
	}
	return out, nil
}

// ============================================================================
// FILE STORE
// ============================================================================

// FileSnapshotStore persists all snapshots as one JSON document, rewritten
// atomically (temp file + rename) on every change. Used when Redis is not
// configured.
type FileSnapshotStore struct {
	path string
	log  zerolog.Logger

	mu    sync.Mutex
	snaps map[string]PositionSnapshot
}

func NewFileSnapshotStore(path string, log zerolog.Logger) (*FileSnapshotStore, error) {
	s := &FileSnapshotStore{
		path:  path,
		log:   log.With().Str("component", "snapshot_store").Logger(),
		snaps: make(map[string]PositionSnapshot),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot file: %w", err)
	}
	if err := json.Unmarshal(data, &s.snaps); err != nil {
		return nil, fmt.Errorf("parse snapshot file %s: %w", path, err)
	}
	return s, nil
}

func (s *FileSnapshotStore) Save(ctx context.Context, symbol string, snap PositionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snaps[symbol] = snap
	return s.flushLocked()
}

func (s *FileSnapshotStore) Delete(ctx context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.snaps, symbol)
	return s.flushLocked()
}

func (s *FileSnapshotStore) Load(ctx context.Context) (map[string]PositionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]PositionSnapshot, len(s.snaps))
	for symbol, snap := range s.snaps {
		out[symbol] = snap
	}
	return out, nil
}

// flushLocked rewrites the whole document and renames it into place, so a
// crash mid-write never leaves a truncated file. must be called with s.mu held.
func (s *FileSnapshotStore) flushLocked() error {
	data, err := json.MarshalIndent(s.snaps, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshots: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace snapshot file: %w", err)
	}
	return nil
}

// ============================================================================
// MEMORY STORE
// ============================================================================

// MemorySnapshotStore keeps snapshots in process memory only. Used in tests
// and dry-run mode.
type MemorySnapshotStore struct {
	mu    sync.Mutex
	snaps map[string]PositionSnapshot

	// FailSaves forces Save/Delete errors, for persistence-halt tests.
	FailSaves bool
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[string]PositionSnapshot)}
}

func (s *MemorySnapshotStore) Save(ctx context.Context, symbol string, snap PositionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailSaves {
		return fmt.Errorf("snapshot store unavailable")
	}
	s.snaps[symbol] = snap
	return nil
}

func (s *MemorySnapshotStore) Delete(ctx context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailSaves {
		return fmt.Errorf("snapshot store unavailable")
	}
	delete(s.snaps, symbol)
	return nil
}

func (s *MemorySnapshotStore) Load(ctx context.Context) (map[string]PositionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]PositionSnapshot, len(s.snaps))
	for symbol, snap := range s.snaps {
		out[symbol] = snap
	}
	return out, nil
}
