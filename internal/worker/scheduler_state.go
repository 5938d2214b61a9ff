package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// DefaultStateKey is the Redis hash that holds the scheduler state.
const DefaultStateKey = "dispatch:scheduler:state"

// StateStore persists SchedulerState so any API instance can report it.
type StateStore interface {
	Load(ctx context.Context) (*domain.SchedulerState, error)
	Save(ctx context.Context, st *domain.SchedulerState) error
}

// MemoryStateStore keeps the state in process. Used when Redis is not
// configured and in tests.
type MemoryStateStore struct {
	mu    sync.RWMutex
	state domain.SchedulerState
}

// NewMemoryStateStore returns an empty state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{}
}

func (m *MemoryStateStore) Load(context.Context) (*domain.SchedulerState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.state
	return &st, nil
}

func (m *MemoryStateStore) Save(_ context.Context, st *domain.SchedulerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = *st
	return nil
}

// RedisStateStore keeps the state in one Redis hash.
type RedisStateStore struct {
	client *redis.Client
	key    string
}

// NewRedisStateStore creates a Redis-backed state store. An empty key uses
// DefaultStateKey.
func NewRedisStateStore(client *redis.Client, key string) *RedisStateStore {
	if key == "" {
		key = DefaultStateKey
	}
	return &RedisStateStore{client: client, key: key}
}

func (r *RedisStateStore) Load(ctx context.Context) (*domain.SchedulerState, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load scheduler state: %w", err)
	}
	st := &domain.SchedulerState{Owner: fields["owner"]}
	st.LastRetryProcessRun = parseUnixMilli(fields["last_run"])
	st.NextRetryProcessRun = parseUnixMilli(fields["next_run"])
	st.QueueSize, _ = strconv.Atoi(fields["queue_size"])
	st.LastRequeued, _ = strconv.Atoi(fields["last_requeued"])
	st.LastExhausted, _ = strconv.Atoi(fields["last_exhausted"])
	st.LastStarted, _ = strconv.Atoi(fields["last_started"])
	return st, nil
}

func (r *RedisStateStore) Save(ctx context.Context, st *domain.SchedulerState) error {
	values := map[string]interface{}{
		"queue_size":     st.QueueSize,
		"last_requeued":  st.LastRequeued,
		"last_exhausted": st.LastExhausted,
		"last_started":   st.LastStarted,
		"owner":          st.Owner,
	}
	if st.LastRetryProcessRun != nil {
		values["last_run"] = st.LastRetryProcessRun.UnixMilli()
	}
	if st.NextRetryProcessRun != nil {
		values["next_run"] = st.NextRetryProcessRun.UnixMilli()
	}
	if err := r.client.HSet(ctx, r.key, values).Err(); err != nil {
		return fmt.Errorf("save scheduler state: %w", err)
	}
	return nil
}

func parseUnixMilli(s string) *time.Time {
	if s == "" {
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
