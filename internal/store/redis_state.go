package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ladder-trading-bot/internal/plan"
)

// Redis key prefixes for plan snapshots
const (
	// PlanKeyPrefix is the prefix for individual plan snapshot keys.
	// Format: ladder:plan:{userID}:{planID}
	PlanKeyPrefix = "ladder:plan"

	// PlanStateTTL keeps snapshots around long enough for audit after the
	// plan goes terminal.
	PlanStateTTL = 7 * 24 * time.Hour
)

// RedisPlanState mirrors live plan snapshots into Redis so a standby
// container or dashboard can observe engine state. When Redis is
// unavailable it degrades to an in-memory cache; the engine never blocks on
// the mirror because Postgres remains the source of truth.
type RedisPlanState struct {
	client         *redis.Client
	logger         zerolog.Logger
	inMemory       map[string][]byte
	cacheMu        sync.RWMutex
	redisAvailable atomic.Bool
}

// NewRedisPlanState creates a plan snapshot mirror. A nil client means
// memory-only mode.
func NewRedisPlanState(client *redis.Client, logger zerolog.Logger) *RedisPlanState {
	r := &RedisPlanState{
		client:   client,
		logger:   logger.With().Str("component", "redis_plan_state").Logger(),
		inMemory: make(map[string][]byte),
	}
	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			r.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory cache")
			r.redisAvailable.Store(false)
		} else {
			r.logger.Info().Msg("Redis connected")
			r.redisAvailable.Store(true)
		}
	} else {
		r.redisAvailable.Store(false)
	}
	return r
}

func (r *RedisPlanState) key(userID, planID string) string {
	return fmt.Sprintf("%s:%s:%s", PlanKeyPrefix, userID, planID)
}

// Mirror writes the current plan snapshot. Failures are logged, never
// returned: the mirror must not affect engine state.
func (r *RedisPlanState) Mirror(ctx context.Context, p *plan.EntryPlan) {
	data, err := json.Marshal(p)
	if err != nil {
		r.logger.Error().Err(err).Str("plan_id", p.ID).Msg("marshal snapshot failed")
		return
	}
	key := r.key(p.UserID, p.ID)

	r.cacheMu.Lock()
	r.inMemory[key] = data
	r.cacheMu.Unlock()

	if r.client == nil {
		return
	}
	if err := r.client.Set(ctx, key, data, PlanStateTTL).Err(); err != nil {
		if r.redisAvailable.Swap(false) {
			r.logger.Warn().Err(err).Msg("Redis write failed, falling back to in-memory cache")
		}
		return
	}
	if !r.redisAvailable.Swap(true) {
		r.logger.Info().Msg("Redis recovered, snapshots mirrored again")
		r.flushCache(ctx)
	}
}

// Snapshot returns the last mirrored state of a plan, preferring Redis.
func (r *RedisPlanState) Snapshot(ctx context.Context, userID, planID string) (*plan.EntryPlan, error) {
	key := r.key(userID, planID)

	if r.client != nil && r.redisAvailable.Load() {
		data, err := r.client.Get(ctx, key).Bytes()
		if err == nil {
			var p plan.EntryPlan
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, fmt.Errorf("unmarshal snapshot %s: %w", planID, err)
			}
			return &p, nil
		}
		if err != redis.Nil {
			r.redisAvailable.Store(false)
		}
	}

	r.cacheMu.RLock()
	data, ok := r.inMemory[key]
	r.cacheMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no snapshot for plan %s", planID)
	}
	var p plan.EntryPlan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot %s: %w", planID, err)
	}
	return &p, nil
}

// Remove deletes a plan snapshot after the retention window.
func (r *RedisPlanState) Remove(ctx context.Context, userID, planID string) {
	key := r.key(userID, planID)
	r.cacheMu.Lock()
	delete(r.inMemory, key)
	r.cacheMu.Unlock()
	if r.client != nil && r.redisAvailable.Load() {
		if err := r.client.Del(ctx, key).Err(); err != nil {
			r.logger.Warn().Err(err).Str("plan_id", planID).Msg("snapshot delete failed")
		}
	}
}

// flushCache pushes in-memory snapshots to Redis after a reconnect.
func (r *RedisPlanState) flushCache(ctx context.Context) {
	r.cacheMu.RLock()
	pending := make(map[string][]byte, len(r.inMemory))
	for k, v := range r.inMemory {
		pending[k] = v
	}
	r.cacheMu.RUnlock()

	for k, v := range pending {
		if err := r.client.Set(ctx, k, v, PlanStateTTL).Err(); err != nil {
			r.logger.Warn().Err(err).Str("key", k).Msg("cache flush write failed")
			return
		}
	}
	r.logger.Info().Int("count", len(pending)).Msg("flushed cached snapshots to Redis")
}
