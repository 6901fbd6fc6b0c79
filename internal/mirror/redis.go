// Package mirror pushes live stream state into a secondary low-latency store
// so dashboards and edge services can read it without touching the primary
// datastore. Every publish is best effort: failures are logged and swallowed,
// and the orchestration path never blocks on the mirror.
package mirror

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces mirrored stream entries.
const keyPrefix = "streamcast:stream:"

// entryTTL keeps stale entries from outliving a crashed process. Live
// streams are republished well inside this window.
const entryTTL = 5 * time.Minute

// StatusEvent is one mirrored snapshot of a stream's state.
type StatusEvent struct {
	ID        string
	Kind      string
	Status    string
	Progress  float64
	Target    string
	UpdatedAt time.Time
}

// Publisher is the mirror surface the engine writes through.
type Publisher interface {
	PublishStatus(ctx context.Context, event StatusEvent)
	Remove(ctx context.Context, id string)
}

// Redis mirrors stream state into Redis hashes.
type Redis struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRedis builds a Redis mirror from a server address. An empty password and
// database 0 suit the common single-node deployment; clustered addresses work
// through the same universal client.
func NewRedis(addr, password string, db int, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{addr},
		Password: password,
		DB:       db,
	})
	return &Redis{client: client, logger: logger}
}

// NewRedisWithClient wraps an existing client, mainly for tests.
func NewRedisWithClient(client redis.UniversalClient, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, logger: logger}
}

// PublishStatus writes the event as a hash under the stream's key and
// refreshes its expiry.
func (r *Redis) PublishStatus(ctx context.Context, event StatusEvent) {
	key := keyPrefix + event.ID
	fields := map[string]any{
		"kind":       event.Kind,
		"status":     event.Status,
		"progress":   strconv.FormatFloat(event.Progress, 'f', 2, 64),
		"target":     event.Target,
		"updated_at": event.UpdatedAt.UTC().Format(time.RFC3339),
	}
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, entryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("stream state mirror write failed", "stream_id", event.ID, "error", err)
	}
}

// Remove deletes the mirrored entry for id.
func (r *Redis) Remove(ctx context.Context, id string) {
	if err := r.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		r.logger.Warn("stream state mirror delete failed", "stream_id", id, "error", err)
	}
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Noop is the mirror used when no secondary store is configured.
type Noop struct{}

func (Noop) PublishStatus(context.Context, StatusEvent) {}
func (Noop) Remove(context.Context, string) {}
