package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefixRoom = "room:"

// RedisBackend keeps one hash per room, field = participant id, value = the
// JSON-encoded participant. State is ephemeral: everything under the key
// prefix is purged when the backend is opened.
type RedisBackend struct {
	redis  *redis.Client
	prefix string
	logger *zap.Logger
}

func NewRedisBackend(ctx context.Context, addr, password string, db int, prefix string, logger *zap.Logger) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	b := &RedisBackend{
		redis:  client,
		prefix: prefix,
		logger: logger.Named("redis"),
	}

	purged, err := b.purge(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("purge stale rooms: %w", err)
	}

	b.logger.Info("Redis room backend ready",
		zap.String("addr", addr),
		zap.Int("db", db),
		zap.Int("purgedKeys", purged),
	)
	return b, nil
}

func (b *RedisBackend) membersKey(roomID string) string {
	return fmt.Sprintf("%s%s%s:members", b.prefix, keyPrefixRoom, roomID)
}

func (b *RedisBackend) purge(ctx context.Context) (int, error) {
	var cursor uint64
	purged := 0
	for {
		keys, next, err := b.redis.Scan(ctx, cursor, b.prefix+"*", 100).Result()
		if err != nil {
			return purged, err
		}
		if len(keys) > 0 {
			if err := b.redis.Del(ctx, keys...).Err(); err != nil {
				return purged, err
			}
			purged += len(keys)
		}
		cursor = next
		if cursor == 0 {
			return purged, nil
		}
	}
}

func (b *RedisBackend) Get(ctx context.Context, roomID, id string) (Participant, bool, error) {
	data, err := b.redis.HGet(ctx, b.membersKey(roomID), id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Participant{}, false, nil
		}
		return Participant{}, false, err
	}
	var p Participant
	if err := json.Unmarshal(data, &p); err != nil {
		return Participant{}, false, fmt.Errorf("decode participant %s: %w", id, err)
	}
	return p, true, nil
}

func (b *RedisBackend) Put(ctx context.Context, p Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return b.redis.HSet(ctx, b.membersKey(p.RoomID), p.ID, data).Err()
}

func (b *RedisBackend) Delete(ctx context.Context, roomID, id string) (bool, error) {
	n, err := b.redis.HDel(ctx, b.membersKey(roomID), id).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List orders participants by id; Redis hashes carry no insertion order.
func (b *RedisBackend) List(ctx context.Context, roomID string) ([]Participant, error) {
	fields, err := b.redis.HGetAll(ctx, b.membersKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Participant, 0, len(fields))
	for id, raw := range fields {
		var p Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			b.logger.Warn("Skipping undecodable participant",
				zap.String("roomID", roomID),
				zap.String("participantID", id),
				zap.Error(err),
			)
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *RedisBackend) Drop(ctx context.Context, roomID string) error {
	return b.redis.Del(ctx, b.membersKey(roomID)).Err()
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.redis.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	if err := b.redis.Close(); err != nil {
		b.logger.Error("Failed to close Redis connection", zap.Error(err))
		return err
	}
	b.logger.Info("Redis room backend closed")
	return nil
}
