package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "outbox:"

// ErrDisabled is returned by NopOutbox.Push: the payload was not kept.
var ErrDisabled = errors.New("outbox disabled")

// Outbox holds lobby notifications that had no live subscriber when sent.
type Outbox interface {
	Push(ctx context.Context, lobby string, payload json.RawMessage) error
	Drain(ctx context.Context, lobby string) ([]json.RawMessage, error)
}

// RedisOutbox keeps one capped, expiring list per lobby.
type RedisOutbox struct {
	rdb         *redis.Client
	maxPerLobby int64
	ttl         time.Duration
}

func NewRedisOutbox(rdb *redis.Client, maxPerLobby int, ttl time.Duration) *RedisOutbox {
	return &RedisOutbox{rdb: rdb, maxPerLobby: int64(maxPerLobby), ttl: ttl}
}

func key(lobby string) string { return keyPrefix + lobby }

// Push appends payload; when the list exceeds the cap the oldest entries go.
func (o *RedisOutbox) Push(ctx context.Context, lobby string, payload json.RawMessage) error {
	k := key(lobby)
	_, err := o.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, k, []byte(payload))
		if o.maxPerLobby > 0 {
			pipe.LTrim(ctx, k, -o.maxPerLobby, -1)
		}
		if o.ttl > 0 {
			pipe.Expire(ctx, k, o.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("outbox push %s: %w", lobby, err)
	}
	return nil
}

// Drain returns and removes every pending payload for lobby, oldest first.
func (o *RedisOutbox) Drain(ctx context.Context, lobby string) ([]json.RawMessage, error) {
	k := key(lobby)
	var entries *redis.StringSliceCmd
	_, err := o.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		entries = pipe.LRange(ctx, k, 0, -1)
		pipe.Del(ctx, k)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("outbox drain %s: %w", lobby, err)
	}
	out := make([]json.RawMessage, 0, len(entries.Val()))
	for _, e := range entries.Val() {
		out = append(out, json.RawMessage(e))
	}
	return out, nil
}

// Pending reports how many payloads wait for lobby.
func (o *RedisOutbox) Pending(ctx context.Context, lobby string) (int64, error) {
	return o.rdb.LLen(ctx, key(lobby)).Result()
}

// NopOutbox drops everything: offline recipients miss the notification.
type NopOutbox struct{}

func (NopOutbox) Push(context.Context, string, json.RawMessage) error { return ErrDisabled }

func (NopOutbox) Drain(context.Context, string) ([]json.RawMessage, error) { return nil, nil }
