package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"nerdhub/internal/presence"
)

const DefaultRedisPrefix = "nerdhub:presence"

func NewRedisClient(addr string) *redis.Client {
	if addr == "" {
		addr = "localhost:6379"
	}
	return redis.NewClient(&redis.Options{Addr: addr})
}

// RedisMirror stores the snapshot as JSON under <prefix>:snapshot and the
// per-building counts as a hash under <prefix>:counts. Both keys are replaced
// together in one MULTI block.
type RedisMirror struct {
	client *redis.Client
	prefix string
}

func NewRedisMirror(client *redis.Client, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisMirror{client: client, prefix: prefix}
}

func (m *RedisMirror) snapshotKey() string { return m.prefix + ":snapshot" }

func (m *RedisMirror) countsKey() string { return m.prefix + ":counts" }

func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func (m *RedisMirror) Write(ctx context.Context, snap presence.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	counts := snap.Counts()
	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, m.snapshotKey(), payload, 0)
		pipe.Del(ctx, m.countsKey())
		if len(counts) > 0 {
			fields := make(map[string]interface{}, len(counts))
			for building, n := range counts {
				fields[building] = n
			}
			pipe.HSet(ctx, m.countsKey(), fields)
		}
		return nil
	})
	return err
}

func (m *RedisMirror) Read(ctx context.Context) (presence.Snapshot, error) {
	var snap presence.Snapshot
	raw, err := m.client.Get(ctx, m.snapshotKey()).Bytes()
	if err == redis.Nil {
		return snap, ErrNoSnapshot
	}
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snap, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Entries == nil {
		snap.Entries = []presence.Entry{}
	}
	for i := range snap.Entries {
		snap.Entries[i].Verified = true
	}
	return snap, nil
}

// Counts reads the per-building hash without decoding the whole snapshot.
func (m *RedisMirror) Counts(ctx context.Context) (map[string]int, error) {
	raw, err := m.client.HGetAll(ctx, m.countsKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(raw))
	for building, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("count for %s: %w", building, err)
		}
		out[building] = n
	}
	return out, nil
}
