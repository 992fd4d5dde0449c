package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"nerdhub/internal/presence"
)

// ErrNoSnapshot is returned by Read before anything was written.
var ErrNoSnapshot = errors.New("no presence snapshot stored")

// Reader is the read side of a mirror; clients poll it as a fallback.
type Reader interface {
	Read(ctx context.Context) (presence.Snapshot, error)
}

// Mirror holds the current presence snapshot outside the server process.
// Every Write replaces the previous state; there is no history.
type Mirror interface {
	Reader
	Write(ctx context.Context, snap presence.Snapshot) error
	Close() error
}

// Counter reads per-building occupancy without decoding a whole snapshot.
type Counter interface {
	Counts(ctx context.Context) (map[string]int, error)
}

var (
	_ Counter = (*SQLiteMirror)(nil)
	_ Counter = (*RedisMirror)(nil)
)

// Counts uses the reader's own count query when it has one and falls back
// to reading the full snapshot otherwise.
func Counts(ctx context.Context, r Reader) (map[string]int, error) {
	if c, ok := r.(Counter); ok {
		return c.Counts(ctx)
	}
	snap, err := r.Read(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Counts(), nil
}

const (
	KindNone   = "none"
	KindSQLite = "sqlite"
	KindRedis  = "redis"
)

// Open builds the mirror named by kind. For sqlite dsn is a path or sqlite://
// URL, for redis it is host:port. KindNone returns a nil Mirror.
func Open(ctx context.Context, kind, dsn string) (Mirror, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindNone:
		return nil, nil
	case KindSQLite:
		m, err := NewSQLiteMirror(dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite mirror: %w", err)
		}
		if err := m.Migrate(ctx); err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("migrate sqlite mirror: %w", err)
		}
		return m, nil
	case KindRedis:
		m := NewRedisMirror(NewRedisClient(dsn), DefaultRedisPrefix)
		if err := m.Ping(ctx); err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("connect redis mirror: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown mirror kind %q", kind)
	}
}
