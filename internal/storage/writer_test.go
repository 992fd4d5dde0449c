package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nerdhub/internal/presence"
)

type flakyMirror struct {
	mu     sync.Mutex
	fail   bool
	writes []uint64
	last   presence.Snapshot
}

func (m *flakyMirror) Write(_ context.Context, snap presence.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		m.fail = false
		return errors.New("mirror unavailable")
	}
	m.writes = append(m.writes, snap.Seq)
	m.last = snap
	return nil
}

func (m *flakyMirror) Read(context.Context) (presence.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.writes) == 0 {
		return presence.Snapshot{}, ErrNoSnapshot
	}
	return m.last, nil
}

func (m *flakyMirror) Close() error { return nil }

func (m *flakyMirror) lastSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.writes) == 0 {
		return 0
	}
	return m.writes[len(m.writes)-1]
}

func TestWriterMirrorsRegistry(t *testing.T) {
	mirror := &flakyMirror{}
	writer := NewWriter(mirror, nil)
	registry := presence.NewRegistry()
	registry.Subscribe(writer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		writer.Run(ctx)
		close(done)
	}()

	registry.Join("alice", "core", true)
	registry.Join("bob", "buda", true)
	final := registry.Leave("alice")

	require.Eventually(t, func() bool { return mirror.lastSeq() == final.Seq }, 2*time.Second, 5*time.Millisecond)
	snap, err := mirror.Read(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, "bob", snap.Entries[0].UserID)

	cancel()
	<-done
}

func TestWriterRetriesOnNextSnapshot(t *testing.T) {
	mirror := &flakyMirror{fail: true}
	writer := NewWriter(mirror, nil)
	writer.written = make(chan uint64, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go writer.Run(ctx)

	writer.Publish(presence.Snapshot{Seq: 1})
	require.Eventually(t, func() bool {
		mirror.mu.Lock()
		defer mirror.mu.Unlock()
		return !mirror.fail
	}, 2*time.Second, 5*time.Millisecond)
	writer.Publish(presence.Snapshot{Seq: 2})
	select {
	case seq := <-writer.written:
		assert.Equal(t, uint64(2), seq)
	case <-time.After(2 * time.Second):
		t.Fatal("writer never succeeded")
	}
}

func TestWriterFlushesOnShutdown(t *testing.T) {
	mirror := &flakyMirror{}
	writer := NewWriter(mirror, nil)
	writer.Publish(presence.Snapshot{Seq: 5})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	writer.Run(ctx)
	assert.Equal(t, uint64(5), mirror.lastSeq())
}

func TestCountsFallsBackToSnapshot(t *testing.T) {
	mirror := &flakyMirror{}
	ctx := context.Background()
	_, err := Counts(ctx, mirror)
	assert.ErrorIs(t, err, ErrNoSnapshot)

	require.NoError(t, mirror.Write(ctx, sampleSnapshot(3)))
	counts, err := Counts(ctx, mirror)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"core": 2, "buda": 1}, counts)
}
