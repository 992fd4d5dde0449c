package internal

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nerdhub/internal/geofence"
	"nerdhub/internal/presence"
	"nerdhub/internal/storage"
)

var epoch = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

func snapAt(taken time.Time, seq uint64, entries ...presence.Entry) presence.Snapshot {
	presence.SortEntries(entries)
	return presence.Snapshot{Seq: seq, Taken: taken, Entries: entries}
}

func entry(user, building string, lastSeen time.Time) presence.Entry {
	return presence.Entry{UserID: user, BuildingID: building, LastSeen: lastSeen}
}

func TestCacheLastWriterWins(t *testing.T) {
	cache, err := NewCache(2*time.Minute, WithCacheClock(clockwork.NewFakeClockAt(epoch)))
	require.NoError(t, err)

	assert.True(t, cache.Apply(snapAt(epoch, 5, entry("a", "core", epoch))))
	assert.False(t, cache.Apply(snapAt(epoch.Add(-time.Second), 9, entry("b", "core", epoch))), "older snapshot must lose")
	assert.False(t, cache.Apply(snapAt(epoch, 5)), "same snapshot is not newer")
	assert.True(t, cache.Apply(snapAt(epoch, 6, entry("a", "buda", epoch))), "same instant, higher seq wins")
	assert.Equal(t, 1, cache.CountByBuilding("buda"))
	assert.Equal(t, epoch, cache.LastTaken())

	select {
	case <-cache.Changes():
	default:
		t.Fatal("expected change signal")
	}
}

func TestCacheHidesStaleEntries(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	cache, err := NewCache(2*time.Minute, WithCacheClock(clock))
	require.NoError(t, err)
	cache.Apply(snapAt(epoch, 1,
		entry("a", "core", epoch),
		entry("b", "core", epoch.Add(-90*time.Second)),
		entry("c", "buda", epoch.Add(-30*time.Second)),
	))
	assert.Equal(t, 3, cache.Total())

	clock.Advance(60 * time.Second)
	assert.Equal(t, 2, cache.Total())
	assert.Equal(t, 1, cache.CountByBuilding("core"))
	assert.Equal(t, map[string]int{"core": 1, "buda": 1}, cache.Counts())

	clock.Advance(10 * time.Minute)
	assert.Zero(t, cache.Total())
}

func TestCachesShareUpdatesOverBus(t *testing.T) {
	bus := NewMemoryBus()
	clock := clockwork.NewFakeClockAt(epoch)
	tabA, err := NewCache(time.Hour, WithBus(bus), WithCacheClock(clock))
	require.NoError(t, err)
	tabB, err := NewCache(time.Hour, WithBus(bus), WithCacheClock(clock))
	require.NoError(t, err)
	defer tabA.Close()
	defer tabB.Close()
	require.NotEqual(t, tabA.Origin(), tabB.Origin())

	tabA.Apply(snapAt(epoch, 3, entry("a", "core", epoch)))
	assert.Equal(t, 1, tabB.CountByBuilding("core"))

	// B already knows a newer state; A's stale broadcast must not roll it back
	tabB.Merge(snapAt(epoch.Add(time.Second), 4))
	tabA.Apply(snapAt(epoch.Add(500*time.Millisecond), 1, entry("x", "core", epoch)))
	assert.Zero(t, tabB.Total())
}

func TestCacheIgnoresOwnEcho(t *testing.T) {
	bus := NewMemoryBus()
	cache, err := NewCache(time.Hour, WithBus(bus))
	require.NoError(t, err)
	var mu sync.Mutex
	seen := 0
	cancel, _ := bus.Subscribe(func(BusMessage) {
		mu.Lock()
		seen++
		mu.Unlock()
	})
	defer cancel()
	cache.Apply(snapAt(time.Now(), 1))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen)
}

func TestHTTPFallbackFetchesPresence(t *testing.T) {
	ts := newTestServer(t)
	ts.registry.Join("u1", coreID, true)

	fallback := NewHTTPFallback(ts.http.URL)
	snap, err := fallback.Fetch(context.Background())
	require.NoError(t, err)
	e, ok := snap.Find("u1")
	require.True(t, ok)
	assert.Equal(t, coreID, e.BuildingID)

	bad := NewHTTPFallback(ts.http.URL + "/nope")
	_, err = bad.Fetch(context.Background())
	assert.Error(t, err)
}

func TestMirrorFallbackReadsSQLite(t *testing.T) {
	mirror, err := storage.NewSQLiteMirror("sqlite://file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	defer mirror.Close()
	require.NoError(t, mirror.Migrate(context.Background()))

	fallback := NewMirrorFallback(mirror)
	_, err = fallback.Fetch(context.Background())
	assert.True(t, errors.Is(err, storage.ErrNoSnapshot))

	require.NoError(t, mirror.Write(context.Background(), snapAt(epoch, 2, entry("a", "core", epoch))))
	snap, err := fallback.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.CountByBuilding("core"))
}

func wsURL(ts *testServer) string {
	return "ws" + ts.http.URL[len("http"):] + "/ws"
}

func startClient(t *testing.T, ts *testServer, user string, opts ...ClientOption) *PresenceClient {
	t.Helper()
	cache, err := NewCache(2 * time.Minute)
	require.NoError(t, err)
	client, err := NewPresenceClient(wsURL(ts), user, cache, opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = client.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		_ = client.Close()
		cancel()
		<-done
	})
	return client
}

func TestPresenceClientJoinAndObserve(t *testing.T) {
	ts := newTestServer(t)
	resolved := make(chan geofence.Resolution, 1)
	alice := startClient(t, ts, "alice", WithOnResolved(func(r geofence.Resolution) { resolved <- r }))
	bob := startClient(t, ts, "bob")

	require.Eventually(t, alice.Connected, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, alice.JoinAt(50.8252776, 3.2500602))

	select {
	case res := <-resolved:
		assert.Equal(t, coreID, res.Nearest.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("no resolution received")
	}
	require.Eventually(t, func() bool { return bob.Cache().CountByBuilding(coreID) == 1 }, 3*time.Second, 10*time.Millisecond)
	res, ok := alice.Resolution()
	require.True(t, ok)
	assert.True(t, res.InsideAnyRadius)
}

func TestPresenceClientSendsPendingJoinOnConnect(t *testing.T) {
	ts := newTestServer(t)
	cache, err := NewCache(2 * time.Minute)
	require.NoError(t, err)
	client, err := NewPresenceClient(wsURL(ts), "carol", cache)
	require.NoError(t, err)
	require.NoError(t, client.JoinBuilding(coreID, true), "offline join is queued")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()
	defer client.Close()

	require.Eventually(t, func() bool { return ts.registry.CountByBuilding(coreID) == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestPresenceClientRejoinsAfterEviction(t *testing.T) {
	ts := newTestServer(t)
	client := startClient(t, ts, "dora", WithHeartbeatInterval(50*time.Millisecond))
	require.Eventually(t, client.Connected, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, client.JoinBuilding(coreID, true))
	require.Eventually(t, func() bool { return ts.registry.Len() == 1 }, 3*time.Second, 10*time.Millisecond)

	// server-side removal; the next heartbeat is answered with "not joined"
	ts.registry.Leave("dora")
	require.Eventually(t, func() bool { return ts.registry.Len() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestPresenceClientCloseSendsLeave(t *testing.T) {
	ts := newTestServer(t)
	client := startClient(t, ts, "emil")
	require.Eventually(t, client.Connected, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, client.JoinBuilding(coreID, true))
	require.Eventually(t, func() bool { return ts.registry.Len() == 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return ts.registry.Len() == 0 }, 3*time.Second, 10*time.Millisecond)
}

type staticFallback struct {
	snap presence.Snapshot
}

func (f staticFallback) Fetch(context.Context) (presence.Snapshot, error) { return f.snap, nil }

func TestPresenceClientPollsFallbackWhileOffline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cache, err := NewCache(time.Hour)
	require.NoError(t, err)
	now := time.Now()
	fallback := staticFallback{snap: snapAt(now, 1, entry("zed", coreID, now))}
	client, err := NewPresenceClient("ws://"+addr+"/ws", "watcher", cache,
		WithFallback(fallback), WithPollInterval(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	require.Eventually(t, func() bool { return cache.CountByBuilding(coreID) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.False(t, client.Connected())
}

func TestSessionAndHTTPURLs(t *testing.T) {
	u, err := buildSessionURL("ws://localhost:8080/ws", "a b")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws?user=a+b", u)
	_, err = buildSessionURL("http://localhost:8080/ws", "a")
	assert.Error(t, err)

	base, err := HTTPBaseURL("wss://presence.example/ws?user=x")
	require.NoError(t, err)
	assert.Equal(t, "https://presence.example", base)
	_, err = NewPresenceClient("ws://localhost/ws", " ", &Cache{})
	assert.ErrorIs(t, err, errMissingUser)
}
