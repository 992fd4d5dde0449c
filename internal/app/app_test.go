package app

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	intrnl "nerdhub/internal"
	"nerdhub/internal/geofence"
	"nerdhub/internal/presence"
	"nerdhub/internal/storage"
)

func startServer(t *testing.T, cfg ServerConfig) *ServerHandle {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	handle, err := RunServer(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = handle.Stop(ctx)
		_ = handle.Wait()
	})
	return handle
}

func TestRunServerServesHealth(t *testing.T) {
	handle := startServer(t, ServerConfig{})
	resp, err := http.Get("http://" + handle.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRunServerMirrorsToSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.db")
	handle := startServer(t, ServerConfig{MirrorKind: storage.KindSQLite, MirrorDSN: path})
	handle.Registry().Join("alice", "kortrijk-buda", true)

	require.Eventually(t, func() bool {
		counts, err := MirrorCounts(context.Background(), storage.KindSQLite, path)
		return err == nil && counts["kortrijk-buda"] == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRunServerCreatesDirForSQLiteURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "mirror.db")
	cwd, err := os.Getwd()
	require.NoError(t, err)

	startServer(t, ServerConfig{MirrorKind: storage.KindSQLite, MirrorDSN: "sqlite://" + path})

	_, err = os.Stat(filepath.Join(dir, "nested"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(cwd, "sqlite:"))
	assert.True(t, os.IsNotExist(err), "no directory named after the DSN scheme")
}

func TestRunServerMirrorsToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	handle := startServer(t, ServerConfig{MirrorKind: storage.KindRedis, MirrorDSN: mr.Addr()})
	handle.Registry().Join("bob", "kortrijk-weide-the-core", true)

	require.Eventually(t, func() bool {
		return mr.HGet(storage.DefaultRedisPrefix+":counts", "kortrijk-weide-the-core") == "1"
	}, 3*time.Second, 20*time.Millisecond)

	counts, err := MirrorCounts(context.Background(), storage.KindRedis, mr.Addr())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"kortrijk-weide-the-core": 1}, counts)
}

func TestMirrorCountsNeedsAMirror(t *testing.T) {
	_, err := MirrorCounts(context.Background(), storage.KindNone, "")
	assert.Error(t, err)
}

func TestRunServerRejectsBadConfig(t *testing.T) {
	_, err := RunServer(context.Background(), ServerConfig{Addr: "127.0.0.1:0", Timeout: time.Second, SweepInterval: time.Minute})
	assert.Error(t, err)
	_, err = RunServer(context.Background(), ServerConfig{Addr: "127.0.0.1:0", MirrorKind: "etcd"})
	assert.Error(t, err)
	_, err = RunServer(context.Background(), ServerConfig{Addr: "127.0.0.1:0", CatalogPath: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestRunClientSeesOwnJoin(t *testing.T) {
	handle := startServer(t, ServerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan int, 16)
	cfg := ClientConfig{
		ServerURL:   "ws://" + handle.Addr() + "/ws",
		UserID:      "carol",
		Lat:         50.8252776,
		Lon:         3.2500602,
		HasLocation: true,
		Timeout:     2 * time.Minute,
	}
	done := make(chan error, 1)
	go func() {
		done <- RunClient(ctx, cfg, func(c *intrnl.Cache) {
			seen <- c.CountByBuilding("kortrijk-weide-the-core")
		})
	}()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case n := <-seen:
			if n == 1 {
				cancel()
				require.NoError(t, <-done)
				return
			}
		case <-deadline:
			t.Fatal("client never observed its own join")
		}
	}
}

func TestRenderCounts(t *testing.T) {
	catalog, err := geofence.DefaultCatalog()
	require.NoError(t, err)
	now := time.Now()
	out := RenderCounts(catalog, presence.Snapshot{Seq: 3, Taken: now, Entries: []presence.Entry{
		{UserID: "a", BuildingID: "kortrijk-buda", LastSeen: now},
	}})
	assert.Contains(t, out, "1 online")
	assert.Equal(t, catalog.Len()+4, len(strings.Split(out, "\n")), "title, rows, footer and two border lines")

	out = RenderBuildingCounts(catalog, map[string]int{"kortrijk-buda": 4}, "from mirror")
	assert.Contains(t, out, "from mirror")
	assert.Contains(t, out, "4")
}

func TestConfigHelpers(t *testing.T) {
	assert.Equal(t, "/ws", NormalizeJoinPath(""))
	assert.Equal(t, "/presence", NormalizeJoinPath("presence"))
	assert.Equal(t, []string{"a", "b"}, SplitList(" a, ,b "))
	t.Setenv("NERDHUB_DB_PATH", "/tmp/x.db")
	assert.Equal(t, "/tmp/x.db", DefaultDBPath())
}
