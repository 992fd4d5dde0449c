package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	intrnl "nerdhub/internal"
	"nerdhub/internal/storage"
)

// Watcher is a running presence client plus the resources it owns.
type Watcher struct {
	Client *intrnl.PresenceClient
	Cache  *intrnl.Cache
	bus    intrnl.Bus
	mirror storage.Mirror
}

func (w *Watcher) Close() {
	_ = w.Client.Close()
	w.Cache.Close()
	if w.bus != nil {
		_ = w.bus.Close()
	}
	if w.mirror != nil {
		_ = w.mirror.Close()
	}
}

// NewWatcher builds the bus, cache, fallback and client described by cfg.
// Nothing is dialed until RunClient.
func NewWatcher(ctx context.Context, cfg ClientConfig, opts ...intrnl.ClientOption) (*Watcher, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{}

	if cfg.BusBroker != "" {
		bus, err := intrnl.NewMQTTBus(cfg.BusBroker, cfg.BusTopic, logger.Named("bus"))
		if err != nil {
			return nil, err
		}
		w.bus = bus
	} else {
		w.bus = intrnl.NewMemoryBus()
	}

	cache, err := intrnl.NewCache(cfg.Timeout, intrnl.WithBus(w.bus), intrnl.WithCacheLogger(logger.Named("cache")))
	if err != nil {
		_ = w.bus.Close()
		return nil, err
	}
	w.Cache = cache

	fallback, err := w.buildFallback(ctx, cfg)
	if err != nil {
		w.Cache.Close()
		_ = w.bus.Close()
		return nil, err
	}

	clientOpts := []intrnl.ClientOption{
		intrnl.WithHeartbeatInterval(cfg.Heartbeat),
		intrnl.WithPollInterval(cfg.Poll),
		intrnl.WithClientLogger(logger.Named("client")),
	}
	if fallback != nil {
		clientOpts = append(clientOpts, intrnl.WithFallback(fallback))
	}
	client, err := intrnl.NewPresenceClient(cfg.ServerURL, cfg.UserID, cache, append(clientOpts, opts...)...)
	if err != nil {
		w.Cache.Close()
		_ = w.bus.Close()
		if w.mirror != nil {
			_ = w.mirror.Close()
		}
		return nil, err
	}
	w.Client = client
	return w, nil
}

func (w *Watcher) buildFallback(ctx context.Context, cfg ClientConfig) (intrnl.Fallback, error) {
	switch strings.ToLower(cfg.FallbackKind) {
	case "", "http":
		base, err := intrnl.HTTPBaseURL(cfg.ServerURL)
		if err != nil {
			return nil, err
		}
		return intrnl.NewHTTPFallback(base), nil
	case storage.KindNone:
		return nil, nil
	case storage.KindSQLite, storage.KindRedis:
		mirror, err := storage.Open(ctx, cfg.FallbackKind, cfg.FallbackDSN)
		if err != nil {
			return nil, fmt.Errorf("open fallback mirror: %w", err)
		}
		w.mirror = mirror
		return intrnl.NewMirrorFallback(mirror), nil
	default:
		return nil, fmt.Errorf("unknown fallback %q", cfg.FallbackKind)
	}
}

// RunClient connects, joins as configured and calls onChange every time the
// cache accepts a new snapshot, until ctx is done.
func RunClient(ctx context.Context, cfg ClientConfig, onChange func(*intrnl.Cache)) error {
	watcher, err := NewWatcher(ctx, cfg)
	if err != nil {
		return err
	}
	defer watcher.Close()

	switch {
	case cfg.HasLocation:
		err = watcher.Client.JoinAt(cfg.Lat, cfg.Lon)
	case cfg.BuildingID != "":
		err = watcher.Client.JoinBuilding(cfg.BuildingID, true)
	}
	if err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- watcher.Client.Run(ctx) }()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			return err
		case <-watcher.Cache.Changes():
			if onChange != nil {
				onChange(watcher.Cache)
			}
		}
	}
}

// MirrorCounts reads per-building counts from a sqlite or redis mirror
// without talking to the server.
func MirrorCounts(ctx context.Context, kind, dsn string) (map[string]int, error) {
	switch strings.ToLower(kind) {
	case storage.KindSQLite, storage.KindRedis:
	default:
		return nil, fmt.Errorf("counts needs a sqlite or redis mirror, got %q", kind)
	}
	mirror, err := storage.Open(ctx, kind, dsn)
	if err != nil {
		return nil, err
	}
	defer mirror.Close()
	return storage.Counts(ctx, mirror)
}
