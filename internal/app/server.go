package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	intrnl "nerdhub/internal"
	"nerdhub/internal/geofence"
	"nerdhub/internal/presence"
	"nerdhub/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr     string
	server   *http.Server
	mirror   storage.Mirror
	registry *presence.Registry
	cancel   context.CancelFunc
	workers  chan struct{}
	done     chan struct{}
	err      error
	logger   *zap.Logger
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Registry exposes the live registry, mostly for tests and local mode.
func (h *ServerHandle) Registry() *presence.Registry {
	return h.registry
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	h.cancel()
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer loads the catalog, opens the mirror, starts the registry sweep,
// the session hub and the mirror writer, and serves in the background. Call
// Stop/Wait to manage its lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig) (*ServerHandle, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Path = NormalizeJoinPath(cfg.Path)

	catalog, err := geofence.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	if cfg.MirrorKind == storage.KindSQLite {
		if cfg.MirrorDSN == "" {
			cfg.MirrorDSN = DefaultDBPath()
		}
		if path := storage.SQLiteFilePath(cfg.MirrorDSN); path != "" {
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	}
	mirror, err := storage.Open(ctx, cfg.MirrorKind, cfg.MirrorDSN)
	if err != nil {
		return nil, err
	}

	registry := presence.NewRegistry(
		presence.WithTimeout(cfg.Timeout),
		presence.WithSweepInterval(cfg.SweepInterval),
		presence.WithLogger(logger.Named("registry")),
	)
	opts := []intrnl.ServerOption{
		intrnl.WithJoinPolicy(cfg.Policy),
		intrnl.WithServerLogger(logger.Named("ws")),
	}
	if cfg.UpgradeLimit != 0 {
		opts = append(opts, intrnl.WithUpgradeLimit(cfg.UpgradeLimit, time.Minute))
	}
	server := intrnl.NewServer(registry, catalog, opts...)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.SetupRoutes(cfg.Path, cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		closeMirror(mirror, logger)
		return nil, fmt.Errorf("listen: %w", err)
	}

	workCtx, cancel := context.WithCancel(context.Background())
	handle := &ServerHandle{
		addr:     listener.Addr().String(),
		server:   httpServer,
		mirror:   mirror,
		registry: registry,
		cancel:   cancel,
		workers:  make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger,
	}

	go handle.runWorkers(workCtx, registry, server, mirror)

	go func() {
		if ctx == nil {
			return
		}
		select {
		case <-ctx.Done():
		case <-handle.done:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := handle.Stop(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("server shutdown error", zap.Error(err))
		}
	}()

	go handle.serve(listener)

	logger.Info("presence server listening",
		zap.String("addr", handle.addr),
		zap.String("path", cfg.Path),
		zap.Int("buildings", catalog.Len()),
		zap.String("policy", cfg.Policy.String()),
		zap.String("mirror", mirrorName(cfg.MirrorKind)),
	)
	return handle, nil
}

func (h *ServerHandle) runWorkers(ctx context.Context, registry *presence.Registry, server *intrnl.Server, mirror storage.Mirror) {
	defer close(h.workers)
	finished := make(chan struct{}, 3)
	go func() {
		registry.Run(ctx)
		finished <- struct{}{}
	}()
	go func() {
		server.Run(ctx)
		finished <- struct{}{}
	}()
	n := 2
	if mirror != nil {
		writer := storage.NewWriter(mirror, h.logger.Named("mirror"))
		unsubscribe := registry.Subscribe(writer)
		defer unsubscribe()
		// seed the mirror so readers never see a missing snapshot
		writer.Publish(registry.Snapshot())
		go func() {
			writer.Run(ctx)
			finished <- struct{}{}
		}()
		n++
	}
	for i := 0; i < n; i++ {
		<-finished
	}
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	h.cancel()
	<-h.workers
	closeMirror(h.mirror, h.logger)
	h.err = err
}

func closeMirror(m storage.Mirror, logger *zap.Logger) {
	if m == nil {
		return
	}
	if err := m.Close(); err != nil {
		logger.Warn("mirror close error", zap.Error(err))
	}
}

func mirrorName(kind string) string {
	if kind == "" {
		return storage.KindNone
	}
	return kind
}
