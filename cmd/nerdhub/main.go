package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	intrnl "nerdhub/internal"
	"nerdhub/internal/app"
	"nerdhub/internal/geofence"
	"nerdhub/internal/logger"
)

const (
	modeServer  = "server"
	modeWatch   = "watch"
	modeResolve = "resolve"
	modeLocal   = "local"
	modeCounts  = "counts"
	modeVersion = "version"
)

func main() {
	app.LoadDotEnv()
	mode, args := parseMode(os.Args[1:])
	flagSet := flag.NewFlagSet("nerdhub", flag.ExitOnError)
	addr := flagSet.String("addr", envOrDefault("NERDHUB_ADDR", defaultAddrForMode(mode)), "server listen address")
	path := flagSet.String("path", envOrDefault("NERDHUB_PATH", "/ws"), "websocket path")
	catalogPath := flagSet.String("catalog", envOrDefault("NERDHUB_CATALOG", ""), "building catalog YAML (defaults to the built-in campus list)")
	policyName := flagSet.String("policy", envOrDefault("NERDHUB_POLICY", "inside"), "join policy for coordinate joins: inside or nearest")
	timeout := flagSet.Duration("timeout", durationOrDefault("NERDHUB_TIMEOUT", 120*time.Second), "presence timeout")
	sweep := flagSet.Duration("sweep", durationOrDefault("NERDHUB_SWEEP", 30*time.Second), "sweep interval")
	mirrorKind := flagSet.String("mirror", envOrDefault("NERDHUB_MIRROR", "none"), "snapshot mirror: none, sqlite or redis")
	mirrorDSN := flagSet.String("mirror-dsn", envOrDefault("NERDHUB_MIRROR_DSN", ""), "sqlite path or redis address for the mirror")
	origins := flagSet.String("origins", envOrDefault("NERDHUB_ALLOWED_ORIGINS", "*"), "comma separated CORS origins")
	upgradeLimit := flagSet.Int("upgrade-limit", intOrDefault("NERDHUB_UPGRADE_LIMIT", 30), "websocket upgrades per IP per minute, 0 disables")

	serverURL := flagSet.String("server-url", envOrDefault("NERDHUB_SERVER", "ws://localhost:8080/ws"), "server websocket URL")
	user := flagSet.String("user", envOrDefault("NERDHUB_USER", ""), "user id (watch mode generates one when empty)")
	building := flagSet.String("building", envOrDefault("NERDHUB_BUILDING", ""), "join this building id")
	lat := flagSet.String("lat", envOrDefault("NERDHUB_LAT", ""), "latitude to join at")
	lon := flagSet.String("lon", envOrDefault("NERDHUB_LON", ""), "longitude to join at")
	heartbeat := flagSet.Duration("heartbeat", durationOrDefault("NERDHUB_HEARTBEAT", intrnl.DefaultHeartbeatInterval), "heartbeat interval")
	poll := flagSet.Duration("poll", durationOrDefault("NERDHUB_POLL", intrnl.DefaultPollInterval), "fallback poll interval while offline")
	fallback := flagSet.String("fallback", envOrDefault("NERDHUB_FALLBACK", "http"), "offline fallback: http, sqlite, redis or none")
	fallbackDSN := flagSet.String("fallback-dsn", envOrDefault("NERDHUB_FALLBACK_DSN", ""), "sqlite path or redis address for the fallback")
	busBroker := flagSet.String("bus", envOrDefault("NERDHUB_BUS_BROKER", ""), "MQTT broker shared by local clients")
	busTopic := flagSet.String("bus-topic", envOrDefault("NERDHUB_BUS_TOPIC", intrnl.DefaultBusTopic), "MQTT topic")
	quiet := flagSet.Bool("quiet", false, "only log errors")
	flagSet.Parse(args)

	if mode == modeVersion {
		fmt.Println(intrnl.UserAgent())
		return
	}

	logCfg := logger.ConfigFromEnv("nerdhub")
	if *quiet {
		logCfg.Level = "error"
	}
	log, err := logger.Init(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nerdhub: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	policy, err := geofence.ParseJoinPolicy(*policyName)
	if err != nil {
		fail(log, err)
	}

	serverCfg := app.ServerConfig{
		Addr:           *addr,
		Path:           app.NormalizeJoinPath(*path),
		CatalogPath:    *catalogPath,
		Policy:         policy,
		Timeout:        *timeout,
		SweepInterval:  *sweep,
		MirrorKind:     strings.ToLower(*mirrorKind),
		MirrorDSN:      *mirrorDSN,
		AllowedOrigins: app.SplitList(*origins),
		UpgradeLimit:   *upgradeLimit,
		Logger:         log,
	}

	clientCfg := app.ClientConfig{
		ServerURL:    *serverURL,
		UserID:       *user,
		BuildingID:   *building,
		Heartbeat:    *heartbeat,
		Poll:         *poll,
		Timeout:      *timeout,
		FallbackKind: *fallback,
		FallbackDSN:  *fallbackDSN,
		BusBroker:    *busBroker,
		BusTopic:     *busTopic,
		Logger:       log,
	}
	if *lat != "" || *lon != "" {
		clientCfg.Lat, clientCfg.Lon, err = parseCoordinate(*lat, *lon)
		if err != nil {
			fail(log, err)
		}
		clientCfg.HasLocation = true
	}
	if clientCfg.UserID == "" {
		clientCfg.UserID = "watcher-" + ksuid.New().String()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case modeServer:
		err = runServerMode(ctx, serverCfg)
	case modeResolve:
		err = runResolveMode(serverCfg, resolveArgs(flagSet.Args(), *lat, *lon))
	case modeLocal:
		err = runLocalMode(ctx, serverCfg, clientCfg, log)
	case modeCounts:
		err = runCountsMode(ctx, serverCfg)
	default:
		err = runWatchMode(ctx, serverCfg.CatalogPath, clientCfg)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fail(log, err)
	}
}

func fail(log *zap.Logger, err error) {
	log.Error("nerdhub failed", zap.Error(err))
	_ = log.Sync()
	fmt.Fprintf(os.Stderr, "nerdhub: %v\n", err)
	os.Exit(1)
}

func runServerMode(ctx context.Context, cfg app.ServerConfig) error {
	handle, err := app.RunServer(ctx, cfg)
	if err != nil {
		return err
	}
	return handle.Wait()
}

func runResolveMode(cfg app.ServerConfig, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: nerdhub resolve [flags] <lat> <lon> or --lat --lon")
	}
	lat, lon, err := parseCoordinate(args[0], args[1])
	if err != nil {
		return err
	}
	catalog, err := geofence.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}
	res, err := catalog.Resolve(lat, lon)
	if err != nil {
		return err
	}
	fmt.Println(app.RenderResolution(res, cfg.Policy))
	return nil
}

func runCountsMode(ctx context.Context, cfg app.ServerConfig) error {
	catalog, err := geofence.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}
	counts, err := app.MirrorCounts(ctx, cfg.MirrorKind, cfg.MirrorDSN)
	if err != nil {
		return err
	}
	fmt.Println(app.RenderBuildingCounts(catalog, counts, fmt.Sprintf("%s mirror", cfg.MirrorKind)))
	return nil
}

func resolveArgs(args []string, lat, lon string) []string {
	if len(args) == 0 && lat != "" && lon != "" {
		return []string{lat, lon}
	}
	return args
}

func runWatchMode(ctx context.Context, catalogPath string, cfg app.ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("watch mode requires --server-url or NERDHUB_SERVER")
	}
	catalog, err := geofence.LoadCatalog(catalogPath)
	if err != nil {
		return err
	}
	return app.RunClient(ctx, cfg, func(cache *intrnl.Cache) {
		fmt.Print("\033[H\033[2J")
		fmt.Println(app.RenderCounts(catalog, cache.Snapshot()))
	})
}

func runLocalMode(ctx context.Context, serverCfg app.ServerConfig, clientCfg app.ClientConfig, log *zap.Logger) error {
	handle, err := app.RunServer(ctx, serverCfg)
	if err != nil {
		return err
	}
	defer stopServer(handle)

	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}

	clientCfg.ServerURL = buildWebsocketURL(handle.Addr(), serverCfg.Path)
	log.Info("launching watcher", zap.String("url", clientCfg.ServerURL))

	if err := runWatchMode(ctx, serverCfg.CatalogPath, clientCfg); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func buildWebsocketURL(addr, path string) string {
	path = app.NormalizeJoinPath(path)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("ws://%s%s", addr, path)
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, port), path)
}

func parseCoordinate(latS, lonS string) (float64, float64, error) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(latS), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonS), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("longitude: %w", err)
	}
	if !geofence.ValidCoordinate(lat, lon) {
		return 0, 0, geofence.ErrInvalidCoordinate
	}
	return lat, lon, nil
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeWatch, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeWatch, modeResolve, modeLocal, modeCounts, modeVersion:
		return strings.ToLower(args[0]), args[1:]
	case "client":
		return modeWatch, args[1:]
	}
	return modeWatch, args
}

func defaultAddrForMode(mode string) string {
	if mode == modeLocal {
		return "127.0.0.1:0"
	}
	return ":8080"
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func durationOrDefault(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return fallback
}

func intOrDefault(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}
