package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	intrnl "nerdhub/internal"
	"nerdhub/internal/geofence"
	"nerdhub/internal/logger"
)

func main() {
	serverURL := flag.String("server-url", "ws://localhost:8080/ws", "presence server websocket URL")
	catalogPath := flag.String("catalog", "", "building catalog YAML (defaults to the built-in campus list)")
	users := flag.Int("users", 10, "number of simulated users")
	interval := flag.Duration("interval", 5*time.Second, "time between moves per user")
	heartbeat := flag.Duration("heartbeat", intrnl.DefaultHeartbeatInterval, "heartbeat interval")
	moveP := flag.Float64("move", 0.2, "chance per tick that a user moves")
	leaveP := flag.Float64("leave", 0.05, "chance per tick that a user leaves")
	stray := flag.Float64("stray", 0.1, "chance that a move lands outside the building radius")
	flag.Parse()

	log, err := logger.Init(logger.ConfigFromEnv("presence-sim"))
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	catalog, err := geofence.LoadCatalog(*catalogPath)
	if err != nil {
		log.Fatal("load catalog", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := intrnl.NewMemoryBus()
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < *users; i++ {
		id := "sim-" + uuid.NewString()[:8]
		cache, err := intrnl.NewCache(0, intrnl.WithBus(bus))
		if err != nil {
			log.Fatal("create cache", zap.Error(err))
		}
		client, err := intrnl.NewPresenceClient(*serverURL, id, cache,
			intrnl.WithHeartbeatInterval(*heartbeat),
			intrnl.WithClientLogger(log.Named(id)),
			intrnl.WithOnServerError(func(msg string) {
				log.Debug("server rejected frame", zap.String("user", id), zap.String("error", msg))
			}),
		)
		if err != nil {
			log.Fatal("create client", zap.Error(err))
		}
		u := &simUser{
			client:    client,
			cache:     cache,
			buildings: catalog.All(),
			rng:       rand.New(rand.NewSource(time.Now().UnixNano() + int64(i))),
			log:       log.With(zap.String("user", id)),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			u.run(ctx, *interval, *moveP, *leaveP, *stray)
		}()
	}
	log.Info("simulation started", zap.Int("users", *users), zap.String("server", *serverURL))

	<-ctx.Done()
	log.Info("received shutdown signal, leaving")
	wg.Wait()
}

type simUser struct {
	client    *intrnl.PresenceClient
	cache     *intrnl.Cache
	buildings []geofence.Building
	rng       *rand.Rand
	log       *zap.Logger
}

func (u *simUser) run(ctx context.Context, interval time.Duration, moveP, leaveP, stray float64) {
	defer u.cache.Close()
	defer u.client.Close()

	_, lat, lon := wander(u.rng, u.buildings, stray)
	_ = u.client.JoinAt(lat, lon)

	go func() {
		if err := u.client.Run(ctx); err != nil && ctx.Err() == nil {
			u.log.Warn("client stopped", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		switch nextAction(u.rng, moveP, leaveP) {
		case actionMove:
			target, lat, lon := wander(u.rng, u.buildings, stray)
			if err := u.client.JoinAt(lat, lon); err != nil {
				u.log.Debug("move not sent", zap.Error(err))
				continue
			}
			u.log.Info("moved",
				zap.String("towards", target.ID),
				zap.Bool("inside", target.Contains(lat, lon)),
				zap.Float64("lat", lat), zap.Float64("lon", lon))
		case actionLeave:
			if err := u.client.Leave(); err != nil {
				u.log.Debug("leave not sent", zap.Error(err))
				continue
			}
			u.log.Info("left")
		}
	}
}
