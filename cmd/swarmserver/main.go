// Command swarmserver runs the task-scheduling core end to end: the
// in-memory or Mongo-backed stores, the Scheduler, Bot Registry,
// Cancellation Worker, and Lifecycle Sweeper, fronted by the
// demonstration JSON transport.
//
// # Configuration
//
// Environment variables:
//
//	SWARM_ADDR             - HTTP listen address (default: ":8080")
//	SWARM_NAME             - cluster/pool name for the lifecycle sweeper (default: "swarm")
//	REDIS_URL              - Redis connection address (default: "localhost:6379")
//	REDIS_PASSWORD         - Redis password (optional)
//	MONGO_URI              - Mongo connection URI (optional; memory store used if unset)
//	MONGO_DATABASE         - Mongo database name (default: "swarm")
//	DEDUP_TTL              - dedup cache retention TTL (default: "1h")
//	BOT_DEATH_TIMEOUT      - poll interval a bot may miss before it's presumed dead (default: "2m")
//	SWEEP_INTERVAL         - lifecycle sweeper tick interval (default: "1m")
//
// # Example
//
//	REDIS_URL=localhost:6379 go run ./cmd/swarmserver
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/pulse/pool"

	"swarm.dev/core/botregistry"
	"swarm.dev/core/cancelworker"
	"swarm.dev/core/core"
	"swarm.dev/core/dedup"
	"swarm.dev/core/dimindex"
	"swarm.dev/core/idgen"
	"swarm.dev/core/lifecycle"
	"swarm.dev/core/scheduler"
	"swarm.dev/core/store"
	"swarm.dev/core/store/memory"
	storemongo "swarm.dev/core/store/mongo"
	"swarm.dev/core/telemetry"
	swarmhttp "swarm.dev/core/transport/http"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	addr := envOr("SWARM_ADDR", ":8080")
	name := envOr("SWARM_NAME", "swarm")
	redisURL := envOr("REDIS_URL", "localhost:6379")
	redisPassword := os.Getenv("REDIS_PASSWORD")
	dedupTTL := envDurationOr("DEDUP_TTL", time.Hour)
	deathTimeout := envDurationOr("BOT_DEATH_TIMEOUT", botregistry.DefaultDeathTimeout)
	sweepInterval := envDurationOr("SWEEP_INTERVAL", lifecycle.DefaultInterval)

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisURL,
		Password: redisPassword,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	var (
		requests store.RequestStore
		runs     store.RunStore
		bots     store.BotStore
	)
	if mongoURI := os.Getenv("MONGO_URI"); mongoURI != "" {
		client, err := mongodriver.Connect(options.Client().ApplyURI(mongoURI))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() {
			if err := client.Disconnect(context.Background()); err != nil {
				log.Printf("disconnect mongo: %v", err)
			}
		}()
		st := storemongo.New(client.Database(envOr("MONGO_DATABASE", "swarm")))
		requests, runs, bots = st, st, st
		log.Printf("using mongo store at %s", mongoURI)
	} else {
		st := memory.New()
		requests, runs, bots = st, st, st
		log.Printf("no MONGO_URI set, using in-memory store (development only)")
	}

	index := dimindex.New()
	dc := dedup.NewRedisCache(rdb)
	ids := idgen.New()
	sched := scheduler.New(requests, runs, bots, index, dc, ids, scheduler.WithDedupTTL(dedupTTL))
	registry := botregistry.New(bots, botregistry.GroupConfig{}, botregistry.WithDeathTimeout(deathTimeout), botregistry.WithScheduler(sched))
	cancelWorker := cancelworker.New(requests, sched, rdb)

	svc, err := core.NewService(core.ServiceOptions{
		Requests:  requests,
		Runs:      runs,
		Bots:      bots,
		Scheduler: sched,
		Registry:  registry,
		Cancel:    cancelWorker,
	})
	if err != nil {
		return fmt.Errorf("create core service: %w", err)
	}

	sweeper := lifecycle.New(requests, runs, bots, registry, index, dc, lifecycle.WithInterval(sweepInterval))
	node, err := pool.AddNode(ctx, name, rdb)
	if err != nil {
		return fmt.Errorf("join pulse pool %q: %w", name, err)
	}
	if err := sweeper.Start(ctx, node); err != nil {
		return fmt.Errorf("start lifecycle sweeper: %w", err)
	}
	defer sweeper.Stop()

	server := &http.Server{
		Addr:    addr,
		Handler: swarmhttp.NewRouter(svc, telemetry.NewNoopLogger()),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	log.Printf("starting swarmserver on %s (pool=%s)", addr, name)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("run server: %w", err)
	}
	return nil
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
