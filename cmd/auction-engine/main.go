package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auction-engine/internal/api"
	"auction-engine/internal/config"
	"auction-engine/internal/infrastructure/leader"
	"auction-engine/internal/infrastructure/mysql"
	"auction-engine/internal/infrastructure/redis"
	"auction-engine/internal/services"
	"auction-engine/pkg/logger"
	"auction-engine/pkg/utils"

	redisClient "github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

var errLeadershipLost = errors.New("leadership lost")

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New().Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.NewWithLevel(cfg.Log.Level).With("instance_id", cfg.Instance.ID)
	log.Info("Starting auction engine", "config", cfg.GetConfigString())

	if err := run(cfg, log); err != nil {
		log.Error("Auction engine failed", "error", err)
		os.Exit(1)
	}
	log.Info("Auction engine stopped")
}

func run(cfg *config.Config, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	rdb := redisClient.NewClient(&redisClient.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	log.Info("Connected to Redis", "address", cfg.Redis.Address)

	db, err := utils.InitializeMysql(pingCtx, cfg.MySQL)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("Connected to MySQL")

	// Only the lease holder may own auctions. Losing the lease stops the
	// process so a standby can take over from the durable store.
	election := leader.NewRedisLeaderElection(rdb, cfg.Leader.Key, cfg.Leader.TTL,
		func() { cancel(errLeadershipLost) }, log.With("component", "leader"))

	log.Info("Waiting for leadership", "key", cfg.Leader.Key)
	if err := election.WaitForLeadership(ctx, cfg.Instance.ID, cfg.Leader.RetryInterval); err != nil {
		return fmt.Errorf("acquire leadership: %w", err)
	}
	defer func() {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if err := election.ReleaseLeadership(releaseCtx, cfg.Instance.ID); err != nil {
			log.Error("Failed to release leadership", "error", err)
		}
	}()

	opts, err := services.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	manager := services.NewAuctionManager(mysql.NewStore(db), clockwork.NewRealClock(), opts, log)
	if err := manager.Recover(ctx); err != nil {
		return fmt.Errorf("recover auctions: %w", err)
	}

	server := api.NewServer(cfg.Server, manager, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.Run(gctx)
	})
	if cfg.Relay.Enabled {
		relay := services.NewEventRelay(
			redis.NewEventPublisher(rdb, cfg.Relay.Channel),
			redis.NewRedisStateCache(rdb, cfg.Relay.KeyPrefix),
			log.With("component", "relay"))
		g.Go(func() error {
			return runRelay(gctx, relay, manager.Hub(), log)
		})
	}
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down auction engine...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if cause := context.Cause(ctx); errors.Is(cause, errLeadershipLost) {
		return cause
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runRelay resubscribes after an overflow eviction; the cache writes are
// monotonic so events lost in between are repaired by later ones.
func runRelay(ctx context.Context, relay *services.EventRelay, hub *services.BroadcastHub, log logger.Logger) error {
	for {
		err := relay.Start(ctx, hub.SubscribeAll())
		if err == nil || ctx.Err() != nil {
			return err
		}
		log.Warn("Restarting event relay", "error", err)
	}
}
