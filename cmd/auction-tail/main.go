// Command auction-tail shows what the engine mirrors to Redis: the cached
// snapshot of an auction and the live stream of relayed events.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"auction-engine/internal/config"
	"auction-engine/internal/domain"
	"auction-engine/internal/infrastructure/redis"
	"auction-engine/pkg/logger"

	redisClient "github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "auction-tail",
	Short:        "Inspect auction state mirrored to Redis",
	SilenceUsage: true,
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <auction-id>",
	Short: "Print the cached phase and item prices of an auction",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshot,
}

var watchCmd = &cobra.Command{
	Use:   "watch [auction-id]",
	Short: "Stream relayed events, optionally for one auction",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatch,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (defaults to ./config.yaml and env)")
	rootCmd.AddCommand(snapshotCmd, watchCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

func connect(ctx context.Context, cfg *config.Config) (*redisClient.Client, error) {
	rdb := redisClient.NewClient(&redisClient.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Address, err)
	}
	return rdb, nil
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rdb, err := connect(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	snapshot, err := redis.NewRedisStateCache(rdb, cfg.Relay.KeyPrefix).GetSnapshot(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "auction %s  phase %s\n", snapshot.AuctionID, snapshot.Phase)

	itemIDs := make([]string, 0, len(snapshot.Items))
	for id := range snapshot.Items {
		itemIDs = append(itemIDs, id)
	}
	sort.Strings(itemIDs)
	for _, id := range itemIDs {
		item := snapshot.Items[id]
		fmt.Fprintf(out, "  %s  price %s  leader %s  seq %d\n", id, item.CurrentPrice, item.LeadingBidderID, item.SequenceNumber)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	log := logger.NewWithLevel(cfg.Log.Level)
	subscriber := redis.NewRedisEventSubscriber(rdb, cfg.Relay.Channel, log)
	encoder := json.NewEncoder(cmd.OutOrStdout())

	err = subscriber.SubscribeToEvents(ctx, func(event domain.Event) error {
		if len(args) == 1 && event.AuctionID != args[0] {
			return nil
		}
		return encoder.Encode(event)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}
