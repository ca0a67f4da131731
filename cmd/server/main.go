package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"e2e_sync/internal/config"
	"e2e_sync/internal/repository/bundle"
	"e2e_sync/internal/repository/message"
	redisSvc "e2e_sync/internal/service/redis"
	"e2e_sync/internal/service/server"
	"e2e_sync/internal/utils/log"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:          "e2e-server",
		Short:        "Key directory, message store and realtime relay",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := log.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) (err error) {
	mongoDBClient, err := initMongo(ctx, cfg.Server.MongoURI)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, mongoDBClient.Disconnect(context.WithoutCancel(ctx))) }()
	bundles := bundle.NewBundleRepo(mongoDBClient.Database(cfg.Server.MongoDB))

	db, err := message.Open(ctx, cfg.Server.PostgresURL)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, db.Close()) }()
	if err := message.Migrate(db); err != nil {
		return err
	}
	messages := message.NewMessageRepo(db)

	rdb, err := redisSvc.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	redis := redisSvc.NewRedis(rdb)
	defer func() { err = multierr.Append(err, redis.Close()) }()

	hub := server.NewHub()
	relay := server.NewRedisRelay(redis, hub)
	srv := server.NewHttpServer(bundles, messages, hub, relay)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx, cfg.Server.Listen) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server stopped", zap.Error(err))
		return err
	}
	log.Info("server stopped")
	return nil
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
