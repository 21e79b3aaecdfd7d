package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/teamchat/internal/ai"
	"github.com/suPer8Hu/teamchat/internal/chat"
	"github.com/suPer8Hu/teamchat/internal/config"
	"github.com/suPer8Hu/teamchat/internal/db"
	"github.com/suPer8Hu/teamchat/internal/logging"
	"github.com/suPer8Hu/teamchat/internal/relay"
	"github.com/suPer8Hu/teamchat/internal/store/rabbitmq"
	"github.com/suPer8Hu/teamchat/internal/store/redisstore"
	"github.com/suPer8Hu/teamchat/internal/teammate"
	"github.com/suPer8Hu/teamchat/internal/worker"
	"go.uber.org/zap"
)

func newRootCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "teamchat-worker",
		Short: "Run teammate turns from the job queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), concurrency)
		},
		SilenceUsage: true,
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "parallel turns (default WORKER_CONCURRENCY)")
	return cmd
}

func run(parent context.Context, concurrency int) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if concurrency > 0 {
		cfg.Rabbit.WorkerConcurrency = config.ClampConcurrency(concurrency)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Open(cfg.DB)
	if err != nil {
		return err
	}
	repo := chat.NewRepo(gdb)

	catalog, err := teammate.LoadCatalog(cfg.TeammateCatalog)
	if err != nil {
		return err
	}

	rdb, err := redisstore.NewClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()
	revoker := redisstore.NewRevoker(rdb, log)

	pub, err := rabbitmq.NewPublisher(cfg.Rabbit.URL, cfg.Rabbit.Queue)
	if err != nil {
		return err
	}
	defer pub.Close()

	consumer, err := rabbitmq.NewConsumer(cfg.Rabbit.URL, cfg.Rabbit.Queue, cfg.Rabbit.WorkerConcurrency)
	if err != nil {
		return err
	}
	defer consumer.Close()
	deliveries, err := consumer.Deliveries()
	if err != nil {
		return err
	}

	reg := ai.NewRegistryFromConfig(cfg.AI)
	w, err := worker.New(worker.Options{
		Store:      repo,
		Directory:  teammate.NewDirectory(gdb, catalog),
		Catalog:    catalog,
		Runner:     teammate.NewLLMRunner(reg, repo, cfg.ChatContextWindowSize, cfg.AI.Provider),
		Relay:      relay.NewClient(cfg.Relay.BaseURL, cfg.Relay.Token, cfg.Relay.Timeout, log),
		Queue:      pub,
		Revocation: revoker,
		Classifier: worker.NewClassifier(cfg.Retry.TransientMarkers),
		Backoff:    worker.BackoffFromConfig(cfg.Retry),
		Heartbeat:  cfg.Relay.HeartbeatInterval,
		ClaimLease: cfg.Retry.ClaimLease,
		Log:        log,
	})
	if err != nil {
		return err
	}

	// revokes published while a turn runs stop its heartbeat
	go func() {
		if err := revoker.Watch(ctx, w.Revoked); err != nil && ctx.Err() == nil {
			log.Error("revoke watch stopped", zap.Error(err))
		}
	}()

	log.Info("worker started",
		zap.String("queue", cfg.Rabbit.Queue),
		zap.Int("concurrency", cfg.Rabbit.WorkerConcurrency),
		zap.Strings("teammates", catalog.Keys()),
	)
	err = worker.NewPool(w, cfg.Rabbit.WorkerConcurrency, log).Run(ctx, deliveries)
	log.Info("worker stopped", zap.Int("running", w.Running()))
	return err
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
