package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/teamchat/internal/ai"
	"github.com/suPer8Hu/teamchat/internal/auth"
	"github.com/suPer8Hu/teamchat/internal/cancel"
	"github.com/suPer8Hu/teamchat/internal/chat"
	"github.com/suPer8Hu/teamchat/internal/config"
	"github.com/suPer8Hu/teamchat/internal/db"
	"github.com/suPer8Hu/teamchat/internal/dispatch"
	"github.com/suPer8Hu/teamchat/internal/gateway"
	"github.com/suPer8Hu/teamchat/internal/httpapi"
	"github.com/suPer8Hu/teamchat/internal/httpapi/handlers"
	"github.com/suPer8Hu/teamchat/internal/logging"
	"github.com/suPer8Hu/teamchat/internal/relay"
	"github.com/suPer8Hu/teamchat/internal/session"
	"github.com/suPer8Hu/teamchat/internal/store/rabbitmq"
	"github.com/suPer8Hu/teamchat/internal/store/redisstore"
	"github.com/suPer8Hu/teamchat/internal/teamchat"
	"github.com/suPer8Hu/teamchat/internal/teammate"
	"go.uber.org/zap"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "teamchat-api",
		Short: "Teammate chat gateway",
		Long:  "Serves the chat API, the websocket gateway and the internal routes workers report to.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
		SilenceUsage: true,
	}
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newTokenCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			gdb, err := db.Open(cfg.DB)
			if err != nil {
				return err
			}
			if err := chat.AutoMigrate(gdb); err != nil {
				return err
			}
			if err := teammate.AutoMigrate(gdb); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		userID uint64
		name   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Create a user if needed and print a JWT for it (development)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == 0 {
				return errors.New("--user is required")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			gdb, err := db.Open(cfg.DB)
			if err != nil {
				return err
			}
			catalog, err := teammate.LoadCatalog(cfg.TeammateCatalog)
			if err != nil {
				return err
			}
			if err := teammate.NewDirectory(gdb, catalog).EnsureUser(cmd.Context(), userID, name); err != nil {
				return err
			}
			tok, err := auth.SignJWT(userID, cfg.Auth.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&userID, "user", 0, "user id")
	cmd.Flags().StringVar(&name, "name", "User", "display name used when the user is created")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Open(cfg.DB)
	if err != nil {
		return err
	}
	if err := chat.AutoMigrate(gdb); err != nil {
		return err
	}
	if err := teammate.AutoMigrate(gdb); err != nil {
		return err
	}

	catalog, err := teammate.LoadCatalog(cfg.TeammateCatalog)
	if err != nil {
		return err
	}
	dir := teammate.NewDirectory(gdb, catalog)
	repo := chat.NewRepo(gdb)

	rdb, err := redisstore.NewClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	hub := gateway.NewHub(log)
	fanout := gateway.NewFanout(rdb, hub, log)
	go func() {
		if err := fanout.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("fanout stopped", zap.Error(err))
		}
	}()

	pub, err := rabbitmq.NewPublisher(cfg.Rabbit.URL, cfg.Rabbit.Queue)
	if err != nil {
		return err
	}
	defer pub.Close()

	reg := ai.NewRegistryFromConfig(cfg.AI)
	var chooser ai.ToolProvider
	if p, err := reg.Get(ctx, cfg.Dispatch.Provider, cfg.Dispatch.Model); err != nil {
		log.Warn("dispatch provider unavailable, group routing limited to mentions", zap.Error(err))
	} else if tp, ok := p.(ai.ToolProvider); ok {
		chooser = tp
	} else {
		log.Warn("dispatch provider cannot make tool calls", zap.String("provider", cfg.Dispatch.Provider))
	}
	dispatcher := dispatch.New(chooser, log, dispatch.Options{
		HistoryLimit: cfg.Dispatch.HistoryLimit,
		Timeout:      cfg.Dispatch.Timeout,
	})

	svc := teamchat.NewService(teamchat.Options{
		Repo:             repo,
		Directory:        dir,
		Dispatcher:       dispatcher,
		Sessions:         session.NewResolver(repo, fanout, log),
		Cancels:          cancel.New(repo, redisstore.NewRevoker(rdb, log), fanout, catalog.DisplayName, log),
		Queue:            pub,
		Notifier:         fanout,
		Fallback:         cfg.Dispatch.Fallback,
		MaxActivePerUser: cfg.Jobs.MaxActivePerUser,
		Log:              log,
	})
	rel := relay.NewService(repo, fanout, catalog.DisplayName, log)

	r := httpapi.NewRouter(handlers.NewHandler(svc, rel, dir, hub, log), cfg, log)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("api listening", zap.String("addr", cfg.HTTP.Addr), zap.Int("teammates", len(catalog.Keys())))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("api shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
