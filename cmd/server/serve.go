package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/codeshare/internal/api"
	"github.com/manpreetbhatti/codeshare/internal/autosave"
	"github.com/manpreetbhatti/codeshare/internal/config"
	"github.com/manpreetbhatti/codeshare/internal/db"
	"github.com/manpreetbhatti/codeshare/internal/metrics"
	"github.com/manpreetbhatti/codeshare/internal/observability"
	"github.com/manpreetbhatti/codeshare/internal/ratelimit"
	"github.com/manpreetbhatti/codeshare/internal/room"
	"github.com/manpreetbhatti/codeshare/internal/server"
	"github.com/manpreetbhatti/codeshare/internal/ws"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Long: `Run the server. Settings come from the optional YAML file given with
--config and from CODESHARE_* environment variables (for example
CODESHARE_HTTP_PORT=9000).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	database, err := db.New(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer database.Close()

	m := metrics.New()
	manager := room.NewManager(room.Options{
		Store:           database,
		Logger:          logger,
		Metrics:         m,
		DefaultLanguage: cfg.Room.DefaultLanguage,
		SaveTimeout:     cfg.Room.SaveTimeout,
		MaxParticipants: cfg.Room.MaxParticipants,
	})
	hub := ws.NewHub(manager, cfg.WebSocket, logger, m)

	createLimiter := ratelimit.NewClientLimiters(cfg.API.CreatePerSecond, cfg.API.CreateBurst)
	defer createLimiter.Stop()

	handler := api.New(api.Options{
		Manager:       manager,
		Database:      database,
		Hub:           hub,
		CreateLimiter: createLimiter,
		Gatherer:      prometheus.DefaultGatherer,
		MaxBodyBytes:  cfg.WebSocket.MaxMessageSize,
		Logger:        logger,
	}).Routes()

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	// Stopped in reverse: HTTP first, then autosave, then open sockets,
	// then whatever rooms remain.
	lc := server.NewLifecycle(logger)
	lc.Add("rooms", untilStopped(func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := manager.Shutdown(ctx); err != nil {
			logger.Error("room shutdown", zap.Error(err))
		}
	}))
	lc.Add("websocket", &server.FuncService{
		StartFn: func() error { hub.Run(); return nil },
		StopFn:  hub.Stop,
	})
	lc.Add("autosave", autosave.New(manager, database, cfg.Autosave, logger))
	lc.Add("http", &server.FuncService{
		StartFn: func() error {
			logger.Info("listening",
				zap.String("addr", httpServer.Addr),
				zap.String("database", cfg.Database.Path),
				zap.String("version", version),
			)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
		StopFn: func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(ctx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
		},
	})

	if ctx == nil {
		ctx = context.Background()
	}
	return lc.Run(ctx)
}

// untilStopped is a service with nothing to run; Start blocks until Stop,
// which calls stop first.
func untilStopped(stop func()) server.Service {
	done := make(chan struct{})
	return &server.FuncService{
		StartFn: func() error {
			<-done
			return nil
		},
		StopFn: func() {
			stop()
			close(done)
		},
	}
}
