package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"learnhub/realtime/internal/api"
	"learnhub/realtime/internal/config"
	"learnhub/realtime/internal/jobs"
	"learnhub/realtime/internal/metrics"
	"learnhub/realtime/internal/notify"
	"learnhub/realtime/internal/routers"
	"learnhub/realtime/internal/session"
	"learnhub/realtime/internal/utils"
)

var (
	listenAndServe = serve
	exitFunc       = defaultExit
	exit           = os.Exit
	registerer     prometheus.Registerer = prometheus.DefaultRegisterer
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		exitFunc(err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := utils.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var (
		outbox notify.Outbox = notify.NopOutbox{}
		pinger api.Pinger
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		outbox = notify.NewRedisOutbox(rdb, cfg.OutboxMaxPerLobby, cfg.OutboxTTL)
		pinger = rdb
	} else {
		logger.Warn("REDIS_ADDR not set, offline notifications are disabled")
	}

	hub := session.NewHub(session.Options{
		MaxRooms:          cfg.MaxRooms,
		MaxPasswords:      cfg.MaxPasswords,
		MaxRoomsPerClient: cfg.MaxRoomsPerClient,
		GracePeriod:       cfg.RoomGracePeriod,
		PasswordCost:      cfg.PasswordHashCost,
		Outbox:            outbox,
		Logger:            logger.Named("hub"),
	})
	if err := metrics.RegisterHub(registerer, hub.Stats); err != nil {
		logger.Warn("hub gauges not registered", zap.Error(err))
	}

	janitor := jobs.NewJanitor(hub, cfg.JanitorSchedule, logger.Named("janitor"))
	if err := janitor.Start(); err != nil {
		return err
	}
	defer janitor.Stop()

	handlers := api.NewHandlers(logger.Named("api"), hub, pinger, api.Options{
		JWTSecret:      []byte(cfg.JWTSecret),
		RequireAuth:    cfg.RequireAuth,
		AllowedOrigins: cfg.AllowedOrigins,
		SendBuffer:     cfg.SendBuffer,
		MaxFrameBytes:  cfg.MaxFrameBytes,
	})

	addr := ":" + cfg.Port
	logger.Info("realtime hub listening", zap.String("addr", addr), zap.Bool("require_auth", cfg.RequireAuth))
	return listenAndServe(ctx, addr, routers.New(handlers, cfg.AllowedOrigins))
}

// serve runs the HTTP server until ctx is cancelled, then drains it.
func serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func defaultExit(err error) {
	log.Printf("realtime hub stopped: %v", err)
	exit(1)
}
