package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Wyydra/orchestra/internal/adapter/driven/notify"
	redisnotify "github.com/Wyydra/orchestra/internal/adapter/driven/notify/redis"
	"github.com/Wyydra/orchestra/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/orchestra/internal/adapter/driven/persistence/postgres"
	handler "github.com/Wyydra/orchestra/internal/adapter/driving/http"
	"github.com/Wyydra/orchestra/internal/config"
	"github.com/Wyydra/orchestra/internal/core/port"
	"github.com/Wyydra/orchestra/internal/core/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

func setupLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var l zerolog.Logger
	if cfg.Format == "json" {
		l = zerolog.New(os.Stdout)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	l = l.With().Timestamp().Caller().Logger()
	log.Logger = l
	return l
}

type stores struct {
	audit  port.AuditRepository
	canvas port.CanvasRepository
	db     *gorm.DB
}

func openStores(cfg config.DatabaseConfig, l zerolog.Logger) stores {
	switch cfg.Driver {
	case "postgres":
		db, err := postgres.Connect(cfg.PostgresDSN())
		if err != nil {
			l.Fatal().Err(err).Msg("Failed to connect to postgres")
		}
		l.Info().Str("host", cfg.Host).Str("database", cfg.Name).Msg("Connected to postgres")
		return stores{
			audit:  postgres.NewAuditRepository(db),
			canvas: postgres.NewCanvasRepository(db),
			db:     db,
		}
	case "", "memory":
		l.Warn().Msg("Using in-memory store, data is lost on restart")
		return stores{
			audit:  memory.NewAuditRepository(),
			canvas: memory.NewCanvasRepository(),
		}
	}
	l.Fatal().Str("driver", cfg.Driver).Msg("Unknown database driver")
	return stores{}
}

func main() {
	cfg := config.Load()
	l := setupLogger(cfg.Log)

	st := openStores(cfg.Database, l)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var publishers notify.Fanout
	var relayPublisher port.EventPublisher
	if cfg.Redis.Enabled {
		client := redisnotify.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			l.Error().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable, presence will not be mirrored")
		}
		cancel()
		pub := redisnotify.NewPublisher(client, cfg.Redis.PresenceTTL)
		publishers = append(publishers, pub)
		relayPublisher = pub
		defer client.Close()
	}

	relay := service.NewSignalingRelay(relayPublisher)
	go relay.Run()

	publishers = append(publishers, notify.NewRelayPublisher(relay))
	registry := service.NewTokenRegistry(st.audit, service.WithPublisher(publishers))
	canvas := service.NewCanvasLog(st.canvas)
	registry.OnDispose(canvas.Forget)
	go registry.RunSweeper(ctx, cfg.Registry.SweepInterval, cfg.Registry.IdleTimeout)

	stats := service.NewStatistics(st.audit)

	h := handler.NewHandler(registry, st.audit, canvas, stats, relay, handler.WebSocketOptions{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		WriteTimeout:    cfg.WebSocket.WriteTimeout,
		SendBuffer:      cfg.WebSocket.SendBuffer,
		AllowedOrigins:  cfg.WebSocket.AllowedOrigins,
		ICEServers:      cfg.ICE.STUNServers,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      h.NewRouter(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		l.Info().Str("addr", cfg.Server.Addr).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	l.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}

	relay.Stop()
	if st.db != nil {
		if err := postgres.Close(st.db); err != nil {
			l.Error().Err(err).Msg("Failed to close database")
		}
	}
	l.Info().Msg("Server exited")
}
