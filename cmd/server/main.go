package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/voxgate/bridge/internal/adapter/driven/callcontrol/graph"
	"github.com/voxgate/bridge/internal/adapter/driven/gateway/ws"
	"github.com/voxgate/bridge/internal/adapter/driven/media/pion"
	repo "github.com/voxgate/bridge/internal/adapter/driven/persistence/memory"
	handler "github.com/voxgate/bridge/internal/adapter/driving/http"
	"github.com/voxgate/bridge/internal/config"
	"github.com/voxgate/bridge/internal/core/service"
)

func main() {
	cfg := config.Load()
	initLogging(cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	records := repo.NewCallRecordRepository()
	hub := ws.NewHub()

	engine, err := pion.NewEngine(pion.Options{
		STUNURLs:     cfg.STUNURLs,
		TURNURL:      cfg.TURNURL,
		TURNUsername: cfg.TURNUsername,
		TURNPassword: cfg.TURNPassword,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build media engine")
	}

	control := graph.NewClient(cfg.GraphAPIBase, cfg.PhoneNumberID, cfg.AccessToken)
	gate := service.NewPermissionGate(control)
	bridge := service.NewBridge(engine, control, gate, records)

	h := handler.NewHandler(bridge, hub, records, cfg.VerifyToken)

	go hub.Run()

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: h.NewRouter(),
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	hub.CloseAll()
	log.Info().Msg("Server stopped")
}

func initLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer = zerolog.ConsoleWriter{Out: os.Stdout}
	if cfg.LogFile != "" {
		w = zerolog.MultiLevelWriter(w, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
		})
	}
	log.Logger = zerolog.New(w).With().Timestamp().Caller().Logger()
}
