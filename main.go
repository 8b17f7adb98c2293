package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"go_dodge_server/config"
	"go_dodge_server/eventlog"
	"go_dodge_server/gateway"
	"go_dodge_server/logger"
	"go_dodge_server/rooms"
)

// originChecker allows every origin when the list is empty.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		return slices.Contains(allowed, r.Header.Get("Origin"))
	}
}

func CreateServer(cfg config.Config, registry *rooms.Registry, gw *gateway.Gateway) http.Handler {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(ctx *gin.Context) { ctx.String(http.StatusOK, "healthy") })
	r.GET("/rooms", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"rooms": registry.ListRooms()})
	})
	r.GET("/ws", gin.WrapH(gw))

	opts := cors.Options{
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}
	if len(cfg.AllowedOrigins) > 0 {
		opts.AllowedOrigins = cfg.AllowedOrigins
	} else {
		opts.AllowOriginFunc = func(string) bool { return true }
	}
	return cors.New(opts).Handler(r)
}

func main() {
	cfg := config.Load()
	logger.Setup(cfg.Debug)

	var recorder eventlog.Recorder = eventlog.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		recorder = eventlog.NewKafkaRecorder(cfg.KafkaBrokers, cfg.KafkaTopic)
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("room event log enabled")
	}

	registry := rooms.NewRegistry(cfg.MaxPlayers)
	gw := gateway.New(gateway.Options{
		Registry:     registry,
		Recorder:     recorder,
		BlockedNames: cfg.BlockedNames,
		JWTKey:       cfg.JWTKey,
		UpdateRate:   cfg.UpdateRate,
		CheckOrigin:  originChecker(cfg.AllowedOrigins),
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           CreateServer(cfg, registry, gw),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("port", cfg.Port).Msg("server is running")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	// hijacked websocket connections are not covered by server.Shutdown
	gw.Shutdown()
	if err := recorder.Close(); err != nil {
		log.Warn().Err(err).Msg("closing event log")
	}
}
