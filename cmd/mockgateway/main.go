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

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/marketmind/chatstream/internal/gateway"
)

// config for the development gateway.
type mockConfig struct {
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	WSAddr     string `envconfig:"MOCK_WS_ADDR" default:":8080"`
	APIAddr    string `envconfig:"MOCK_API_ADDR" default:":8081"`
	JWTSecret  string `envconfig:"MOCK_JWT_SECRET" default:"dev-secret"`
	DevUserID  string `envconfig:"MOCK_DEV_USER" default:"dev-user"`
	PrintToken bool   `envconfig:"MOCK_PRINT_TOKEN" default:"true"`
}

func main() {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENVIRONMENT") != "production" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = logger

	var cfg mockConfig
	if err := envconfig.Process("", &cfg); err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	store := gateway.NewStore()
	api := gateway.NewAPI(store, cfg.JWTSecret, logger)
	ws := gateway.NewWSHandler(store, cfg.JWTSecret, gateway.DefaultLimits(), logger)

	if cfg.PrintToken {
		tok, err := gateway.SignToken(cfg.JWTSecret, cfg.DevUserID, []string{gateway.ScopeChat})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to mint dev token")
		}
		fmt.Printf("GATEWAY_TOKEN=%s\n", tok)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws/chat", ws)
	wsServer := &http.Server{Addr: cfg.WSAddr, Handler: mux}

	go func() {
		logger.Info().Str("addr", cfg.WSAddr).Msg("streaming endpoint listening")
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("ws server failed")
		}
	}()
	go func() {
		if err := api.Listen(cfg.APIAddr); err != nil {
			logger.Fatal().Err(err).Msg("api server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = wsServer.Shutdown(shutdownCtx)
	_ = api.Shutdown()
}
