package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/keiranjprice101/dfn/agent"
)

func main() {
	logger := log.New()
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		logger.SetLevel(log.DebugLevel)
	}

	cfg := agent.ConfigFromEnv()
	if cfg.WebhookURL == "" {
		logger.Fatal("missing webhook config: set WEBHOOK_URL to the collector endpoint")
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := agent.NewSupervisor(cfg, logger)
	if err := sup.Run(ctx); err != nil {
		logger.Fatalf("agent terminated: %v", err)
	}
	logger.Info("agent stopped")
}
