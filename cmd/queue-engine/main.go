package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"qms/queue-engine/cmd/queue-engine/command"
	"qms/queue-engine/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("log_level", cfg.LogLevel).Warn("unknown log level, using info")
	}

	root := &cobra.Command{
		Use:           "queue-engine",
		Short:         "Branch token priority queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		command.Serve{Logger: logger}.Command(ctx, cfg),
		command.Migrate{Logger: logger}.Command(ctx, cfg),
		command.Score{}.Command(cfg),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		logger.WithError(err).Fatal("queue-engine failed")
	}
}
