package command

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"qms/queue-engine/internal/config"
	"qms/queue-engine/internal/store/postgres"
)

type Migrate struct {
	Logger *logrus.Logger
}

func (cmd Migrate) Command(ctx context.Context, cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply the token schema to DB_DSN",
		RunE: func(_ *cobra.Command, _ []string) error {
			return cmd.main(ctx, cfg)
		},
	}
}

func (cmd Migrate) main(ctx context.Context, cfg config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("migrate: DB_DSN is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "migrate: connect postgres")
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		return errors.Wrap(err, "migrate: apply")
	}
	cmd.Logger.Info("migrations applied")
	return nil
}
