package command

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"qms/queue-engine/internal/config"
	"qms/queue-engine/internal/models"
)

// Score prints the score breakdown of a hypothetical token, using the
// configured scoring options.
type Score struct{}

type scoreFlags struct {
	kind      string
	scheduled string
	arrival   string
	now       string
}

func (cmd Score) Command(cfg config.Config) *cobra.Command {
	var flags scoreFlags
	c := &cobra.Command{
		Use:   "score",
		Short: "explain the priority score of a token",
		Example: "  queue-engine score --kind scheduled --scheduled 2026-03-02T10:00:00Z " +
			"--arrival 2026-03-02T09:50:00Z --now 2026-03-02T09:50:00Z",
		RunE: func(c *cobra.Command, _ []string) error {
			return cmd.main(c, cfg, flags)
		},
	}
	c.Flags().StringVar(&flags.kind, "kind", string(models.KindWalkIn), "reservation kind: scheduled or walk_in")
	c.Flags().StringVar(&flags.scheduled, "scheduled", "", "scheduled slot (RFC3339), scheduled tokens only")
	c.Flags().StringVar(&flags.arrival, "arrival", "", "arrival time (RFC3339), defaults to --now")
	c.Flags().StringVar(&flags.now, "now", "", "evaluation time (RFC3339), defaults to the current time")
	return c
}

func (cmd Score) main(c *cobra.Command, cfg config.Config, flags scoreFlags) error {
	now := time.Now().UTC()
	if flags.now != "" {
		parsed, err := time.Parse(time.RFC3339, flags.now)
		if err != nil {
			return errors.Wrap(err, "score: --now")
		}
		now = parsed
	}
	arrival := now
	if flags.arrival != "" {
		parsed, err := time.Parse(time.RFC3339, flags.arrival)
		if err != nil {
			return errors.Wrap(err, "score: --arrival")
		}
		arrival = parsed
	}

	kind, ok := models.ParseReservationKind(flags.kind)
	if !ok {
		return errors.Errorf("score: unknown kind %q", flags.kind)
	}

	var token models.Token
	var err error
	switch kind {
	case models.KindWalkIn:
		token, err = models.NewWalkIn("cli", "cli", arrival)
	case models.KindScheduled:
		if flags.scheduled == "" {
			return errors.New("score: --scheduled is required for scheduled tokens")
		}
		slot, parseErr := time.Parse(time.RFC3339, flags.scheduled)
		if parseErr != nil {
			return errors.Wrap(parseErr, "score: --scheduled")
		}
		token, err = models.NewScheduled("cli", "cli", slot, arrival)
		token = token.CheckIn(arrival)
	}
	if err != nil {
		return errors.Wrap(err, "score: build token")
	}

	encoder := json.NewEncoder(c.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(cfg.Scoring.Explain(token, now))
}
