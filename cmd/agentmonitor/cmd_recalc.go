package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/agentmonitor/agentmonitor/internal/config"
	"github.com/agentmonitor/agentmonitor/internal/pricing"
	"github.com/agentmonitor/agentmonitor/internal/store/sqlite"
)

func init() {
	rootCmd.AddCommand(recalcCmd)
}

var recalcCmd = &cobra.Command{
	Use:   "recalc-cost",
	Short: "Recompute cost_usd for stored events from the current pricing table",
	RunE:  runRecalc,
}

func runRecalc(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	ctx := cmd.Context()

	store, err := sqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	updated, err := store.Events().RecalculateCosts(ctx, pricing.Cost)
	if err != nil {
		return err
	}

	log.Info().Int64("updated", updated).Msg("recalculated event costs")
	return nil
}
