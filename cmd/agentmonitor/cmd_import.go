package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentmonitor/agentmonitor/internal/config"
	"github.com/agentmonitor/agentmonitor/internal/importer"
	"github.com/agentmonitor/agentmonitor/internal/ingest"
	"github.com/agentmonitor/agentmonitor/internal/pricing"
	"github.com/agentmonitor/agentmonitor/internal/store/sqlite"
)

func init() {
	importCmd.Flags().StringVar(&importFlags.source, "source", "all", "log source to import (claude-code, codex, all)")
	importCmd.Flags().StringVar(&importFlags.from, "from", "", "only import events on or after this date (YYYY-MM-DD)")
	importCmd.Flags().StringVar(&importFlags.to, "to", "", "only import events on or before this date (YYYY-MM-DD)")
	importCmd.Flags().BoolVar(&importFlags.dryRun, "dry-run", false, "parse and count without writing anything")
	importCmd.Flags().BoolVar(&importFlags.force, "force", false, "re-import files whose content has not changed")
	importCmd.Flags().StringVar(&importFlags.claudeDir, "claude-dir", "", "override the Claude Code projects directory")
	importCmd.Flags().StringVar(&importFlags.codexDir, "codex-dir", "", "override the Codex home directory")
	rootCmd.AddCommand(importCmd)
}

var importFlags struct {
	source    string
	from      string
	to        string
	dryRun    bool
	force     bool
	claudeDir string
	codexDir  string
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import historical agent logs into the database",
	RunE:  runImport,
}

func runImport(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	ctx := cmd.Context()

	from, err := parseDay(importFlags.from, false)
	if err != nil {
		return fmt.Errorf("--from: %w", err)
	}
	to, err := parseDay(importFlags.to, true)
	if err != nil {
		return fmt.Errorf("--to: %w", err)
	}

	store, err := sqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	// No hub: a one-shot import has no live clients to notify.
	svc := ingest.NewService(store.Events(), store.Sessions(), nil, pricing.Cost, cfg.MaxPayloadKB)
	imp := importer.NewImporter(svc, store.ImportState(), pricing.Cost)

	result := imp.Run(ctx, importer.Options{
		Source:       importFlags.source,
		From:         from,
		To:           to,
		DryRun:       importFlags.dryRun,
		Force:        importFlags.force,
		ClaudeDir:    importFlags.claudeDir,
		CodexDir:     importFlags.codexDir,
		MaxPayloadKB: cfg.MaxPayloadKB,
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// parseDay turns a YYYY-MM-DD flag into a UTC instant. The end of a day
// window is exclusive, so the upper bound is midnight of the next day.
func parseDay(value string, endOfDay bool) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	day, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		day = day.Add(24 * time.Hour)
	}
	return &day, nil
}
