// Package runtime owns the process lifecycle: ordered startup, the
// periodic background tasks, and graceful shutdown.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/agentmonitor/agentmonitor/internal/api"
	"github.com/agentmonitor/agentmonitor/internal/config"
	"github.com/agentmonitor/agentmonitor/internal/domain"
	"github.com/agentmonitor/agentmonitor/internal/gitinfo"
	"github.com/agentmonitor/agentmonitor/internal/importer"
	"github.com/agentmonitor/agentmonitor/internal/ingest"
	"github.com/agentmonitor/agentmonitor/internal/pricing"
	"github.com/agentmonitor/agentmonitor/internal/server"
	"github.com/agentmonitor/agentmonitor/internal/sse"
	"github.com/agentmonitor/agentmonitor/internal/store/sqlite"
)

const sweepInterval = 60 * time.Second

type Runtime struct {
	cfg      *config.Config
	store    *sqlite.Store
	hub      *sse.Hub
	ingest   *ingest.Service
	importer *importer.Importer
	api      *api.API
	srv      *server.Server
}

// New builds the full component graph in dependency order. A failure here
// is fatal; nothing is left running.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	store, err := sqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("runtime.New: %w", err)
	}

	hub := sse.NewHub(cfg.MaxSSEClients)
	svc := ingest.NewService(store.Events(), store.Sessions(), hub, pricing.Cost, cfg.MaxPayloadKB).
		WithBranchResolver(gitinfo.NewResolver(cfg.ProjectsRoot))

	handlers := api.New(cfg, store, svc, hub)

	return &Runtime{
		cfg:      cfg,
		store:    store,
		hub:      hub,
		ingest:   svc,
		importer: importer.NewImporter(svc, store.ImportState(), pricing.Cost),
		api:      handlers,
		srv:      server.New(cfg, handlers),
	}, nil
}

// Store exposes the store for the CLI subcommands that bypass HTTP.
func (rt *Runtime) Store() *sqlite.Store {
	return rt.store
}

// Importer exposes the importer for the import subcommand.
func (rt *Runtime) Importer() *importer.Importer {
	return rt.importer
}

// Run serves until ctx is cancelled, then shuts the pieces down in
// reverse order of startup.
func (rt *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("host", rt.cfg.Host).Int("port", rt.cfg.Port).Msg("listening")
		return rt.srv.Start(gctx)
	})
	g.Go(func() error {
		rt.statsLoop(gctx)
		return nil
	})
	g.Go(func() error {
		rt.sweepLoop(gctx)
		return nil
	})
	if rt.cfg.AutoImportIntervalMins > 0 {
		g.Go(func() error {
			rt.importLoop(gctx)
			return nil
		})
	}

	rt.api.SetReady(true)

	<-gctx.Done()
	rt.api.SetReady(false)
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	rt.hub.Shutdown()

	err := g.Wait()
	if closeErr := rt.store.Close(); closeErr != nil {
		log.Error().Err(closeErr).Msg("store close")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// statsLoop publishes the unfiltered stats snapshot, plus the usage
// monitor rollup, on the configured interval. Nothing is computed while
// no client listens.
func (rt *Runtime) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(rt.cfg.StatsIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.broadcastStats(ctx)
		}
	}
}

func (rt *Runtime) broadcastStats(ctx context.Context) {
	if rt.hub.ClientCount() == 0 {
		return
	}

	stats, err := rt.store.Stats().Stats(ctx, domain.StatsFilters{})
	if err != nil {
		log.Warn().Err(err).Msg("stats broadcast query failed")
		return
	}
	usage, err := rt.store.Stats().UsageMonitor(ctx, api.UsageLimits(rt.cfg))
	if err != nil {
		log.Warn().Err(err).Msg("usage monitor query failed")
		return
	}

	payload := toPayload(stats)
	payload["usage_monitor"] = usage
	rt.hub.Publish(sse.TypeStats, payload)
}

// sweepLoop demotes stale sessions once a minute and tells live clients
// when anything changed.
func (rt *Runtime) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := rt.store.Sessions().Sweep(ctx, rt.cfg.SessionTimeoutMinutes)
			if err != nil {
				log.Warn().Err(err).Msg("idle sweep failed")
				continue
			}
			if (result.Idled > 0 || result.Ended > 0) && rt.hub.ClientCount() > 0 {
				rt.hub.Publish(sse.TypeSessionUpdate, map[string]any{
					"type":  "idle_check",
					"idled": result.Idled,
					"ended": result.Ended,
				})
			}
		}
	}
}

// importLoop re-imports agent logs on the configured interval so activity
// from agents without live hooks still shows up.
func (rt *Runtime) importLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(rt.cfg.AutoImportIntervalMins) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := rt.importer.Run(ctx, importer.Options{
				Source:       importer.SourceAll,
				MaxPayloadKB: rt.cfg.MaxPayloadKB,
			})
			if result.TotalEventsImported > 0 {
				log.Info().
					Int("events", result.TotalEventsImported).
					Int("files", result.TotalFiles-result.SkippedFiles).
					Msg("auto-import")
				if rt.hub.ClientCount() > 0 {
					rt.hub.Publish(sse.TypeSessionUpdate, map[string]any{
						"type":     "auto_import",
						"imported": result.TotalEventsImported,
					})
				}
			}
		}
	}
}

func toPayload(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return map[string]any{}
	}
	return payload
}
