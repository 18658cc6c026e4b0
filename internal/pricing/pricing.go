// Package pricing maps model identifiers to USD cost. Tables are loaded
// once from embedded JSON and never change afterwards.
package pricing

import (
	"embed"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/agentmonitor/agentmonitor/internal/domain"
)

//go:embed data/*.json
var dataFS embed.FS

const mTok = 1_000_000.0

type modelPricing struct {
	inputPerToken      float64
	outputPerToken     float64
	cacheReadPerToken  float64
	cacheWritePerToken float64
}

type registry struct {
	models  map[string]modelPricing
	aliases map[string]string
}

type dataFile struct {
	Models map[string]dataModel `json:"models"`
}

type dataModel struct {
	Aliases               []string `json:"aliases"`
	InputCostPerMTok      float64  `json:"inputCostPerMTok"`
	OutputCostPerMTok     float64  `json:"outputCostPerMTok"`
	CacheReadCostPerMTok  float64  `json:"cacheReadCostPerMTok"`
	CacheWriteCostPerMTok float64  `json:"cacheWriteCostPerMTok"`
}

var (
	loadOnce sync.Once
	tables   *registry
)

func load() *registry {
	loadOnce.Do(func() {
		r := &registry{
			models:  make(map[string]modelPricing),
			aliases: make(map[string]string),
		}
		entries, err := dataFS.ReadDir("data")
		if err != nil {
			log.Warn().Err(err).Msg("pricing data unavailable")
			tables = r
			return
		}
		for _, entry := range entries {
			raw, readErr := dataFS.ReadFile("data/" + entry.Name())
			if readErr != nil {
				log.Warn().Err(readErr).Str("file", entry.Name()).Msg("skipping pricing file")
				continue
			}
			var file dataFile
			if unmarshalErr := json.Unmarshal(raw, &file); unmarshalErr != nil {
				log.Warn().Err(unmarshalErr).Str("file", entry.Name()).Msg("skipping malformed pricing file")
				continue
			}
			r.addProvider(file)
		}
		tables = r
	})
	return tables
}

func (r *registry) addProvider(file dataFile) {
	for name, m := range file.Models {
		r.models[name] = modelPricing{
			inputPerToken:      m.InputCostPerMTok / mTok,
			outputPerToken:     m.OutputCostPerMTok / mTok,
			cacheReadPerToken:  m.CacheReadCostPerMTok / mTok,
			cacheWritePerToken: m.CacheWriteCostPerMTok / mTok,
		}
		for _, alias := range m.Aliases {
			r.aliases[alias] = name
		}
	}
}

func (r *registry) lookup(model string) (modelPricing, bool) {
	normalized := normalizeModelName(model)
	if p, ok := r.models[normalized]; ok {
		return p, true
	}
	if canonical, ok := r.aliases[normalized]; ok {
		p, found := r.models[canonical]
		return p, found
	}
	return modelPricing{}, false
}

func normalizeModelName(model string) string {
	model = strings.TrimPrefix(model, "anthropic/")
	model = strings.TrimPrefix(model, "openai/")
	model = strings.TrimPrefix(model, "google/")
	return model
}

// Cost computes the USD cost for a model and token counts. A nil result
// means the model is not in any pricing table.
func Cost(model string, tokens domain.TokenCounts) *float64 {
	p, ok := load().lookup(model)
	if !ok {
		return nil
	}
	cost := float64(tokens.Input)*p.inputPerToken +
		float64(tokens.Output)*p.outputPerToken +
		float64(tokens.CacheRead)*p.cacheReadPerToken +
		float64(tokens.CacheWrite)*p.cacheWritePerToken
	return &cost
}

// Known reports whether a model resolves to a pricing table entry.
func Known(model string) bool {
	_, ok := load().lookup(model)
	return ok
}
