package importer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/agentmonitor/agentmonitor/internal/domain"
)

// parseCodexFile stages the events of one Codex rollout file. Codex only
// records cumulative token totals, so each token_count line becomes a
// synthetic llm_response carrying the delta, and a synthetic session_end
// closes the rollout with the final totals.
func (imp *Importer) parseCodexFile(path string, opts Options) []*stagedEvent {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var lines []map[string]any
	for _, raw := range strings.Split(string(content), "\n") {
		var line map[string]any
		if err := json.Unmarshal([]byte(raw), &line); err == nil {
			lines = append(lines, line)
		}
	}

	sessionID := fileStem(path)
	var cwd, sessionTS *string
	for _, line := range lines {
		if lt := strField(line, "type"); lt == nil || *lt != "session_meta" {
			continue
		}
		payload := objField(line, "payload")
		if id := strField(payload, "id"); id != nil {
			sessionID = *id
		}
		cwd = strField(payload, "cwd")
		sessionTS = strField(payload, "timestamp")
		if sessionTS == nil {
			sessionTS = strField(line, "timestamp")
		}
		break
	}

	// The whole rollout is one session, so the date scope applies to the
	// session start rather than per line.
	if !inWindow(sessionTS, opts) {
		return nil
	}

	var project *string
	if cwd != nil {
		project = pathBasename(*cwd)
	}
	defaultModel := readCodexModel(opts.CodexDir)

	var (
		events                               []*stagedEvent
		prevIn, prevOut, prevCache, eventIdx int64
	)

	for _, line := range lines {
		var lineType string
		if lt := strField(line, "type"); lt != nil {
			lineType = *lt
		}
		timestamp := strField(line, "timestamp")
		payload := objField(line, "payload")

		switch {
		case lineType == "session_meta":
			meta := map[string]any{"cwd": cwd}
			if originator := strField(payload, "originator"); originator != nil {
				meta["cli_version"] = *originator
			}
			events = append(events, &stagedEvent{
				eventID:         codexEventID(sessionID, "meta"),
				sessionID:       sessionID,
				agentType:       "codex",
				eventType:       domain.EventSessionStart,
				status:          "success",
				project:         project,
				clientTimestamp: timestamp,
				metadata:        meta,
				model:           defaultModel,
			})

		case lineType == "event_msg" && payloadType(payload) == "token_count":
			usage := objField(objField(payload, "info"), "total_token_usage")
			totalIn := intField(usage, "input_tokens")
			totalOut := intField(usage, "output_tokens")
			totalCache := intField(usage, "cached_input_tokens")

			deltaIn := totalIn - prevIn
			deltaOut := totalOut - prevOut
			deltaCache := totalCache - prevCache
			prevIn, prevOut, prevCache = totalIn, totalOut, totalCache

			if deltaIn <= 0 && deltaOut <= 0 {
				continue
			}

			var cost *float64
			if defaultModel != nil && imp.cost != nil {
				cost = imp.cost(*defaultModel, domain.TokenCounts{
					Input:     deltaIn,
					Output:    deltaOut,
					CacheRead: deltaCache,
				})
			}

			events = append(events, &stagedEvent{
				eventID:         codexEventID(sessionID, tokenKey(eventIdx)),
				sessionID:       sessionID,
				agentType:       "codex",
				eventType:       domain.EventLLMResponse,
				status:          "success",
				tokensIn:        deltaIn,
				tokensOut:       deltaOut,
				project:         project,
				clientTimestamp: timestamp,
				metadata: map[string]any{
					"_synthetic": true,
					"_source":    "codex_session_jsonl",
				},
				model:           defaultModel,
				costUSD:         cost,
				cacheReadTokens: deltaCache,
			})
			eventIdx++

		case lineType == "response_item":
			patch := extractPatchContent(payload)
			if patch == "" {
				continue
			}
			meta := parsePatchMeta(patch)
			if meta == nil {
				continue
			}
			tool := "apply_patch"
			events = append(events, &stagedEvent{
				eventID:         codexEventID(sessionID, patchKey(eventIdx)),
				sessionID:       sessionID,
				agentType:       "codex",
				eventType:       domain.EventToolUse,
				toolName:        &tool,
				status:          "success",
				project:         project,
				clientTimestamp: timestamp,
				metadata: map[string]any{
					"file_path":     meta.filePath,
					"lines_added":   meta.linesAdded,
					"lines_removed": meta.linesRemoved,
				},
			})
			eventIdx++
		}
	}

	if len(events) > 0 {
		var lastTS *string
		if len(lines) > 0 {
			lastTS = strField(lines[len(lines)-1], "timestamp")
		}
		events = append(events, &stagedEvent{
			eventID:         codexEventID(sessionID, "end"),
			sessionID:       sessionID,
			agentType:       "codex",
			eventType:       domain.EventSessionEnd,
			status:          "success",
			project:         project,
			clientTimestamp: lastTS,
			metadata: map[string]any{
				"total_tokens_in":  prevIn,
				"total_tokens_out": prevOut,
				"total_cache_read": prevCache,
			},
			model: defaultModel,
		})
	}
	return events
}

func payloadType(payload map[string]any) string {
	if pt := strField(payload, "type"); pt != nil {
		return *pt
	}
	return ""
}

func tokenKey(idx int64) string {
	return "token:" + strconv.FormatInt(idx, 10)
}

func patchKey(idx int64) string {
	return "patch:" + strconv.FormatInt(idx, 10)
}

// extractPatchContent pulls the raw apply_patch text out of a Codex tool
// call. Patches arrive either as a direct apply_patch call or wrapped in
// an exec_command invocation.
func extractPatchContent(payload map[string]any) string {
	name := strField(payload, "name")
	if name == nil {
		return ""
	}

	if *name == "apply_patch" {
		if input := strField(payload, "input"); input != nil {
			return *input
		}
		return ""
	}

	if *name == "exec_command" {
		arguments := strField(payload, "arguments")
		if arguments == nil {
			return ""
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(*arguments), &parsed); err == nil {
			if cmd := strField(parsed, "cmd"); cmd != nil && strings.HasPrefix(*cmd, "apply_patch") {
				return *cmd
			}
		}
		if strings.HasPrefix(*arguments, "apply_patch") || strings.Contains(*arguments, "*** Begin Patch") {
			return *arguments
		}
	}
	return ""
}

type patchMeta struct {
	filePath     string
	linesAdded   int64
	linesRemoved int64
}

func parsePatchMeta(patch string) *patchMeta {
	var meta patchMeta

	for _, line := range strings.Split(patch, "\n") {
		found := false
		for _, prefix := range []string{"*** Update File: ", "*** Add File: ", "*** Delete File: "} {
			if rest, ok := strings.CutPrefix(line, prefix); ok {
				meta.filePath = strings.TrimSpace(rest)
				found = true
				break
			}
		}
		if found {
			continue
		}
		switch {
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			meta.linesAdded++
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			meta.linesRemoved++
		}
	}

	if meta.filePath == "" {
		return nil
	}
	return &meta
}

// readCodexModel reads the configured model name out of the Codex
// config.toml. A full TOML parser is overkill for one quoted top-level key.
func readCodexModel(baseDir string) *string {
	root := codexHome(baseDir)
	if root == "" {
		return nil
	}
	content, err := os.ReadFile(filepath.Join(root, "config.toml"))
	if err != nil {
		return nil
	}

	for _, raw := range strings.Split(string(content), "\n") {
		line := strings.TrimSpace(raw)
		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) != "model" {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
			model := value[1 : len(value)-1]
			return &model
		}
	}
	return nil
}
