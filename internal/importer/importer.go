// Package importer backfills the event store from agent session logs on
// disk. Claude Code keeps per-project JSONL transcripts under
// ~/.claude/projects and Codex keeps rollout JSONL files under
// ~/.codex/sessions. Imported events carry deterministic event ids so
// re-running an import never duplicates rows.
package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentmonitor/agentmonitor/internal/contract"
	"github.com/agentmonitor/agentmonitor/internal/domain"
	"github.com/agentmonitor/agentmonitor/internal/ingest"
)

const (
	SourceClaudeCode = "claude-code"
	SourceCodex      = "codex"
	SourceAll        = "all"
)

// Options controls one import run. From and To scope the run to a time
// window; a scoped run never records import state so a later full run can
// still pick up the rest of the file.
type Options struct {
	Source       string
	From         *time.Time
	To           *time.Time
	DryRun       bool
	Force        bool
	ClaudeDir    string
	CodexDir     string
	MaxPayloadKB int
}

// FileResult reports the outcome for one discovered log file.
type FileResult struct {
	Path             string `json:"path"`
	Source           string `json:"source"`
	EventsFound      int    `json:"events_found"`
	EventsImported   int    `json:"events_imported"`
	SkippedDuplicate int    `json:"skipped_duplicate"`
	SkippedUnchanged bool   `json:"skipped_unchanged"`
}

// Result aggregates a whole import run.
type Result struct {
	Files               []FileResult `json:"files"`
	TotalFiles          int          `json:"total_files"`
	TotalEventsFound    int          `json:"total_events_found"`
	TotalEventsImported int          `json:"total_events_imported"`
	TotalDuplicates     int          `json:"total_duplicates"`
	SkippedFiles        int          `json:"skipped_files"`
}

// stagedEvent is a parsed log record before truncation and persistence.
type stagedEvent struct {
	eventID          string
	sessionID        string
	agentType        string
	eventType        string
	toolName         *string
	status           string
	tokensIn         int64
	tokensOut        int64
	branch           *string
	project          *string
	durationMS       *int64
	clientTimestamp  *string
	metadata         map[string]any
	model            *string
	costUSD          *float64
	cacheReadTokens  int64
	cacheWriteTokens int64
}

type Importer struct {
	svc   *ingest.Service
	state domain.ImportStateRepository
	cost  domain.CostFn
}

func NewImporter(svc *ingest.Service, state domain.ImportStateRepository, cost domain.CostFn) *Importer {
	return &Importer{svc: svc, state: state, cost: cost}
}

// Run discovers and imports log files for the selected sources.
func (imp *Importer) Run(ctx context.Context, opts Options) *Result {
	result := &Result{Files: make([]FileResult, 0)}

	if opts.Source == SourceClaudeCode || opts.Source == SourceAll || opts.Source == "" {
		for _, path := range DiscoverClaudeLogs(opts.ClaudeDir) {
			result.Files = append(result.Files, imp.processFile(ctx, path, SourceClaudeCode, opts, imp.parseClaudeFile))
		}
	}
	if opts.Source == SourceCodex || opts.Source == SourceAll || opts.Source == "" {
		for _, path := range DiscoverCodexLogs(opts.CodexDir) {
			result.Files = append(result.Files, imp.processFile(ctx, path, SourceCodex, opts, imp.parseCodexFile))
		}
	}

	result.TotalFiles = len(result.Files)
	for _, f := range result.Files {
		result.TotalEventsFound += f.EventsFound
		result.TotalEventsImported += f.EventsImported
		result.TotalDuplicates += f.SkippedDuplicate
		if f.SkippedUnchanged {
			result.SkippedFiles++
		}
	}
	return result
}

type parseFunc func(path string, opts Options) []*stagedEvent

func (imp *Importer) processFile(ctx context.Context, path, source string, opts Options, parse parseFunc) FileResult {
	res := FileResult{Path: path, Source: source}

	hash, hashErr := hashFile(path)
	if !opts.Force && hashErr == nil {
		if st, err := imp.state.Get(ctx, path); err == nil && st.ContentHash == hash {
			res.SkippedUnchanged = true
			return res
		}
	}

	staged := parse(path, opts)
	res.EventsFound = len(staged)
	res.EventsImported, res.SkippedDuplicate = imp.importEvents(ctx, staged, opts)

	dateScoped := opts.From != nil || opts.To != nil
	if !opts.DryRun && !dateScoped && len(staged) > 0 && hashErr == nil {
		var size int64
		if info, err := os.Stat(path); err == nil {
			size = info.Size()
		}
		st := &domain.ImportState{
			FilePath:    path,
			Source:      source,
			ContentHash: hash,
			FileSize:    size,
			RecordCount: int64(res.EventsImported),
		}
		if err := imp.state.Put(ctx, st); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("record import state")
		}
	}
	return res
}

func (imp *Importer) importEvents(ctx context.Context, staged []*stagedEvent, opts Options) (imported, duplicates int) {
	if opts.DryRun {
		return len(staged), 0
	}

	for _, ev := range staged {
		truncated := contract.TruncateMetadata(ev.metadata, opts.MaxPayloadKB)
		incoming := &domain.IncomingEvent{
			EventID:          &ev.eventID,
			SessionID:        ev.sessionID,
			AgentType:        ev.agentType,
			EventType:        ev.eventType,
			ToolName:         ev.toolName,
			Status:           ev.status,
			TokensIn:         ev.tokensIn,
			TokensOut:        ev.tokensOut,
			Branch:           ev.branch,
			Project:          ev.project,
			DurationMS:       ev.durationMS,
			ClientTimestamp:  ev.clientTimestamp,
			Metadata:         truncated.Value,
			PayloadTruncated: truncated.Truncated,
			Model:            ev.model,
			CostUSD:          ev.costUSD,
			CacheReadTokens:  ev.cacheReadTokens,
			CacheWriteTokens: ev.cacheWriteTokens,
			Source:           "import",
		}

		_, err := imp.svc.Insert(ctx, incoming)
		switch {
		case errors.Is(err, domain.ErrDuplicate):
			duplicates++
		case err != nil:
			log.Warn().Err(err).Str("session_id", ev.sessionID).Msg("import insert failed")
		default:
			imported++
		}
	}
	return imported, duplicates
}

// DiscoverClaudeLogs lists the JSONL transcripts under the Claude Code
// projects directory. Each project is one directory level deep.
func DiscoverClaudeLogs(baseDir string) []string {
	root := baseDir
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		root = filepath.Join(home, ".claude")
	}

	projectsDir := filepath.Join(root, "projects")
	projects, err := os.ReadDir(projectsDir)
	if err != nil {
		return nil
	}

	var files []string
	for _, project := range projects {
		if !project.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(projectsDir, project.Name()))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".jsonl") {
				files = append(files, filepath.Join(projectsDir, project.Name(), entry.Name()))
			}
		}
	}
	sort.Strings(files)
	return files
}

// DiscoverCodexLogs lists the JSONL rollout files under the Codex sessions
// directory, which nests by date.
func DiscoverCodexLogs(baseDir string) []string {
	root := codexHome(baseDir)
	if root == "" {
		return nil
	}

	var files []string
	_ = filepath.WalkDir(filepath.Join(root, "sessions"), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".jsonl") {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files
}

func codexHome(baseDir string) string {
	if baseDir != "" {
		return baseDir
	}
	if env := os.Getenv("CODEX_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".codex")
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// shortHash derives the stable suffix of a deterministic event id.
func shortHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:32]
}

func claudeEventID(sessionID string, line int) string {
	return "import-cc-" + shortHash(fmt.Sprintf("claude-code:%s:%d", sessionID, line))
}

func codexEventID(sessionID, kind string) string {
	return "import-cdx-" + shortHash(fmt.Sprintf("codex:%s:%s", sessionID, kind))
}

// inWindow reports whether a record timestamp falls inside the run's
// date scope. Records without a parseable timestamp always pass.
func inWindow(raw *string, opts Options) bool {
	if raw == nil || (opts.From == nil && opts.To == nil) {
		return true
	}
	ts, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		return true
	}
	if opts.From != nil && ts.Before(*opts.From) {
		return false
	}
	if opts.To != nil && ts.After(*opts.To) {
		return false
	}
	return true
}

func strField(obj map[string]any, key string) *string {
	if s, ok := obj[key].(string); ok {
		return &s
	}
	return nil
}

func intField(obj map[string]any, key string) int64 {
	if f, ok := obj[key].(float64); ok {
		return int64(f)
	}
	return 0
}

func floatField(obj map[string]any, key string) (float64, bool) {
	f, ok := obj[key].(float64)
	return f, ok
}

func objField(obj map[string]any, key string) map[string]any {
	m, _ := obj[key].(map[string]any)
	return m
}

func pathBasename(path string) *string {
	base := filepath.Base(path)
	if base == "" || base == "." || base == string(filepath.Separator) {
		return nil
	}
	return &base
}

func sliceChars(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}

func fileStem(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
