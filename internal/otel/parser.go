// Package otel parses OTLP/JSON log and metric exports from coding
// agents into normalized events. Only the JSON encoding is supported;
// protobuf payloads are rejected at the HTTP layer.
package otel

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentmonitor/agentmonitor/internal/domain"
)

// LogEvent is one agent telemetry record extracted from resourceLogs.
type LogEvent struct {
	SessionID        string
	AgentType        string
	EventType        string
	ToolName         *string
	Status           string
	TokensIn         int64
	TokensOut        int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	Model            *string
	CostUSD          *float64
	DurationMS       *int64
	Project          *string
	Branch           *string
	ClientTimestamp  *string
	Metadata         map[string]any
}

// MetricDelta is the per-datapoint change extracted from resourceMetrics
// after cumulative-to-delta conversion.
type MetricDelta struct {
	SessionID       string
	AgentType       string
	Model           *string
	TokensInDelta   int64
	TokensOutDelta  int64
	CacheReadDelta  int64
	CacheWriteDelta int64
	CostUSDDelta    float64
}

// claudeEventMap and codexEventMap translate exporter event names to the
// contract's event types.
var claudeEventMap = map[string]string{
	"claude_code.tool_result":        domain.EventToolUse,
	"claude_code.tool_use":           domain.EventToolUse,
	"claude_code.api_request":        domain.EventLLMRequest,
	"claude_code.api_response":       domain.EventLLMResponse,
	"claude_code.session_start":      domain.EventSessionStart,
	"claude_code.session_end":        domain.EventSessionEnd,
	"claude_code.file_change":        domain.EventFileChange,
	"claude_code.git_commit":         domain.EventGitCommit,
	"claude_code.plan_step":          domain.EventPlanStep,
	"claude_code.error":              domain.EventError,
	"claude_code.user_prompt":        domain.EventUserPrompt,
	"claude_code.user_prompt_submit": domain.EventUserPrompt,
}

var codexEventMap = map[string]string{
	"codex.tool_result":   domain.EventToolUse,
	"codex.tool_use":      domain.EventToolUse,
	"codex.tool_decision": domain.EventToolUse,
	"codex.api_request":   domain.EventLLMRequest,
	"codex.api_response":  domain.EventLLMResponse,
	"codex.session_start": domain.EventSessionStart,
	"codex.session_end":   domain.EventSessionEnd,
	"codex.file_change":   domain.EventFileChange,
	"codex.error":         domain.EventError,
	"codex.user_prompt":   domain.EventUserPrompt,
}

// suffixEventMap resolves unknown exporter prefixes by event-name suffix.
var suffixEventMap = map[string]string{
	"tool_result":        domain.EventToolUse,
	"tool_use":           domain.EventToolUse,
	"api_request":        domain.EventLLMRequest,
	"api_response":       domain.EventLLMResponse,
	"session_start":      domain.EventSessionStart,
	"session_end":        domain.EventSessionEnd,
	"file_change":        domain.EventFileChange,
	"git_commit":         domain.EventGitCommit,
	"plan_step":          domain.EventPlanStep,
	"error":              domain.EventError,
	"user_prompt":        domain.EventUserPrompt,
	"user_prompt_submit": domain.EventUserPrompt,
}

// skipEvents are high-volume exporter records that carry no signal.
var skipEvents = map[string]bool{
	"codex.sse_event":       true,
	"codex.websocket.event": true,
	"claude_code.response":  true,
	"codex.response":        true,
}

var tokenMetrics = map[string]bool{
	"claude_code.token.usage":   true,
	"codex_cli_rs.token.usage":  true,
	"gen_ai.client.token.usage": true,
}

var costMetrics = map[string]bool{
	"claude_code.cost.usage":   true,
	"codex_cli_rs.cost.usage":  true,
	"gen_ai.client.cost.usage": true,
}

// bodyExtractedKeys are lifted from the log body into event columns and
// removed from the stored metadata.
var bodyExtractedKeys = map[string]bool{
	"session_id":         true,
	"tool_name":          true,
	"model":              true,
	"input_tokens":       true,
	"output_tokens":      true,
	"cache_read_tokens":  true,
	"cache_write_tokens": true,
	"cost_usd":           true,
	"duration_ms":        true,
	"project":            true,
	"branch":             true,
}

// ParseLogs walks a resourceLogs payload and extracts every recognizable
// agent event. Unrecognized or skip-listed records are dropped silently.
func ParseLogs(payload map[string]any) []*LogEvent {
	var out []*LogEvent
	for _, rl := range asSlice(payload["resourceLogs"]) {
		resourceAttrs := resourceAttributes(rl)
		for _, sl := range asSlice(asMap(rl)["scopeLogs"]) {
			for _, lr := range asSlice(asMap(sl)["logRecords"]) {
				if ev := parseLogRecord(asMap(lr), resourceAttrs); ev != nil {
					out = append(out, ev)
				}
			}
		}
	}
	return out
}

func parseLogRecord(record map[string]any, resourceAttrs []any) *LogEvent {
	if record == nil {
		return nil
	}

	logAttrs := asSlice(record["attributes"])
	eventName := attrString(logAttrs, "event.name")
	if eventName != nil && skipEvents[*eventName] {
		return nil
	}

	bodyObj := parseBodyObject(record["body"])

	sessionID := firstString(
		attrString(logAttrs, "gen_ai.session.id"),
		attrString(logAttrs, "conversation.id"),
		attrString(resourceAttrs, "session.id"),
		attrString(resourceAttrs, "gen_ai.session.id"),
		attrString(resourceAttrs, "conversation.id"),
		mapString(bodyObj, "session_id"),
	)
	if sessionID == nil {
		return nil
	}

	agentType := resolveServiceName(resourceAttrs)

	resolvedName := eventName
	if resolvedName == nil {
		resolvedName = attrString(logAttrs, "name")
	}
	severity, _ := record["severityText"].(string)
	eventType := resolveEventType(agentType, resolvedName, severity)
	if eventType == "" {
		return nil
	}

	status := "success"
	if eventType == domain.EventError {
		status = "error"
	}

	ev := &LogEvent{
		SessionID: *sessionID,
		AgentType: agentType,
		EventType: eventType,
		Status:    status,
		ToolName: firstString(
			attrString(logAttrs, "gen_ai.tool.name"),
			attrString(logAttrs, "tool_name"),
			attrString(logAttrs, "tool.name"),
			mapString(bodyObj, "tool_name"),
		),
		Model: firstString(
			attrString(logAttrs, "gen_ai.request.model"),
			attrString(logAttrs, "model"),
			mapString(bodyObj, "model"),
		),
		TokensIn:         int64(numberOrZero(attrNumber(logAttrs, "gen_ai.usage.input_tokens"), mapNumber(bodyObj, "input_tokens"))),
		TokensOut:        int64(numberOrZero(attrNumber(logAttrs, "gen_ai.usage.output_tokens"), mapNumber(bodyObj, "output_tokens"))),
		CacheReadTokens:  int64(numberOrZero(attrNumber(logAttrs, "gen_ai.usage.cache_read_input_tokens"), mapNumber(bodyObj, "cache_read_tokens"))),
		CacheWriteTokens: int64(numberOrZero(attrNumber(logAttrs, "gen_ai.usage.cache_creation_input_tokens"), mapNumber(bodyObj, "cache_write_tokens"))),
		Project: firstString(
			attrString(logAttrs, "project"),
			attrString(resourceAttrs, "project"),
			mapString(bodyObj, "project"),
		),
		Branch: firstString(
			attrString(logAttrs, "branch"),
			attrString(resourceAttrs, "branch"),
			mapString(bodyObj, "branch"),
		),
		ClientTimestamp: nanosToISO(record["timeUnixNano"]),
	}

	if cost := firstNumber(attrNumber(logAttrs, "gen_ai.usage.cost"), mapNumber(bodyObj, "cost_usd")); cost != nil {
		ev.CostUSD = cost
	}
	if dur := firstNumber(
		attrNumber(logAttrs, "gen_ai.latency"),
		attrNumber(logAttrs, "duration_ms"),
		mapNumber(bodyObj, "duration_ms"),
	); dur != nil {
		ms := int64(*dur)
		ev.DurationMS = &ms
	}

	ev.Metadata = logMetadata(record, bodyObj)

	// User prompts often carry their text only as an attribute. A message
	// already present in the body wins.
	if eventType == domain.EventUserPrompt {
		if _, has := ev.Metadata["message"]; !has {
			if prompt := attrString(logAttrs, "gen_ai.prompt"); prompt != nil {
				ev.Metadata["message"] = *prompt
			}
		}
	}
	return ev
}

// logMetadata keeps the body fields that were not lifted into columns.
// String-only bodies become {"message": ...}.
func logMetadata(record map[string]any, bodyObj map[string]any) map[string]any {
	if bodyObj != nil {
		metadata := make(map[string]any)
		for k, v := range bodyObj {
			if !bodyExtractedKeys[k] {
				metadata[k] = v
			}
		}
		return metadata
	}
	if body := asMap(record["body"]); body != nil {
		if s, ok := body["stringValue"].(string); ok {
			return map[string]any{"message": s}
		}
	}
	return map[string]any{}
}

// DeltaTracker converts cumulative metric values to deltas. State is
// in-memory and keyed by session|agent|metric|model|type; an exporter
// restart resets to the new baseline.
type DeltaTracker struct {
	mu   sync.Mutex
	last map[string]float64
}

func NewDeltaTracker() *DeltaTracker {
	return &DeltaTracker{last: make(map[string]float64)}
}

// delta replaces the stored value and returns the positive change. The
// first observation counts in full; a decrease (counter reset) yields 0.
func (t *DeltaTracker) delta(key string, current float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, seen := t.last[key]
	t.last[key] = current
	if !seen {
		return current
	}
	if d := current - prev; d > 0 {
		return d
	}
	return 0
}

// ParseMetrics walks a resourceMetrics payload and returns the positive
// token and cost deltas. Cumulative sums go through the tracker; gauges
// and delta sums are taken as-is.
func ParseMetrics(payload map[string]any, tracker *DeltaTracker) []*MetricDelta {
	var out []*MetricDelta

	for _, rm := range asSlice(payload["resourceMetrics"]) {
		resourceAttrs := resourceAttributes(rm)
		agentType := resolveServiceName(resourceAttrs)

		sessionID := "unknown"
		if s := firstString(
			attrString(resourceAttrs, "gen_ai.session.id"),
			attrString(resourceAttrs, "session.id"),
			attrString(resourceAttrs, "conversation.id"),
		); s != nil {
			sessionID = *s
		}

		for _, sm := range asSlice(asMap(rm)["scopeMetrics"]) {
			for _, m := range asSlice(asMap(sm)["metrics"]) {
				metric := asMap(m)
				name, _ := metric["name"].(string)
				if name == "" {
					continue
				}

				sum := asMap(metric["sum"])
				cumulative := false
				if sum != nil {
					if temporality, ok := anyToFloat(sum["aggregationTemporality"]); ok {
						cumulative = temporality == 2
					}
				}

				dataPoints := asSlice(sum["dataPoints"])
				if dataPoints == nil {
					dataPoints = asSlice(asMap(metric["gauge"])["dataPoints"])
				}

				for _, dpRaw := range dataPoints {
					dp := asMap(dpRaw)
					raw := dataPointValue(dp)
					dpAttrs := asSlice(dp["attributes"])

					model := firstString(
						attrString(dpAttrs, "model"),
						attrString(dpAttrs, "gen_ai.request.model"),
						attrString(resourceAttrs, "model"),
					)
					tokenType := firstString(
						attrString(dpAttrs, "type"),
						attrString(dpAttrs, "token.type"),
					)

					key := fmt.Sprintf("%s|%s|%s|%s|%s",
						sessionID, agentType, name, deref(model), deref(tokenType))

					value := raw
					if cumulative {
						value = tracker.delta(key, raw)
					}
					if value <= 0 {
						continue
					}

					switch {
					case tokenMetrics[name]:
						entry := &MetricDelta{SessionID: sessionID, AgentType: agentType, Model: model}
						switch deref(tokenType) {
						case "output":
							entry.TokensOutDelta = int64(value)
						case "cacheRead", "cache_read":
							entry.CacheReadDelta = int64(value)
						case "cacheCreation", "cache_creation", "cache_write":
							entry.CacheWriteDelta = int64(value)
						default:
							entry.TokensInDelta = int64(value)
						}
						out = append(out, entry)
					case costMetrics[name]:
						out = append(out, &MetricDelta{
							SessionID:    sessionID,
							AgentType:    agentType,
							Model:        model,
							CostUSDDelta: value,
						})
					}
				}
			}
		}
	}
	return out
}

// Incoming converts a parsed log event into an insertable event with
// source "otel". Metadata serialization failures degrade to "{}".
func (e *LogEvent) Incoming() *domain.IncomingEvent {
	metadata := "{}"
	if len(e.Metadata) > 0 {
		if raw, err := json.Marshal(e.Metadata); err == nil {
			metadata = string(raw)
		}
	}
	return &domain.IncomingEvent{
		SessionID:        e.SessionID,
		AgentType:        e.AgentType,
		EventType:        e.EventType,
		ToolName:         e.ToolName,
		Status:           e.Status,
		TokensIn:         e.TokensIn,
		TokensOut:        e.TokensOut,
		Branch:           e.Branch,
		Project:          e.Project,
		DurationMS:       e.DurationMS,
		ClientTimestamp:  e.ClientTimestamp,
		Metadata:         metadata,
		Model:            e.Model,
		CostUSD:          e.CostUSD,
		CacheReadTokens:  e.CacheReadTokens,
		CacheWriteTokens: e.CacheWriteTokens,
		Source:           "otel",
	}
}

// Incoming converts a metric delta into a synthetic llm_response event,
// or nil when the delta carries neither tokens nor cost.
func (d *MetricDelta) Incoming() *domain.IncomingEvent {
	hasTokens := d.TokensInDelta > 0 || d.TokensOutDelta > 0 ||
		d.CacheReadDelta > 0 || d.CacheWriteDelta > 0
	hasCost := d.CostUSDDelta > 0
	if !hasTokens && !hasCost {
		return nil
	}

	ev := &domain.IncomingEvent{
		SessionID:        d.SessionID,
		AgentType:        d.AgentType,
		EventType:        domain.EventLLMResponse,
		Status:           "success",
		TokensIn:         d.TokensInDelta,
		TokensOut:        d.TokensOutDelta,
		CacheReadTokens:  d.CacheReadDelta,
		CacheWriteTokens: d.CacheWriteDelta,
		Metadata:         `{"_synthetic":true,"_source":"otel_metric"}`,
		Model:            d.Model,
		Source:           "otel",
	}
	if hasCost {
		cost := d.CostUSDDelta
		ev.CostUSD = &cost
	}
	return ev
}

// --- OTLP value plumbing ---

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func resourceAttributes(rl any) []any {
	return asSlice(asMap(asMap(rl)["resource"])["attributes"])
}

// anyValueString renders an OTLP AnyValue as a string.
func anyValueString(v map[string]any) *string {
	if v == nil {
		return nil
	}
	if s, ok := v["stringValue"].(string); ok {
		return &s
	}
	if raw, ok := v["intValue"]; ok {
		switch n := raw.(type) {
		case float64:
			s := strconv.FormatInt(int64(n), 10)
			return &s
		case string:
			return &n
		}
	}
	if f, ok := v["doubleValue"].(float64); ok {
		s := strconv.FormatFloat(f, 'f', -1, 64)
		return &s
	}
	if b, ok := v["boolValue"].(bool); ok {
		s := strconv.FormatBool(b)
		return &s
	}
	return nil
}

// anyValueNumber renders an OTLP AnyValue as a float64.
func anyValueNumber(v map[string]any) *float64 {
	if v == nil {
		return nil
	}
	if raw, ok := v["intValue"]; ok {
		if f, fOK := anyToFloat(raw); fOK {
			return &f
		}
	}
	if f, ok := v["doubleValue"].(float64); ok {
		return &f
	}
	if s, ok := v["stringValue"].(string); ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return &f
		}
	}
	return nil
}

// anyValueDecode unwraps an OTLP AnyValue into plain JSON, recursing
// through kvlist and array values.
func anyValueDecode(v map[string]any) any {
	if v == nil {
		return nil
	}
	if s, ok := v["stringValue"].(string); ok {
		return s
	}
	if raw, ok := v["intValue"]; ok {
		switch n := raw.(type) {
		case float64:
			return int64(n)
		case string:
			if parsed, err := strconv.ParseInt(n, 10, 64); err == nil {
				return parsed
			}
		}
	}
	if f, ok := v["doubleValue"].(float64); ok {
		return f
	}
	if b, ok := v["boolValue"].(bool); ok {
		return b
	}
	if values := asSlice(asMap(v["kvlistValue"])["values"]); values != nil {
		return kvListToMap(values)
	}
	if values := asSlice(asMap(v["arrayValue"])["values"]); values != nil {
		out := make([]any, 0, len(values))
		for _, item := range values {
			out = append(out, anyValueDecode(asMap(item)))
		}
		return out
	}
	return nil
}

func kvListToMap(values []any) map[string]any {
	out := make(map[string]any, len(values))
	for _, kv := range values {
		entry := asMap(kv)
		key, ok := entry["key"].(string)
		if !ok {
			continue
		}
		out[key] = anyValueDecode(asMap(entry["value"]))
	}
	return out
}

func attrValue(attrs []any, key string) map[string]any {
	for _, entry := range attrs {
		m := asMap(entry)
		if k, ok := m["key"].(string); ok && k == key {
			return asMap(m["value"])
		}
	}
	return nil
}

func attrString(attrs []any, key string) *string {
	return anyValueString(attrValue(attrs, key))
}

func attrNumber(attrs []any, key string) *float64 {
	return anyValueNumber(attrValue(attrs, key))
}

// parseBodyObject decodes a log body into a plain map: either a JSON
// string body or a kvlist body. Anything else yields nil.
func parseBodyObject(body any) map[string]any {
	b := asMap(body)
	if b == nil {
		return nil
	}
	if s, ok := b["stringValue"].(string); ok {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			return parsed
		}
		return nil
	}
	if values := asSlice(asMap(b["kvlistValue"])["values"]); values != nil {
		return kvListToMap(values)
	}
	return nil
}

func mapString(m map[string]any, key string) *string {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case string:
		return &v
	case float64:
		s := strconv.FormatFloat(v, 'f', -1, 64)
		return &s
	case int64:
		s := strconv.FormatInt(v, 10)
		return &s
	case bool:
		s := strconv.FormatBool(v)
		return &s
	}
	return nil
}

func mapNumber(m map[string]any, key string) *float64 {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case float64:
		return &v
	case int64:
		f := float64(v)
		return &f
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return &f
		}
	}
	return nil
}

func anyToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func dataPointValue(dp map[string]any) float64 {
	if f, ok := dp["asDouble"].(float64); ok {
		return f
	}
	if f, ok := anyToFloat(dp["asInt"]); ok {
		return f
	}
	return 0
}

// resolveServiceName classifies the producing agent from resource
// attributes. Unknown services pass through their service.name.
func resolveServiceName(resourceAttrs []any) string {
	service := deref(attrString(resourceAttrs, "service.name"))
	sdk := deref(attrString(resourceAttrs, "telemetry.sdk.name"))
	combined := strings.ToLower(service + " " + sdk)
	switch {
	case strings.Contains(combined, "codex"):
		return "codex"
	case strings.Contains(combined, "claude"):
		return "claude_code"
	case service != "":
		return service
	}
	return "unknown"
}

func resolveEventType(agentType string, eventName *string, severity string) string {
	if eventName != nil {
		table := claudeEventMap
		if agentType == "codex" {
			table = codexEventMap
		}
		if mapped, ok := table[*eventName]; ok {
			return mapped
		}
		suffix := *eventName
		if i := strings.LastIndex(suffix, "."); i >= 0 {
			suffix = suffix[i+1:]
		}
		if mapped, ok := suffixEventMap[suffix]; ok {
			return mapped
		}
	}
	if severity == "ERROR" {
		return domain.EventError
	}
	return ""
}

// nanosToISO converts an OTLP timeUnixNano (string or number) to an
// RFC3339 UTC timestamp. Zero and negative values yield nil.
func nanosToISO(v any) *string {
	var nanos int64
	switch n := v.(type) {
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return nil
		}
		nanos = parsed
	case float64:
		nanos = int64(n)
	default:
		return nil
	}
	ms := nanos / 1_000_000
	if ms <= 0 {
		return nil
	}
	iso := time.UnixMilli(ms).UTC().Format(time.RFC3339)
	return &iso
}

func firstString(candidates ...*string) *string {
	for _, c := range candidates {
		if c != nil {
			return c
		}
	}
	return nil
}

func firstNumber(candidates ...*float64) *float64 {
	for _, c := range candidates {
		if c != nil {
			return c
		}
	}
	return nil
}

func numberOrZero(candidates ...*float64) float64 {
	if n := firstNumber(candidates...); n != nil {
		return *n
	}
	return 0
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
