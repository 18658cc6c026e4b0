// Package contract validates and normalizes inbound event payloads.
// Normalization is pure: it neither assigns timestamps nor touches storage.
package contract

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/agentmonitor/agentmonitor/internal/domain"
)

// ValidationError is one field-level rejection reason.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Normalized is a validated event payload. Metadata is still the decoded
// JSON value; truncation happens separately.
type Normalized struct {
	EventID          *string
	SessionID        string
	AgentType        string
	EventType        string
	ToolName         *string
	Status           string
	TokensIn         int64
	TokensOut        int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	Branch           *string
	Project          *string
	DurationMS       *int64
	Metadata         any
	ClientTimestamp  *string
	Model            *string
	CostUSD          *float64
	Source           *string
}

// maxUnwrapDepth bounds recovery of double-encoded JSON bodies. Existing
// producers quote-wrap payloads up to three levels deep.
const maxUnwrapDepth = 3

// NormalizeBytes decodes a raw request body and normalizes it. Bodies that
// decode to a JSON string containing JSON are unwrapped up to three levels.
func NormalizeBytes(data []byte) (*Normalized, []ValidationError) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, []ValidationError{{Field: "body", Message: "must be valid JSON"}}
	}

	for i := 0; i < maxUnwrapDepth; i++ {
		s, ok := value.(string)
		if !ok {
			break
		}
		trimmed := strings.TrimSpace(s)
		if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") && !strings.HasPrefix(trimmed, "\"") {
			break
		}
		var inner any
		if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
			break
		}
		value = inner
	}

	return Normalize(value)
}

// Normalize validates a decoded payload. Rejection never partially applies:
// either a fully normalized event or a non-empty error list is returned.
func Normalize(body any) (*Normalized, []ValidationError) {
	obj, ok := body.(map[string]any)
	if !ok {
		return nil, []ValidationError{{Field: "body", Message: "must be a JSON object"}}
	}

	var errs []ValidationError

	sessionID := requiredString(obj, "session_id", &errs)
	agentType := requiredString(obj, "agent_type", &errs)
	eventType := requiredString(obj, "event_type", &errs)

	if eventType != "" && !slices.Contains(domain.EventTypes, eventType) {
		errs = append(errs, ValidationError{
			Field:   "event_type",
			Message: fmt.Sprintf("must be one of: %s", strings.Join(domain.EventTypes, ", ")),
		})
	}

	status := normalizeStatus(obj, eventType, &errs)

	n := &Normalized{
		EventID:          optionalString(obj, "event_id", &errs),
		SessionID:        sessionID,
		AgentType:        agentType,
		EventType:        eventType,
		ToolName:         optionalString(obj, "tool_name", &errs),
		Status:           status,
		TokensIn:         nonNegativeInt(obj, "tokens_in", &errs),
		TokensOut:        nonNegativeInt(obj, "tokens_out", &errs),
		CacheReadTokens:  nonNegativeInt(obj, "cache_read_tokens", &errs),
		CacheWriteTokens: nonNegativeInt(obj, "cache_write_tokens", &errs),
		Branch:           optionalString(obj, "branch", &errs),
		Project:          optionalString(obj, "project", &errs),
		DurationMS:       optionalDuration(obj, &errs),
		ClientTimestamp:  normalizeClientTimestamp(obj, &errs),
		Model:            optionalString(obj, "model", &errs),
		CostUSD:          optionalNonNegativeFloat(obj, "cost_usd", &errs),
		Source:           optionalString(obj, "source", &errs),
	}

	if meta, present := obj["metadata"]; present && meta != nil {
		n.Metadata = meta
	} else {
		n.Metadata = map[string]any{}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return n, nil
}

func requiredString(obj map[string]any, field string, errs *[]ValidationError) string {
	v, present := obj[field]
	if !present || v == nil {
		*errs = append(*errs, ValidationError{Field: field, Message: "must be a string"})
		return ""
	}
	s, ok := v.(string)
	if !ok {
		*errs = append(*errs, ValidationError{Field: field, Message: "must be a string"})
		return ""
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		*errs = append(*errs, ValidationError{Field: field, Message: "must be a non-empty string"})
	}
	return trimmed
}

func optionalString(obj map[string]any, field string, errs *[]ValidationError) *string {
	v, present := obj[field]
	if !present || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		*errs = append(*errs, ValidationError{Field: field, Message: "must be a string when provided"})
		return nil
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// nonNegativeInt reads a token counter. Missing and negative values both
// resolve to 0; non-numeric values are rejected.
func nonNegativeInt(obj map[string]any, field string, errs *[]ValidationError) int64 {
	v, present := obj[field]
	if !present || v == nil {
		return 0
	}
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) {
		*errs = append(*errs, ValidationError{Field: field, Message: "must be an integer when provided"})
		return 0
	}
	if f < 0 {
		return 0
	}
	return int64(f)
}

func optionalDuration(obj map[string]any, errs *[]ValidationError) *int64 {
	v, present := obj["duration_ms"]
	if !present || v == nil {
		return nil
	}
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) {
		*errs = append(*errs, ValidationError{Field: "duration_ms", Message: "must be an integer when provided"})
		return nil
	}
	if f < 0 {
		return nil
	}
	d := int64(f)
	return &d
}

func optionalNonNegativeFloat(obj map[string]any, field string, errs *[]ValidationError) *float64 {
	v, present := obj[field]
	if !present || v == nil {
		return nil
	}
	f, ok := v.(float64)
	if !ok {
		*errs = append(*errs, ValidationError{Field: field, Message: "must be a non-negative number when provided"})
		return nil
	}
	if f < 0 {
		*errs = append(*errs, ValidationError{Field: field, Message: "must be a non-negative number when provided"})
		return nil
	}
	return &f
}

func normalizeStatus(obj map[string]any, eventType string, errs *[]ValidationError) string {
	fallback := "success"
	if eventType == domain.EventError {
		fallback = "error"
	}

	v, present := obj["status"]
	if !present || v == nil {
		return fallback
	}
	s, ok := v.(string)
	if !ok {
		*errs = append(*errs, ValidationError{Field: "status", Message: "must be a string when provided"})
		return fallback
	}
	if !slices.Contains(domain.EventStatuses, s) {
		*errs = append(*errs, ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("must be one of: %s", strings.Join(domain.EventStatuses, ", ")),
		})
	}
	return s
}

// normalizeClientTimestamp parses client_timestamp as ISO-8601 with timezone
// and re-emits it as a UTC RFC 3339 string.
func normalizeClientTimestamp(obj map[string]any, errs *[]ValidationError) *string {
	v, present := obj["client_timestamp"]
	if !present || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		*errs = append(*errs, ValidationError{Field: "client_timestamp", Message: "must be an ISO timestamp string when provided"})
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		*errs = append(*errs, ValidationError{Field: "client_timestamp", Message: "must be a valid timestamp"})
		return nil
	}
	utc := t.UTC().Format(time.RFC3339)
	return &utc
}
