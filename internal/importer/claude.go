package importer

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/agentmonitor/agentmonitor/internal/domain"
)

const previewChars = 500

// parseClaudeFile stages the events of one Claude Code transcript. Lines
// are keyed by their position so a re-import of the same file derives the
// same event ids. The costUSD field is cumulative per transcript, so each
// event carries only the delta.
func (imp *Importer) parseClaudeFile(path string, opts Options) []*stagedEvent {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var (
		events   []*stagedEvent
		prevCost float64
		stem     = fileStem(path)
	)

	for i, raw := range strings.Split(string(content), "\n") {
		var line map[string]any
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			continue
		}
		lineType := strField(line, "type")
		if lineType == nil {
			continue
		}

		sessionID := stem
		if sid := strField(line, "sessionId"); sid != nil {
			sessionID = *sid
		}

		timestamp := strField(line, "timestamp")
		if !inWindow(timestamp, opts) {
			continue
		}

		eventType := claudeEventType(*lineType)
		toolName := strField(line, "name")
		if toolName == nil {
			toolName = strField(line, "tool_name")
		}

		message := objField(line, "message")
		model := strField(line, "model")
		if model == nil && message != nil {
			model = strField(message, "model")
		}

		usage := objField(line, "usage")
		if usage == nil && message != nil {
			usage = objField(message, "usage")
		}

		var costDelta *float64
		if current, ok := floatField(line, "costUSD"); ok && current > 0 {
			delta := current - prevCost
			prevCost = current
			if delta > 0 {
				costDelta = &delta
			}
		}

		var project *string
		if cwd := strField(line, "cwd"); cwd != nil {
			project = pathBasename(*cwd)
		}

		ev := &stagedEvent{
			eventID:          claudeEventID(sessionID, i),
			sessionID:        sessionID,
			agentType:        "claude_code",
			eventType:        eventType,
			status:           claudeStatus(line, *lineType),
			tokensIn:         intField(usage, "input_tokens"),
			tokensOut:        intField(usage, "output_tokens"),
			branch:           strField(line, "gitBranch"),
			project:          project,
			durationMS:       claudeDuration(line),
			clientTimestamp:  timestamp,
			metadata:         claudeMetadata(line, *lineType, toolName),
			model:            model,
			costUSD:          costDelta,
			cacheReadTokens:  intField(usage, "cache_read_input_tokens"),
			cacheWriteTokens: intField(usage, "cache_creation_input_tokens"),
		}
		if eventType == domain.EventToolUse {
			ev.toolName = toolName
		}
		events = append(events, ev)
	}
	return events
}

func claudeEventType(lineType string) string {
	switch lineType {
	case "tool_use", "tool_result":
		return domain.EventToolUse
	case "assistant":
		return domain.EventLLMResponse
	case "error":
		return domain.EventError
	case "session_start":
		return domain.EventSessionStart
	case "session_end":
		return domain.EventSessionEnd
	default:
		return domain.EventResponse
	}
}

func claudeStatus(line map[string]any, lineType string) string {
	if lineType == "error" {
		return "error"
	}
	if isErr, ok := line["is_error"].(bool); ok && isErr {
		return "error"
	}
	if status := strField(line, "status"); status != nil && *status == "error" {
		return "error"
	}
	return "success"
}

func claudeDuration(line map[string]any) *int64 {
	for _, key := range []string{"duration_ms", "durationMs"} {
		if f, ok := floatField(line, key); ok {
			ms := int64(f)
			return &ms
		}
	}
	return nil
}

func claudeMetadata(line map[string]any, lineType string, toolName *string) map[string]any {
	meta := map[string]any{}

	switch errVal := line["error"].(type) {
	case string:
		meta["error"] = errVal
	case map[string]any:
		if msg := strField(errVal, "message"); msg != nil {
			meta["error"] = *msg
		}
	}

	switch content := line["content"].(type) {
	case string:
		meta["content_preview"] = sliceChars(content, previewChars)
	case []any:
		var parts []string
		for _, block := range content {
			if obj, ok := block.(map[string]any); ok {
				if text := strField(obj, "text"); text != nil {
					parts = append(parts, *text)
				}
			}
		}
		if len(parts) > 0 {
			meta["content_preview"] = sliceChars(strings.Join(parts, "\n"), previewChars)
		}
	}

	if lineType == "tool_use" {
		if input := objField(line, "input"); input != nil {
			for _, key := range []string{"command", "file_path", "pattern", "query"} {
				if val := strField(input, key); val != nil {
					meta[key] = *val
				}
			}
			if toolName != nil {
				switch *toolName {
				case "Edit", "MultiEdit":
					if old := strField(input, "old_string"); old != nil {
						meta["lines_removed"] = lineCount(*old)
					}
					if updated := strField(input, "new_string"); updated != nil {
						meta["lines_added"] = lineCount(*updated)
					}
				case "Write":
					if text := strField(input, "content"); text != nil {
						meta["lines_added"] = lineCount(*text)
					}
				}
			}
		}
	}

	if lineType == "tool_result" {
		if output, present := line["output"]; present {
			rendered, ok := output.(string)
			if !ok {
				if encoded, err := json.Marshal(output); err == nil {
					rendered = string(encoded)
				}
			}
			meta["content_preview"] = sliceChars(rendered, previewChars)
		}
	}

	return meta
}

func lineCount(s string) int64 {
	if s == "" {
		return 0
	}
	n := int64(strings.Count(s, "\n")) + 1
	if strings.HasSuffix(s, "\n") {
		n--
	}
	return n
}
