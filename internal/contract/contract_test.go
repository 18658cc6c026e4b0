package contract

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmonitor/agentmonitor/internal/domain"
)

func norm(t *testing.T, body string) (*Normalized, []ValidationError) {
	t.Helper()
	return NormalizeBytes([]byte(body))
}

func hasFieldError(errs []ValidationError, field string) bool {
	for _, e := range errs {
		if e.Field == field {
			return true
		}
	}
	return false
}

func TestValidMinimalEvent(t *testing.T) {
	ev, errs := norm(t, `{"session_id":"sess-1","agent_type":"claude_code","event_type":"tool_use"}`)
	require.Empty(t, errs)
	assert.Equal(t, "sess-1", ev.SessionID)
	assert.Equal(t, "claude_code", ev.AgentType)
	assert.Equal(t, "tool_use", ev.EventType)
	assert.Equal(t, "success", ev.Status)
	assert.Zero(t, ev.TokensIn)
	assert.Zero(t, ev.TokensOut)
}

func TestMissingRequiredFields(t *testing.T) {
	for _, field := range []string{"session_id", "agent_type", "event_type"} {
		payload := map[string]any{
			"session_id": "s", "agent_type": "claude_code", "event_type": "tool_use",
		}
		delete(payload, field)
		raw, err := json.Marshal(payload)
		require.NoError(t, err)

		ev, errs := NormalizeBytes(raw)
		assert.Nil(t, ev)
		assert.True(t, hasFieldError(errs, field), "expected error on %s", field)
	}
}

func TestEmptySessionIDRejected(t *testing.T) {
	ev, errs := norm(t, `{"session_id":"  ","agent_type":"claude_code","event_type":"tool_use"}`)
	assert.Nil(t, ev)
	assert.True(t, hasFieldError(errs, "session_id"))
}

func TestNumericSessionIDRejected(t *testing.T) {
	ev, errs := norm(t, `{"session_id":123,"agent_type":"claude_code","event_type":"tool_use"}`)
	assert.Nil(t, ev)
	assert.True(t, hasFieldError(errs, "session_id"))
}

func TestUnknownEventTypeRejected(t *testing.T) {
	ev, errs := norm(t, `{"session_id":"s","agent_type":"claude_code","event_type":"not_real"}`)
	assert.Nil(t, ev)
	assert.True(t, hasFieldError(errs, "event_type"))
}

func TestAllEventTypesAccepted(t *testing.T) {
	for _, et := range domain.EventTypes {
		body := `{"session_id":"s","agent_type":"claude_code","event_type":"` + et + `"}`
		_, errs := norm(t, body)
		assert.Empty(t, errs, "event_type %q should be accepted", et)
	}
}

func TestStatusDefaults(t *testing.T) {
	ev, errs := norm(t, `{"session_id":"s","agent_type":"claude_code","event_type":"tool_use"}`)
	require.Empty(t, errs)
	assert.Equal(t, "success", ev.Status)

	ev, errs = norm(t, `{"session_id":"s","agent_type":"claude_code","event_type":"error"}`)
	require.Empty(t, errs)
	assert.Equal(t, "error", ev.Status)

	ev, errs = norm(t, `{"session_id":"s","agent_type":"claude_code","event_type":"error","status":"timeout"}`)
	require.Empty(t, errs)
	assert.Equal(t, "timeout", ev.Status)
}

func TestInvalidStatusRejected(t *testing.T) {
	ev, errs := norm(t, `{"session_id":"s","agent_type":"claude_code","event_type":"tool_use","status":"pending"}`)
	assert.Nil(t, ev)
	assert.True(t, hasFieldError(errs, "status"))
}

func TestNegativeNumericsCoerceToZero(t *testing.T) {
	ev, errs := norm(t, `{"session_id":"s","agent_type":"claude_code","event_type":"tool_use","tokens_in":-5,"duration_ms":-100}`)
	require.Empty(t, errs)
	assert.Zero(t, ev.TokensIn)
	assert.Nil(t, ev.DurationMS)
}

func TestNegativeCostRejected(t *testing.T) {
	ev, errs := norm(t, `{"session_id":"s","agent_type":"claude_code","event_type":"tool_use","cost_usd":-1.5}`)
	assert.Nil(t, ev)
	assert.True(t, hasFieldError(errs, "cost_usd"))
}

func TestNonNumericTokensRejected(t *testing.T) {
	ev, errs := norm(t, `{"session_id":"s","agent_type":"claude_code","event_type":"tool_use","tokens_in":"many"}`)
	assert.Nil(t, ev)
	assert.True(t, hasFieldError(errs, "tokens_in"))
}

func TestFullEventAllFields(t *testing.T) {
	ev, errs := norm(t, `{
		"event_id":"evt-123","session_id":"sess-1","agent_type":"claude_code",
		"event_type":"tool_use","tool_name":"Read","status":"success",
		"tokens_in":100,"tokens_out":200,"branch":"main","project":"myapp",
		"duration_ms":500,"model":"claude-sonnet-4-5","cost_usd":0.05,
		"cache_read_tokens":10,"cache_write_tokens":5,
		"client_timestamp":"2026-02-24T12:00:00Z","source":"hook",
		"metadata":{"command":"cat foo.txt"}}`)
	require.Empty(t, errs)
	assert.Equal(t, "evt-123", *ev.EventID)
	assert.Equal(t, "Read", *ev.ToolName)
	assert.Equal(t, "main", *ev.Branch)
	assert.Equal(t, "myapp", *ev.Project)
	assert.Equal(t, int64(500), *ev.DurationMS)
	assert.InDelta(t, 0.05, *ev.CostUSD, 1e-10)
	assert.Equal(t, int64(10), ev.CacheReadTokens)
	assert.Equal(t, int64(5), ev.CacheWriteTokens)
	assert.Equal(t, "hook", *ev.Source)
	assert.Equal(t, "2026-02-24T12:00:00Z", *ev.ClientTimestamp)
}

func TestNullOptionalFieldsAccepted(t *testing.T) {
	ev, errs := norm(t, `{"session_id":"s","agent_type":"claude_code","event_type":"tool_use",
		"tool_name":null,"model":null,"cost_usd":null,"tokens_in":null,"status":null}`)
	require.Empty(t, errs)
	assert.Nil(t, ev.ToolName)
	assert.Nil(t, ev.Model)
	assert.Nil(t, ev.CostUSD)
	assert.Zero(t, ev.TokensIn)
	assert.Equal(t, "success", ev.Status)
}

func TestMetadataDefaultsToEmptyObject(t *testing.T) {
	ev, errs := norm(t, `{"session_id":"s","agent_type":"claude_code","event_type":"tool_use"}`)
	require.Empty(t, errs)
	obj, ok := ev.Metadata.(map[string]any)
	require.True(t, ok)
	assert.Empty(t, obj)
}

func TestClientTimestampNormalizedToUTC(t *testing.T) {
	ev, errs := norm(t, `{"session_id":"s","agent_type":"claude_code","event_type":"tool_use",
		"client_timestamp":"2026-02-24T14:00:00+02:00"}`)
	require.Empty(t, errs)
	assert.Equal(t, "2026-02-24T12:00:00Z", *ev.ClientTimestamp)
}

func TestGarbageTimestampRejected(t *testing.T) {
	ev, errs := norm(t, `{"session_id":"s","agent_type":"claude_code","event_type":"tool_use",
		"client_timestamp":"not-a-date"}`)
	assert.Nil(t, ev)
	assert.True(t, hasFieldError(errs, "client_timestamp"))
}

func TestNonObjectBodiesRejected(t *testing.T) {
	for _, body := range []string{`"just a string"`, `[1,2,3]`, `null`, `42`} {
		ev, errs := norm(t, body)
		assert.Nil(t, ev, "body %s should be rejected", body)
		assert.True(t, hasFieldError(errs, "body"))
	}
}

func TestDoubleEncodedBodyUnwrapped(t *testing.T) {
	inner := `{"session_id":"s","agent_type":"claude_code","event_type":"tool_use"}`
	once, err := json.Marshal(inner)
	require.NoError(t, err)
	twice, err := json.Marshal(string(once))
	require.NoError(t, err)

	ev, errs := NormalizeBytes(once)
	require.Empty(t, errs)
	assert.Equal(t, "s", ev.SessionID)

	ev, errs = NormalizeBytes(twice)
	require.Empty(t, errs)
	assert.Equal(t, "s", ev.SessionID)
}

func TestTriplyWrappedNonObjectRejected(t *testing.T) {
	wrapped := `"\"\\\"[1,2]\\\"\""`
	ev, errs := NormalizeBytes([]byte(wrapped))
	assert.Nil(t, ev)
	assert.NotEmpty(t, errs)
}

func TestWhitespaceTrimming(t *testing.T) {
	ev, errs := norm(t, `{"session_id":"  sess-1  ","agent_type":" claude_code ","event_type":" tool_use ","tool_name":"  Read  "}`)
	require.Empty(t, errs)
	assert.Equal(t, "sess-1", ev.SessionID)
	assert.Equal(t, "claude_code", ev.AgentType)
	assert.Equal(t, "tool_use", ev.EventType)
	assert.Equal(t, "Read", *ev.ToolName)

	ev, errs = norm(t, `{"session_id":"s","agent_type":"claude_code","event_type":"tool_use","tool_name":"   "}`)
	require.Empty(t, errs)
	assert.Nil(t, ev.ToolName)
}

func TestMultipleErrorsAccumulated(t *testing.T) {
	ev, errs := norm(t, `{"session_id":123,"agent_type":true,"event_type":456}`)
	assert.Nil(t, ev)
	assert.GreaterOrEqual(t, len(errs), 3)
}
