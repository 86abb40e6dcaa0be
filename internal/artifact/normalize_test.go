package artifact

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var samplePNG = "iVBORw0KGgoAAAANSUhEUgAAAQAAAAEACAIAAADTED8xAAADMElEQVR4nOzVwQnAIBQFQYXff8" +
	strings.Repeat("QUJDREVGR0hJSktMTU5PUFFSU1RVVldYWVo", 4) + "=="

func TestNormalize_KnownShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  any
	}{
		{"plain string", samplePNG},
		{"primary field", map[string]any{"qr": samplePNG}},
		{"primary camel case field", map[string]any{"qrCode": samplePNG}},
		{"alternate field", map[string]any{"base64": samplePNG}},
		{"quoted string", `"` + samplePNG + `"`},
		{"data uri prefix", "data:image/png;base64," + samplePNG},
		{"quoted data uri", `"data:image/jpeg;base64,` + samplePNG + `"`},
		{"wrapped string", map[string]any{"value": samplePNG}},
		{"wrapped object", map[string]any{"result": map[string]any{"qr": samplePNG}}},
		{"wrapped data uri", map[string]any{"payload": "data:image/png;base64," + samplePNG}},
		{"raw json object", json.RawMessage(`{"qr":"` + samplePNG + `"}`)},
		{"raw json string", json.RawMessage(`"` + samplePNG + `"`)},
		{"with whitespace", samplePNG[:40] + "\n  " + samplePNG[40:]},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := Normalize(tc.raw)
			require.Equal(t, StatePresent, result.State, "reason: %s", result.Reason)
			assert.Equal(t, samplePNG, result.Artifact)
		})
	}
}

func TestNormalize_Absent(t *testing.T) {
	tests := []struct {
		name string
		raw  any
	}{
		{"nil", nil},
		{"empty string", ""},
		{"blank string", "   "},
		{"empty object", map[string]any{}},
		{"unrelated fields", map[string]any{"status": "STARTING"}},
		{"non string field", map[string]any{"qr": 42}},
		{"empty raw json", json.RawMessage(nil)},
		{"nil string pointer", (*string)(nil)},
		{"wrapped acknowledgement", map[string]any{"result": "ok"}},
		{"wrapped acknowledgement in raw json", json.RawMessage(`{"result":"ok","payload":"queued"}`)},
		{"wrapped number", map[string]any{"value": 1}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := Normalize(tc.raw)
			assert.Equal(t, StateAbsent, result.State)
			assert.Nil(t, result.Ptr())
		})
	}
}

func TestNormalize_Invalid(t *testing.T) {
	t.Run("too short payload", func(t *testing.T) {
		result := Normalize("abc123")
		assert.Equal(t, StateInvalid, result.State)
		assert.NotEmpty(t, result.Reason)
		assert.Nil(t, result.Ptr())
	})

	t.Run("short payload in primary field", func(t *testing.T) {
		result := Normalize(map[string]any{"qr": "data:image/png;base64,AAAA"})
		assert.Equal(t, StateInvalid, result.State)
		assert.Equal(t, "primary", result.Source)
	})
}

func TestNormalize_Priority(t *testing.T) {
	t.Run("primary wins over alternate", func(t *testing.T) {
		other := strings.Repeat("B", MinLength)
		result := Normalize(map[string]any{"qr": samplePNG, "base64": other})
		require.True(t, result.IsPresent())
		assert.Equal(t, samplePNG, result.Artifact)
		assert.Equal(t, "primary", result.Source)
	})

	t.Run("empty primary falls through to alternate", func(t *testing.T) {
		result := Normalize(map[string]any{"qr": "", "image": samplePNG})
		require.True(t, result.IsPresent())
		assert.Equal(t, "alternate", result.Source)
	})

	t.Run("wrapping depth is bounded", func(t *testing.T) {
		var raw any = samplePNG
		for i := 0; i < maxDepth+2; i++ {
			raw = map[string]any{"value": raw}
		}
		assert.Equal(t, StateAbsent, Normalize(raw).State)
	})
}

func TestResult_Ptr(t *testing.T) {
	result := Normalize(samplePNG)
	ptr := result.Ptr()
	require.NotNil(t, ptr)
	assert.Equal(t, samplePNG, *ptr)
}
