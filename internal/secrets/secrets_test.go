package secrets

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptForDB("unit-test-key", []byte("hello"))
	require.NoError(t, err)
	require.NotContains(t, string(blob), "hello")

	plain, err := DecryptFromDB("unit-test-key", blob)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), plain)

	_, err = DecryptFromDB("wrong-key", blob)
	require.Error(t, err)

	_, err = EncryptForDB("", []byte("x"))
	require.ErrorIs(t, err, ErrMissingEncryptionKey)

	_, err = DecryptFromDB("unit-test-key", []byte("short"))
	require.Error(t, err)
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	a, err := EncryptForDB("k", []byte("same"))
	require.NoError(t, err)
	b, err := EncryptForDB("k", []byte("same"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestSanitizeMasksFieldsAndValues(t *testing.T) {
	v := map[string]any{
		"api_key":  "sk-proj-abcdefgh12345678",
		"name":     "My Agent",
		"note":     "uses sk-ant-abcdefgh12345678 internally",
		"settings": map[string]any{"client_secret": "shh", "temperature": 0.5},
		"list":     []any{"AIzaSyA1234567890abc", "plain"},
	}
	out := Sanitize(v).(map[string]any)

	require.Equal(t, "***", out["api_key"])
	require.Equal(t, "My Agent", out["name"])
	require.Equal(t, "uses *** internally", out["note"])
	require.Equal(t, "***", out["settings"].(map[string]any)["client_secret"])
	require.Equal(t, 0.5, out["settings"].(map[string]any)["temperature"])
	require.Equal(t, "***", out["list"].([]any)[0])
	require.Equal(t, "plain", out["list"].([]any)[1])
}

func TestSanitizeMasksWrappedFieldValues(t *testing.T) {
	// Flow node template fields wrap the secret as {"value": ...}; the mask
	// must hit it even when the value matches no known key pattern.
	v := map[string]any{
		"api_key": map[string]any{
			"value":        "custom-provider-key-0001",
			"display_name": "OpenAI API Key",
		},
	}
	out := Sanitize(v).(map[string]any)
	field := out["api_key"].(map[string]any)
	require.Equal(t, "***", field["value"])
	require.Equal(t, "OpenAI API Key", field["display_name"])
}

func TestSanitizeJSON(t *testing.T) {
	out := SanitizeJSON([]byte(`{"token":"abc","x":1}`))
	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	require.Equal(t, "***", m["token"])
	require.Equal(t, 1.0, m["x"])

	// Invalid JSON still gets pattern masking.
	out = SanitizeJSON([]byte(`key=sk-proj-abcdefgh12345678`))
	require.Equal(t, "key=***", string(out))
}

func TestCanonicalJSON(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	require.Equal(t, `{"a":2,"b":1}`, string(a))
}

func TestNewRandomToken(t *testing.T) {
	a, err := NewRandomToken()
	require.NoError(t, err)
	b, err := NewRandomToken()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.GreaterOrEqual(t, len(a), 40)
}

func TestTruncateForLog(t *testing.T) {
	require.Equal(t, "abc", TruncateForLog("abc", 10))
	require.Equal(t, "abcde…", TruncateForLog("abcdefgh", 5))
	require.Equal(t, "***", TruncateForLog("sk-proj-abcdefgh12345678", 0))
}
