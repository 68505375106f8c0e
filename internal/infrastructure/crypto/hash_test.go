package crypto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"sorted keys", `{"b":2,"a":1}`, `{"a":1,"b":2}`},
		{"nested objects", `{"z":{"y":1,"x":[3,{"d":0,"c":1}]}}`, `{"z":{"x":[3,{"c":1,"d":0}],"y":1}}`},
		{"whitespace removed", "{ \"a\" :\n 1 }", `{"a":1}`},
		{"integral float", `{"n":1.0}`, `{"n":1}`},
		{"exponent", `{"n":1e2}`, `{"n":100}`},
		{"negative zero", `-0.0`, `0`},
		{"fraction", `0.5000`, `0.5`},
		{"null kept", `{"deduction":null}`, `{"deduction":null}`},
		{"no html escaping", `{"s":"<a&b>"}`, `{"s":"<a&b>"}`},
		{"nfc strings", "\"e\u0301\"", "\"\u00e9\""},
		{"booleans", `[true,false]`, `[true,false]`},
		{"2^53 as float", `9007199254740992.0`, `9007199254740992`},
		{"2^53 as exponent", `9.007199254740992e15`, `9007199254740992`},
		{"beyond 2^53", `10000000000000000`, `1e+16`},
		{"beyond 2^53 as exponent", `1e16`, `1e+16`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalJSON([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestCanonicalJSON_UTF16KeyOrder(t *testing.T) {
	// UTF-8 byte order would put U+FF61 first; its UTF-16 unit 0xFF61 sorts
	// after the high surrogate 0xD83D of U+1F600.
	got, err := CanonicalJSON([]byte("{\"｡\":1,\"\U0001F600\":2}"))
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"｡\":1}", string(got))
}

func TestCanonicalJSON_Invalid(t *testing.T) {
	_, err := CanonicalJSON([]byte(`{"a":`))
	assert.Error(t, err)

	_, err = CanonicalJSON([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err, "trailing document rejected")
}

func TestContentHash_KeyOrderIndependent(t *testing.T) {
	h1, err := ContentHash(json.RawMessage(`{"a":1,"b":2}`))
	require.NoError(t, err)
	h2, err := ContentHash([]byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	h3, err := ContentHash(map[string]any{"b": 2, "a": 1.0})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, h1, h3)
	assert.Len(t, h1, 64)
}

func TestContentHash_DistinctInputs(t *testing.T) {
	h1, err := ContentHash([]byte(`{"income":100000}`))
	require.NoError(t, err)
	h2, err := ContentHash([]byte(`{"income":100001}`))
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestContentHash_DomainSeparated(t *testing.T) {
	canonical, err := CanonicalJSON([]byte(`{"a":1}`))
	require.NoError(t, err)

	h, err := ContentHash([]byte(`{"a":1}`))
	require.NoError(t, err)

	assert.Equal(t, hashWithDomain(DomainCalculation, canonical), h)
	assert.NotEqual(t, hashWithDomain("other/v1", canonical), h)
}

func TestContentHash_EqualNumbersHashEqual(t *testing.T) {
	h1, err := ContentHash([]byte(`{"n":9007199254740992}`))
	require.NoError(t, err)
	h2, err := ContentHash([]byte(`{"n":9007199254740992.0}`))
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestContentHash_KeysCollidingAfterNFC(t *testing.T) {
	// one key precomposed, the other decomposed
	input := []byte("{\"\u00e9\":1,\"e\u0301\":2}")

	for i := 0; i < 50; i++ {
		_, err := ContentHash(input)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate key")
	}

	// a single decomposed key is fine and matches its composed form
	h1, err := ContentHash([]byte("{\"e\u0301\":1}"))
	require.NoError(t, err)
	h2, err := ContentHash([]byte("{\"\u00e9\":1}"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
