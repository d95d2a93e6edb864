package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSortsDictionaryKeys(t *testing.T) {
	encoded, err := Encode(map[string]any{
		"title":  "JOIN",
		"fields": map[string]any{"arquivos": []string{"a.mp4", "b.mp4"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "d6:fieldsd8:arquivosl5:a.mp45:b.mp4ee5:title4:JOINe", encoded)
}

func TestDecodeNested(t *testing.T) {
	decoded, n, err := Decode[map[string]any]("d1:ai42e1:bl3:foo3:bare1:cd1:xi1eee")
	require.NoError(t, err)
	assert.Equal(t, 35, n)
	assert.Equal(t, 42, decoded["a"])
	assert.Equal(t, []any{"foo", "bar"}, decoded["b"])
	assert.Equal(t, map[string]any{"x": 1}, decoded["c"])
}

func TestDecodeReportsConsumedLength(t *testing.T) {
	s, n, err := Decode[string]("4:spamtrailing")
	require.NoError(t, err)
	assert.Equal(t, "spam", s)
	assert.Equal(t, 6, n)
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	for _, in := range []string{
		"",
		"x",
		"5:abc",
		"-1:a",
		"i12",
		"iabce",
		"l4:spam",
		"d3:key",
		"d1:bi1e1:ai2ee", // keys out of order
		"d1:ai1e1:ai2ee", // duplicate key
		"di1ei2ee",
	} {
		_, _, err := Decode[any](in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestDecodeTypeMismatch(t *testing.T) {
	_, _, err := Decode[string]("i3e")
	assert.Error(t, err)
}

func TestDecodeDepthLimit(t *testing.T) {
	in := ""
	for range maxDepth + 2 {
		in += "l"
	}
	for range maxDepth + 2 {
		in += "e"
	}
	_, _, err := Decode[any](in)
	assert.Error(t, err)
}
