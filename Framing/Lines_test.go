package Framing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractLines(t *testing.T) {
	buf := newBuf(t, 32, []byte("value a b\r\n\ncall a f 1\nval")...)
	lines, err := ExtractLines(buf)
	require.NoError(t, err)
	assert.Equal(t, []string{"value a b", "", "call a f 1"}, lines)
	assert.Equal(t, "val", string(buf.Data()), "partial line stays buffered")

	require.NoError(t, buf.Append([]byte("ue x y\n")...))
	lines, err = ExtractLines(buf)
	require.NoError(t, err)
	assert.Equal(t, []string{"value x y"}, lines)
	assert.True(t, buf.Empty())
}

func TestExtractLinesTooLong(t *testing.T) {
	buf := newBuf(t, 8, []byte("ok\nabcd")...)
	lines, err := ExtractLines(buf)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, lines)

	require.NoError(t, buf.Append([]byte("efgh")...))
	_, err = ExtractLines(buf)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}
