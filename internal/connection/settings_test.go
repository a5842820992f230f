package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/serial-mcp/internal/fault"
)

func TestEncodeDecode(t *testing.T) {
	b, err := Encode("latin-1", "café")
	require.NoError(t, err)
	assert.Equal(t, []byte{'c', 'a', 'f', 0xe9}, b)
	assert.Equal(t, "café", Decode("latin1", b))

	_, err = Encode("ascii", "café")
	assert.ErrorIs(t, err, fault.ErrInvalidParams)
	assert.Equal(t, "caf�", Decode("ascii", b))

	b, err = Encode("utf8", "café")
	require.NoError(t, err)
	assert.Equal(t, "café", Decode("utf-8", b))
	assert.Equal(t, "a�b", Decode("utf-8", []byte{'a', 0xff, 'b'}))

	_, err = Encode("ebcdic", "x")
	assert.ErrorIs(t, err, fault.ErrInvalidParams)
}

func TestNewlineEscapes(t *testing.T) {
	assert.Equal(t, "\r\n", Newline(`\r\n`))
	assert.Equal(t, "\n", Newline("\n"))
}

func TestSettingsValidateNormalizesEncoding(t *testing.T) {
	s := DefaultSettings("X")
	s.Encoding = "ISO-8859-1"
	require.NoError(t, s.Validate())
	assert.Equal(t, EncodingLatin1, s.Encoding)
}
