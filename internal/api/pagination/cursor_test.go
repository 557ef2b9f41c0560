package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeCursor(t *testing.T) {
	timestamp := time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)

	cursor := EncodeCursor(timestamp, "  01hyx3kqw7ertv9xnbm2p8qjzf ")

	decoded, err := DecodeCursor(cursor)

	require.NoError(t, err)
	require.Equal(t, timestamp, decoded.Timestamp)
	require.Equal(t, "01HYX3KQW7ERTV9XNBM2P8QJZF", decoded.ULID)
}

func TestDecodeCursorErrors(t *testing.T) {
	for _, cursor := range []string{
		"",
		"not base64!",
		base64.RawURLEncoding.EncodeToString([]byte("no-colon")),
		base64.RawURLEncoding.EncodeToString([]byte("abc:01HYX3KQW7ERTV9XNBM2P8QJZF")),
		base64.RawURLEncoding.EncodeToString([]byte("123: ")),
	} {
		_, err := DecodeCursor(cursor)
		require.ErrorIs(t, err, ErrInvalidCursor, cursor)
	}
}

func TestParseLimit(t *testing.T) {
	limit, err := ParseLimit("")
	require.NoError(t, err)
	require.Equal(t, DefaultLimit, limit)

	limit, err = ParseLimit("50")
	require.NoError(t, err)
	require.Equal(t, 50, limit)

	for _, raw := range []string{"0", "-1", "101", "ten"} {
		_, err := ParseLimit(raw)
		require.ErrorIs(t, err, ErrInvalidLimit, raw)
	}
}
