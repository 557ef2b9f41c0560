package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  error
	}{
		{name: "valid", password: "hunter22a", wantErr: nil},
		{name: "too short", password: "ab1", wantErr: ErrPasswordTooShort},
		{name: "72 bytes", password: strings.Repeat("a1", 36), wantErr: nil},
		{name: "too long", password: strings.Repeat("a1", 36) + "b", wantErr: ErrPasswordTooLong},
		{name: "too long in bytes", password: strings.Repeat("пароль1", 6), wantErr: ErrPasswordTooLong},
		{name: "no digit", password: "abcdefghij", wantErr: ErrPasswordTooWeak},
		{name: "no letter", password: "1234567890", wantErr: ErrPasswordTooWeak},
		{name: "unicode letters", password: "пароль123", wantErr: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.password)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("correct horse 1")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse 1", hash)

	assert.NoError(t, CheckPassword(hash, "correct horse 1"))
	assert.ErrorIs(t, CheckPassword(hash, "wrong horse 1"), ErrPasswordMismatch)
	assert.ErrorIs(t, CheckPassword("", "anything"), ErrPasswordMismatch)
}

func TestHashPasswordRejectsInputBcryptWouldIgnore(t *testing.T) {
	prefix := strings.Repeat("x", 71) + "1"

	_, err := HashPassword(prefix + "extra")
	assert.ErrorIs(t, err, ErrPasswordTooLong)

	hash, err := HashPassword(prefix)
	require.NoError(t, err)
	assert.NoError(t, CheckPassword(hash, prefix))
	assert.ErrorIs(t, CheckPassword(hash, prefix+"anything"), ErrPasswordMismatch,
		"bytes past the limit must not be ignored")
}

func TestGenerateTokenAndHash(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	assert.Len(t, HashToken(a), 64)
	assert.Equal(t, HashToken(a), HashToken(a))
	assert.NotEqual(t, HashToken(a), HashToken(b))
}
