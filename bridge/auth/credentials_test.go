package auth

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePassphraseShape(t *testing.T) {
	re := regexp.MustCompile(`^[a-z]+-[a-z]+-\d{2}$`)
	for i := 0; i < 20; i++ {
		phrase, err := GeneratePassphrase()
		require.NoError(t, err)
		assert.Regexp(t, re, phrase)
	}
}

func TestGenerateWordPhrase(t *testing.T) {
	phrase, err := GenerateWordPhrase(4, true)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^([a-z]+-){4}\d{2}$`), phrase)

	phrase, err = GenerateWordPhrase(3, false)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[a-z]+-[a-z]+-[a-z]+$`), phrase)
}

func TestVerifyPassphrase(t *testing.T) {
	creds, err := OpenCredentials(t.TempDir())
	require.NoError(t, err)

	phrase := creds.Passphrase()
	require.NotEmpty(t, phrase)
	assert.True(t, creds.Verify(phrase))
	assert.False(t, creds.Verify("wrong-password-00"))
}

func TestCredentialsPersistAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	first, err := OpenCredentials(dir)
	require.NoError(t, err)
	phrase := first.Passphrase()
	token := first.AccessToken()

	second, err := OpenCredentials(dir)
	require.NoError(t, err)
	assert.Equal(t, phrase, second.Passphrase())
	assert.Equal(t, token, second.AccessToken())
	assert.True(t, second.Verify(phrase))
}

func TestRegenerateReplacesPassphrase(t *testing.T) {
	creds, err := OpenCredentials(t.TempDir())
	require.NoError(t, err)

	old := creds.Passphrase()
	fresh, err := creds.Regenerate()
	require.NoError(t, err)

	assert.NotEqual(t, old, fresh)
	assert.Equal(t, fresh, creds.Passphrase())
	assert.True(t, creds.Verify(fresh))
	assert.False(t, creds.Verify(old))
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		reasons  int
	}{
		{"acceptable", "correct4horse", 0},
		{"too short", "ab1", 1},
		{"no digit", "onlyletters", 1},
		{"no letter", "1234567890", 1},
		{"empty", "", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, ValidatePassword(tt.password), tt.reasons)
		})
	}
}

func TestSetCustomPassword(t *testing.T) {
	creds, err := OpenCredentials(t.TempDir())
	require.NoError(t, err)

	err = creds.SetCustomPassword("weak")
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	require.NoError(t, creds.SetCustomPassword("sturdy-pass-42"))
	assert.True(t, creds.UseCustom())
	assert.True(t, creds.Verify("sturdy-pass-42"))
	assert.False(t, creds.Verify(creds.Passphrase()))

	// Switching back reactivates the passphrase.
	require.NoError(t, creds.SetUseCustom(false))
	assert.True(t, creds.Verify(creds.Passphrase()))
}

func TestSetUseCustomWithoutPassword(t *testing.T) {
	creds, err := OpenCredentials(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, creds.SetUseCustom(true))
}

func TestRotateAccessToken(t *testing.T) {
	creds, err := OpenCredentials(t.TempDir())
	require.NoError(t, err)

	old := creds.AccessToken()
	assert.True(t, creds.ValidateAccessToken(old))

	fresh, err := creds.RotateAccessToken()
	require.NoError(t, err)
	assert.Len(t, fresh, accessTokenLen)
	assert.NotEqual(t, old, fresh)
	assert.True(t, creds.ValidateAccessToken(fresh))
	assert.False(t, creds.ValidateAccessToken(old))
	assert.False(t, creds.ValidateAccessToken(""))
}
