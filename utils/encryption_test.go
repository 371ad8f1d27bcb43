package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sealed, err := Encrypt("smtp-password-123")
	require.NoError(t, err)
	assert.NotEqual(t, "smtp-password-123", sealed)

	plain, err := Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "smtp-password-123", plain)
}

func TestEncryptEmptyString(t *testing.T) {
	sealed, err := Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, sealed)

	plain, err := Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, plain)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	sealed, err := Encrypt("secret")
	require.NoError(t, err)

	tampered := []byte(sealed)
	tampered[len(tampered)-5] ^= 'x'
	_, err = Decrypt(string(tampered))
	assert.Error(t, err)
}

func TestEncryptNoncesDiffer(t *testing.T) {
	a, err := Encrypt("same input")
	require.NoError(t, err)
	b, err := Encrypt("same input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
