package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc, err := NewEncryptionService(testKey)
	require.NoError(t, err)

	ciphertext, err := svc.Encrypt("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", ciphertext)

	plaintext, err := svc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", plaintext)
}

func TestEncryptEmptyPassthrough(t *testing.T) {
	svc, err := NewEncryptionService(testKey)
	require.NoError(t, err)

	out, err := svc.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = svc.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDecryptWrongKey(t *testing.T) {
	a, err := NewEncryptionService(testKey)
	require.NoError(t, err)
	b, err := NewEncryptionService("ffffffffffffffffffffffffffffffff")
	require.NoError(t, err)

	ciphertext, err := a.Encrypt("s3cret")
	require.NoError(t, err)
	_, err = b.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestNewEncryptionServiceShortKey(t *testing.T) {
	_, err := NewEncryptionService("too-short")
	assert.Error(t, err)
}
