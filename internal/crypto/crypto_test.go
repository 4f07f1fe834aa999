package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEncryptor(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid key", "my-secret-key", false},
		{"long key", "this-is-a-very-long-passphrase-that-exceeds-32-bytes", false},
		{"empty key", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewEncryptor(tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrEmptyKey)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, enc)
		})
	}
}

func TestEncryptor_SealOpen(t *testing.T) {
	enc, err := NewEncryptor("test-key")
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"json entry", []byte(`{"text":"You spent $412 on groceries in March"}`)},
		{"empty", []byte{}},
		{"unicode", []byte("orçamento mensal 日本語")},
		{"large", bytes.Repeat([]byte("a"), 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := enc.Seal(tt.plaintext)
			require.NoError(t, err)
			if len(tt.plaintext) > 0 {
				assert.NotContains(t, string(sealed), string(tt.plaintext))
			}

			opened, err := enc.Open(sealed)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, opened)
		})
	}
}

func TestEncryptor_NonceIsRandom(t *testing.T) {
	enc, err := NewEncryptor("test-key")
	require.NoError(t, err)
	plaintext := []byte("same input")

	a, err := enc.Seal(plaintext)
	require.NoError(t, err)
	b, err := enc.Seal(plaintext)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestEncryptor_WrongKey(t *testing.T) {
	enc1, _ := NewEncryptor("key1")
	enc2, _ := NewEncryptor("key2")

	sealed, err := enc1.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = enc2.Open(sealed)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestEncryptor_Tampered(t *testing.T) {
	enc, _ := NewEncryptor("test-key")

	sealed, err := enc.Seal([]byte("secret"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = enc.Open(sealed)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestEncryptor_TooShort(t *testing.T) {
	enc, _ := NewEncryptor("test-key")

	_, err := enc.Open([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}
