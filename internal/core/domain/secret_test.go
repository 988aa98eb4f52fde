package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSecret(t *testing.T) {
	tests := []struct {
		name       string
		secretName string
		ciphertext []byte
		wantErr    error
	}{
		{"valid name", "GEE_SERVICE_SECRET", []byte{0x01}, nil},
		{"valid with digits", "API_KEY_2", []byte{0x01}, nil},
		{"empty name", "", []byte{0x01}, ErrSecretNameRequired},
		{"lowercase rejected", "gee_secret", []byte{0x01}, ErrSecretNameInvalid},
		{"leading digit rejected", "2FA_TOKEN", []byte{0x01}, ErrSecretNameInvalid},
		{"hyphen rejected", "API-KEY", []byte{0x01}, ErrSecretNameInvalid},
		{"empty value", "API_KEY", nil, ErrSecretValueEmpty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSecret("spc_12345678", tt.secretName, tt.ciphertext)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.secretName, s.Name)
			assert.Equal(t, "spc_12345678", s.SpaceID)
			assert.True(t, len(s.ID) > 4 && s.ID[:4] == "sec_")
		})
	}
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "****", Redact(""))
	assert.Equal(t, "****", Redact("abcd"))
	assert.Equal(t, "s****t", Redact("supersecret"))
}
