package security

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSealConfig keeps scrypt at the accepted floor so tests stay fast.
func testSealConfig() *SealConfig {
	return &SealConfig{
		SCryptN:      16384,
		SCryptR:      8,
		SCryptP:      1,
		SCryptKeyLen: 32,
		NonceSize:    12,
	}
}

func TestSealerRoundTrip(t *testing.T) {
	sealer, err := NewSealer("0123456789abcdef", testSealConfig())
	require.NoError(t, err)

	sealed, err := sealer.Seal("sk_live_abc123")
	require.NoError(t, err)
	assert.NotEmpty(t, sealed)
	assert.NotContains(t, sealed, "sk_live_abc123")

	opened, err := sealer.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk_live_abc123", opened)
}

func TestSealerEnvelopesDiffer(t *testing.T) {
	sealer, err := NewSealer("0123456789abcdef", testSealConfig())
	require.NoError(t, err)

	first, err := sealer.Seal("same-key")
	require.NoError(t, err)
	second, err := sealer.Seal("same-key")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestSealerWrongSecret(t *testing.T) {
	sealer, err := NewSealer("0123456789abcdef", testSealConfig())
	require.NoError(t, err)

	sealed, err := sealer.Seal("api-key")
	require.NoError(t, err)

	other, err := NewSealer("fedcba9876543210", testSealConfig())
	require.NoError(t, err)

	_, err = other.Open(sealed)
	assert.ErrorIs(t, err, ErrUnsealFailed)
}

func TestSealerTamperedEnvelope(t *testing.T) {
	sealer, err := NewSealer("0123456789abcdef", testSealConfig())
	require.NoError(t, err)

	sealed, err := sealer.Seal("api-key")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)

	// Flip one ciphertext bit.
	raw[len(raw)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = sealer.Open(tampered)
	assert.ErrorIs(t, err, ErrUnsealFailed)
}

func TestSealerCorruptEnvelope(t *testing.T) {
	sealer, err := NewSealer("0123456789abcdef", testSealConfig())
	require.NoError(t, err)

	tests := []struct {
		name   string
		sealed string
	}{
		{"not base64", "%%%not-base64%%%"},
		{"too short", base64.StdEncoding.EncodeToString([]byte{1, 2, 3})},
		{"wrong version", base64.StdEncoding.EncodeToString(append([]byte{99}, make([]byte, 100)...))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sealer.Open(tt.sealed)
			assert.ErrorIs(t, err, ErrSealedCorrupt)
		})
	}
}

func TestNewSealerValidation(t *testing.T) {
	t.Run("short secret", func(t *testing.T) {
		_, err := NewSealer("short", testSealConfig())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "seal secret")
	})

	t.Run("weak scrypt params", func(t *testing.T) {
		cfg := testSealConfig()
		cfg.SCryptN = 1024
		_, err := NewSealer("0123456789abcdef", cfg)
		assert.Error(t, err)
	})

	t.Run("nil config uses defaults", func(t *testing.T) {
		sealer, err := NewSealer("0123456789abcdef", nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultSealConfig().SCryptN, sealer.config.SCryptN)
	})
}

func TestSealerEmptyPlaintext(t *testing.T) {
	sealer, err := NewSealer("0123456789abcdef", testSealConfig())
	require.NoError(t, err)

	_, err = sealer.Seal("")
	assert.Error(t, err)
}

func TestSealerLongPlaintext(t *testing.T) {
	sealer, err := NewSealer("0123456789abcdef", testSealConfig())
	require.NoError(t, err)

	long := strings.Repeat("k", 4096)
	sealed, err := sealer.Seal(long)
	require.NoError(t, err)

	opened, err := sealer.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, long, opened)
}
