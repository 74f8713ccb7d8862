package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealerRoundTrip(t *testing.T) {
	sealer, err := NewSealerFromSecret("cluster-shared-secret")
	require.NoError(t, err)

	plaintext := []byte(`{"finding":"tls_cert_expired","host":"db-3"}`)

	sealed, err := sealer.Seal(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := sealer.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSealerRejectsBadKey(t *testing.T) {
	_, err := NewSealer([]byte("short"))
	assert.Error(t, err)

	_, err = NewSealerFromSecret("")
	assert.Error(t, err)
}

func TestOpenRejectsTamperedData(t *testing.T) {
	sealer, err := NewSealerFromSecret("cluster-shared-secret")
	require.NoError(t, err)

	sealed, err := sealer.Seal([]byte("payload"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = sealer.Open(sealed)
	assert.Error(t, err)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	a, _ := NewSealerFromSecret("secret-a")
	b, _ := NewSealerFromSecret("secret-b")

	sealed, err := a.Seal([]byte("payload"))
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.Error(t, err)
}

func TestSealProducesUniqueNonces(t *testing.T) {
	sealer, _ := NewSealerFromSecret("secret")

	one, err := sealer.Seal([]byte("same input"))
	require.NoError(t, err)
	two, err := sealer.Seal([]byte("same input"))
	require.NoError(t, err)

	assert.NotEqual(t, one, two)
}
