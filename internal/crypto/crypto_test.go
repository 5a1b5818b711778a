package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	env, err := Seal("sk-super-secret", "passphrase-key")
	require.NoError(t, err)
	assert.True(t, IsEnvelope(env))
	assert.NotContains(t, env, "sk-super-secret")

	plain, err := Open(env, "passphrase-key")
	require.NoError(t, err)
	assert.Equal(t, "sk-super-secret", plain)
}

func TestOpenPassesThroughPlaintext(t *testing.T) {
	plain, err := Open("just-a-plain-api-key", "any-key")
	require.NoError(t, err)
	assert.Equal(t, "just-a-plain-api-key", plain)
}

func TestOpenWrongKeyFails(t *testing.T) {
	env, err := Seal("secret", "right-key")
	require.NoError(t, err)

	_, err = Open(env, "wrong-key")
	require.Error(t, err)
}

func TestOpenRejectsMalformedEnvelope(t *testing.T) {
	_, err := Open(EnvelopePrefix+"zz-not-hex", "key")
	require.Error(t, err)

	_, err = Open(EnvelopePrefix+"abcd", "key")
	require.Error(t, err, "an envelope shorter than the nonce must be rejected")
}

func TestSealUsesHexKeyDirectly(t *testing.T) {
	hexKey := strings.Repeat("ab", 32) // 32 bytes once decoded
	env, err := Seal("value", hexKey)
	require.NoError(t, err)

	plain, err := Open(env, hexKey)
	require.NoError(t, err)
	assert.Equal(t, "value", plain)
}

func TestSealProducesFreshNonces(t *testing.T) {
	a, err := Seal("same", "key")
	require.NoError(t, err)
	b, err := Seal("same", "key")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
