package safe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIdentityAge(t *testing.T) {
	id, err := GenerateIdentity(MinAge)
	require.NoError(t, err)
	assert.Equal(t, uint8(MinAge), id.Name().Age())
	assert.Equal(t, NamedHash(id.Public), id.Name())
}

func TestGenerateMatchingIdentity(t *testing.T) {
	prefix, err := ParsePrefix("10")
	require.NoError(t, err)

	id, err := GenerateMatchingIdentity(prefix, MinAge+1)
	require.NoError(t, err)
	assert.True(t, prefix.Matches(id.Name()))
	assert.Equal(t, uint8(MinAge+1), id.Name().Age())
}

func TestLoadOrGenerateIdentityPersists(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrGenerateIdentity(dir, MinAge)
	require.NoError(t, err)

	second, err := LoadOrGenerateIdentity(dir, MinAge)
	require.NoError(t, err)
	assert.Equal(t, first.Name(), second.Name())
	assert.Equal(t, first.Public, second.Public)
}

func TestSaveReplacesIdentity(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrGenerateIdentity(dir, MinAge)
	require.NoError(t, err)

	replacement, err := GenerateIdentity(MinAge + 1)
	require.NoError(t, err)
	require.NoError(t, replacement.Save(dir))

	loaded, err := LoadOrGenerateIdentity(dir, MinAge)
	require.NoError(t, err)
	assert.Equal(t, replacement.Name(), loaded.Name())
	assert.NotEqual(t, first.Name(), loaded.Name())
}

func TestNodeSignatures(t *testing.T) {
	id, err := GenerateIdentity(MinAge)
	require.NoError(t, err)

	msg := []byte("payload")
	sig := id.Sign(msg)
	require.NoError(t, VerifyNodeSig(id.Public, id.Name(), msg, sig))

	// tampered payload
	err = VerifyNodeSig(id.Public, id.Name(), []byte("other"), sig)
	assert.Equal(t, KindInvalidSignature, KindOf(err))

	// claimed name not derived from the key
	other, err2 := GenerateIdentity(MinAge)
	require.NoError(t, err2)
	err = VerifyNodeSig(id.Public, other.Name(), msg, sig)
	assert.Equal(t, KindInvalidSignature, KindOf(err))
}
