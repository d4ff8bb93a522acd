package secure

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
)

func TestSealOpenGCM_RoundTrip(t *testing.T) {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	plaintext := []byte("mouse_move(1920,0)")

	sealed, err := SealGCM(key, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	got, err := OpenGCM(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestOpenGCM_RejectsTamperedCiphertext(t *testing.T) {
	key := make([]byte, KeySize)
	sealed, err := SealGCM(key, []byte("hello"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = OpenGCM(key, sealed)
	assert.Error(t, err)
}

func TestSealGCM_RejectsWrongKeySize(t *testing.T) {
	_, err := SealGCM(make([]byte, 16), []byte("x"))
	assert.Error(t, err)
}

func TestSSHFingerprint_StableAndFormatted(t *testing.T) {
	id, err := GenerateHostIdentity()
	require.NoError(t, err)

	fp1, err := id.SSHFingerprint()
	require.NoError(t, err)
	fp2, err := id.SSHFingerprint()
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2)
	assert.True(t, strings.HasPrefix(fp1, "SHA256:"))
}

func TestDeriveSessionKey_DeterministicAndDomainSeparated(t *testing.T) {
	var fp kvmtypes.Fingerprint
	for i := range fp {
		fp[i] = byte(i)
	}
	salt := []byte("connection-salt")

	controlKey, err := DeriveSessionKey(fp, salt, "control")
	require.NoError(t, err)
	controlKeyAgain, err := DeriveSessionKey(fp, salt, "control")
	require.NoError(t, err)
	inputKey, err := DeriveSessionKey(fp, salt, "input")
	require.NoError(t, err)

	assert.Len(t, controlKey, KeySize)
	assert.Equal(t, controlKey, controlKeyAgain)
	assert.NotEqual(t, controlKey, inputKey)
}

func TestShortID_ReturnsRequestedLength(t *testing.T) {
	id, err := ShortID()
	require.NoError(t, err)
	assert.Len(t, id, 10)
}

func TestHostIdentity_FingerprintStableAndDistinct(t *testing.T) {
	a, err := GenerateHostIdentity()
	require.NoError(t, err)
	b, err := GenerateHostIdentity()
	require.NoError(t, err)

	assert.Equal(t, a.Fingerprint(), a.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	assert.True(t, VerifyFingerprint(a.Fingerprint(), a.Fingerprint()))
	assert.False(t, VerifyFingerprint(a.Fingerprint(), b.Fingerprint()))
}

func TestVerifyPIN_MatchAndMismatch(t *testing.T) {
	nonce := [16]byte{1, 2, 3}
	submitted := HashPIN("123456", nonce)
	assert.True(t, VerifyPIN("123456", nonce, submitted))
	assert.False(t, VerifyPIN("000000", nonce, submitted))
}
