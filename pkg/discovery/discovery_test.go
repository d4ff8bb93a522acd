package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability/memory"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/secure"
)

func newTestMachine(clock *memory.FakeClock) (*PairingStateMachine, *memory.PairingStore) {
	store := memory.NewPairingStore()
	return NewPairingStateMachine(clock, memory.CryptoRandom{}, store), store
}

func TestPairing_HappyPath(t *testing.T) {
	clock := memory.NewFakeClock(0)
	m, store := newTestMachine(clock)
	ctx := context.Background()
	id := kvmtypes.NewClientID()

	nonce, err := m.Initiate(ctx, id, "10.0.0.5:9")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingConfirm, m.StateOf(id))

	submitted := secure.HashPIN("123456", nonce)
	var fp kvmtypes.Fingerprint
	fp[0] = 0x42
	ok, err := m.Confirm(ctx, id, "10.0.0.5:9", "123456", submitted, fp)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StatePaired, m.StateOf(id))

	got, found, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, fp, got)
}

func TestPairing_MismatchReturnsToUnpaired(t *testing.T) {
	clock := memory.NewFakeClock(0)
	m, _ := newTestMachine(clock)
	ctx := context.Background()
	id := kvmtypes.NewClientID()

	nonce, err := m.Initiate(ctx, id, "10.0.0.5:9")
	require.NoError(t, err)
	submitted := secure.HashPIN("000000", nonce)
	ok, err := m.Confirm(ctx, id, "10.0.0.5:9", "123456", submitted, kvmtypes.Fingerprint{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateUnpaired, m.StateOf(id))
}

func TestPairing_ThreeMismatchesLockOut(t *testing.T) {
	clock := memory.NewFakeClock(0)
	m, _ := newTestMachine(clock)
	ctx := context.Background()
	id := kvmtypes.NewClientID()
	src := "10.0.0.5:9"

	for i := 0; i < MaxMismatches; i++ {
		nonce, err := m.Initiate(ctx, id, src)
		require.NoError(t, err)
		submitted := secure.HashPIN("000000", nonce)
		_, err = m.Confirm(ctx, id, src, "123456", submitted, kvmtypes.Fingerprint{})
		require.NoError(t, err)
	}
	assert.Equal(t, StateLockedOut, m.StateOf(id))

	_, err := m.Initiate(ctx, id, src)
	assert.ErrorIs(t, err, ErrLockedOut)

	clock.Advance(uint64(LockoutDuration.Microseconds()) + 1)
	assert.Equal(t, StateUnpaired, m.StateOf(id))
}

func TestPairing_TimeoutRevertsToUnpaired(t *testing.T) {
	clock := memory.NewFakeClock(0)
	m, _ := newTestMachine(clock)
	ctx := context.Background()
	id := kvmtypes.NewClientID()

	_, err := m.Initiate(ctx, id, "10.0.0.5:9")
	require.NoError(t, err)
	clock.Advance(uint64(PairingTimeout.Microseconds()) + 1)
	assert.Equal(t, StateUnpaired, m.StateOf(id))
}

func TestPairing_RateLimitPerSourceAddress(t *testing.T) {
	clock := memory.NewFakeClock(0)
	m, _ := newTestMachine(clock)
	ctx := context.Background()
	src := "10.0.0.9:1"

	for i := 0; i < RateLimitMax; i++ {
		_, err := m.Initiate(ctx, kvmtypes.NewClientID(), src)
		require.NoError(t, err)
	}
	_, err := m.Initiate(ctx, kvmtypes.NewClientID(), src)
	assert.ErrorIs(t, err, ErrRateLimited)

	clock.Advance(uint64(RateLimitWindow.Microseconds()) + 1)
	_, err = m.Initiate(ctx, kvmtypes.NewClientID(), src)
	assert.NoError(t, err, "rolling window must clear after it elapses")
}

func TestVerifyReconnect_MatchAndMismatchAndUnknown(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPairingStore()
	id := kvmtypes.NewClientID()

	ok, err := VerifyReconnect(ctx, store, id, kvmtypes.Fingerprint{1})
	require.NoError(t, err)
	assert.False(t, ok, "unknown client has nothing pinned")

	var fp kvmtypes.Fingerprint
	fp[0] = 7
	require.NoError(t, store.Put(ctx, id, fp))

	ok, err = VerifyReconnect(ctx, store, id, fp)
	require.NoError(t, err)
	assert.True(t, ok)

	var other kvmtypes.Fingerprint
	other[0] = 9
	ok, err = VerifyReconnect(ctx, store, id, other)
	require.NoError(t, err)
	assert.False(t, ok)
}
