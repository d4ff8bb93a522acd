package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
)

func TestCryptoRandom_PINDigitsAreDecimal(t *testing.T) {
	var r CryptoRandom
	pin, err := r.PINDigits(6)
	require.NoError(t, err)
	assert.Len(t, pin, 6)
	for _, c := range pin {
		assert.GreaterOrEqual(t, c, rune('0'))
		assert.LessOrEqual(t, c, rune('9'))
	}
}

func TestPairingStore_PutGetDelete(t *testing.T) {
	store := NewPairingStore()
	ctx := context.Background()
	id := kvmtypes.NewClientID()

	_, ok, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	fp := kvmtypes.Fingerprint{1, 2, 3}
	require.NoError(t, store.Put(ctx, id, fp))

	got, ok, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fp, got)

	require.NoError(t, store.Delete(ctx, id))
	_, ok, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConfigStore_SaveLoad(t *testing.T) {
	store := &ConfigStore{}
	ctx := context.Background()

	_, present, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, present)

	cfg := kvmtypes.NetworkConfig{ControlPort: 24800, InputPort: 24801, DiscoveryPort: 24802, BindAddress: "0.0.0.0"}
	require.NoError(t, store.Save(ctx, cfg))

	got, present, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, present)
	assert.Equal(t, cfg, got)
}

func TestFakeClock_Advance(t *testing.T) {
	c := NewFakeClock(1000)
	assert.Equal(t, uint64(1000), c.NowUS())
	c.Advance(500)
	assert.Equal(t, uint64(1500), c.NowUS())
}

func TestRecordingEmulator_RecordsCalls(t *testing.T) {
	e := &RecordingEmulator{}
	require.NoError(t, e.EmitKeyDown(4, 0))
	require.NoError(t, e.EmitMouseMove(10, 20))
	assert.Equal(t, []string{"key_down(4,0)", "mouse_move(10,20)"}, e.Snapshot())
}

func TestRecordingClipboard_WriteThenRead(t *testing.T) {
	c := &RecordingClipboard{}
	ctx := context.Background()

	format, data, err := c.Read(ctx)
	require.NoError(t, err)
	assert.Zero(t, format)
	assert.Empty(t, data)

	require.NoError(t, c.Write(ctx, 1, []byte("copied text")))
	format, data, err = c.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), format)
	assert.Equal(t, []byte("copied text"), data)
}

func TestRecordingCapture_InjectAndSuppress(t *testing.T) {
	c := NewRecordingCapture(4)
	ch, err := c.Start(context.Background())
	require.NoError(t, err)

	c.Inject(capability.RawInput{Kind: capability.RawMouseMove, X: 1, Y: 2})
	ev := <-ch
	assert.Equal(t, capability.RawMouseMove, ev.Kind)

	c.SuppressCurrentEvent()
	assert.Equal(t, 1, c.SuppressCount())

	c.TeleportCursor(5, 6)
	assert.Len(t, c.Teleports(), 1)
}
