package filestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
)

func TestLayoutStore_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLayoutStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	_, found, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, found, "nothing persisted yet")

	client := kvmtypes.NewClientID()
	layout := kvmtypes.VirtualLayout{
		Master: kvmtypes.ScreenRegion{VirtualX: 0, VirtualY: 0, Width: 1920, Height: 1080},
		Clients: map[kvmtypes.ClientID]kvmtypes.ClientScreen{
			client: {Region: kvmtypes.ScreenRegion{VirtualX: 1920, VirtualY: 0, Width: 1280, Height: 1080}},
		},
		Adjacencies: []kvmtypes.Adjacency{
			{
				FromScreen: kvmtypes.MasterScreenID,
				FromEdge:   kvmtypes.EdgeRight,
				ToScreen:   kvmtypes.ClientScreenID(client),
				ToEdge:     kvmtypes.EdgeLeft,
			},
		},
	}
	require.NoError(t, store.Save(ctx, layout))

	got, found, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, layout.Master, got.Master)
	require.Contains(t, got.Clients, client)
	assert.Equal(t, layout.Clients[client].Region, got.Clients[client].Region)
	require.Len(t, got.Adjacencies, 1)
	assert.Equal(t, layout.Adjacencies[0], got.Adjacencies[0])

	// reopening against the same dir sees the persisted file.
	reopened, err := NewLayoutStore(dir)
	require.NoError(t, err)
	got2, found2, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.True(t, found2)
	assert.Equal(t, got, got2)
}

func TestConfigStore_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewConfigStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	_, found, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	cfg := kvmtypes.NetworkConfig{ControlPort: 24800, InputPort: 24801, DiscoveryPort: 24802, BindAddress: "0.0.0.0"}
	require.NoError(t, store.Save(ctx, cfg))

	got, found, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, cfg, got)
}

func TestPairingStore_PutGetDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewPairingStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	id := kvmtypes.NewClientID()
	_, known, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, known)

	var fp kvmtypes.Fingerprint
	for i := range fp {
		fp[i] = byte(i)
	}
	require.NoError(t, store.Put(ctx, id, fp))

	got, known, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, known)
	assert.Equal(t, fp, got)

	// a second store instance rooted at the same dir observes the write.
	reopened, err := NewPairingStore(dir)
	require.NoError(t, err)
	got2, known2, err := reopened.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, known2)
	assert.Equal(t, fp, got2)

	require.NoError(t, store.Delete(ctx, id))
	_, known3, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, known3)
}

func TestLoadOrCreateIdentity_PersistsAcrossCalls(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateIdentity(dir)
	require.NoError(t, err)

	second, err := LoadOrCreateIdentity(dir)
	require.NoError(t, err)

	assert.Equal(t, first.Fingerprint(), second.Fingerprint())
	assert.Equal(t, first.Private, second.Private)
}

func TestLoadOrCreateClientID_PersistsAcrossCalls(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateClientID(dir)
	require.NoError(t, err)

	second, err := LoadOrCreateClientID(dir)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
