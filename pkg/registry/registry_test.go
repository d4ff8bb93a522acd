package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
)

func TestUpsert_CreatesThenMutates(t *testing.T) {
	r := New()
	id := kvmtypes.NewClientID()

	c := r.Upsert(id, func(c kvmtypes.Client) kvmtypes.Client {
		c.Name = "laptop"
		return c
	})
	assert.Equal(t, "laptop", c.Name)
	assert.Equal(t, kvmtypes.StateDiscovered, c.ConnectionState)

	c = r.Upsert(id, func(c kvmtypes.Client) kvmtypes.Client {
		c.Platform = kvmtypes.PlatformLinuxX11
		return c
	})
	assert.Equal(t, "laptop", c.Name, "prior fields survive a second upsert")
	assert.Equal(t, kvmtypes.PlatformLinuxX11, c.Platform)
}

func TestMarkConnectedAndDisconnected(t *testing.T) {
	r := New()
	id := kvmtypes.NewClientID()
	r.Upsert(id, func(c kvmtypes.Client) kvmtypes.Client { return c })

	r.MarkConnected(id)
	got, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, kvmtypes.StateConnected, got.ConnectionState)

	r.UpdateScreenInfo(id, kvmtypes.ClientScreen{Region: kvmtypes.ScreenRegion{Width: 1920, Height: 1080}})

	r.MarkDisconnected(id)
	got, ok = r.Get(id)
	require.True(t, ok)
	assert.Equal(t, kvmtypes.StateDisconnected, got.ConnectionState)
	require.NotNil(t, got.ScreenInfo, "screen info survives disconnect per §4.6")
}

func TestMarkConnected_NoOpWhenAbsent(t *testing.T) {
	r := New()
	r.MarkConnected(kvmtypes.NewClientID())
	assert.Empty(t, r.SnapshotAll())
}

func TestRemove(t *testing.T) {
	r := New()
	id := kvmtypes.NewClientID()
	r.Upsert(id, func(c kvmtypes.Client) kvmtypes.Client { return c })
	r.Remove(id)
	_, ok := r.Get(id)
	assert.False(t, ok)
}

func TestSnapshotAll_IsIndependentCopy(t *testing.T) {
	r := New()
	id := kvmtypes.NewClientID()
	r.Upsert(id, func(c kvmtypes.Client) kvmtypes.Client {
		c.Name = "a"
		return c
	})

	snap := r.SnapshotAll()
	require.Len(t, snap, 1)
	r.Upsert(id, func(c kvmtypes.Client) kvmtypes.Client {
		c.Name = "b"
		return c
	})
	assert.Equal(t, "a", snap[0].Name, "snapshot must not observe later mutations")
}

func TestUpdateStats(t *testing.T) {
	r := New()
	id := kvmtypes.NewClientID()
	r.Upsert(id, func(c kvmtypes.Client) kvmtypes.Client { return c })
	r.UpdateStats(id, 12.5, 240)
	got, _ := r.Get(id)
	assert.Equal(t, float32(12.5), got.LatencyMS)
	assert.Equal(t, uint32(240), got.EventsPerSecond)
}
