package router

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability/memory"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/codec"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/layout"
)

// recordingSender is a test SessionSender that records every message it
// is handed, standing in for a real session's input send path.
type recordingSender struct {
	msgs []codec.Message
}

func (s *recordingSender) SendInput(_ context.Context, msg codec.Message) error {
	s.msgs = append(s.msgs, msg)
	return nil
}

func oneClientLayout(t *testing.T, clientID kvmtypes.ClientID) *layout.Store {
	t.Helper()
	l := kvmtypes.VirtualLayout{
		Master:  kvmtypes.ScreenRegion{VirtualX: 0, VirtualY: 0, Width: 1920, Height: 1080},
		Clients: map[kvmtypes.ClientID]kvmtypes.ClientScreen{},
	}
	l, err := layout.AddClient(l, clientID, kvmtypes.ScreenRegion{VirtualX: 1920, VirtualY: 0, Width: 2560, Height: 1440})
	require.NoError(t, err)
	l, err = layout.SetAdjacency(l, kvmtypes.Adjacency{
		FromScreen: kvmtypes.MasterScreenID, FromEdge: kvmtypes.EdgeRight,
		ToScreen: kvmtypes.ClientScreenID(clientID), ToEdge: kvmtypes.EdgeLeft,
	})
	require.NoError(t, err)
	l, err = layout.SetAdjacency(l, kvmtypes.Adjacency{
		FromScreen: kvmtypes.ClientScreenID(clientID), FromEdge: kvmtypes.EdgeLeft,
		ToScreen: kvmtypes.MasterScreenID, ToEdge: kvmtypes.EdgeRight,
	})
	require.NoError(t, err)
	return layout.NewStore(l)
}

// TestEdgeTransition_S1 reproduces spec scenario S1: a cursor move from
// (1900,500) to (1920,500) crosses into the client and lands at the
// proportionally-mapped entry point.
func TestEdgeTransition_S1(t *testing.T) {
	clientID := kvmtypes.NewClientID()
	store := oneClientLayout(t, clientID)
	clock := memory.NewFakeClock(0)
	capture := memory.NewRecordingCapture(8)
	r := New(store, capture, clock, zerolog.Nop())

	sender := &recordingSender{}
	r.AttachSession(clientID, sender)
	r.cursor = kvmtypes.CursorState{Active: kvmtypes.MasterScreenID, LocalX: 1900, LocalY: 500}
	r.lastPhysX, r.lastPhysY = 1900, 500

	r.handle(context.Background(), capability.RawInput{Kind: capability.RawMouseMove, X: 1920, Y: 500})
	r.flush(context.Background())

	assert.False(t, r.cursor.Active.IsMaster)
	assert.Equal(t, clientID, r.cursor.Active.Client)
	assert.Equal(t, int32(1), r.cursor.LocalX)
	assert.Equal(t, int32(667), r.cursor.LocalY)

	require.Len(t, sender.msgs, 1)
	mm, ok := sender.msgs[0].(codec.MouseMove)
	require.True(t, ok)
	assert.Equal(t, int32(1), mm.X)
	assert.Equal(t, int32(667), mm.Y)

	require.Len(t, capture.Teleports(), 1)
	tp := capture.Teleports()[0]
	assert.Equal(t, int32(1918), tp.X)
	assert.Equal(t, int32(500), tp.Y)
}

// TestKeyboardFollowsCursor_S2 reproduces spec scenario S2.
func TestKeyboardFollowsCursor_S2(t *testing.T) {
	clientID := kvmtypes.NewClientID()
	store := oneClientLayout(t, clientID)
	clock := memory.NewFakeClock(0)
	capture := memory.NewRecordingCapture(8)
	r := New(store, capture, clock, zerolog.Nop())
	sender := &recordingSender{}
	r.AttachSession(clientID, sender)
	r.cursor.Active = kvmtypes.ClientScreenID(clientID)

	r.handle(context.Background(), capability.RawInput{Kind: capability.RawKeyDown, VK: 0x41})
	r.flush(context.Background())
	r.handle(context.Background(), capability.RawInput{Kind: capability.RawKeyUp, VK: 0x41})
	r.flush(context.Background())

	require.Len(t, sender.msgs, 2)
	down := sender.msgs[0].(codec.KeyEvent)
	assert.Equal(t, uint16(0x04), down.HIDCode)
	assert.Equal(t, codec.KeyDown, down.EventType)
	up := sender.msgs[1].(codec.KeyEvent)
	assert.Equal(t, codec.KeyUp, up.EventType)
	assert.Equal(t, 2, capture.SuppressCount())
}

// TestMasterTarget_NoMessageNoSuppress covers §4.7 step 4.
func TestMasterTarget_NoMessageNoSuppress(t *testing.T) {
	clientID := kvmtypes.NewClientID()
	store := oneClientLayout(t, clientID)
	clock := memory.NewFakeClock(0)
	capture := memory.NewRecordingCapture(8)
	r := New(store, capture, clock, zerolog.Nop())

	r.handle(context.Background(), capability.RawInput{Kind: capability.RawKeyDown, VK: 0x41})
	r.flush(context.Background())
	assert.Equal(t, 0, capture.SuppressCount())
}

// TestDisconnectDuringRouting_S3 reproduces spec scenario S3: detaching the
// active client's session falls back to master immediately.
func TestDisconnectDuringRouting_S3(t *testing.T) {
	clientID := kvmtypes.NewClientID()
	store := oneClientLayout(t, clientID)
	clock := memory.NewFakeClock(0)
	capture := memory.NewRecordingCapture(8)
	r := New(store, capture, clock, zerolog.Nop())
	sender := &recordingSender{}
	r.AttachSession(clientID, sender)
	r.cursor.Active = kvmtypes.ClientScreenID(clientID)

	r.DetachSession(clientID)
	assert.True(t, r.ActiveTarget().Active.IsMaster)

	r.handle(context.Background(), capability.RawInput{Kind: capability.RawKeyDown, VK: 0x41})
	r.flush(context.Background())
	assert.Equal(t, 0, capture.SuppressCount())
}

// TestSharingDisabled_NoRouting covers §4.7 step 1.
func TestSharingDisabled_NoRouting(t *testing.T) {
	clientID := kvmtypes.NewClientID()
	store := oneClientLayout(t, clientID)
	clock := memory.NewFakeClock(0)
	capture := memory.NewRecordingCapture(8)
	r := New(store, capture, clock, zerolog.Nop())
	sender := &recordingSender{}
	r.AttachSession(clientID, sender)
	r.cursor.Active = kvmtypes.ClientScreenID(clientID)
	r.SetEnabled(false)

	r.handle(context.Background(), capability.RawInput{Kind: capability.RawKeyDown, VK: 0x41})
	r.flush(context.Background())
	assert.Empty(t, sender.msgs)
	assert.Equal(t, 0, capture.SuppressCount())
}

// TestHotkeyDoubleTap_TogglesEnabled covers the §4.7 hotkey chord.
func TestHotkeyDoubleTap_TogglesEnabled(t *testing.T) {
	clientID := kvmtypes.NewClientID()
	store := oneClientLayout(t, clientID)
	clock := memory.NewFakeClock(0)
	capture := memory.NewRecordingCapture(8)
	r := New(store, capture, clock, zerolog.Nop())
	r.HotkeyVK = 0x91

	r.handle(context.Background(), capability.RawInput{Kind: capability.RawKeyDown, VK: 0x91})
	assert.True(t, r.Enabled(), "single tap must not toggle")

	clock.Advance(uint64((200 * time.Millisecond).Microseconds()))
	r.handle(context.Background(), capability.RawInput{Kind: capability.RawKeyDown, VK: 0x91})
	assert.False(t, r.Enabled(), "double tap within window toggles")
}

// TestHotkeyDoubleTap_OutsideWindowDoesNotToggle ensures the window is
// actually enforced rather than any two presses toggling.
func TestHotkeyDoubleTap_OutsideWindowDoesNotToggle(t *testing.T) {
	clientID := kvmtypes.NewClientID()
	store := oneClientLayout(t, clientID)
	clock := memory.NewFakeClock(0)
	capture := memory.NewRecordingCapture(8)
	r := New(store, capture, clock, zerolog.Nop())
	r.HotkeyVK = 0x91

	r.handle(context.Background(), capability.RawInput{Kind: capability.RawKeyDown, VK: 0x91})
	clock.Advance(uint64((500 * time.Millisecond).Microseconds()))
	r.handle(context.Background(), capability.RawInput{Kind: capability.RawKeyDown, VK: 0x91})
	assert.True(t, r.Enabled())
}

// TestTransitionCooldown_SuppressesRapidRetrigger exercises the debounce
// hook described in §4.3/§4.7.
func TestTransitionCooldown_SuppressesRapidRetrigger(t *testing.T) {
	clientID := kvmtypes.NewClientID()
	store := oneClientLayout(t, clientID)
	clock := memory.NewFakeClock(0)
	capture := memory.NewRecordingCapture(8)
	r := New(store, capture, clock, zerolog.Nop())
	sender := &recordingSender{}
	r.AttachSession(clientID, sender)
	r.cursor = kvmtypes.CursorState{Active: kvmtypes.MasterScreenID, LocalX: 1900, LocalY: 500}
	r.lastPhysX, r.lastPhysY = 1900, 500

	r.handle(context.Background(), capability.RawInput{Kind: capability.RawMouseMove, X: 1920, Y: 500})
	r.flush(context.Background())
	require.False(t, r.cursor.Active.IsMaster)

	// Immediately bounce back near the left edge of the client screen,
	// inside the cooldown window: the transition back to master must not
	// fire yet.
	r.handle(context.Background(), capability.RawInput{Kind: capability.RawMouseMove, X: 1918, Y: 500})
	r.flush(context.Background())
	assert.False(t, r.cursor.Active.IsMaster, "cooldown should suppress the immediate bounce-back")
}

// TestBatching_MultipleReadyEventsCoalesce exercises the optional batching
// path when several input-channel events are already queued.
func TestBatching_MultipleReadyEventsCoalesce(t *testing.T) {
	clientID := kvmtypes.NewClientID()
	store := oneClientLayout(t, clientID)
	clock := memory.NewFakeClock(0)
	capture := memory.NewRecordingCapture(8)
	r := New(store, capture, clock, zerolog.Nop())
	sender := &recordingSender{}
	r.AttachSession(clientID, sender)
	r.cursor.Active = kvmtypes.ClientScreenID(clientID)

	rawCh := make(chan capability.RawInput, 8)
	rawCh <- capability.RawInput{Kind: capability.RawKeyDown, VK: 0x41}
	rawCh <- capability.RawInput{Kind: capability.RawKeyUp, VK: 0x41}
	rawCh <- capability.RawInput{Kind: capability.RawKeyDown, VK: 0x42}
	close(rawCh)

	require.NoError(t, r.Run(context.Background(), rawCh))

	require.Len(t, sender.msgs, 1)
	batch, ok := sender.msgs[0].(codec.InputBatch)
	require.True(t, ok, "three ready events should coalesce into one InputBatch")
	assert.Len(t, batch.Events, 3)
}
