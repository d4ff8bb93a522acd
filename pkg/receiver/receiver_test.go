package receiver

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability/memory"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/codec"
)

// queueSource is an InputSource backed by a pre-loaded queue of decoded
// messages, standing in for session.Session.RecvInput in tests.
type queueSource struct {
	msgs []codec.Message
	i    int
	err  error
}

func (q *queueSource) RecvInput(ctx context.Context) (codec.Message, error) {
	if q.i >= len(q.msgs) {
		if q.err != nil {
			return nil, q.err
		}
		return nil, context.Canceled
	}
	m := q.msgs[q.i]
	q.i++
	return m, nil
}

func TestReceiver_KeyEventTranslatesAndEmulates(t *testing.T) {
	emu := &memory.RecordingEmulator{}
	src := &queueSource{msgs: []codec.Message{
		codec.KeyEvent{HIDCode: 0x04, EventType: codec.KeyDown, Modifiers: 0x02},
		codec.KeyEvent{HIDCode: 0x04, EventType: codec.KeyUp, Modifiers: 0x02},
	}}
	r := New(src, emu, WindowsMapper, zerolog.Nop())

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, context.Canceled)

	require.Len(t, emu.Snapshot(), 2)
	assert.Contains(t, emu.Snapshot()[0], "key_down")
	assert.Contains(t, emu.Snapshot()[1], "key_up")
}

func TestReceiver_UnmappedHIDCodeIsSkipped(t *testing.T) {
	emu := &memory.RecordingEmulator{}
	src := &queueSource{msgs: []codec.Message{
		codec.KeyEvent{HIDCode: 0xFFFF, EventType: codec.KeyDown},
	}}
	r := New(src, emu, WindowsMapper, zerolog.Nop())

	_ = r.Run(context.Background())
	assert.Empty(t, emu.Snapshot(), "an unmapped HID code must never reach the emulator")
}

func TestReceiver_MouseMoveAndButtonAndScroll(t *testing.T) {
	emu := &memory.RecordingEmulator{}
	src := &queueSource{msgs: []codec.Message{
		codec.MouseMove{X: 10, Y: 20},
		codec.MouseButton{Button: 1, EventType: codec.MouseButtonDown, X: 10, Y: 20},
		codec.MouseButton{Button: 1, EventType: codec.MouseButtonUp, X: 10, Y: 20},
		codec.MouseScroll{DX: 0, DY: 120},
	}}
	r := New(src, emu, nil, zerolog.Nop())

	_ = r.Run(context.Background())
	require.Len(t, emu.Snapshot(), 4)
	assert.Equal(t, "mouse_move(10,20)", emu.Snapshot()[0])
	assert.Equal(t, "mouse_button(1,true,10,20)", emu.Snapshot()[1])
	assert.Equal(t, "mouse_button(1,false,10,20)", emu.Snapshot()[2])
	assert.Equal(t, "mouse_scroll(0,120)", emu.Snapshot()[3])
}

func TestReceiver_InputBatchUnwrapsEachSubEvent(t *testing.T) {
	emu := &memory.RecordingEmulator{}
	down := codec.KeyEvent{HIDCode: 0x04, EventType: codec.KeyDown}
	up := codec.KeyEvent{HIDCode: 0x04, EventType: codec.KeyUp}
	downPayload, err := down.EncodePayload()
	require.NoError(t, err)
	upPayload, err := up.EncodePayload()
	require.NoError(t, err)

	batch := codec.InputBatch{Events: []codec.SubEvent{
		{Type: codec.TypeKeyEvent, PayloadBytes: downPayload},
		{Type: codec.TypeKeyEvent, PayloadBytes: upPayload},
	}}
	src := &queueSource{msgs: []codec.Message{batch}}
	r := New(src, emu, WindowsMapper, zerolog.Nop())

	_ = r.Run(context.Background())
	require.Len(t, emu.Snapshot(), 2)
}

func TestReceiver_NilInputMessageIsSkippedNotTreatedAsError(t *testing.T) {
	emu := &memory.RecordingEmulator{}
	src := &queueSource{msgs: []codec.Message{nil, codec.MouseMove{X: 1, Y: 1}}}
	r := New(src, emu, nil, zerolog.Nop())

	_ = r.Run(context.Background())
	require.Len(t, emu.Snapshot(), 1, "a replay-dropped (nil) message must be skipped, not emulated or fatal")
}
