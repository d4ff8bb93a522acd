package session

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability/memory"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/codec"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
)

// netConnStream adapts a net.Conn to capability.ControlStream for tests.
type netConnStream struct{ net.Conn }

func (s netConnStream) RemoteAddr() string { return s.Conn.RemoteAddr().String() }

// fakeDatagram is an in-process InputDatagram backed by a channel, letting
// tests inject datagrams (including out-of-order/duplicate ones) directly.
type fakeDatagram struct {
	in  chan []byte
	out chan []byte
}

func newFakeDatagramPair() (*fakeDatagram, *fakeDatagram) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	return &fakeDatagram{in: ba, out: ab}, &fakeDatagram{in: ab, out: ba}
}

func (d *fakeDatagram) Send(ctx context.Context, payload []byte) error {
	cp := append([]byte(nil), payload...)
	select {
	case d.out <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *fakeDatagram) Recv(ctx context.Context) ([]byte, string, error) {
	select {
	case p := <-d.in:
		return p, "fake", nil
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

func (d *fakeDatagram) Close() error      { return nil }
func (d *fakeDatagram) LocalAddr() string { return "fake" }

func newTestSessionPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	c1, c2 := net.Pipe()
	d1, d2 := newFakeDatagramPair()
	clock := memory.NewFakeClock(0)
	id := kvmtypes.NewClientID()
	var tok Token
	tok[0] = 0xAB

	a := New(id, tok, netConnStream{c1}, d1, clock)
	b := New(id, tok, netConnStream{c2}, d2, clock)
	return a, b
}

func TestReplayWindow_AcceptsInOrderRejectsDuplicate(t *testing.T) {
	var w replayWindow
	assert.True(t, w.Accept(0))
	assert.True(t, w.Accept(1))
	assert.False(t, w.Accept(1), "duplicate must be rejected")
	assert.True(t, w.Accept(3), "gap is tolerated, reordering within window is fine")
	assert.True(t, w.Accept(2), "out-of-order but within window is accepted")
	assert.False(t, w.Accept(2), "now a duplicate")
}

func TestReplayWindow_RejectsStaleBeyondTrailingEdge(t *testing.T) {
	var w replayWindow
	require.True(t, w.Accept(1000))
	assert.False(t, w.Accept(1000-ReplayWindowSize), "exactly at the trailing edge boundary is stale")
	assert.True(t, w.Accept(1000-ReplayWindowSize+1), "one inside the window is accepted")
}

func TestReplayWindow_ForwardJumpBeyondWindowResetsMask(t *testing.T) {
	var w replayWindow
	require.True(t, w.Accept(5))
	require.True(t, w.Accept(5+ReplayWindowSize+10))
	assert.False(t, w.Accept(5), "old sequence from before the jump is now stale")
}

func TestSession_ControlSendRecvRoundTrip(t *testing.T) {
	a, b := newTestSessionPair(t)
	defer a.Close()
	defer b.Close()

	done := make(chan struct{})
	var got codec.Message
	var recvErr error
	go func() {
		got, recvErr = b.RecvControl()
		close(done)
	}()

	require.NoError(t, a.SendControl(codec.Ping{EchoToken: 42}))
	<-done
	require.NoError(t, recvErr)
	ping, ok := got.(codec.Ping)
	require.True(t, ok)
	assert.Equal(t, uint64(42), ping.EchoToken)
}

func TestSession_ControlSequenceGapTerminatesSession(t *testing.T) {
	a, b := newTestSessionPair(t)
	defer a.Close()
	defer b.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := b.RecvControl()
		assert.NoError(t, err)
		_, err = b.RecvControl()
		assert.ErrorIs(t, err, ErrSequenceGap)
	}()

	require.NoError(t, a.SendControl(codec.Ping{EchoToken: 1}))
	// Skip a sequence number by bumping the counter directly, simulating a
	// dropped frame ahead of this one.
	a.controlSendSeq.Next()
	require.NoError(t, a.SendControl(codec.Ping{EchoToken: 2}))
	<-done
}

func TestSession_InputReplayAndDropsAreSilent(t *testing.T) {
	a, b := newTestSessionPair(t)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, a.SendInput(ctx, codec.MouseMove{X: 10, Y: 20}))
	msg, err := b.RecvInput(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	mv, ok := msg.(codec.MouseMove)
	require.True(t, ok)
	assert.Equal(t, int32(10), mv.X)

	// Manually replay the same wire frame a second time: must be dropped
	// silently (nil, nil), never surfaced as an error, never reach the
	// caller as a decoded message (P9/P8 "no emulator call occurs").
	frame, encErr := codec.Encode(codec.MouseMove{X: 10, Y: 20}, 0, 0)
	require.NoError(t, encErr)
	require.NoError(t, a.input.(*fakeDatagram).Send(ctx, frame))
	msg, err = b.RecvInput(ctx)
	assert.NoError(t, err)
	assert.Nil(t, msg, "duplicate sequence number must be dropped silently")
}

func TestSession_IdleTooLongAfterNoPong(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	d1, _ := newFakeDatagramPair()
	clock := memory.NewFakeClock(0)
	s := New(kvmtypes.NewClientID(), Token{}, netConnStream{c1}, d1, clock)

	assert.False(t, s.IdleTooLong(), "no pong observed yet is not itself a timeout")
	s.lastPongUS = clock.NowUS()
	clock.Advance(uint64(KeepaliveTimeout.Microseconds()) + 1)
	assert.True(t, s.IdleTooLong())
}

func TestDialer_ReconnectUsesBackoffAndSucceedsEventually(t *testing.T) {
	attempts := 0
	d := &Dialer{
		Clock: memory.SystemClock{},
		Connect: func(ctx context.Context) (*Session, error) {
			attempts++
			if attempts < 3 {
				return nil, assert.AnError
			}
			a, _ := newTestSessionPair(t)
			return a, nil
		},
	}
	sess, err := d.Reconnect(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, 3, attempts)
}

var _ capability.ClockSource = memory.SystemClock{}
