package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/codec"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
)

// loopbackConn is an in-memory PacketConn pair for tests, avoiding real UDP.
// Each end knows the address of its single correspondent, since that's all
// a two-party announce/response exchange needs.
type loopbackConn struct {
	mu   sync.Mutex
	in   chan []byte
	out  map[string]chan []byte
	peer string
}

func newLoopbackPair(a, b string) (*loopbackConn, *loopbackConn) {
	chA := make(chan []byte, 16)
	chB := make(chan []byte, 16)
	out := map[string]chan []byte{a: chA, b: chB}
	return &loopbackConn{in: chA, out: out, peer: b}, &loopbackConn{in: chB, out: out, peer: a}
}

func (c *loopbackConn) WriteTo(p []byte, addr string) error {
	c.mu.Lock()
	ch, ok := c.out[addr]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	ch <- append([]byte(nil), p...)
	return nil
}

func (c *loopbackConn) ReadFrom(ctx context.Context) ([]byte, string, error) {
	select {
	case p := <-c.in:
		return p, c.peer, nil
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

func TestAnnounceListener_RespondsToAnnounce(t *testing.T) {
	clientConn, serverConn := newLoopbackPair("client", "server")

	listener := &Listener{Conn: serverConn, ServerID: kvmtypes.NewClientID(), ControlPort: 24800}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = listener.Serve(ctx) }()

	announcer := &Announcer{
		Conn:        clientConn,
		Self:        kvmtypes.NewClientID(),
		ControlPort: 24800,
		Name:        "laptop",
		BroadcastTo: "server",
	}

	runCtx, runCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer runCancel()
	responses := make(chan codec.AnnounceResponse, 4)
	go func() {
		_ = announcer.Run(runCtx, func(resp codec.AnnounceResponse, _ string) {
			responses <- resp
		})
	}()

	select {
	case resp := <-responses:
		assert.Equal(t, uint16(24800), resp.ControlPort)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for announce response")
	}
}

func TestLoopbackConn_WriteToUnknownAddrIsNoop(t *testing.T) {
	a, _ := newLoopbackPair("x", "y")
	assert.NoError(t, a.WriteTo([]byte("hi"), "nowhere"))
}
