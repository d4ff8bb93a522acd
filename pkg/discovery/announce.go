package discovery

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/codec"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
)

// PacketConn is the minimal datagram socket shape the announce/listen loops
// need, satisfied directly by *net.UDPConn in production and by an
// in-memory fake in tests — the same "depend on the narrow operation set,
// not the concrete net type" shape as capability.InputDatagram.
type PacketConn interface {
	WriteTo(p []byte, addr string) error
	ReadFrom(ctx context.Context) (p []byte, addr string, err error)
}

// Announcer runs the unpaired-client side of §4.5: broadcast Announce every
// AnnounceInterval until paired or ctx is cancelled, collecting
// AnnounceResponses on resp.
type Announcer struct {
	Conn        PacketConn
	Self        kvmtypes.ClientID
	Platform    kvmtypes.Platform
	ControlPort uint16
	Name        string
	BroadcastTo string
}

// Run broadcasts Announce every AnnounceInterval and, concurrently, reads
// AnnounceResponses off the wire, until ctx is cancelled. The two loops run
// on separate goroutines (via conc.WaitGroup) since a blocking ReadFrom must never
// stall the broadcast ticker. handle also receives the response's source
// address, since AnnounceResponse itself carries only the responder's
// control port, not its IP: the caller needs both to dial back.
func (a *Announcer) Run(ctx context.Context, handle func(codec.AnnounceResponse, string)) error {
	if err := a.announceOnce(); err != nil {
		return err
	}

	var wg conc.WaitGroup
	wg.Go(func() { a.broadcastLoop(ctx) })
	wg.Go(func() { a.receiveLoop(ctx, handle) })
	wg.Wait()
	return nil
}

func (a *Announcer) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = a.announceOnce()
		}
	}
}

func (a *Announcer) receiveLoop(ctx context.Context, handle func(codec.AnnounceResponse, string)) {
	for {
		p, addr, err := a.Conn.ReadFrom(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		msg, _, err := codec.DecodeAndParse(p)
		if err != nil {
			continue
		}
		if resp, ok := msg.(codec.AnnounceResponse); ok {
			handle(resp, addr)
		}
	}
}

func (a *Announcer) announceOnce() error {
	frame, err := codec.Encode(codec.Announce{
		ClientID:    a.Self.Bytes(),
		Platform:    uint8(a.Platform),
		ControlPort: a.ControlPort,
		Name:        a.Name,
	}, 0, 0)
	if err != nil {
		return fmt.Errorf("discovery: encode announce: %w", err)
	}
	return a.Conn.WriteTo(frame, a.BroadcastTo)
}

// Listener runs the master side of §4.5: on receiving Announce, unicast
// AnnounceResponse back to the announcing endpoint.
type Listener struct {
	Conn        PacketConn
	ServerID    kvmtypes.ClientID
	ControlPort uint16
}

// Serve handles inbound Announce datagrams until ctx is cancelled.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		p, addr, err := l.Conn.ReadFrom(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		msg, _, err := codec.DecodeAndParse(p)
		if err != nil {
			continue
		}
		ann, ok := msg.(codec.Announce)
		if !ok {
			continue
		}
		resp, err := codec.Encode(codec.AnnounceResponse{
			ServerID:    l.ServerID.Bytes(),
			ControlPort: l.ControlPort,
		}, 0, 0)
		if err != nil {
			return fmt.Errorf("discovery: encode announce response to %s: %w", ann.Name, err)
		}
		if err := l.Conn.WriteTo(resp, addr); err != nil {
			continue
		}
	}
}

// UDPPacketConn adapts a *net.UDPConn to PacketConn for production use.
type UDPPacketConn struct{ *net.UDPConn }

func (c UDPPacketConn) WriteTo(p []byte, addr string) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("discovery: resolve %s: %w", addr, err)
	}
	_, err = c.UDPConn.WriteTo(p, raddr)
	return err
}

func (c UDPPacketConn) ReadFrom(_ context.Context) ([]byte, string, error) {
	buf := make([]byte, codec.MaxInputPayload+codec.HeaderLen)
	n, addr, err := c.UDPConn.ReadFrom(buf)
	if err != nil {
		return nil, "", err
	}
	return buf[:n], addr.String(), nil
}

var _ PacketConn = UDPPacketConn{}
