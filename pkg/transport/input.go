package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/secure"
)

// maxDatagramSize bounds one read off the input UDP socket: comfortably
// above codec.MaxInputPayload plus this package's 16-byte routing prefix
// and the GCM nonce/tag overhead.
const maxDatagramSize = 2048

// inputRecvBuffer is the per-session inbound queue depth. A full queue
// means the receiver is falling behind; §4.7's "oldest unsent pointer-move
// MAY be dropped" backpressure policy already lives above this layer, so
// the transport's own drop-newest-on-full is just a last-resort bound on
// memory, not the primary flow-control mechanism.
const inputRecvBuffer = 64

// ErrNoPeerYet is returned by Send on a server-side session that has not
// yet received a single datagram from its client (so the session's remote
// UDP address, learned on first receipt, is still unknown).
var ErrNoPeerYet = errors.New("transport: input session has no known peer yet")

type datagram struct {
	payload []byte
	source  string
}

// inputSession implements capability.InputDatagram for both transport
// modes. In client/dialed mode, conn is a connected *net.UDPConn bound to
// exactly one remote peer. In server/hub mode, hub is the shared socket
// for the whole daemon's configured input port, and remote is learned
// from the first valid datagram this session's keyID demultiplexes to —
// the client->master direction always speaks first (§4.4 "session_token
// ... carried as a pre-shared identifier in the datagram-stream
// handshake"), generalised here to a 16-byte keyID derived from the
// session's own AES key instead of a value carried in the codec payload.
type inputSession struct {
	keyID    [16]byte
	key      []byte
	bindAddr string

	recv      chan datagram
	closeCh   chan struct{}
	closeOnce sync.Once

	conn *net.UDPConn // non-nil in client/dialed mode
	hub  *udpHub       // non-nil in server/hub mode
	remote atomic.Pointer[net.UDPAddr]
}

func keyIDFor(credential []byte) [16]byte {
	sum := sha256.Sum256(credential)
	var id [16]byte
	copy(id[:], sum[:16])
	return id
}

// dialInput opens a connected UDP socket to addr, for client daemons that
// already know their single remote peer (the master's input endpoint).
func dialInput(ctx context.Context, addr string, credential []byte) (capability.InputDatagram, error) {
	if len(credential) != secure.KeySize {
		return nil, fmt.Errorf("transport: input credential must be %d bytes, got %d", secure.KeySize, len(credential))
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve input addr %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial input %s: %w", addr, err)
	}
	sess := &inputSession{
		keyID:   keyIDFor(credential),
		key:     append([]byte(nil), credential...),
		recv:    make(chan datagram, inputRecvBuffer),
		closeCh: make(chan struct{}),
		conn:    conn,
	}
	go sess.clientReadLoop()
	return sess, nil
}

func (s *inputSession) clientReadLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			return
		}
		s.deliver(buf[:n], s.conn.RemoteAddr().String())
	}
}

func (s *inputSession) deliver(pkt []byte, source string) {
	if len(pkt) < len(s.keyID) {
		return
	}
	if !bytes.Equal(pkt[:len(s.keyID)], s.keyID[:]) {
		return
	}
	plain, err := secure.OpenGCM(s.key, pkt[len(s.keyID):])
	if err != nil {
		return
	}
	select {
	case s.recv <- datagram{payload: plain, source: source}:
	default: // receiver backlogged; drop rather than block the read loop
	}
}

// listenInputSession binds (or reuses) the shared hub for addr and
// registers a new per-session view keyed by credential's derived keyID.
func listenInputSession(addr string, credential []byte) (capability.InputDatagram, error) {
	if len(credential) != secure.KeySize {
		return nil, fmt.Errorf("transport: input credential must be %d bytes, got %d", secure.KeySize, len(credential))
	}
	h, err := getOrCreateHub(addr)
	if err != nil {
		return nil, err
	}
	sess := &inputSession{
		keyID:    keyIDFor(credential),
		key:      append([]byte(nil), credential...),
		bindAddr: addr,
		recv:     make(chan datagram, inputRecvBuffer),
		closeCh:  make(chan struct{}),
		hub:      h,
	}
	h.register(sess)
	return sess, nil
}

func (s *inputSession) Send(_ context.Context, payload []byte) error {
	sealed, err := secure.SealGCM(s.key, payload)
	if err != nil {
		return fmt.Errorf("transport: seal input datagram: %w", err)
	}
	pkt := make([]byte, 0, len(s.keyID)+len(sealed))
	pkt = append(pkt, s.keyID[:]...)
	pkt = append(pkt, sealed...)

	if s.hub != nil {
		return s.hub.send(s, pkt)
	}
	_, err = s.conn.Write(pkt)
	return err
}

func (s *inputSession) Recv(ctx context.Context) ([]byte, string, error) {
	select {
	case d := <-s.recv:
		return d.payload, d.source, nil
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case <-s.closeCh:
		return nil, "", net.ErrClosed
	}
}

func (s *inputSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		if s.hub != nil {
			s.hub.unregister(s.bindAddr, s)
		} else if s.conn != nil {
			_ = s.conn.Close()
		}
	})
	return nil
}

func (s *inputSession) LocalAddr() string {
	if s.hub != nil {
		return s.hub.conn.LocalAddr().String()
	}
	return s.conn.LocalAddr().String()
}

var _ capability.InputDatagram = (*inputSession)(nil)

// udpHub is the single real socket a server binds per configured input
// address, shared by every session that calls OpenInput against the same
// addr. It demultiplexes inbound datagrams by their 16-byte keyID prefix,
// the same reference-counted-map-plus-background-cleanup shape as the
// teacher's connman.ConnectionManager, specialised from a map of net.Conn
// to a map of per-session queues.
type udpHub struct {
	conn *net.UDPConn

	mu       sync.Mutex
	sessions map[[16]byte]*inputSession
	refs     int
}

var (
	hubsMu sync.Mutex
	hubs   = map[string]*udpHub{}
)

func getOrCreateHub(addr string) (*udpHub, error) {
	hubsMu.Lock()
	defer hubsMu.Unlock()

	if h, ok := hubs[addr]; ok {
		h.mu.Lock()
		h.refs++
		h.mu.Unlock()
		return h, nil
	}

	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve input bind %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen input %s: %w", addr, err)
	}
	h := &udpHub{conn: conn, sessions: make(map[[16]byte]*inputSession), refs: 1}
	hubs[addr] = h
	go h.readLoop()
	return h, nil
}

func (h *udpHub) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := h.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n < 16 {
			continue
		}
		var keyID [16]byte
		copy(keyID[:], buf[:16])

		h.mu.Lock()
		sess, ok := h.sessions[keyID]
		h.mu.Unlock()
		if !ok {
			continue
		}
		sess.remote.Store(addr)
		sess.deliver(buf[:n], addr.String())
	}
}

func (h *udpHub) register(s *inputSession) {
	h.mu.Lock()
	h.sessions[s.keyID] = s
	h.mu.Unlock()
}

func (h *udpHub) unregister(addr string, s *inputSession) {
	h.mu.Lock()
	delete(h.sessions, s.keyID)
	h.refs--
	drained := h.refs <= 0
	h.mu.Unlock()

	if drained {
		hubsMu.Lock()
		if hubs[addr] == h {
			delete(hubs, addr)
		}
		hubsMu.Unlock()
		_ = h.conn.Close()
	}
}

func (h *udpHub) send(s *inputSession, pkt []byte) error {
	remote := s.remote.Load()
	if remote == nil {
		return ErrNoPeerYet
	}
	_, err := h.conn.WriteToUDP(pkt, remote)
	return err
}
