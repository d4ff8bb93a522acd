package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
)

// wsConn adapts a *websocket.Conn to the sealedConn shape controlConn
// needs, buffering leftover plaintext across ReadMessage calls the same
// way controlConn itself buffers across readSealedRecord calls: a websocket
// is message-framed, not a raw byte stream, and the salt handshake plus the
// sealed-record layer above both assume io.Reader/io.Writer semantics.
type wsConn struct {
	conn    *websocket.Conn
	readBuf []byte
}

func (w *wsConn) Read(p []byte) (int, error) {
	for len(w.readBuf) == 0 {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		w.readBuf = data
	}
	n := copy(p, w.readBuf)
	w.readBuf = w.readBuf[n:]
	return n, nil
}

func (w *wsConn) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error { return w.conn.Close() }

var _ sealedConn = (*wsConn)(nil)

// WebSocketClientTransport is a debug/test control-stream transport that
// carries the same TOFU-pinned-fingerprint-plus-salted-AES-GCM-record
// protocol as ClientTransport, but over a ws:// connection instead of raw
// TLS+TCP. It has no OpenInput/ListenControl of its own use: this
// package's websocket test only needs the dial half, so ListenControl and
// OpenInput simply delegate to ClientTransport's real implementations.
// Neither cmd/kvmd nor cmd/kvmc wires it.
type WebSocketClientTransport struct {
	Dialer *websocket.Dialer
}

// NewWebSocketClientTransport creates a WebSocketClientTransport using
// websocket.DefaultDialer.
func NewWebSocketClientTransport() *WebSocketClientTransport {
	return &WebSocketClientTransport{Dialer: websocket.DefaultDialer}
}

// DialControl dials a ws:// (or wss://) URL in addr, exchanges a fresh
// salt over the resulting message stream, and derives the record-layer key
// from credential the same way ClientTransport.DialControl does — pinning
// isn't done via TLS certificate verification here (a plain ws:// URL has
// none), it rides entirely on the fingerprint supplied out of band by
// whatever test harness or debug tooling dialed this transport.
func (t *WebSocketClientTransport) DialControl(ctx context.Context, addr string, credential []byte) (capability.ControlStream, error) {
	fingerprint, err := fingerprintFromCredential(credential)
	if err != nil {
		return nil, err
	}
	conn, _, err := t.Dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial ws control %s: %w", addr, err)
	}
	ws := &wsConn{conn: conn}
	key, err := clientHandshake(ws, fingerprint)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	return &controlConn{conn: ws, key: key, remote: conn.RemoteAddr().String()}, nil
}

func (t *WebSocketClientTransport) ListenControl(ctx context.Context, addr string, credential []byte) (capability.ControlListener, error) {
	return listenControl(ctx, addr, credential)
}

func (t *WebSocketClientTransport) OpenInput(ctx context.Context, addr string, credential []byte) (capability.InputDatagram, error) {
	return dialInput(ctx, addr, credential)
}

var _ capability.Transport = (*WebSocketClientTransport)(nil)

// WebSocketControlListener upgrades inbound HTTP connections to websockets
// and runs the acceptor's half of the salt handshake on each one, for
// debug tooling and tests (no cmd in this module wires it). It is driven by
// an *http.Server the caller owns (ServeHTTP is registered as its
// handler); Accept hands each upgraded connection off the
// same way controlListener.Accept hands off a raw TLS accept.
type WebSocketControlListener struct {
	Upgrader    websocket.Upgrader
	fingerprint kvmtypes.Fingerprint
	addr        string
	accepted    chan *websocket.Conn
	closed      chan struct{}
}

// NewWebSocketControlListener creates a listener pinned to fingerprint
// (the host identity's own fingerprint, since this is the acceptor side),
// reachable at addr for diagnostic logging via Addr.
func NewWebSocketControlListener(addr string, fingerprint kvmtypes.Fingerprint) *WebSocketControlListener {
	return &WebSocketControlListener{
		addr:        addr,
		fingerprint: fingerprint,
		accepted:    make(chan *websocket.Conn, 8),
		closed:      make(chan struct{}),
	}
}

// ServeHTTP upgrades the request and queues the resulting connection for
// Accept. It never itself runs the handshake: that happens on Accept's
// goroutine, symmetric with controlListener.Accept running serverHandshake
// after a raw net.Listener.Accept.
func (l *WebSocketControlListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case l.accepted <- conn:
	case <-l.closed:
		_ = conn.Close()
	}
}

func (l *WebSocketControlListener) Accept(ctx context.Context) (capability.ControlStream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, fmt.Errorf("transport: ws control listener closed")
	case conn := <-l.accepted:
		ws := &wsConn{conn: conn}
		key, err := serverHandshake(ws, l.fingerprint)
		if err != nil {
			_ = ws.Close()
			return nil, err
		}
		return &controlConn{conn: ws, key: key, remote: conn.RemoteAddr().String()}, nil
	}
}

func (l *WebSocketControlListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func (l *WebSocketControlListener) Addr() string { return l.addr }

var _ capability.ControlListener = (*WebSocketControlListener)(nil)
