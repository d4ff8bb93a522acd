package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/secure"
)

// certValidity is deliberately long: the self-signed certificate's own
// expiry is not a trust boundary here (TOFU fingerprint pinning is), it
// only needs to outlive one process's uptime between identity rotations.
const certValidity = 10 * 365 * 24 * time.Hour

// selfSignedCert builds a self-signed leaf certificate over priv, so the
// TLS handshake has something to present without a CA. The pinned value
// callers actually trust is sha256(pub), checked by the VerifyConnection
// callback below, not anything about the certificate chain itself.
func selfSignedCert(priv ed25519.PrivateKey) (tls.Certificate, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return tls.Certificate{}, errors.New("transport: identity key is not ed25519")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("transport: generate cert serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "kvm-over-ip"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("transport: create self-signed cert: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// pinnedVerify builds the TOFU VerifyConnection callback: it accepts the
// handshake only if the peer's leaf certificate carries the ed25519 public
// key whose fingerprint matches pinned, independent of any CA chain (there
// is none — InsecureSkipVerify is set alongside this on the tls.Config).
func pinnedVerify(pinned kvmtypes.Fingerprint) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New("transport: peer presented no certificate")
		}
		pub, ok := cs.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
		if !ok {
			return errors.New("transport: peer certificate key is not ed25519")
		}
		fp := kvmtypes.Fingerprint(sha256.Sum256(pub))
		if !secure.VerifyFingerprint(pinned, fp) {
			return errors.New("transport: peer fingerprint does not match pinned credential")
		}
		return nil
	}
}

// sealedConn is the narrow shape controlConn needs from its underlying
// transport: an ordered byte stream plus a remote-address label captured
// at construction time. Both *tls.Conn (dialed/accepted) and wsConn (the
// gorilla/websocket debug variant in websocket.go) satisfy it.
type sealedConn interface {
	io.Reader
	io.Writer
	io.Closer
}

// controlConn wraps a sealedConn in the sealed-record layer, satisfying
// capability.ControlStream. The TLS connection underneath already gives
// the channel confidentiality and peer authentication; the record layer on
// top additionally binds every frame to the per-connection key derived
// from the pinned fingerprint, so a record cannot be replayed across a
// fresh reconnection that negotiates a new salt.
type controlConn struct {
	conn    sealedConn
	key     []byte
	remote  string
	readBuf []byte

	peerFingerprint kvmtypes.Fingerprint
	havePeerFP      bool
}

// PeerFingerprint returns the fingerprint of the certificate the remote
// side presented, if mutual TLS was in effect for this connection
// (ListenControlMutual on the acceptor, ClientTransport.Identity set on
// the dialer). It reports false for connections where no peer
// certificate was required.
func (c *controlConn) PeerFingerprint() (kvmtypes.Fingerprint, bool) {
	return c.peerFingerprint, c.havePeerFP
}

func (c *controlConn) Read(p []byte) (int, error) {
	for len(c.readBuf) == 0 {
		rec, err := readSealedRecord(c.conn, c.key)
		if err != nil {
			return 0, err
		}
		c.readBuf = rec
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

func (c *controlConn) Write(p []byte) (int, error) {
	if err := writeSealedRecord(c.conn, c.key, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *controlConn) Close() error { return c.conn.Close() }

func (c *controlConn) RemoteAddr() string { return c.remote }

var _ capability.ControlStream = (*controlConn)(nil)

// clientHandshake runs the dialer's half of the salt exchange: read the
// salt the acceptor generated, then derive the shared record-layer key.
func clientHandshake(conn io.ReadWriter, fingerprint kvmtypes.Fingerprint) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := readFull(conn, salt); err != nil {
		return nil, fmt.Errorf("transport: read handshake salt: %w", err)
	}
	return secure.DeriveSessionKey(fingerprint, salt, "control")
}

// serverHandshake runs the acceptor's half: generate and send a fresh salt,
// then derive the shared record-layer key.
func serverHandshake(conn io.ReadWriter, fingerprint kvmtypes.Fingerprint) ([]byte, error) {
	salt, err := randomSalt(saltSize)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(salt); err != nil {
		return nil, fmt.Errorf("transport: write handshake salt: %w", err)
	}
	return secure.DeriveSessionKey(fingerprint, salt, "control")
}

func readFull(r io.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ClientTransport is the capability.Transport implementation a client
// daemon (cmd/kvmc) wires in: DialControl dials a TLS connection pinned to
// a known master fingerprint, OpenInput dials a connected UDP socket to
// the master's input port.
type ClientTransport struct {
	// Identity, when set, is presented as a client certificate on every
	// DialControl so the acceptor can pin this client's own fingerprint
	// (§4.5 TOFU: "the client's ... fingerprint is recorded ... keyed by
	// ClientId"). Nil means DialControl presents no client certificate,
	// the pre-mutual-auth behaviour still used by tests and the loopback
	// ws:// debug transport.
	Identity *secure.HostIdentity
}

// NewClientTransport creates a ClientTransport. It holds no state of its
// own beyond the optional client Identity — every call is parameterised
// entirely by its arguments — so one instance is shared across a
// process's reconnect attempts.
func NewClientTransport() *ClientTransport { return &ClientTransport{} }

// NewClientTransportWithIdentity creates a ClientTransport that presents
// identity as a client certificate on every DialControl, enabling the
// acceptor's mutual-TLS fingerprint pinning (ListenControlMutual).
func NewClientTransportWithIdentity(identity secure.HostIdentity) *ClientTransport {
	return &ClientTransport{Identity: &identity}
}

// DialControl dials addr and completes the TLS handshake plus the salted
// key-derivation handshake, pinning the peer to the fingerprint carried in
// credential (32 bytes, as returned by secure.HostIdentity.Fingerprint).
func (ct *ClientTransport) DialControl(ctx context.Context, addr string, credential []byte) (capability.ControlStream, error) {
	fingerprint, err := fingerprintFromCredential(credential)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // TOFU pinning below replaces CA-chain verification
		VerifyConnection:   pinnedVerify(fingerprint),
		MinVersion:         tls.VersionTLS12,
	}
	if ct.Identity != nil {
		cert, err := selfSignedCert(ct.Identity.Private)
		if err != nil {
			return nil, fmt.Errorf("transport: build client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	dialer := &tls.Dialer{Config: cfg}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial control %s: %w", addr, err)
	}
	key, err := clientHandshake(conn, fingerprint)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &controlConn{conn: conn, key: key, remote: conn.RemoteAddr().String()}, nil
}

// ListenControl binds addr and presents a self-signed certificate built
// from the ed25519 private key in credential (64 bytes). Real deployments
// normally only ever call this through ServerTransport; it is implemented
// here too so a single process can, in principle, act as both ends (the
// loopback demo/test harness).
func (*ClientTransport) ListenControl(ctx context.Context, addr string, credential []byte) (capability.ControlListener, error) {
	return listenControl(ctx, addr, credential)
}

// OpenInput dials a connected UDP socket to addr (the master's input
// endpoint), sealing every datagram under credential (a 32-byte AES-256
// key, typically secure.DeriveSessionKey(pinnedFingerprint, sessionToken,
// "input")).
func (*ClientTransport) OpenInput(ctx context.Context, addr string, credential []byte) (capability.InputDatagram, error) {
	return dialInput(ctx, addr, credential)
}

var _ capability.Transport = (*ClientTransport)(nil)

// DialControlTOFU dials addr with no fingerprint pinned yet, accepting
// whatever certificate the peer presents and reporting its fingerprint
// alongside the opened stream. It is used for exactly one connection: an
// unpaired client's first contact with a master, before any fingerprint has
// been learned (§4.5, trust on first use). Every later connection must go
// through DialControl with that fingerprint pinned.
func DialControlTOFU(ctx context.Context, addr string) (capability.ControlStream, kvmtypes.Fingerprint, error) {
	var captured kvmtypes.Fingerprint
	dialer := &tls.Dialer{
		Config: &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // first-contact TOFU capture, nothing to pin against yet
			VerifyConnection: func(cs tls.ConnectionState) error {
				if len(cs.PeerCertificates) == 0 {
					return errors.New("transport: peer presented no certificate")
				}
				pub, ok := cs.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
				if !ok {
					return errors.New("transport: peer certificate key is not ed25519")
				}
				captured = kvmtypes.Fingerprint(sha256.Sum256(pub))
				return nil
			},
			MinVersion: tls.VersionTLS12,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, kvmtypes.Fingerprint{}, fmt.Errorf("transport: dial control (tofu) %s: %w", addr, err)
	}
	key, err := clientHandshake(conn, captured)
	if err != nil {
		_ = conn.Close()
		return nil, kvmtypes.Fingerprint{}, err
	}
	return &controlConn{conn: conn, key: key, remote: conn.RemoteAddr().String()}, captured, nil
}

// ServerTransport is the capability.Transport implementation a master
// daemon (cmd/kvmd) wires in: ListenControl accepts TLS connections under
// the daemon's own host identity, OpenInput binds the single shared input
// port and demultiplexes per-session datagrams off it.
type ServerTransport struct{}

// NewServerTransport creates a ServerTransport.
func NewServerTransport() *ServerTransport { return &ServerTransport{} }

func (*ServerTransport) DialControl(ctx context.Context, addr string, credential []byte) (capability.ControlStream, error) {
	return (&ClientTransport{}).DialControl(ctx, addr, credential)
}

func (*ServerTransport) ListenControl(ctx context.Context, addr string, credential []byte) (capability.ControlListener, error) {
	return listenControl(ctx, addr, credential)
}

// OpenInput binds (or reuses, if already bound by an earlier session on
// the same addr) the shared input socket and returns a per-session view
// keyed off credential, demultiplexed by pkg/transport's hub (see input.go).
func (*ServerTransport) OpenInput(ctx context.Context, addr string, credential []byte) (capability.InputDatagram, error) {
	return listenInputSession(addr, credential)
}

var _ capability.Transport = (*ServerTransport)(nil)

func listenControl(_ context.Context, addr string, credential []byte) (capability.ControlListener, error) {
	priv, err := privateKeyFromCredential(credential)
	if err != nil {
		return nil, err
	}
	cert, err := selfSignedCert(priv)
	if err != nil {
		return nil, err
	}
	ln, err := tls.Listen("tcp", addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: listen control %s: %w", addr, err)
	}
	fingerprint := kvmtypes.Fingerprint(sha256.Sum256(priv.Public().(ed25519.PublicKey)))
	return &controlListener{ln: ln, fingerprint: fingerprint}, nil
}

// ListenControlMutual is the mutual-TLS variant cmd/kvmd uses so the
// master can pin each connecting client's own certificate fingerprint
// (§4.5 TOFU, §4.4 "mutual cryptographic authentication"), on top of the
// salted record layer every ControlStream carries regardless. verifyPeer
// is called with the connecting client's fingerprint before the TLS
// handshake completes; returning an error rejects the connection (used
// for both "no such client" and "fingerprint mismatch" — the composition
// root decides which and logs accordingly, this layer only enforces it).
func ListenControlMutual(_ context.Context, addr string, credential []byte, verifyPeer func(kvmtypes.Fingerprint) error) (capability.ControlListener, error) {
	priv, err := privateKeyFromCredential(credential)
	if err != nil {
		return nil, err
	}
	cert, err := selfSignedCert(priv)
	if err != nil {
		return nil, err
	}
	ln, err := tls.Listen("tcp", addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.RequireAnyClientCert,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if verifyPeer == nil || len(rawCerts) == 0 {
				return nil
			}
			peerCert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("transport: parse client certificate: %w", err)
			}
			pub, ok := peerCert.PublicKey.(ed25519.PublicKey)
			if !ok {
				return errors.New("transport: client certificate key is not ed25519")
			}
			return verifyPeer(kvmtypes.Fingerprint(sha256.Sum256(pub)))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("transport: listen control (mutual) %s: %w", addr, err)
	}
	fingerprint := kvmtypes.Fingerprint(sha256.Sum256(priv.Public().(ed25519.PublicKey)))
	return &controlListener{ln: ln, fingerprint: fingerprint, capturePeer: true}, nil
}

type controlListener struct {
	ln          net.Listener
	fingerprint kvmtypes.Fingerprint
	capturePeer bool
}

func (l *controlListener) Accept(ctx context.Context) (capability.ControlStream, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		key, err := serverHandshake(res.conn, l.fingerprint)
		if err != nil {
			_ = res.conn.Close()
			return nil, err
		}
		cc := &controlConn{conn: res.conn, key: key, remote: res.conn.RemoteAddr().String()}
		if l.capturePeer {
			if tlsConn, ok := res.conn.(*tls.Conn); ok {
				if certs := tlsConn.ConnectionState().PeerCertificates; len(certs) > 0 {
					if pub, ok := certs[0].PublicKey.(ed25519.PublicKey); ok {
						cc.peerFingerprint = kvmtypes.Fingerprint(sha256.Sum256(pub))
						cc.havePeerFP = true
					}
				}
			}
		}
		return cc, nil
	}
}

func (l *controlListener) Close() error { return l.ln.Close() }

func (l *controlListener) Addr() string { return l.ln.Addr().String() }

var _ capability.ControlListener = (*controlListener)(nil)

func fingerprintFromCredential(credential []byte) (kvmtypes.Fingerprint, error) {
	var fp kvmtypes.Fingerprint
	if len(credential) != len(fp) {
		return fp, fmt.Errorf("transport: expected a %d-byte pinned fingerprint, got %d bytes", len(fp), len(credential))
	}
	copy(fp[:], credential)
	return fp, nil
}

func privateKeyFromCredential(credential []byte) (ed25519.PrivateKey, error) {
	if len(credential) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("transport: expected a %d-byte ed25519 private key, got %d bytes", ed25519.PrivateKeySize, len(credential))
	}
	return ed25519.PrivateKey(credential), nil
}
