package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability/filestore"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/clipboard"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/codec"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/config"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/discovery"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/layout"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/registry"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/router"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/secure"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/session"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/transport"
)

// daemon bundles the master's wiring: one instance serves every accepted
// control connection via handleConn.
type daemon struct {
	cfg             config.ServerConfig
	identity        secure.HostIdentity
	logger          zerolog.Logger
	pairingStore    capability.PairingStore
	pairingSM       *discovery.PairingStateMachine
	registry        *registry.Registry
	layoutStore     *layout.Store
	layoutFileStore *filestore.LayoutStore
	router          *router.Router
	serverTransport *transport.ServerTransport
	clock           capability.ClockSource
	rnd             capability.RandomSource
	clipboard       capability.ClipboardAccess
	sessions        *xsync.MapOf[kvmtypes.ClientID, *session.Session]
}

// peerFingerprinter is implemented by control streams produced over mutual
// TLS; it exposes the fingerprint extracted from the client certificate
// presented during the handshake.
type peerFingerprinter interface {
	PeerFingerprint() (kvmtypes.Fingerprint, bool)
}

func readFrame(r io.Reader) (codec.Frame, error) {
	header := make([]byte, codec.HeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return codec.Frame{}, fmt.Errorf("kvmd: read frame header: %w", err)
	}
	payloadLen := binary.BigEndian.Uint32(header[4:8])
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return codec.Frame{}, fmt.Errorf("kvmd: read frame payload: %w", err)
		}
	}
	f, _, err := codec.DecodeFrame(append(header, payload...))
	return f, err
}

func writeMessage(w io.Writer, msg codec.Message, seq *codec.SeqCounter, clock capability.ClockSource) error {
	frame, err := codec.Encode(msg, seq.Next(), clock.NowUS())
	if err != nil {
		return fmt.Errorf("kvmd: encode message: %w", err)
	}
	_, err = w.Write(frame)
	return err
}

// handleConn runs the full lifecycle of one client's control connection:
// handshake, optional pairing, session assembly, and the control-message
// loop, until the stream fails or ctx is cancelled.
func (d *daemon) handleConn(ctx context.Context, stream capability.ControlStream) {
	remote := stream.RemoteAddr()
	logger := d.logger.With().Str("remote", remote).Logger()
	defer stream.Close()

	var seq codec.SeqCounter

	frame, err := readFrame(stream)
	if err != nil {
		logger.Warn().Err(err).Msg("kvmd: failed to read hello")
		return
	}
	if frame.Type != codec.TypeHello {
		logger.Warn().Uint8("type", uint8(frame.Type)).Msg("kvmd: expected hello, got something else")
		return
	}
	msg, err := codec.DecodeMessage(frame)
	if err != nil {
		logger.Warn().Err(err).Msg("kvmd: malformed hello")
		return
	}
	hello, ok := msg.(codec.Hello)
	if !ok {
		logger.Warn().Msg("kvmd: decoded message was not a hello")
		return
	}

	clientID := kvmtypes.ClientIDFromBytes(hello.ClientID)
	logger = logger.With().Str("client_id", clientID.String()).Str("client_name", hello.Name).Logger()

	if hello.ProtoVer != codec.ProtocolVersion {
		_ = writeMessage(stream, codec.HelloAck{ServerVer: codec.ProtocolVersion, Accepted: false, RejectReason: codec.RejectVersionMismatch}, &seq, d.clock)
		logger.Warn().Uint8("proto_ver", hello.ProtoVer).Msg("kvmd: protocol version mismatch")
		return
	}

	fp, hasFP := stream.(peerFingerprinter)
	var peerFP kvmtypes.Fingerprint
	if hasFP {
		peerFP, hasFP = fp.PeerFingerprint()
	}
	if !hasFP {
		_ = writeMessage(stream, codec.HelloAck{ServerVer: codec.ProtocolVersion, Accepted: false, RejectReason: codec.RejectAuthFailed}, &seq, d.clock)
		logger.Warn().Msg("kvmd: client presented no certificate")
		return
	}

	_, known, err := d.pairingStore.Get(ctx, clientID)
	if err != nil {
		logger.Error().Err(err).Msg("kvmd: pairing store lookup failed")
		_ = writeMessage(stream, codec.HelloAck{ServerVer: codec.ProtocolVersion, Accepted: false, RejectReason: codec.RejectAuthFailed}, &seq, d.clock)
		return
	}
	if known {
		verified, err := discovery.VerifyReconnect(ctx, d.pairingStore, clientID, peerFP)
		if err != nil {
			logger.Error().Err(err).Msg("kvmd: verify reconnect fingerprint")
			_ = writeMessage(stream, codec.HelloAck{ServerVer: codec.ProtocolVersion, Accepted: false, RejectReason: codec.RejectAuthFailed}, &seq, d.clock)
			return
		}
		if !verified {
			_ = writeMessage(stream, codec.HelloAck{ServerVer: codec.ProtocolVersion, Accepted: false, RejectReason: codec.RejectAuthFailed}, &seq, d.clock)
			logger.Warn().Msg("kvmd: presented fingerprint does not match pinned value")
			return
		}
	} else {
		if err := d.pairClient(ctx, stream, &seq, clientID, peerFP, logger); err != nil {
			_ = writeMessage(stream, codec.HelloAck{ServerVer: codec.ProtocolVersion, Accepted: false, RejectReason: codec.RejectAuthFailed}, &seq, d.clock)
			logger.Warn().Err(err).Msg("kvmd: pairing failed")
			return
		}
	}

	token, err := session.NewToken(ctx, d.rnd)
	if err != nil {
		logger.Error().Err(err).Msg("kvmd: generate session token")
		return
	}
	if err := writeMessage(stream, codec.HelloAck{SessionToken: token, ServerVer: codec.ProtocolVersion, Accepted: true}, &seq, d.clock); err != nil {
		logger.Warn().Err(err).Msg("kvmd: write hello ack")
		return
	}

	inputKey, err := secure.DeriveSessionKey(d.identity.Fingerprint(), token[:], "input")
	if err != nil {
		logger.Error().Err(err).Msg("kvmd: derive input session key")
		return
	}
	inputAddr := fmt.Sprintf("%s:%d", d.cfg.Network.BindAddress, d.cfg.Network.InputPort)
	inputStream, err := d.serverTransport.OpenInput(ctx, inputAddr, inputKey)
	if err != nil {
		logger.Error().Err(err).Msg("kvmd: open input channel")
		return
	}
	defer inputStream.Close()

	sess := session.New(clientID, token, stream, inputStream, d.clock)
	defer sess.Close()

	d.registry.Upsert(clientID, func(c kvmtypes.Client) kvmtypes.Client {
		c.ID = clientID
		c.Name = hello.Name
		c.Platform = kvmtypes.Platform(hello.Platform)
		c.Capabilities = kvmtypes.Capability(hello.Caps)
		c.Address = remote
		c.ConnectionState = kvmtypes.StateConnected
		return c
	})
	d.router.AttachSession(clientID, sess)
	d.sessions.Store(clientID, sess)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sess.RunKeepalive(connCtx)

	logger.Info().Msg("kvmd: client connected")

	defer func() {
		d.router.DetachSession(clientID)
		d.sessions.Delete(clientID)
		d.registry.MarkDisconnected(clientID)
		logger.Info().Msg("kvmd: client disconnected")
	}()

	var clipRx clipboard.Reassembler
	for {
		msg, err := sess.RecvControl()
		if err != nil {
			if ctx.Err() == nil {
				logger.Info().Err(err).Msg("kvmd: control stream closed")
			}
			return
		}
		d.handleControlMessage(clientID, sess, msg, &clipRx, logger)
	}
}

// relayClipboard applies a completed clipboard transfer locally and
// forwards it to every other connected client (the master is the hub every
// control stream routes through, per C4/C6's star topology).
func (d *daemon) relayClipboard(from kvmtypes.ClientID, format uint8, data []byte, logger zerolog.Logger) {
	if d.clipboard != nil {
		if err := d.clipboard.Write(context.Background(), format, data); err != nil {
			logger.Warn().Err(err).Msg("kvmd: failed to apply clipboard locally")
		}
	}
	d.sessions.Range(func(id kvmtypes.ClientID, sess *session.Session) bool {
		if id == from {
			return true
		}
		for _, frag := range clipboard.Fragments(format, data) {
			if err := sess.SendControl(codec.ClipboardData{Format: frag.Format, More: frag.More, Data: frag.Data}); err != nil {
				logger.Warn().Str("target", id.String()).Err(err).Msg("kvmd: failed to relay clipboard")
				break
			}
		}
		return true
	})
}

func (d *daemon) handleControlMessage(clientID kvmtypes.ClientID, sess *session.Session, msg codec.Message, clipRx *clipboard.Reassembler, logger zerolog.Logger) {
	switch m := msg.(type) {
	case codec.Ping:
		_ = sess.SendControl(codec.Pong{EchoToken: m.EchoToken})
	case codec.Pong:
		// handled by Session.RecvControl itself (updates lastPongUS)
	case codec.ScreenInfo:
		monitors := make([]kvmtypes.MonitorInfo, len(m.Monitors))
		for i, mon := range m.Monitors {
			monitors[i] = kvmtypes.MonitorInfo{ID: mon.ID, X: mon.X, Y: mon.Y, W: mon.W, H: mon.H, Scale: mon.Scale, Primary: mon.Primary}
		}
		region := d.autoPlaceClient(clientID, monitors, logger)
		d.registry.UpdateScreenInfo(clientID, kvmtypes.ClientScreen{Region: region, Monitors: monitors})
		_ = sess.SendControl(codec.ScreenInfoAck{})
	case codec.ClipboardData:
		format, data, ok, err := clipRx.Add(m.Format, m.Data, m.More)
		if err != nil {
			logger.Warn().Err(err).Msg("kvmd: clipboard fragment rejected")
			_ = sess.SendControl(codec.ErrorMsg{Code: codec.ErrCodeInvalidMessage, Detail: err.Error()})
			return
		}
		if ok {
			d.relayClipboard(clientID, format, data, logger)
		}
	case codec.Disconnect:
		logger.Info().Uint8("reason", uint8(m.Reason)).Msg("kvmd: client sent disconnect")
	case codec.ErrorMsg:
		logger.Warn().Uint8("code", uint8(m.Code)).Str("detail", m.Detail).Msg("kvmd: client reported error")
	default:
		logger.Debug().Msg("kvmd: unhandled control message type")
	}
}

// autoPlaceClient gives a newly-reporting client a region in the virtual
// layout if it doesn't have one yet: it extends the desktop to the right of
// whichever screen currently has the rightmost edge, as wide as the
// client's reported monitor bounding box and as tall as that screen, and
// records an adjacency back to that screen's right edge. There is no
// operator UI for manual arrangement in this build, so "attach new screens
// in the order they connect" is the default policy. It returns the zero
// ScreenRegion, which ResolveCursor treats as an unreachable screen rather
// than a crash, when the monitors report no positive width (without
// logging) or when the layout update fails (with a warning).
func (d *daemon) autoPlaceClient(id kvmtypes.ClientID, monitors []kvmtypes.MonitorInfo, logger zerolog.Logger) kvmtypes.ScreenRegion {
	// Only the bounding width is used to size the new region: height is
	// matched to whichever existing screen it attaches to instead (below),
	// so the shared edge always has a positive-length overlap.
	var right int32
	for _, mon := range monitors {
		if r := mon.X + int32(mon.W); r > right {
			right = r
		}
	}
	if right <= 0 {
		return kvmtypes.ScreenRegion{}
	}
	width := uint32(right)

	var placed kvmtypes.ScreenRegion
	err := d.layoutStore.Mutate(func(l kvmtypes.VirtualLayout) (kvmtypes.VirtualLayout, error) {
		if existing, ok := l.Clients[id]; ok {
			placed = existing.Region
			return l, nil
		}

		rightEdge := l.Master.VirtualX + int32(l.Master.Width)
		fromScreen := kvmtypes.MasterScreenID
		edgeHeight := l.Master.Height
		for otherID, cs := range l.Clients {
			if edge := cs.Region.VirtualX + int32(cs.Region.Width); edge > rightEdge {
				rightEdge = edge
				fromScreen = kvmtypes.ClientScreenID(otherID)
				edgeHeight = cs.Region.Height
			}
		}

		region := kvmtypes.ScreenRegion{VirtualX: rightEdge, VirtualY: 0, Width: width, Height: edgeHeight}
		next, err := layout.AddClient(l, id, region)
		if err != nil {
			return l, err
		}
		next, err = layout.SetAdjacency(next, kvmtypes.Adjacency{
			FromScreen: fromScreen,
			FromEdge:   kvmtypes.EdgeRight,
			ToScreen:   kvmtypes.ClientScreenID(id),
			ToEdge:     kvmtypes.EdgeLeft,
		})
		if err != nil {
			return l, err
		}
		placed = region
		return next, nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("kvmd: failed to place client in virtual layout")
		return kvmtypes.ScreenRegion{}
	}
	if d.layoutFileStore != nil {
		if err := d.layoutFileStore.Save(context.Background(), d.layoutStore.Load()); err != nil {
			logger.Warn().Err(err).Msg("kvmd: failed to persist updated layout")
		}
	}
	return placed
}

var errPINMismatch = errors.New("kvmd: pin mismatch")

// pairClient runs the PIN-confirmation pairing flow (§4.5) for a client not
// yet present in the pairing store: generate and log an operator-visible
// PIN, challenge the client with it, and pin its fingerprint on success.
func (d *daemon) pairClient(ctx context.Context, stream capability.ControlStream, seq *codec.SeqCounter, clientID kvmtypes.ClientID, peerFP kvmtypes.Fingerprint, logger zerolog.Logger) error {
	nonce, err := d.pairingSM.Initiate(ctx, clientID, stream.RemoteAddr())
	if err != nil {
		if errors.Is(err, discovery.ErrLockedOut) || errors.Is(err, discovery.ErrRateLimited) {
			return err
		}
		return fmt.Errorf("kvmd: initiate pairing: %w", err)
	}

	pin, err := d.rnd.PINDigits(6)
	if err != nil {
		return fmt.Errorf("kvmd: generate pin: %w", err)
	}
	pairEvent := logger.Info().Str("pin", pin)
	if sshFP, err := d.identity.SSHFingerprint(); err == nil {
		pairEvent = pairEvent.Str("host_ssh_fingerprint", sshFP)
	}
	hostFP := d.identity.Fingerprint()
	pairEvent.Str("host_fingerprint", hex.EncodeToString(hostFP[:])).
		Msg("kvmd: new client requesting pairing, enter this PIN on the client")

	if err := writeMessage(stream, codec.PairingRequest{Nonce: nonce}, seq, d.clock); err != nil {
		return fmt.Errorf("kvmd: send pairing request: %w", err)
	}

	frame, err := readFrame(stream)
	if err != nil {
		return fmt.Errorf("kvmd: read pairing response: %w", err)
	}
	respMsg, err := codec.DecodeMessage(frame)
	if err != nil {
		return fmt.Errorf("kvmd: decode pairing response: %w", err)
	}
	resp, ok := respMsg.(codec.PairingResponse)
	if !ok {
		return errors.New("kvmd: expected pairing response")
	}

	confirmed, err := d.pairingSM.Confirm(ctx, clientID, stream.RemoteAddr(), pin, resp.ClientPinHash, peerFP)
	if err != nil {
		return fmt.Errorf("kvmd: confirm pairing: %w", err)
	}
	if !confirmed {
		return errPINMismatch
	}
	return nil
}
