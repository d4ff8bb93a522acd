package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/codec"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/discovery"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/secure"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/session"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/transport"
)

func readFrame(r io.Reader) (codec.Frame, error) {
	header := make([]byte, codec.HeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return codec.Frame{}, fmt.Errorf("kvmc: read frame header: %w", err)
	}
	payloadLen := binary.BigEndian.Uint32(header[4:8])
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return codec.Frame{}, fmt.Errorf("kvmc: read frame payload: %w", err)
		}
	}
	f, _, err := codec.DecodeFrame(append(header, payload...))
	return f, err
}

func writeMessage(w io.Writer, msg codec.Message, seq *codec.SeqCounter, clock capability.ClockSource) error {
	frame, err := codec.Encode(msg, seq.Next(), clock.NowUS())
	if err != nil {
		return fmt.Errorf("kvmc: encode message: %w", err)
	}
	_, err = w.Write(frame)
	return err
}

// connect is the session.Dialer Connect callback: it resolves a master
// endpoint (direct dial if already paired, discovery broadcast otherwise),
// completes the Hello/HelloAck handshake (running pairing if the master
// doesn't recognise this client yet), opens the bound input channel, and
// returns the assembled Session.
func (c *client) connect(ctx context.Context) (*session.Session, error) {
	serverID, addr, fp, known, err := loadMasterEndpoint(c.cfg.StateDir)
	if err != nil {
		c.logger.Warn().Err(err).Msg("kvmc: ignoring corrupt master endpoint file")
		known = false
	}
	if !known && c.cfg.MasterAddr != "" {
		addr = c.cfg.MasterAddr
	}

	var stream capability.ControlStream
	firstContact := false

	if known {
		stream, err = c.clientTransport.DialControl(ctx, addr, fp[:])
		if err != nil {
			return nil, fmt.Errorf("kvmc: dial master %s: %w", addr, err)
		}
	} else {
		if addr == "" {
			serverID, addr, err = c.discoverMaster(ctx)
			if err != nil {
				return nil, fmt.Errorf("kvmc: discover master: %w", err)
			}
		}
		var tofuStream capability.ControlStream
		tofuStream, fp, err = transport.DialControlTOFU(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("kvmc: dial master (tofu) %s: %w", addr, err)
		}
		stream = tofuStream
		firstContact = true
	}

	token, err := c.handshakeOverStream(ctx, stream, fp, serverID, addr, firstContact)
	if err != nil {
		_ = stream.Close()
		return nil, err
	}

	inputAddr, err := splitHostReplacePort(stream.RemoteAddr(), c.cfg.Network.InputPort)
	if err != nil {
		_ = stream.Close()
		return nil, err
	}
	inputKey, err := secure.DeriveSessionKey(fp, token[:], "input")
	if err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("kvmc: derive input session key: %w", err)
	}
	inputStream, err := c.clientTransport.OpenInput(ctx, inputAddr, inputKey)
	if err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("kvmc: open input channel: %w", err)
	}

	return session.New(c.clientID, token, stream, inputStream, c.clock), nil
}

// handshakeOverStream runs the Hello/HelloAck exchange on an already-dialed
// stream, answering a PairingRequest if the master sends one (unpaired
// first contact), and persists the master endpoint on a successful first
// pairing so later runs can skip discovery entirely.
func (c *client) handshakeOverStream(ctx context.Context, stream capability.ControlStream, fp kvmtypes.Fingerprint, serverID kvmtypes.ClientID, addr string, firstContact bool) (session.Token, error) {
	var seq codec.SeqCounter

	hello := codec.Hello{
		ClientID: c.clientID.Bytes(),
		ProtoVer: codec.ProtocolVersion,
		Platform: uint8(c.platform),
		Caps:     uint32(kvmtypes.CapKeyboard | kvmtypes.CapMouse),
		Name:     c.name,
	}
	if err := writeMessage(stream, hello, &seq, c.clock); err != nil {
		return session.Token{}, fmt.Errorf("kvmc: send hello: %w", err)
	}

	frame, err := readFrame(stream)
	if err != nil {
		return session.Token{}, fmt.Errorf("kvmc: read hello response: %w", err)
	}
	msg, err := codec.DecodeMessage(frame)
	if err != nil {
		return session.Token{}, fmt.Errorf("kvmc: decode hello response: %w", err)
	}

	if pr, ok := msg.(codec.PairingRequest); ok {
		pin := c.promptPIN(fp)
		hash := secure.HashPIN(pin, pr.Nonce)
		if err := writeMessage(stream, codec.PairingResponse{ClientPinHash: hash}, &seq, c.clock); err != nil {
			return session.Token{}, fmt.Errorf("kvmc: send pairing response: %w", err)
		}
		frame, err = readFrame(stream)
		if err != nil {
			return session.Token{}, fmt.Errorf("kvmc: read post-pairing response: %w", err)
		}
		msg, err = codec.DecodeMessage(frame)
		if err != nil {
			return session.Token{}, fmt.Errorf("kvmc: decode post-pairing response: %w", err)
		}
	}

	ack, ok := msg.(codec.HelloAck)
	if !ok {
		return session.Token{}, errors.New("kvmc: expected hello ack")
	}
	if !ack.Accepted {
		return session.Token{}, fmt.Errorf("kvmc: master rejected hello, reason %d", ack.RejectReason)
	}

	if firstContact {
		if err := saveMasterEndpoint(c.cfg.StateDir, serverID, addr, fp); err != nil {
			c.logger.Warn().Err(err).Msg("kvmc: failed to persist master endpoint, will re-discover next run")
		}
	}

	return ack.SessionToken, nil
}

// promptPIN reads the 6-digit PIN the master logged for the operator to
// relay to this client. In this headless build that means stdin; a
// desktop build would show this as a dialog instead. It also prints the
// master's TOFU fingerprint so the operator can cross-check it against the
// host_fingerprint the master logged alongside its own PIN prompt.
func (c *client) promptPIN(masterFP kvmtypes.Fingerprint) string {
	fmt.Fprintln(os.Stderr, "kvmc: master requires pairing, enter the PIN shown on the master's console:")
	fmt.Fprintf(os.Stderr, "kvmc: master fingerprint: %s\n", hex.EncodeToString(masterFP[:]))
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

// discoverMaster broadcasts Announce on the discovery port and returns the
// first master that responds.
func (c *client) discoverMaster(ctx context.Context) (kvmtypes.ClientID, string, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return kvmtypes.ClientID{}, "", fmt.Errorf("kvmc: open discovery socket: %w", err)
	}
	defer conn.Close()

	broadcastAddr := fmt.Sprintf("255.255.255.255:%d", c.cfg.Network.DiscoveryPort)
	announcer := &discovery.Announcer{
		Conn:        discovery.UDPPacketConn{UDPConn: conn},
		Self:        c.clientID,
		Platform:    c.platform,
		ControlPort: c.cfg.Network.ControlPort,
		Name:        c.name,
		BroadcastTo: broadcastAddr,
	}

	type found struct {
		serverID kvmtypes.ClientID
		addr     string
	}
	resultCh := make(chan found, 1)

	discCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		_ = announcer.Run(discCtx, func(resp codec.AnnounceResponse, srcAddr string) {
			host, _, err := net.SplitHostPort(srcAddr)
			if err != nil {
				return
			}
			controlAddr := fmt.Sprintf("%s:%d", host, resp.ControlPort)
			select {
			case resultCh <- found{kvmtypes.ClientIDFromBytes(resp.ServerID), controlAddr}:
			default:
			}
		})
	}()

	select {
	case <-ctx.Done():
		return kvmtypes.ClientID{}, "", ctx.Err()
	case f := <-resultCh:
		return f.serverID, f.addr, nil
	}
}
