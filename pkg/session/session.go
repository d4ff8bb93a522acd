// Package session implements the Session/transport layer (C4): the pair of
// authenticated channels (a reliable control stream and a datagram input
// stream) bound to one client, the sequence discipline over both, the
// 64-wide anti-replay window on the datagram side, control-stream keepalive,
// and the client-side reconnect loop.
//
// It generalises the teacher's connman.go, which tracks one long-lived
// net.Conn per device key behind a revdial.Dialer and tolerates brief
// disconnections with a grace-period/pending-waiter scheme. This package
// keeps connman's core shape — a registry entry per peer, a watcher
// goroutine that reacts to the transport going away, reconnection handled
// by queuing rather than busy-polling — but swaps the grace-period/dialer
// model for the spec's two-channel session: a Session here owns its control
// ControlStream and input InputDatagram directly instead of dialing through
// a shared manager, because ownership of a session's channels is exclusive
// per §5 ("each session is exclusively owned by its handler task").
package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/codec"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
)

// ReplayWindowSize is the number of trailing datagram sequence numbers
// tracked for duplicate/reorder detection (§4.4).
const ReplayWindowSize = 64

const (
	// KeepaliveInterval is how often each side sends Ping on the control stream.
	KeepaliveInterval = 5 * time.Second
	// KeepaliveTimeout is the idle duration without a matching Pong before
	// the control stream is torn down.
	KeepaliveTimeout = 15 * time.Second
)

// ReconnectBackoff is the client-side exponential backoff schedule (§4.4).
var ReconnectBackoff = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
}

// ReconnectMaxDelay caps every step of ReconnectBackoff.
const ReconnectMaxDelay = 30 * time.Second

// ReconnectBudget is the total time a client spends reconnecting before
// falling back to discovery broadcasting.
const ReconnectBudget = 120 * time.Second

var (
	// ErrSessionClosed is returned by Send/Recv once the session has torn down.
	ErrSessionClosed = errors.New("session: closed")
	// ErrSequenceGap is the control-stream protocol error (§4.4: "a gap or
	// duplicate terminates the session with InvalidMessage").
	ErrSequenceGap = errors.New("session: control stream sequence gap or duplicate")
	// ErrUnknownSession is returned when a datagram's session token does not
	// match any live session (P9).
	ErrUnknownSession = errors.New("session: unknown session token")
)

// Token is the 32-byte session token issued in HelloAck and required to
// bind an input datagram to its control session (§4.4).
type Token [32]byte

// NewToken draws a fresh token from rnd.
func NewToken(ctx context.Context, rnd capability.RandomSource) (Token, error) {
	b, err := rnd.Bytes(32)
	if err != nil {
		return Token{}, fmt.Errorf("session: generate token: %w", err)
	}
	var t Token
	copy(t[:], b)
	return t, nil
}

// replayWindow is the receive-side anti-replay bitmap for one direction of
// the input channel: a 64-bit mask of the trailing ReplayWindowSize sequence
// numbers below highest (inclusive of highest's own bit), per §4.4/§5
// ("owned exclusively by the input task").
type replayWindow struct {
	highest uint64
	mask    uint64
	seen    bool
}

// Accept reports whether seq is a fresh (non-replayed, non-stale) datagram
// sequence number and records it if so (P8).
func (w *replayWindow) Accept(seq uint64) bool {
	if !w.seen {
		w.seen = true
		w.highest = seq
		w.mask = 1
		return true
	}
	if seq > w.highest {
		shift := seq - w.highest
		if shift >= ReplayWindowSize {
			w.mask = 1
		} else {
			w.mask = (w.mask << shift) | 1
		}
		w.highest = seq
		return true
	}
	back := w.highest - seq
	if back >= ReplayWindowSize {
		return false // older than the trailing edge
	}
	bit := uint64(1) << back
	if w.mask&bit != 0 {
		return false // already seen
	}
	w.mask |= bit
	return true
}

// Session is one authenticated control+input channel pair bound to a
// client, with the sequence counters and anti-replay state the spec's §3
// Session record describes.
type Session struct {
	ClientID kvmtypes.ClientID
	Token    Token

	control capability.ControlStream
	input   capability.InputDatagram
	clock   capability.ClockSource

	controlSendSeq codec.SeqCounter
	inputSendSeq   codec.SeqCounter

	mu             sync.Mutex
	peerControlSeq uint64
	controlSeqSet  bool
	replay         replayWindow

	lastPongUS uint64
	closed     bool
	closeOnce  sync.Once
}

// New wraps an established control stream and input datagram socket as a
// Session. clock supplies the keepalive/timeout clock.
func New(id kvmtypes.ClientID, token Token, control capability.ControlStream, input capability.InputDatagram, clock capability.ClockSource) *Session {
	return &Session{
		ClientID: id,
		Token:    token,
		control:  control,
		input:    input,
		clock:    clock,
	}
}

// SendControl encodes and writes msg on the control stream with the next
// outbound control sequence number.
func (s *Session) SendControl(msg codec.Message) error {
	frame, err := codec.Encode(msg, s.controlSendSeq.Next(), s.clock.NowUS())
	if err != nil {
		return fmt.Errorf("session: encode control message: %w", err)
	}
	if _, err := s.control.Write(frame); err != nil {
		return fmt.Errorf("session: write control frame: %w", err)
	}
	return nil
}

// RecvControl reads and decodes one control-stream frame, enforcing strict
// monotone sequence discipline (§4.4: "a gap or duplicate terminates the
// session with InvalidMessage").
func (s *Session) RecvControl() (codec.Message, error) {
	header := make([]byte, codec.HeaderLen)
	if _, err := io.ReadFull(s.control, header); err != nil {
		return nil, fmt.Errorf("session: read control header: %w", err)
	}
	payloadLen := binary.BigEndian.Uint32(header[4:8])
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(s.control, payload); err != nil {
			return nil, fmt.Errorf("session: read control payload: %w", err)
		}
	}
	f, _, err := codec.DecodeFrame(append(header, payload...))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if !s.controlSeqSet {
		s.controlSeqSet = true
		s.peerControlSeq = f.Seq
	} else {
		if f.Seq != s.peerControlSeq+1 {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: got %d, want %d", ErrSequenceGap, f.Seq, s.peerControlSeq+1)
		}
		s.peerControlSeq = f.Seq
	}
	if f.Type == codec.TypePong {
		s.lastPongUS = s.clock.NowUS()
	}
	s.mu.Unlock()

	return codec.DecodeMessage(f)
}

// SendInput encodes msg and sends it as one datagram.
func (s *Session) SendInput(ctx context.Context, msg codec.Message) error {
	frame, err := codec.Encode(msg, s.inputSendSeq.Next(), s.clock.NowUS())
	if err != nil {
		return fmt.Errorf("session: encode input message: %w", err)
	}
	return s.input.Send(ctx, frame)
}

// RecvInput receives one datagram, applies the anti-replay window, and
// decodes it. It returns (nil, nil) for datagrams that were silently
// dropped as stale or duplicate (P8) rather than as an error, mirroring the
// spec's "dropped silently" wording.
func (s *Session) RecvInput(ctx context.Context) (codec.Message, error) {
	payload, _, err := s.input.Recv(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: recv input datagram: %w", err)
	}
	f, _, err := codec.DecodeFrame(payload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	ok := s.replay.Accept(f.Seq)
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}

	return codec.DecodeMessage(f)
}

// IdleTooLong reports whether more than KeepaliveTimeout has elapsed since
// the last Pong was observed on the control stream.
func (s *Session) IdleTooLong() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPongUS == 0 {
		return false
	}
	return s.clock.NowUS()-s.lastPongUS > uint64(KeepaliveTimeout.Microseconds())
}

// Close tears down both channels. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if cerr := s.control.Close(); cerr != nil {
			err = cerr
		}
		if ierr := s.input.Close(); ierr != nil && err == nil {
			err = ierr
		}
	})
	return err
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// RunKeepalive sends Ping every KeepaliveInterval and tears the session down
// once IdleTooLong, until ctx is cancelled or the session closes on its own.
// It is the control task's half of §4.4's keepalive discipline; the caller
// runs it in its own goroutine per session.
func (s *Session) RunKeepalive(ctx context.Context) {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()
	var echo uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Closed() {
				return
			}
			if s.IdleTooLong() {
				_ = s.SendControl(codec.Disconnect{Reason: codec.DisconnectIdleTimeout})
				_ = s.Close()
				return
			}
			echo++
			_ = s.SendControl(codec.Ping{EchoToken: echo})
		}
	}
}

// Dialer is the client-side half of §4.4's reconnection contract: it holds
// a capability.Transport plus the master endpoint and credential, and
// produces fresh Sessions, each with a brand-new session_token, after a
// successful Hello/HelloAck exchange.
type Dialer struct {
	Transport  capability.Transport
	Addr       string
	Credential []byte
	Clock      capability.ClockSource
	Rand       capability.RandomSource

	// Connect performs one attempt: dial the control stream, send Hello,
	// await HelloAck, open the bound input datagram socket, and return the
	// assembled Session. Tests substitute this to avoid real I/O while
	// still exercising the reconnect-loop policy in Reconnect.
	Connect func(ctx context.Context) (*Session, error)
}

// Reconnect runs Connect under the spec's exact backoff schedule
// (1s, 2s, 4s, 8s, 16s, capped at 30s) using retry-go, bounded by
// ReconnectBudget total elapsed time. It returns ErrReconnectBudgetExceeded
// once that budget is spent without a successful connection, signalling the
// caller to fall back to discovery broadcasting (§4.4).
func (d *Dialer) Reconnect(ctx context.Context) (*Session, error) {
	budgetCtx, cancel := context.WithTimeout(ctx, ReconnectBudget)
	defer cancel()

	attempt := 0
	sess, err := retry.DoWithData(func() (*Session, error) {
		s, err := d.Connect(budgetCtx)
		attempt++
		return s, err
	},
		retry.Context(budgetCtx),
		retry.Attempts(0), // unlimited attempts; the context deadline is the real bound
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			idx := int(n)
			if idx >= len(ReconnectBackoff) {
				return ReconnectMaxDelay
			}
			d := ReconnectBackoff[idx]
			if d > ReconnectMaxDelay {
				return ReconnectMaxDelay
			}
			return d
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReconnectBudgetExceeded, err)
	}
	return sess, nil
}

// ErrReconnectBudgetExceeded is returned by Dialer.Reconnect once
// ReconnectBudget elapses without a successful reconnection.
var ErrReconnectBudgetExceeded = errors.New("session: reconnect budget exceeded, returning to discovery")
