// Package capability defines the interfaces the core depends on for every
// OS-specific or otherwise external collaborator: input capture/emulation,
// screen enumeration, pairing credential storage, clocks, randomness, and
// the authenticated transport. The core never depends on a concrete
// platform implementation, only on these operation sets (§6, §9 "Dynamic
// dispatch over OS boundaries").
package capability

import (
	"context"
	"io"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
)

// RawInputKind tags one of the raw input vocabulary's event shapes (§4.7).
type RawInputKind uint8

const (
	RawKeyDown RawInputKind = iota
	RawKeyUp
	RawMouseMove
	RawMouseButtonDown
	RawMouseButtonUp
	RawMouseWheel
)

// RawInput is the platform-agnostic event the capture capability produces.
// Only the fields relevant to Kind are meaningful; unused fields are zero.
type RawInput struct {
	Kind        RawInputKind
	VK          uint16 // KeyDown/KeyUp
	Scan        uint16 // KeyDown/KeyUp
	X, Y        int32  // MouseMove (absolute), MouseButtonDown/Up, MouseWheel
	Button      uint8  // MouseButtonDown/Up
	Axis        uint8  // MouseWheel
	Delta       int16  // MouseWheel
	TimestampUS uint64 // monotone capture timestamp
}

// InputCapture is the master-side OS hook that produces RawInput events
// and accepts back-pressure decisions from the router. SuppressCurrentEvent
// must be callable synchronously from inside the capture callback window
// (§6, §9 "Suspension inside hook callbacks").
type InputCapture interface {
	Start(ctx context.Context) (<-chan RawInput, error)
	SuppressCurrentEvent()
	TeleportCursor(x, y int32)
	Stop() error
}

// InputEmulator is the client-side downstream boundary the receiver (C8)
// hands translated events to. It is a pure sink: it never blocks the
// receiver and never reports back local physical input (§4.8).
type InputEmulator interface {
	EmitKeyDown(code uint16, mods uint8) error
	EmitKeyUp(code uint16, mods uint8) error
	EmitMouseMove(x, y int32) error
	EmitMouseButton(btn uint8, pressed bool, x, y int32) error
	EmitMouseScroll(dx, dy int16) error
}

// ScreenEnumerator reports a client host's monitor layout, and pushes
// updates only when it changes.
type ScreenEnumerator interface {
	Enumerate(ctx context.Context) (kvmtypes.ClientScreen, error)
	Watch(ctx context.Context) (<-chan kvmtypes.ClientScreen, error)
}

// ClipboardAccess reads and writes a host's local system clipboard, the
// OS-boundary collaborator behind clipboard sync (§3's ClipboardData
// message): Write applies a peer's clipboard contents locally, Read
// returns the current local contents to forward to peers.
type ClipboardAccess interface {
	Read(ctx context.Context) (format uint8, data []byte, err error)
	Write(ctx context.Context, format uint8, data []byte) error
}

// PairingStore persists the TOFU-pinned credential fingerprint for each
// client. Implementations must never export fingerprints in cleartext
// outside the process (§6).
type PairingStore interface {
	Put(ctx context.Context, id kvmtypes.ClientID, fp kvmtypes.Fingerprint) error
	Get(ctx context.Context, id kvmtypes.ClientID) (kvmtypes.Fingerprint, bool, error)
	Delete(ctx context.Context, id kvmtypes.ClientID) error
}

// ClockSource supplies monotonic time in microseconds, decoupling the core
// from wall-clock time for testability.
type ClockSource interface {
	NowUS() uint64
}

// LayoutStore persists the virtual layout (§6 "Persistent state: Layout")
// across restarts. Load's second return reports whether a layout was
// found; a fresh master-only installation has none yet.
type LayoutStore interface {
	Load(ctx context.Context) (kvmtypes.VirtualLayout, bool, error)
	Save(ctx context.Context, layout kvmtypes.VirtualLayout) error
}

// ConfigStore persists the network configuration (§6 "Persistent state:
// Network configuration") across restarts, independent of the per-process
// environment variables pkg/config reads at startup.
type ConfigStore interface {
	Load(ctx context.Context) (kvmtypes.NetworkConfig, bool, error)
	Save(ctx context.Context, cfg kvmtypes.NetworkConfig) error
}

// RandomSource supplies cryptographically strong randomness: raw bytes for
// nonces/tokens, and decimal PIN digits for pairing.
type RandomSource interface {
	Bytes(n int) ([]byte, error)
	PINDigits(n int) (string, error)
}

// ControlStream is the reliable, ordered, authenticated byte-stream
// abstraction carrying control-channel frames.
type ControlStream interface {
	io.Reader
	io.Writer
	io.Closer
	RemoteAddr() string
}

// ControlListener accepts inbound control-stream connections.
type ControlListener interface {
	Accept(ctx context.Context) (ControlStream, error)
	Close() error
	Addr() string
}

// InputDatagram is the authenticated datagram abstraction carrying one
// input-channel frame per Send/Recv call.
type InputDatagram interface {
	Send(ctx context.Context, payload []byte) error
	Recv(ctx context.Context) ([]byte, string, error) // payload, source address, error
	Close() error
	LocalAddr() string
}

// Transport is the factory capability for both authenticated channel
// kinds, parameterised by a credential (e.g. a host keypair) selected at
// composition time outside the core (§6).
type Transport interface {
	DialControl(ctx context.Context, addr string, credential []byte) (ControlStream, error)
	ListenControl(ctx context.Context, addr string, credential []byte) (ControlListener, error)
	OpenInput(ctx context.Context, bindAddr string, credential []byte) (InputDatagram, error)
}
