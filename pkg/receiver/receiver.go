// Package receiver implements the client-side input receiver (C8): it
// drains a client's input datagram stream, translates wire-format events
// into local OS input via a capability.InputEmulator, and never blocks on
// local input delivery per §4.8.
//
// It generalises the teacher's keyboard.go/input.go "decode -> translate ->
// inject" pipeline: there the sink is the local D-Bus RemoteDesktop
// session and the source is a Wolf Unix socket carrying JSON lines; here
// the source is session.Session.RecvInput and the sink is whichever
// platform-specific InputEmulator the client daemon wires in, with codec
// frames standing in for the JSON InputEvent and pkg/keymap standing in
// for keyboard.go's Linux-keycode table.
package receiver

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/codec"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/keymap"
)

// InputSource is the narrow read handle the receiver needs from a
// session: one decoded input message per call, with (nil, nil) meaning a
// datagram was silently dropped by the replay window (P8), not an error.
type InputSource interface {
	RecvInput(ctx context.Context) (codec.Message, error)
}

// CodeMapper translates a wire HID usage code into whatever code space
// the local InputEmulator expects (Windows VK, X11 keysym, macOS CGKeyCode
// ...). The client daemon selects the mapper matching its own platform;
// pkg/keymap supplies one lookup function per target.
type CodeMapper func(hid uint16) uint16

// Receiver drains one client's input stream and emulates every event
// locally. A Receiver is used by exactly one session at a time.
type Receiver struct {
	Source   InputSource
	Emulator capability.InputEmulator
	Mapper   CodeMapper
	logger   zerolog.Logger
}

// New creates a Receiver. If mapper is nil, HID codes are passed through
// unmapped (the identity mapper), which is only correct when the local
// emulator itself expects HID usage codes.
func New(source InputSource, emulator capability.InputEmulator, mapper CodeMapper, logger zerolog.Logger) *Receiver {
	if mapper == nil {
		mapper = func(hid uint16) uint16 { return hid }
	}
	return &Receiver{Source: source, Emulator: emulator, Mapper: mapper, logger: logger}
}

// Run drains Source until ctx is cancelled or Source reports a non-nil
// error (typically session.ErrSessionClosed on disconnect). Emulation
// errors are logged and skipped rather than aborting the loop: a single
// rejected key or move must not tear down the whole input stream (§4.8).
func (r *Receiver) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg, err := r.Source.RecvInput(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("receiver: recv input: %w", err)
		}
		if msg == nil {
			continue // dropped as stale/duplicate by the replay window
		}
		r.dispatch(msg)
	}
}

// dispatch translates and emulates a single decoded message, unwrapping
// InputBatch into its constituent sub-events.
func (r *Receiver) dispatch(msg codec.Message) {
	switch m := msg.(type) {
	case codec.KeyEvent:
		r.emulateKey(m)
	case codec.MouseMove:
		r.emulateMouseMove(m)
	case codec.MouseButton:
		r.emulateMouseButton(m)
	case codec.MouseScroll:
		r.emulateMouseScroll(m)
	case codec.InputBatch:
		for _, sub := range m.Events {
			decoded, err := codec.DecodeMessage(codec.Frame{Type: sub.Type, Payload: sub.PayloadBytes})
			if err != nil {
				r.logger.Warn().Err(err).Msg("receiver: decode batched sub-event failed")
				continue
			}
			r.dispatch(decoded)
		}
	default:
		r.logger.Debug().Str("type", fmt.Sprintf("%T", msg)).Msg("receiver: ignoring non-input message on input channel")
	}
}

func (r *Receiver) emulateKey(m codec.KeyEvent) {
	if !keymap.Known(m.HIDCode) {
		r.logger.Debug().Uint16("hid", m.HIDCode).Msg("receiver: unmapped HID code")
		return
	}
	code := r.Mapper(m.HIDCode)
	var err error
	switch m.EventType {
	case codec.KeyDown:
		err = r.Emulator.EmitKeyDown(code, m.Modifiers)
	case codec.KeyUp:
		err = r.Emulator.EmitKeyUp(code, m.Modifiers)
	default:
		return
	}
	if err != nil {
		r.logger.Warn().Err(err).Uint16("hid", m.HIDCode).Msg("receiver: emulate key failed")
	}
}

func (r *Receiver) emulateMouseMove(m codec.MouseMove) {
	if err := r.Emulator.EmitMouseMove(m.X, m.Y); err != nil {
		r.logger.Warn().Err(err).Msg("receiver: emulate mouse move failed")
	}
}

func (r *Receiver) emulateMouseButton(m codec.MouseButton) {
	pressed := m.EventType == codec.MouseButtonDown
	if err := r.Emulator.EmitMouseButton(m.Button, pressed, m.X, m.Y); err != nil {
		r.logger.Warn().Err(err).Msg("receiver: emulate mouse button failed")
	}
}

func (r *Receiver) emulateMouseScroll(m codec.MouseScroll) {
	if err := r.Emulator.EmitMouseScroll(m.DX, m.DY); err != nil {
		r.logger.Warn().Err(err).Msg("receiver: emulate mouse scroll failed")
	}
}

// Platform-specific CodeMapper constructors, one per kvmtypes.Platform
// the client daemon can run on.

// WindowsMapper maps HID usage codes to Windows virtual-key codes.
func WindowsMapper(hid uint16) uint16 {
	return keymap.HIDToWindowsVK(hid)
}

// X11Mapper maps HID usage codes to X11 keysyms, truncated to the low 16
// bits: the keysym table pkg/keymap carries is limited to the printable/
// function-key range that fits, matching the codec's own 16-bit HID
// field width.
func X11Mapper(hid uint16) uint16 {
	return uint16(keymap.HIDToX11Keysym(hid))
}

// MacMapper maps HID usage codes to macOS CGKeyCodes.
func MacMapper(hid uint16) uint16 {
	return uint16(keymap.HIDToMacCG(hid))
}
