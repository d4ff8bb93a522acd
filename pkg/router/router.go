// Package router implements the input router (C7): it consumes the raw
// input stream the capture capability produces, consults the layout engine
// and client registry to resolve the active target, drives cursor
// teleportation and edge transitions, translates events via the keymap,
// and hands protocol messages off to the active client's session, per
// §4.7.
//
// It generalises the teacher's input.go/ws_input.go "decode one event,
// dispatch on a type switch, call the downstream sink" shape: there the
// sink is a D-Bus RemoteDesktop session reached through one fixed path;
// here the sink is whichever client session is currently active, looked
// up by ClientID from the registry/session-sender map described in the
// spec's §9 design note ("sessions post events onto a single router input
// channel; the router holds only send handles by ClientId").
package router

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/codec"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/keymap"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/layout"
)

// TransitionCooldown debounces repeated transitions on the same edge pair
// (§4.3 "debounce").
const TransitionCooldown = 50 * time.Millisecond

// HotkeyWindow is the double-tap window for the sharing-disable hotkey
// (§4.7 "default: double-tap of a specific non-modifier key within 400ms").
const HotkeyWindow = 400 * time.Millisecond

// MaxBatchBytes bounds how much payload a coalesced InputBatch may carry,
// matching the input channel's 1400-byte datagram target (§4.1/§4.4).
const MaxBatchBytes = codec.MaxInputPayload

// SessionSender is the narrow send handle the router holds per active
// client, obtained from the registry/session layer rather than owning a
// *session.Session directly (§9 design note on breaking the router/session
// ownership cycle via message passing).
type SessionSender interface {
	SendInput(ctx context.Context, msg codec.Message) error
}

// Router implements §4.7's per-event procedure over a stream of
// capability.RawInput events.
type Router struct {
	Capture  capability.InputCapture
	Clock    capability.ClockSource
	HotkeyVK uint16

	layoutStore *layout.Store
	logger      zerolog.Logger

	mu                   sync.Mutex
	enabled              bool
	cursor               kvmtypes.CursorState
	lastPhysX, lastPhysY int32
	lastHotkeyUS         uint64
	hotkeyArmed          bool

	sessMu   sync.Mutex
	sessions map[kvmtypes.ClientID]SessionSender

	pending pendingBatch
}

// pendingBatch accumulates sub-events destined for one client while the
// raw input channel still has more ready events buffered, so they can be
// coalesced into a single InputBatch (§4.7 "Batching (optional)").
type pendingBatch struct {
	target kvmtypes.ClientID
	active bool
	events []codec.SubEvent
	size   int
}

// New creates a Router over the given layout store, starting with the
// master as the active target and sharing enabled.
func New(layoutStore *layout.Store, capture capability.InputCapture, clock capability.ClockSource, logger zerolog.Logger) *Router {
	return &Router{
		Capture:     capture,
		Clock:       clock,
		HotkeyVK:    0, // no hotkey configured by default; set explicitly to enable
		layoutStore: layoutStore,
		logger:      logger,
		enabled:     true,
		cursor:      kvmtypes.CursorState{Active: kvmtypes.MasterScreenID},
		sessions:    make(map[kvmtypes.ClientID]SessionSender),
	}
}

// AttachSession registers the send handle for a newly connected client,
// making it eligible as a routing target.
func (r *Router) AttachSession(id kvmtypes.ClientID, sender SessionSender) {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	r.sessions[id] = sender
}

// DetachSession removes a client's send handle. If it was the active
// target, routing falls back to master immediately and without loss
// (§4.7 "Disconnect during routing", S3).
func (r *Router) DetachSession(id kvmtypes.ClientID) {
	r.sessMu.Lock()
	delete(r.sessions, id)
	r.sessMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cursor.Active.IsMaster && r.cursor.Active.Client == id {
		r.cursor.Active = kvmtypes.MasterScreenID
		r.cursor.LocalX, r.cursor.LocalY = r.lastPhysX, r.lastPhysY
	}
}

func (r *Router) senderFor(id kvmtypes.ClientID) SessionSender {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	return r.sessions[id]
}

// Enabled reports the current sharing-enabled flag.
func (r *Router) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// SetEnabled flips the global sharing flag (e.g. from a UI toggle). The
// spec's open question treats the hotkey and the UI toggle as one atomic
// flag; this is that flag's single writer-facing setter (§9).
func (r *Router) SetEnabled(v bool) {
	r.mu.Lock()
	r.enabled = v
	r.mu.Unlock()
}

// ActiveTarget reports the router's current CursorState snapshot.
func (r *Router) ActiveTarget() kvmtypes.CursorState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// Run drains rawCh and applies the §4.7 procedure to every event until
// ctx is cancelled or rawCh closes.
func (r *Router) Run(ctx context.Context, rawCh <-chan capability.RawInput) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-rawCh:
			if !ok {
				return nil
			}
			r.handle(ctx, ev)
			r.drainReady(ctx, rawCh)
			r.flush(ctx)
		}
	}
}

// drainReady opportunistically processes any further events already
// buffered in rawCh without blocking, enabling the batching path.
func (r *Router) drainReady(ctx context.Context, rawCh <-chan capability.RawInput) {
	for {
		select {
		case ev, ok := <-rawCh:
			if !ok {
				return
			}
			r.handle(ctx, ev)
		default:
			return
		}
	}
}

func (r *Router) nowUS() uint64 {
	if r.Clock == nil {
		return 0
	}
	return r.Clock.NowUS()
}

// handle implements the §4.7 per-event procedure for a single RawInput.
func (r *Router) handle(ctx context.Context, ev capability.RawInput) {
	if r.checkHotkey(ev) {
		return
	}

	r.mu.Lock()
	if !r.enabled {
		r.mu.Unlock()
		return
	}

	switch ev.Kind {
	case capability.RawMouseMove:
		r.handleMouseMove(ctx, ev)
	case capability.RawMouseButtonDown, capability.RawMouseButtonUp:
		r.handlePointerAtCurrent(ctx, ev)
	case capability.RawMouseWheel:
		r.handlePointerAtCurrent(ctx, ev)
	case capability.RawKeyDown, capability.RawKeyUp:
		r.handleKey(ctx, ev)
	default:
		r.mu.Unlock()
	}
}

// checkHotkey detects the double-tap sharing-disable chord (§4.7). It
// returns true if the event was consumed as a hotkey press.
func (r *Router) checkHotkey(ev capability.RawInput) bool {
	if r.HotkeyVK == 0 || ev.Kind != capability.RawKeyDown || ev.VK != r.HotkeyVK {
		return false
	}
	now := r.nowUS()
	r.mu.Lock()
	defer r.mu.Unlock()
	gapUS := now - r.lastHotkeyUS
	if r.hotkeyArmed && gapUS <= uint64(HotkeyWindow.Microseconds()) {
		r.enabled = !r.enabled
		r.lastHotkeyUS = 0
		r.hotkeyArmed = false
		r.logger.Info().Bool("enabled", r.enabled).Msg("sharing hotkey toggled")
	} else {
		r.lastHotkeyUS = now
		r.hotkeyArmed = true
	}
	return true
}

// handleMouseMove implements step 2-5 of §4.7 for a pointer-move event:
// delta-accumulate the local position (never re-resolve from absolute
// coordinates, since teleportation invalidates the absolute<->local
// correspondence), check for an edge transition, and otherwise route or
// pass through. r.mu is held on entry and released before return.
func (r *Router) handleMouseMove(ctx context.Context, ev capability.RawInput) {
	dx := ev.X - r.lastPhysX
	dy := ev.Y - r.lastPhysY
	r.lastPhysX, r.lastPhysY = ev.X, ev.Y
	r.cursor.LocalX += dx
	r.cursor.LocalY += dy

	l := r.layoutStore.Load()
	now := r.nowUS()
	cooldownUS := uint64(TransitionCooldown.Microseconds())
	lastTransitionUS := uint64(r.cursor.LastTransitionAt.UnixMicro())
	if r.cursor.LastTransitionAt.IsZero() {
		lastTransitionUS = 0
	}

	if t, ok := layout.CheckEdgeTransition(l, r.cursor.Active, r.cursor.LocalX, r.cursor.LocalY); ok &&
		(r.cursor.LastTransitionAt.IsZero() || now-lastTransitionUS >= cooldownUS) {
		r.cursor.Active = t.To
		if targetRegion, ok := l.RegionOf(t.To); ok {
			r.cursor.LocalX = t.EntryX - targetRegion.VirtualX
			r.cursor.LocalY = t.EntryY - targetRegion.VirtualY
		}
		r.cursor.LastTransitionAt = microTime(now)
		r.lastPhysX, r.lastPhysY = t.MasterTeleportX, t.MasterTeleportY

		target := r.cursor.Active
		lx, ly := r.cursor.LocalX, r.cursor.LocalY
		r.mu.Unlock()

		if r.Capture != nil {
			r.Capture.TeleportCursor(t.MasterTeleportX, t.MasterTeleportY)
		}
		if !target.IsMaster {
			r.sendOrBatch(ctx, target.Client, codec.MouseMove{X: lx, Y: ly})
			if r.Capture != nil {
				r.Capture.SuppressCurrentEvent()
			}
		}
		return
	}

	active := r.cursor.Active
	lx, ly := r.cursor.LocalX, r.cursor.LocalY
	r.mu.Unlock()

	if active.IsMaster {
		return
	}
	r.sendOrBatch(ctx, active.Client, codec.MouseMove{X: lx, Y: ly, DX: clampInt16(dx), DY: clampInt16(dy)})
	if r.Capture != nil {
		r.Capture.SuppressCurrentEvent()
	}
}

// handlePointerAtCurrent routes a button/scroll event to the current active
// target at its current local coordinates (no geometric check: only
// pointer motion itself can trigger an edge transition). r.mu is held on
// entry and released before return.
func (r *Router) handlePointerAtCurrent(ctx context.Context, ev capability.RawInput) {
	active := r.cursor.Active
	lx, ly := r.cursor.LocalX, r.cursor.LocalY
	r.mu.Unlock()

	if active.IsMaster {
		return
	}

	var msg codec.Message
	switch ev.Kind {
	case capability.RawMouseButtonDown:
		msg = codec.MouseButton{Button: ev.Button, EventType: codec.MouseButtonDown, X: lx, Y: ly}
	case capability.RawMouseButtonUp:
		msg = codec.MouseButton{Button: ev.Button, EventType: codec.MouseButtonUp, X: lx, Y: ly}
	case capability.RawMouseWheel:
		var dx, dy int16
		if ev.Axis == 0 {
			dy = ev.Delta
		} else {
			dx = ev.Delta
		}
		msg = codec.MouseScroll{DX: dx, DY: dy, X: lx, Y: ly}
	default:
		return
	}
	r.sendOrBatch(ctx, active.Client, msg)
	if r.Capture != nil {
		r.Capture.SuppressCurrentEvent()
	}
}

// handleKey implements step 6 of §4.7: keyboard events always follow the
// currently active target, with no geometric check. r.mu is held on entry
// and released before return.
func (r *Router) handleKey(ctx context.Context, ev capability.RawInput) {
	active := r.cursor.Active
	r.mu.Unlock()

	if active.IsMaster {
		return
	}
	hid := keymap.VKToHID(ev.VK)
	var evType codec.KeyEventType
	if ev.Kind == capability.RawKeyDown {
		evType = codec.KeyDown
	} else {
		evType = codec.KeyUp
	}
	r.sendOrBatch(ctx, active.Client, codec.KeyEvent{HIDCode: hid, Scan: ev.Scan, EventType: evType})
	if r.Capture != nil {
		r.Capture.SuppressCurrentEvent()
	}
}

// sendOrBatch hands msg to target's session, either immediately or
// accumulated into the pending InputBatch if one is already open for the
// same target (§4.7 "Batching (optional)"). Key and button events are
// never dropped; only a pending pointer-move may be superseded by a
// fresher one (§4.7 "Failure semantics").
func (r *Router) sendOrBatch(ctx context.Context, target kvmtypes.ClientID, msg codec.Message) {
	r.mu.Lock()
	if r.pending.active && r.pending.target != target {
		r.flushLocked(ctx)
	}
	payload, err := msg.EncodePayload()
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn().Err(err).Msg("router: encode sub-event failed")
		return
	}
	subSize := 1 + 2 + 2 + len(payload)
	if r.pending.size+subSize > MaxBatchBytes {
		r.flushLocked(ctx)
	}
	r.pending.target = target
	r.pending.active = true
	r.pending.events = append(r.pending.events, codec.SubEvent{Type: msg.Type(), PayloadBytes: payload})
	r.pending.size += subSize
	r.mu.Unlock()
}

// flush sends whatever is pending. Called after a Run iteration has
// drained every immediately-ready raw event, so a single lone event is
// sent as itself rather than wrapped in a one-element batch.
func (r *Router) flush(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked(ctx)
}

func (r *Router) flushLocked(ctx context.Context) {
	if !r.pending.active {
		return
	}
	target, events := r.pending.target, r.pending.events
	r.pending = pendingBatch{}

	sender := r.senderFor(target)
	if sender == nil {
		return
	}
	var msg codec.Message
	if len(events) == 1 {
		m, err := codec.DecodeMessage(codec.Frame{Type: events[0].Type, Payload: events[0].PayloadBytes})
		if err != nil {
			r.logger.Warn().Err(err).Msg("router: decode single pending sub-event failed")
			return
		}
		msg = m
	} else {
		msg = codec.InputBatch{Events: events}
	}
	if err := sender.SendInput(ctx, msg); err != nil {
		r.logger.Debug().Err(err).Str("target", target.String()).Msg("router: send input failed")
	}
}

func clampInt16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

func microTime(us uint64) time.Time {
	return time.UnixMicro(int64(us))
}
