// Package discovery implements announcement and PIN-confirmed pairing (C5):
// the unpaired-client broadcast/response exchange, the per-client pairing
// state machine, TOFU fingerprint pinning via capability.PairingStore, and
// source-address rate limiting on pairing attempts.
//
// The rolling-window rate limiter and the pairing timeout/lockout clock are
// both grounded on connman.go's cleanupLoop: a ticker-driven sweep that
// expires stale entries, generalised here from "expire a disconnected
// device's grace period" to "expire a stale pairing attempt or a spent
// lockout window".
package discovery

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/secure"
)

// AnnounceInterval is how often an unpaired client broadcasts Announce.
const AnnounceInterval = 5 * time.Second

// PairingTimeout is how long AwaitingConfirm waits for a matching PIN
// before reverting to Unpaired.
const PairingTimeout = 60 * time.Second

// LockoutDuration is how long a source address spends LockedOut after
// exceeding the mismatch limit.
const LockoutDuration = 60 * time.Second

// MaxMismatches is the number of PIN mismatches within PairingTimeout that
// trigger a lockout.
const MaxMismatches = 3

// RateLimitWindow and RateLimitMax bound pairing attempts per source
// address (§4.5: "3 pairing attempts per 60-second rolling window").
const (
	RateLimitWindow = 60 * time.Second
	RateLimitMax    = 3
)

// PairingState names a node in the per-client pairing state machine.
type PairingState uint8

const (
	StateUnpaired PairingState = iota
	StateAwaitingConfirm
	StatePaired
	StateLockedOut
)

func (s PairingState) String() string {
	switch s {
	case StateUnpaired:
		return "unpaired"
	case StateAwaitingConfirm:
		return "awaiting_confirm"
	case StatePaired:
		return "paired"
	case StateLockedOut:
		return "locked_out"
	default:
		return "unknown"
	}
}

var (
	// ErrLockedOut is returned when a source address is within its lockout
	// window and a new pairing attempt is refused.
	ErrLockedOut = fmt.Errorf("discovery: source locked out")
	// ErrRateLimited is returned once a source exceeds RateLimitMax
	// attempts within RateLimitWindow.
	ErrRateLimited = fmt.Errorf("discovery: rate limited")
)

// pairingEntry is the per-client state machine record.
type pairingEntry struct {
	state       PairingState
	nonce       [16]byte
	mismatches  int
	firstMismatchAt time.Time
	enteredAt   time.Time
	lockedUntil time.Time
}

// PairingStateMachine runs the master-side pairing state machine of §4.5
// for every client, plus the shared per-source-address rate limiter. A
// single mutex guards all state, matching connman's single-lock discipline
// for a component whose mutation rate is bounded by human PIN entry, not by
// network throughput.
type PairingStateMachine struct {
	clock capability.ClockSource
	rnd   capability.RandomSource
	store capability.PairingStore

	mu       sync.Mutex
	byClient map[kvmtypes.ClientID]*pairingEntry
	attempts map[string][]time.Time // source address -> attempt timestamps within the rolling window
}

// NewPairingStateMachine creates an empty state machine.
func NewPairingStateMachine(clock capability.ClockSource, rnd capability.RandomSource, store capability.PairingStore) *PairingStateMachine {
	return &PairingStateMachine{
		clock:    clock,
		rnd:      rnd,
		store:    store,
		byClient: make(map[kvmtypes.ClientID]*pairingEntry),
		attempts: make(map[string][]time.Time),
	}
}

func (p *PairingStateMachine) now() time.Time {
	return time.UnixMicro(int64(p.clock.NowUS()))
}

// checkRateLimit prunes attempts for src older than RateLimitWindow and
// reports whether a new attempt is allowed, recording it if so.
func (p *PairingStateMachine) checkRateLimit(src string) bool {
	now := p.now()
	cutoff := now.Add(-RateLimitWindow)
	kept := p.attempts[src][:0]
	for _, t := range p.attempts[src] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= RateLimitMax {
		p.attempts[src] = kept
		return false
	}
	p.attempts[src] = append(kept, now)
	return true
}

// Initiate starts pairing for id from source address src, generating a
// fresh nonce and transitioning Unpaired -> AwaitingConfirm. It returns
// ErrLockedOut or ErrRateLimited without revealing whether id is already
// known (§4.5: "without leaking whether the client is known").
func (p *PairingStateMachine) Initiate(ctx context.Context, id kvmtypes.ClientID, src string) ([16]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry := p.byClient[id]
	if entry != nil && entry.state == StateLockedOut {
		if p.now().Before(entry.lockedUntil) {
			return [16]byte{}, ErrLockedOut
		}
		entry.state = StateUnpaired
		entry.mismatches = 0
	}

	if !p.checkRateLimit(src) {
		return [16]byte{}, ErrRateLimited
	}

	nonceBytes, err := p.rnd.Bytes(16)
	if err != nil {
		return [16]byte{}, fmt.Errorf("discovery: generate pairing nonce: %w", err)
	}
	var nonce [16]byte
	copy(nonce[:], nonceBytes)

	if entry == nil {
		entry = &pairingEntry{}
		p.byClient[id] = entry
	}
	entry.state = StateAwaitingConfirm
	entry.nonce = nonce
	entry.enteredAt = p.now()
	return nonce, nil
}

// Confirm checks a client's submitted SHA-256(pin || nonce) against the
// server's own PIN, completing the AwaitingConfirm -> Paired transition on
// a match or AwaitingConfirm -> Unpaired (attempts++) on mismatch. A
// successful confirm also pins fp as id's TOFU fingerprint.
func (p *PairingStateMachine) Confirm(ctx context.Context, id kvmtypes.ClientID, src, pin string, submitted [32]byte, fp kvmtypes.Fingerprint) (bool, error) {
	p.mu.Lock()
	entry, ok := p.byClient[id]
	if !ok || entry.state != StateAwaitingConfirm {
		p.mu.Unlock()
		return false, fmt.Errorf("discovery: client %s is not awaiting confirmation", id)
	}
	if p.now().Sub(entry.enteredAt) > PairingTimeout {
		entry.state = StateUnpaired
		p.mu.Unlock()
		return false, fmt.Errorf("discovery: pairing request for %s timed out", id)
	}

	matched := secure.VerifyPIN(pin, entry.nonce, submitted)
	if matched {
		entry.state = StatePaired
		entry.mismatches = 0
		p.mu.Unlock()
		if err := p.store.Put(ctx, id, fp); err != nil {
			return false, fmt.Errorf("discovery: pin fingerprint: %w", err)
		}
		return true, nil
	}

	if entry.mismatches == 0 || p.now().Sub(entry.firstMismatchAt) > PairingTimeout {
		entry.mismatches = 0
		entry.firstMismatchAt = p.now()
	}
	entry.mismatches++
	entry.state = StateUnpaired
	lockout := entry.mismatches >= MaxMismatches
	if lockout {
		entry.state = StateLockedOut
		entry.lockedUntil = p.now().Add(LockoutDuration)
	}
	p.mu.Unlock()
	return false, nil
}

// StateOf reports the current pairing state for id (StateUnpaired if never seen).
func (p *PairingStateMachine) StateOf(id kvmtypes.ClientID) PairingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.byClient[id]
	if !ok {
		return StateUnpaired
	}
	if entry.state == StateAwaitingConfirm && p.now().Sub(entry.enteredAt) > PairingTimeout {
		return StateUnpaired
	}
	if entry.state == StateLockedOut && p.now().After(entry.lockedUntil) {
		return StateUnpaired
	}
	return entry.state
}

// VerifyReconnect implements the TOFU re-verification step run on every
// control-stream connect from an already-paired client: the presented
// fingerprint must exactly match the one pinned at pairing time.
func VerifyReconnect(ctx context.Context, store capability.PairingStore, id kvmtypes.ClientID, presented kvmtypes.Fingerprint) (bool, error) {
	pinned, ok, err := store.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("discovery: load pinned fingerprint: %w", err)
	}
	if !ok {
		return false, nil
	}
	return subtle.ConstantTimeCompare(pinned[:], presented[:]) == 1, nil
}
