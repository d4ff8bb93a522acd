// Package memory provides in-process reference implementations of the
// pkg/capability interfaces, for tests and for a loopback demo mode. None
// of these touch a real OS input hook, a real screen, or a real socket.
// This module ships no platform-specific implementations, so cmd/kvmd and
// cmd/kvmc also wire the clock, random source, capture, emulator,
// clipboard and screen fakes from this package (§9 "Dynamic dispatch over
// OS boundaries").
package memory

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/capability"
	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
)

// SystemClock reports real wall-clock time as microseconds. It is the
// production ClockSource; it never blocks and never errors.
type SystemClock struct{}

func (SystemClock) NowUS() uint64 {
	return uint64(time.Now().UnixMicro())
}

// FakeClock is a settable ClockSource for deterministic tests.
type FakeClock struct {
	mu  sync.Mutex
	now uint64
}

// NewFakeClock creates a FakeClock starting at the given microsecond value.
func NewFakeClock(startUS uint64) *FakeClock {
	return &FakeClock{now: startUS}
}

func (c *FakeClock) NowUS() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the fake clock forward by deltaUS microseconds.
func (c *FakeClock) Advance(deltaUS uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += deltaUS
}

// CryptoRandom draws from crypto/rand, satisfying capability.RandomSource
// for production use (nonces, session tokens, PINs).
type CryptoRandom struct{}

func (CryptoRandom) Bytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("memory: read random bytes: %w", err)
	}
	return buf, nil
}

// PINDigits draws n cryptographically strong decimal digits.
func (CryptoRandom) PINDigits(n int) (string, error) {
	digits := make([]byte, n)
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("memory: read random pin digits: %w", err)
	}
	for i, b := range raw {
		digits[i] = '0' + b%10
	}
	return string(digits), nil
}

// PairingStore is an in-memory capability.PairingStore, guarded by a
// single lock per §5's "exclusive per-operation; internal serialisation
// suffices given low throughput" policy.
type PairingStore struct {
	mu          sync.Mutex
	fingerprint map[kvmtypes.ClientID]kvmtypes.Fingerprint
}

// NewPairingStore creates an empty in-memory PairingStore.
func NewPairingStore() *PairingStore {
	return &PairingStore{fingerprint: make(map[kvmtypes.ClientID]kvmtypes.Fingerprint)}
}

func (s *PairingStore) Put(_ context.Context, id kvmtypes.ClientID, fp kvmtypes.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerprint[id] = fp
	return nil
}

func (s *PairingStore) Get(_ context.Context, id kvmtypes.ClientID) (kvmtypes.Fingerprint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.fingerprint[id]
	return fp, ok, nil
}

func (s *PairingStore) Delete(_ context.Context, id kvmtypes.ClientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fingerprint, id)
	return nil
}

var _ capability.PairingStore = (*PairingStore)(nil)
var _ capability.ClockSource = SystemClock{}
var _ capability.ClockSource = (*FakeClock)(nil)
var _ capability.RandomSource = CryptoRandom{}

// LayoutStore is an in-memory capability.LayoutStore for tests; the
// reference daemons persist the layout through pkg/capability/filestore.
type LayoutStore struct {
	mu      sync.Mutex
	layout  kvmtypes.VirtualLayout
	present bool
}

func (s *LayoutStore) Load(_ context.Context) (kvmtypes.VirtualLayout, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layout, s.present, nil
}

func (s *LayoutStore) Save(_ context.Context, layout kvmtypes.VirtualLayout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layout = layout
	s.present = true
	return nil
}

// ConfigStore is an in-memory capability.ConfigStore.
type ConfigStore struct {
	mu      sync.Mutex
	cfg     kvmtypes.NetworkConfig
	present bool
}

func (s *ConfigStore) Load(_ context.Context) (kvmtypes.NetworkConfig, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.present, nil
}

func (s *ConfigStore) Save(_ context.Context, cfg kvmtypes.NetworkConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.present = true
	return nil
}

var _ capability.LayoutStore = (*LayoutStore)(nil)
var _ capability.ConfigStore = (*ConfigStore)(nil)

// StaticScreenEnumerator reports a fixed ClientScreen and never pushes
// updates; useful for tests and headless demo clients.
type StaticScreenEnumerator struct {
	Screen kvmtypes.ClientScreen
}

func (s StaticScreenEnumerator) Enumerate(_ context.Context) (kvmtypes.ClientScreen, error) {
	return s.Screen, nil
}

func (s StaticScreenEnumerator) Watch(_ context.Context) (<-chan kvmtypes.ClientScreen, error) {
	ch := make(chan kvmtypes.ClientScreen)
	return ch, nil
}

var _ capability.ScreenEnumerator = StaticScreenEnumerator{}

// RecordingEmulator is an InputEmulator that appends every call to an
// in-memory log instead of touching a real OS, for assertions in router/
// receiver tests.
type RecordingEmulator struct {
	mu    sync.Mutex
	Calls []string
}

func (e *RecordingEmulator) record(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = append(e.Calls, s)
}

func (e *RecordingEmulator) Snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.Calls...)
}

func (e *RecordingEmulator) EmitKeyDown(code uint16, mods uint8) error {
	e.record(fmt.Sprintf("key_down(%d,%d)", code, mods))
	return nil
}

func (e *RecordingEmulator) EmitKeyUp(code uint16, mods uint8) error {
	e.record(fmt.Sprintf("key_up(%d,%d)", code, mods))
	return nil
}

func (e *RecordingEmulator) EmitMouseMove(x, y int32) error {
	e.record(fmt.Sprintf("mouse_move(%d,%d)", x, y))
	return nil
}

func (e *RecordingEmulator) EmitMouseButton(btn uint8, pressed bool, x, y int32) error {
	e.record(fmt.Sprintf("mouse_button(%d,%v,%d,%d)", btn, pressed, x, y))
	return nil
}

func (e *RecordingEmulator) EmitMouseScroll(dx, dy int16) error {
	e.record(fmt.Sprintf("mouse_scroll(%d,%d)", dx, dy))
	return nil
}

var _ capability.InputEmulator = (*RecordingEmulator)(nil)

// RecordingCapture is an InputCapture whose event stream is fed by Inject
// from a test, and which records suppress/teleport calls instead of
// touching a real OS hook.
type RecordingCapture struct {
	mu             sync.Mutex
	ch             chan capability.RawInput
	suppressCount  int
	teleports      []teleportCall
}

type teleportCall struct{ X, Y int32 }

// NewRecordingCapture creates a RecordingCapture with the given channel
// buffer size (matching the spec's bounded capture ring buffer; cmd/kvmd
// passes 4096, while tests inject events directly and pass smaller sizes).
func NewRecordingCapture(buffer int) *RecordingCapture {
	return &RecordingCapture{ch: make(chan capability.RawInput, buffer)}
}

func (c *RecordingCapture) Start(_ context.Context) (<-chan capability.RawInput, error) {
	return c.ch, nil
}

func (c *RecordingCapture) Inject(ev capability.RawInput) {
	c.ch <- ev
}

func (c *RecordingCapture) SuppressCurrentEvent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suppressCount++
}

func (c *RecordingCapture) SuppressCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suppressCount
}

func (c *RecordingCapture) TeleportCursor(x, y int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teleports = append(c.teleports, teleportCall{X: x, Y: y})
}

func (c *RecordingCapture) Teleports() []teleportCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]teleportCall(nil), c.teleports...)
}

func (c *RecordingCapture) Stop() error {
	close(c.ch)
	return nil
}

var _ capability.InputCapture = (*RecordingCapture)(nil)

// RecordingClipboard is a ClipboardAccess that just remembers the last
// Write and returns it from Read, a headless stand-in for an OS clipboard.
type RecordingClipboard struct {
	mu     sync.Mutex
	format uint8
	data   []byte
	set    bool
}

func (c *RecordingClipboard) Write(_ context.Context, format uint8, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.format = format
	c.data = append([]byte(nil), data...)
	c.set = true
	return nil
}

func (c *RecordingClipboard) Read(_ context.Context) (uint8, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set {
		return 0, nil, nil
	}
	return c.format, append([]byte(nil), c.data...), nil
}

var _ capability.ClipboardAccess = (*RecordingClipboard)(nil)
