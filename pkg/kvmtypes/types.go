// Package kvmtypes holds the shared data-model structs used across the
// codec, layout, session, registry, router and receiver packages. It has no
// dependency on I/O so every other package can import it without cycles.
package kvmtypes

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ClientID is the 128-bit opaque identifier assigned on client first run.
type ClientID uuid.UUID

// NewClientID draws a fresh random ClientID.
func NewClientID() ClientID {
	return ClientID(uuid.New())
}

// ParseClientID parses a canonical UUID string into a ClientID.
func ParseClientID(s string) (ClientID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ClientID{}, fmt.Errorf("parse client id: %w", err)
	}
	return ClientID(id), nil
}

func (c ClientID) String() string { return uuid.UUID(c).String() }

// Bytes returns the 16-byte wire representation.
func (c ClientID) Bytes() [16]byte { return [16]byte(c) }

// ClientIDFromBytes reconstructs a ClientID from its 16-byte wire form.
func ClientIDFromBytes(b [16]byte) ClientID { return ClientID(b) }

// Edge identifies one of the four sides of a ScreenRegion.
type Edge uint8

const (
	EdgeTop Edge = iota
	EdgeBottom
	EdgeLeft
	EdgeRight
)

func (e Edge) String() string {
	switch e {
	case EdgeTop:
		return "top"
	case EdgeBottom:
		return "bottom"
	case EdgeLeft:
		return "left"
	case EdgeRight:
		return "right"
	default:
		return "unknown"
	}
}

// Opposite returns the edge on the facing side.
func (e Edge) Opposite() Edge {
	switch e {
	case EdgeTop:
		return EdgeBottom
	case EdgeBottom:
		return EdgeTop
	case EdgeLeft:
		return EdgeRight
	case EdgeRight:
		return EdgeLeft
	default:
		return e
	}
}

// ScreenRegion is a rectangle in virtual space.
type ScreenRegion struct {
	VirtualX int32
	VirtualY int32
	Width    uint32
	Height   uint32
}

// ErrInvalidRegion is returned when a region has a non-positive dimension.
var ErrInvalidRegion = errors.New("kvmtypes: region width and height must be > 0")

// Validate checks the region's invariants (width/height > 0).
func (r ScreenRegion) Validate() error {
	if r.Width == 0 || r.Height == 0 {
		return ErrInvalidRegion
	}
	return nil
}

// Intersects reports whether two regions overlap in virtual space.
func (r ScreenRegion) Intersects(o ScreenRegion) bool {
	rLeft, rRight := r.VirtualX, r.VirtualX+int32(r.Width)
	rTop, rBottom := r.VirtualY, r.VirtualY+int32(r.Height)
	oLeft, oRight := o.VirtualX, o.VirtualX+int32(o.Width)
	oTop, oBottom := o.VirtualY, o.VirtualY+int32(o.Height)
	return rLeft < oRight && oLeft < rRight && rTop < oBottom && oTop < rBottom
}

// Contains reports whether the point (x, y) lies within the region.
func (r ScreenRegion) Contains(x, y int32) bool {
	return x >= r.VirtualX && x < r.VirtualX+int32(r.Width) &&
		y >= r.VirtualY && y < r.VirtualY+int32(r.Height)
}

// EdgeInterval returns the parallel-axis [start, start+length) interval that
// the given edge of this region spans in virtual space.
func (r ScreenRegion) EdgeInterval(e Edge) (start, length int32) {
	switch e {
	case EdgeTop, EdgeBottom:
		return r.VirtualX, int32(r.Width)
	case EdgeLeft, EdgeRight:
		return r.VirtualY, int32(r.Height)
	default:
		return 0, 0
	}
}

// ScreenID identifies a screen in virtual space: either the master, or a
// specific client's screen.
type ScreenID struct {
	IsMaster bool
	Client   ClientID
}

// MasterScreenID is the well-known ScreenID for the master's own screen.
var MasterScreenID = ScreenID{IsMaster: true}

// ClientScreenID builds the ScreenID for a given client.
func ClientScreenID(id ClientID) ScreenID { return ScreenID{Client: id} }

func (s ScreenID) String() string {
	if s.IsMaster {
		return "master"
	}
	return s.Client.String()
}

// Adjacency declares a neighbour relation between two screens along a pair
// of edges. Tools treat the relation as pair-symmetric.
type Adjacency struct {
	FromScreen ScreenID
	FromEdge   Edge
	ToScreen   ScreenID
	ToEdge     Edge
}

// ClientScreen is a client's declared region plus its monitor layout.
type ClientScreen struct {
	Region   ScreenRegion
	Monitors []MonitorInfo
}

// MonitorInfo mirrors the ScreenInfo wire message's per-monitor record.
type MonitorInfo struct {
	ID      uint8
	X, Y    int32
	W, H    uint32
	Scale   uint16
	Primary bool
}

// ConnectionState is the lifecycle state of a Client entity.
type ConnectionState uint8

const (
	StateDiscovered ConnectionState = iota
	StateConnecting
	StatePaired
	StateConnected
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConnecting:
		return "connecting"
	case StatePaired:
		return "paired"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Capability bits advertised in Hello.caps.
type Capability uint32

const (
	CapKeyboard Capability = 1 << iota
	CapMouse
	CapClipboard
	CapMultiMonitor
)

// Platform tags carried on the wire (Hello.platform, Announce.platform).
type Platform uint8

const (
	PlatformUnknown Platform = iota
	PlatformWindows
	PlatformMacOS
	PlatformLinuxX11
	PlatformLinuxWayland
)

// Fingerprint is a pinned peer credential hash (TOFU).
type Fingerprint [32]byte

// Client is the registry's view of one remote node.
type Client struct {
	ID                ClientID
	Name              string
	Platform          Platform
	Capabilities      Capability
	ConnectionState   ConnectionState
	Address           string // endpoint, empty if unknown
	ScreenInfo        *ClientScreen
	LatencyMS         float32
	EventsPerSecond   uint32
	LastHeartbeat     time.Time
	PairedCredential  *Fingerprint
}

// ActiveEligible reports whether the client may become the router's active
// target: connected-or-paired, with screen info known.
func (c Client) ActiveEligible() bool {
	if c.ScreenInfo == nil {
		return false
	}
	return c.ConnectionState == StateConnected || c.ConnectionState == StatePaired
}

// Clone returns a deep-enough copy safe to hand to a reader outside the
// registry's lock.
func (c Client) Clone() Client {
	cp := c
	if c.ScreenInfo != nil {
		si := *c.ScreenInfo
		si.Monitors = append([]MonitorInfo(nil), c.ScreenInfo.Monitors...)
		cp.ScreenInfo = &si
	}
	if c.PairedCredential != nil {
		fp := *c.PairedCredential
		cp.PairedCredential = &fp
	}
	return cp
}

// CursorState is the router's notion of where the physical cursor currently
// maps to in the active screen's local space.
type CursorState struct {
	Active            ScreenID
	LocalX, LocalY    int32
	LastTransitionAt  time.Time
}

// VirtualLayout is the unified 2-D coordinate system the master and all
// client screens are placed into. Master is always present, anchored at
// (0, 0). Layout values are immutable once built; mutators in pkg/layout
// return a new value (copy-on-write), matching the single-writer/
// atomic-snapshot discipline described for the router.
type VirtualLayout struct {
	Master      ScreenRegion
	Clients     map[ClientID]ClientScreen
	Adjacencies []Adjacency
}

// Clone returns a deep copy suitable for copy-on-write mutation.
func (l VirtualLayout) Clone() VirtualLayout {
	clients := make(map[ClientID]ClientScreen, len(l.Clients))
	for id, cs := range l.Clients {
		ncs := cs
		ncs.Monitors = append([]MonitorInfo(nil), cs.Monitors...)
		clients[id] = ncs
	}
	return VirtualLayout{
		Master:      l.Master,
		Clients:     clients,
		Adjacencies: append([]Adjacency(nil), l.Adjacencies...),
	}
}

// NetworkConfig is the persisted §6 network configuration: the three
// listening ports and the bind address, independent of the per-process
// envconfig defaults pkg/config loads at startup.
type NetworkConfig struct {
	ControlPort   uint16
	InputPort     uint16
	DiscoveryPort uint16
	BindAddress   string
}

// RegionOf returns the ScreenRegion for a ScreenID, if present.
func (l VirtualLayout) RegionOf(id ScreenID) (ScreenRegion, bool) {
	if id.IsMaster {
		return l.Master, true
	}
	cs, ok := l.Clients[id.Client]
	if !ok {
		return ScreenRegion{}, false
	}
	return cs.Region, true
}
