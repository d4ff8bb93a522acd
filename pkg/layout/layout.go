// Package layout implements the virtual-space layout engine: the single
// coordinate system the master desktop and every paired client's screen are
// placed into, cursor-point classification, edge-transition detection with
// proportional mapping, and the copy-on-write mutators that keep a
// VirtualLayout consistent.
//
// The copy-on-write-snapshot discipline generalises the teacher's
// mutex-guarded singleton in cursor_state.go (lock, mutate fields, unlock)
// into an immutable-value-plus-atomic-swap: instead of locking shared
// mutable fields, mutators build and publish a brand new VirtualLayout
// value, so readers on other goroutines never observe a half-updated
// layout.
package layout

import (
	"errors"
	"sync/atomic"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
)

// EdgeThreshold is the maximum perpendicular distance, in virtual pixels,
// for a cursor point to be considered "near" an adjacency edge.
const EdgeThreshold = 2

// Errors returned by the mutators below.
var (
	ErrOverlap            = errors.New("layout: region overlaps an existing screen")
	ErrUnknownScreen       = errors.New("layout: screen not present in layout")
	ErrNonOverlappingEdge = errors.New("layout: adjacency edges do not share a positive-length overlap")
)

// AddClient returns a new layout with id's screen added at region. Errors
// with ErrOverlap (leaving l's caller-visible value untouched, since this
// function never mutates l) if region overlaps the master or any existing
// client region.
func AddClient(l kvmtypes.VirtualLayout, id kvmtypes.ClientID, region kvmtypes.ScreenRegion) (kvmtypes.VirtualLayout, error) {
	if err := region.Validate(); err != nil {
		return l, err
	}
	if region.Intersects(l.Master) {
		return l, ErrOverlap
	}
	for other, cs := range l.Clients {
		if other != id && region.Intersects(cs.Region) {
			return l, ErrOverlap
		}
	}
	nl := l.Clone()
	cs := nl.Clients[id]
	cs.Region = region
	nl.Clients[id] = cs
	return nl, nil
}

// RemoveClient returns a new layout with id's screen, and any adjacency
// referencing it, removed.
func RemoveClient(l kvmtypes.VirtualLayout, id kvmtypes.ClientID) kvmtypes.VirtualLayout {
	nl := l.Clone()
	delete(nl.Clients, id)
	kept := nl.Adjacencies[:0]
	for _, adj := range nl.Adjacencies {
		if (!adj.FromScreen.IsMaster && adj.FromScreen.Client == id) ||
			(!adj.ToScreen.IsMaster && adj.ToScreen.Client == id) {
			continue
		}
		kept = append(kept, adj)
	}
	nl.Adjacencies = kept
	return nl
}

// UpdateClientRegion returns a new layout with id's region replaced,
// erroring with ErrUnknownScreen if id is not present or ErrOverlap if the
// new region overlaps another screen.
func UpdateClientRegion(l kvmtypes.VirtualLayout, id kvmtypes.ClientID, region kvmtypes.ScreenRegion) (kvmtypes.VirtualLayout, error) {
	if _, ok := l.Clients[id]; !ok {
		return l, ErrUnknownScreen
	}
	return AddClient(l, id, region)
}

// SetAdjacency returns a new layout with adj appended, erroring if either
// referenced screen is absent or the two edges do not share a positive-
// length overlap (P-layout invariant: adjacent edges share a common range).
func SetAdjacency(l kvmtypes.VirtualLayout, adj kvmtypes.Adjacency) (kvmtypes.VirtualLayout, error) {
	fromRegion, ok := l.RegionOf(adj.FromScreen)
	if !ok {
		return l, ErrUnknownScreen
	}
	toRegion, ok := l.RegionOf(adj.ToScreen)
	if !ok {
		return l, ErrUnknownScreen
	}
	fs, fl := fromRegion.EdgeInterval(adj.FromEdge)
	ts, tl := toRegion.EdgeInterval(adj.ToEdge)
	if overlapLength(fs, fl, ts, tl) <= 0 {
		return l, ErrNonOverlappingEdge
	}
	nl := l.Clone()
	nl.Adjacencies = append(nl.Adjacencies, adj)
	return nl, nil
}

func overlapLength(aStart, aLen, bStart, bLen int32) int32 {
	aEnd, bEnd := aStart+aLen, bStart+bLen
	lo, hi := aStart, bStart
	if bStart > lo {
		lo = bStart
	}
	if aEnd < bEnd {
		hi = aEnd
	} else {
		hi = bEnd
	}
	return hi - lo
}

// CursorTargetKind classifies a ResolveCursor result.
type CursorTargetKind uint8

const (
	TargetOutside CursorTargetKind = iota
	TargetMaster
	TargetClient
)

// CursorTarget is the classification of a virtual-space point.
type CursorTarget struct {
	Kind           CursorTargetKind
	Client         kvmtypes.ClientID
	LocalX, LocalY int32
}

// ResolveCursor classifies the virtual-space point (vx, vy).
func ResolveCursor(l kvmtypes.VirtualLayout, vx, vy int32) CursorTarget {
	if l.Master.Contains(vx, vy) {
		return CursorTarget{Kind: TargetMaster, LocalX: vx - l.Master.VirtualX, LocalY: vy - l.Master.VirtualY}
	}
	for id, cs := range l.Clients {
		if cs.Region.Contains(vx, vy) {
			return CursorTarget{Kind: TargetClient, Client: id, LocalX: vx - cs.Region.VirtualX, LocalY: vy - cs.Region.VirtualY}
		}
	}
	return CursorTarget{Kind: TargetOutside}
}

// Transition is the result of a fired edge transition.
type Transition struct {
	To                               kvmtypes.ScreenID
	EntryX, EntryY                   int32
	MasterTeleportX, MasterTeleportY int32
}

// MapEdgePosition is the pure proportional-mapping helper: a position pos
// along the source interval [srcStart, srcStart+srcLen) is mapped onto the
// destination interval [dstStart, dstStart+dstLen), clamped to the
// destination interval's closed bounds.
func MapEdgePosition(srcStart, srcLen, dstStart, dstLen, pos int32) int32 {
	if srcLen == 0 {
		return dstStart
	}
	ratio := float64(pos-srcStart) / float64(srcLen)
	mapped := dstStart + int32(ratio*float64(dstLen)+0.5)
	if mapped < dstStart {
		mapped = dstStart
	}
	if max := dstStart + dstLen; mapped > max {
		mapped = max
	}
	return mapped
}

// CheckEdgeTransition reports whether the local point (lx, ly) on the
// current screen lies within EdgeThreshold of a registered adjacency edge
// belonging to current, returning the fired Transition if so.
func CheckEdgeTransition(l kvmtypes.VirtualLayout, current kvmtypes.ScreenID, lx, ly int32) (Transition, bool) {
	region, ok := l.RegionOf(current)
	if !ok {
		return Transition{}, false
	}
	vx, vy := region.VirtualX+lx, region.VirtualY+ly
	for _, adj := range l.Adjacencies {
		if adj.FromScreen != current {
			continue
		}
		start, length := region.EdgeInterval(adj.FromEdge)
		perp, parallel, ok := perpendicularAndParallel(region, adj.FromEdge, vx, vy)
		if !ok {
			continue
		}
		if abs32(perp) > EdgeThreshold || parallel < start || parallel >= start+length {
			continue
		}
		targetRegion, ok := l.RegionOf(adj.ToScreen)
		if !ok {
			continue
		}
		dstStart, dstLen := targetRegion.EdgeInterval(adj.ToEdge)
		entryPos := MapEdgePosition(start, length, dstStart, dstLen, parallel)
		entryX, entryY := edgePoint(targetRegion, adj.ToEdge, entryPos, 1)

		masterEdge := adj.FromEdge
		mStart, mLen := l.Master.EdgeInterval(masterEdge)
		teleportPos := MapEdgePosition(start, length, mStart, mLen, parallel)
		teleX, teleY := edgePoint(l.Master, masterEdge, teleportPos, 1)

		return Transition{
			To:              adj.ToScreen,
			EntryX:          entryX,
			EntryY:          entryY,
			MasterTeleportX: teleX,
			MasterTeleportY: teleY,
		}, true
	}
	return Transition{}, false
}

// perpendicularAndParallel decomposes a virtual-space point into its
// distance from the named edge's boundary line (perpendicular) and its
// coordinate along that edge (parallel).
func perpendicularAndParallel(r kvmtypes.ScreenRegion, e kvmtypes.Edge, vx, vy int32) (perp, parallel int32, ok bool) {
	switch e {
	case kvmtypes.EdgeTop:
		return vy - r.VirtualY, vx, true
	case kvmtypes.EdgeBottom:
		return vy - (r.VirtualY + int32(r.Height)), vx, true
	case kvmtypes.EdgeLeft:
		return vx - r.VirtualX, vy, true
	case kvmtypes.EdgeRight:
		return vx - (r.VirtualX + int32(r.Width)), vy, true
	default:
		return 0, 0, false
	}
}

// edgePoint returns the virtual-space point at parallel coordinate
// "parallel" along edge e of region r, displaced inward pixels toward the
// interior of r (perpendicular to e).
func edgePoint(r kvmtypes.ScreenRegion, e kvmtypes.Edge, parallel, inward int32) (x, y int32) {
	switch e {
	case kvmtypes.EdgeTop:
		return parallel, r.VirtualY + inward
	case kvmtypes.EdgeBottom:
		return parallel, r.VirtualY + int32(r.Height) - 1 - inward
	case kvmtypes.EdgeLeft:
		return r.VirtualX + inward, parallel
	case kvmtypes.EdgeRight:
		return r.VirtualX + int32(r.Width) - 1 - inward, parallel
	default:
		return 0, 0
	}
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// Store holds the single authoritative VirtualLayout as an atomically
// swapped pointer, read by many goroutines (router, registry snapshots)
// and written by one at a time.
type Store struct {
	ptr atomic.Pointer[kvmtypes.VirtualLayout]
}

// NewStore creates a Store seeded with the given initial layout.
func NewStore(initial kvmtypes.VirtualLayout) *Store {
	s := &Store{}
	s.ptr.Store(&initial)
	return s
}

// Load returns the current layout snapshot.
func (s *Store) Load() kvmtypes.VirtualLayout {
	return *s.ptr.Load()
}

// Mutate applies fn to the current snapshot and publishes the result,
// retrying if a concurrent writer raced it. fn's error is returned as-is
// and aborts the publish.
func (s *Store) Mutate(fn func(kvmtypes.VirtualLayout) (kvmtypes.VirtualLayout, error)) error {
	for {
		cur := s.ptr.Load()
		next, err := fn(*cur)
		if err != nil {
			return err
		}
		if s.ptr.CompareAndSwap(cur, &next) {
			return nil
		}
	}
}
