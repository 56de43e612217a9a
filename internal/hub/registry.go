// Package hub contains the session-side half of the control multiplexer: the
// pane registry, initial-content capture, resize arbitration, the session
// controller actor and the process-wide supervisor.
package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/m0a/cc-hub-sub002/internal/tmux"
)

// ErrPaneGone is returned when subscribing to a pane the layout no longer
// lists. The client link reports it to its browser and carries on.
var ErrPaneGone = errors.New("hub: pane gone")

// pendingRingBytes is the per-pane buffer for output that arrives before the
// first subscriber. 64 KiB holds several screens of burst output from a
// freshly split pane while the browser is still wiring its terminal up.
const pendingRingBytes = 64 * 1024

// PaneInfo is the registry's view of one pane's geometry.
type PaneInfo struct {
	PaneID string
	Cols   int
	Rows   int
	X      int
	Y      int
	Dead   bool
}

// PaneDelta describes what one Observe call changed.
type PaneDelta struct {
	Added   []PaneInfo
	Removed []string
	Resized []PaneInfo
}

// SubscribeFn receives pane output in parser order.
type SubscribeFn func(data []byte)

type subscriber struct {
	id int
	fn SubscribeFn
}

type paneEntry struct {
	info    PaneInfo
	subs    []subscriber
	nextSub int
	pending pendingRing
	dead    bool
}

// PaneRegistry is the per-session table of live panes and their output
// subscribers. The controller calls every method, including Subscribe and the
// unsubscribe handles, from its actor goroutine; the registry still carries
// its own lock, so its methods are safe to call from any goroutine.
//
// Ordering: Broadcast invokes callbacks synchronously in registration order,
// and the controller calls it from the single parser goroutine, so per-pane
// output order is exactly parser order.
type PaneRegistry struct {
	mu    sync.Mutex
	panes map[string]*paneEntry
	// removed remembers panes that once existed, so a late Subscribe can be
	// answered with ErrPaneGone instead of buffering forever.
	removed map[string]struct{}
}

// NewPaneRegistry creates an empty registry.
func NewPaneRegistry() *PaneRegistry {
	return &PaneRegistry{
		panes:   make(map[string]*paneEntry),
		removed: make(map[string]struct{}),
	}
}

// Observe diffs the layout tree's leaves against the registry and applies the
// difference. Panes missing from the tree are marked dead and dropped once
// their subscribers are gone; new leaves are created with empty subscriber
// sets; geometry changes are reported in Resized.
func (r *PaneRegistry) Observe(root *tmux.LayoutNode) PaneDelta {
	r.mu.Lock()
	defer r.mu.Unlock()

	var delta PaneDelta
	seen := make(map[string]struct{})
	for _, leaf := range root.Leaves() {
		seen[leaf.PaneID] = struct{}{}
		info := PaneInfo{
			PaneID: leaf.PaneID,
			Cols:   leaf.Width,
			Rows:   leaf.Height,
			X:      leaf.X,
			Y:      leaf.Y,
		}
		entry := r.panes[leaf.PaneID]
		if entry == nil {
			entry = &paneEntry{info: info, pending: newPendingRing(pendingRingBytes)}
			r.panes[leaf.PaneID] = entry
			delete(r.removed, leaf.PaneID)
			delta.Added = append(delta.Added, info)
			continue
		}
		if entry.dead {
			// A dead pane reappearing in the layout was respawned.
			entry.dead = false
			entry.info = info
			delta.Added = append(delta.Added, info)
			continue
		}
		if entry.info.Cols != info.Cols || entry.info.Rows != info.Rows ||
			entry.info.X != info.X || entry.info.Y != info.Y {
			entry.info = info
			delta.Resized = append(delta.Resized, info)
		}
	}

	for paneID, entry := range r.panes {
		if _, ok := seen[paneID]; ok {
			continue
		}
		if !entry.dead {
			entry.dead = true
			delta.Removed = append(delta.Removed, paneID)
		}
		if len(entry.subs) == 0 {
			delete(r.panes, paneID)
			r.removed[paneID] = struct{}{}
		}
	}
	return delta
}

// Subscribe registers fn for paneID's output and returns an idempotent
// unsubscribe handle. Output buffered before the first subscriber is flushed
// to fn synchronously, preserving order ahead of any live broadcast.
func (r *PaneRegistry) Subscribe(paneID string, fn SubscribeFn) (func(), error) {
	r.mu.Lock()
	entry := r.panes[paneID]
	if entry == nil || entry.dead {
		if _, wasRemoved := r.removed[paneID]; wasRemoved || entry != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrPaneGone, paneID)
		}
		// Never-seen pane: tolerate the race where the browser subscribes
		// from a layout frame the registry has not observed yet.
		entry = &paneEntry{
			info:    PaneInfo{PaneID: paneID},
			pending: newPendingRing(pendingRingBytes),
		}
		r.panes[paneID] = entry
	}

	entry.nextSub++
	sub := subscriber{id: entry.nextSub, fn: fn}
	entry.subs = append(entry.subs, sub)
	replay := entry.pending.drain()
	r.mu.Unlock()

	if len(replay) > 0 {
		slog.Debug("[DEBUG-HUB] flushing buffered output to first subscriber",
			"paneId", paneID, "bytes", len(replay))
		fn(replay)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.unsubscribe(paneID, sub.id)
		})
	}, nil
}

func (r *PaneRegistry) unsubscribe(paneID string, subID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.panes[paneID]
	if entry == nil {
		return
	}
	for i, s := range entry.subs {
		if s.id == subID {
			entry.subs = append(entry.subs[:i], entry.subs[i+1:]...)
			break
		}
	}
	if entry.dead && len(entry.subs) == 0 {
		delete(r.panes, paneID)
		r.removed[paneID] = struct{}{}
	}
}

// Broadcast delivers data to every subscriber of paneID in registration
// order. With no subscribers the bytes land in the pane's pending ring; for a
// pane the registry has never observed, a ring is created on the fly so
// pre-layout output is not lost.
func (r *PaneRegistry) Broadcast(paneID string, data []byte) {
	if len(data) == 0 {
		return
	}
	r.mu.Lock()
	entry := r.panes[paneID]
	if entry == nil {
		if _, wasRemoved := r.removed[paneID]; wasRemoved {
			r.mu.Unlock()
			return
		}
		entry = &paneEntry{
			info:    PaneInfo{PaneID: paneID},
			pending: newPendingRing(pendingRingBytes),
		}
		r.panes[paneID] = entry
	}
	if len(entry.subs) == 0 {
		entry.pending.write(data)
		r.mu.Unlock()
		return
	}
	// Copy the slice header so late un/subscribes don't shift delivery
	// mid-broadcast; callbacks run outside the lock by design (a slow
	// callback must not stall Subscribe on other panes).
	subs := make([]subscriber, len(entry.subs))
	copy(subs, entry.subs)
	r.mu.Unlock()

	for _, s := range subs {
		s.fn(data)
	}
}

// Panes returns a snapshot of live (non-dead) panes.
func (r *PaneRegistry) Panes() []PaneInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PaneInfo, 0, len(r.panes))
	for _, entry := range r.panes {
		if entry.dead {
			continue
		}
		out = append(out, entry.info)
	}
	return out
}

// Live reports whether paneID is currently listed by the layout.
func (r *PaneRegistry) Live(paneID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.panes[paneID]
	return entry != nil && !entry.dead
}

// pendingRing is a bounded byte ring for output that arrives before the first
// subscriber. When the ring overflows, the oldest bytes are dropped: the
// initial-content capture that follows the first subscribe repaints whatever
// scrolled away.
type pendingRing struct {
	data []byte
	head int
	size int
}

func newPendingRing(capacity int) pendingRing {
	if capacity <= 0 {
		capacity = 1
	}
	return pendingRing{data: make([]byte, capacity)}
}

func (p *pendingRing) write(chunk []byte) {
	if len(chunk) == 0 || len(p.data) == 0 {
		return
	}
	if len(chunk) >= len(p.data) {
		copy(p.data, chunk[len(chunk)-len(p.data):])
		p.head = 0
		p.size = len(p.data)
		return
	}
	n := copy(p.data[p.head:], chunk)
	if n < len(chunk) {
		copy(p.data, chunk[n:])
		p.head = len(chunk) - n
	} else {
		p.head = (p.head + n) % len(p.data)
	}
	p.size += len(chunk)
	if p.size > len(p.data) {
		p.size = len(p.data)
	}
}

func (p *pendingRing) drain() []byte {
	if p.size == 0 {
		return nil
	}
	out := make([]byte, p.size)
	if p.size < len(p.data) {
		copy(out, p.data[:p.size])
	} else {
		n := copy(out, p.data[p.head:])
		copy(out[n:], p.data[:p.head])
	}
	p.head = 0
	p.size = 0
	return out
}
