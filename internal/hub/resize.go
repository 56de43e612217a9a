package hub

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// resizeDebounce coalesces bursts of client resize events (drag-resizing
	// a browser window fires dozens per second).
	resizeDebounce = 100 * time.Millisecond

	// resizeTolerance suppresses proposals within ±3 cells of the last sent
	// size on both axes. Browser-side cell measurement rounds one way, tmux's
	// integer border allocation rounds the other; without the dead band the
	// two chase each other forever.
	resizeTolerance = 3

	// resizePendingSafety clears the pending flag when tmux never answers a
	// refresh-client with a layout change (e.g. the size was already
	// effective), so the arbiter cannot wedge.
	resizePendingSafety = 500 * time.Millisecond

	// paneResizeDebounce batches per-pane drag events. When it lapses, only
	// the panes that were dragged are resized; the other leaves of the tree
	// are not re-sent.
	paneResizeDebounce = 200 * time.Millisecond
)

// Size is a terminal geometry in cells.
type Size struct {
	Cols int
	Rows int
}

func (s Size) valid() bool {
	return s.Cols > 0 && s.Rows > 0
}

// within reports whether s and o differ by at most tol on both axes.
func (s Size) within(o Size, tol int) bool {
	return abs(s.Cols-o.Cols) <= tol && abs(s.Rows-o.Rows) <= tol
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// ResizeArbiter reconciles the desired sizes of every attached client into
// one window size pushed to tmux.
//
// Proposal rule: the minimum cols and minimum rows across all clients, so the
// smallest screen renders without truncation; a lone client gets exactly its
// own size. Debounce, a ±tolerance dead band and a pending flag (cleared by
// the next layout change or a safety timeout) break the oscillation loops
// naive implementations fall into.
type ResizeArbiter struct {
	mu       sync.Mutex
	clients  map[string]Size
	lastSent *Size
	pending  bool
	dirty    bool
	closed   bool

	debounce  time.Duration
	safety    time.Duration
	tolerance int

	debounceTimer *time.Timer
	safetyTimer   *time.Timer

	send func(cols, rows int)
}

// NewResizeArbiter creates an arbiter that calls send for each accepted
// proposal. send runs on a timer goroutine; it must not call back into the
// arbiter.
func NewResizeArbiter(send func(cols, rows int)) *ResizeArbiter {
	return &ResizeArbiter{
		clients:   make(map[string]Size),
		debounce:  resizeDebounce,
		safety:    resizePendingSafety,
		tolerance: resizeTolerance,
		send:      send,
	}
}

// SetClientSize records one client's desired size and schedules arbitration.
func (a *ResizeArbiter) SetClientSize(clientID string, cols, rows int) {
	size := Size{Cols: cols, Rows: rows}
	if !size.valid() {
		slog.Debug("[DEBUG-RESIZE] ignoring invalid client size",
			"clientId", clientID, "cols", cols, "rows", rows)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.clients[clientID] = size
	a.scheduleLocked()
}

// RemoveClient forgets a departed client. The remaining clients' minimum may
// grow, so arbitration is re-scheduled.
func (a *ResizeArbiter) RemoveClient(clientID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.clients[clientID]; !ok {
		return
	}
	delete(a.clients, clientID)
	if len(a.clients) > 0 && !a.closed {
		a.scheduleLocked()
	}
}

// LayoutArrived is called for every %layout-change with the reported window
// size. It acknowledges an in-flight resize, and when the reported size
// disagrees with what we last sent by more than the tolerance, some other
// client of the tmux session won the size race — lastSent is cleared so the
// next local update re-asserts our view (last-write-wins).
func (a *ResizeArbiter) LayoutArrived(cols, rows int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pending = false
	if a.safetyTimer != nil {
		a.safetyTimer.Stop()
		a.safetyTimer = nil
	}
	if a.lastSent != nil && !a.lastSent.within(Size{Cols: cols, Rows: rows}, a.tolerance) {
		slog.Debug("[DEBUG-RESIZE] foreign window size detected, clearing last sent",
			"reportedCols", cols, "reportedRows", rows,
			"sentCols", a.lastSent.Cols, "sentRows", a.lastSent.Rows)
		a.lastSent = nil
	}
	if a.dirty && !a.closed {
		a.scheduleLocked()
	}
}

// Close cancels timers; no send fires afterwards.
func (a *ResizeArbiter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.debounceTimer != nil {
		a.debounceTimer.Stop()
		a.debounceTimer = nil
	}
	if a.safetyTimer != nil {
		a.safetyTimer.Stop()
		a.safetyTimer = nil
	}
}

func (a *ResizeArbiter) scheduleLocked() {
	a.dirty = true
	if a.debounceTimer != nil {
		a.debounceTimer.Stop()
	}
	a.debounceTimer = time.AfterFunc(a.debounce, a.arbitrate)
}

// arbitrate runs one debounced tick.
func (a *ResizeArbiter) arbitrate() {
	a.mu.Lock()
	if a.closed || len(a.clients) == 0 {
		a.dirty = false
		a.mu.Unlock()
		return
	}
	if a.pending {
		// A prior resize is still being applied; LayoutArrived re-schedules
		// while dirty is set.
		a.mu.Unlock()
		return
	}
	a.dirty = false

	proposal := Size{Cols: 1 << 30, Rows: 1 << 30}
	for _, size := range a.clients {
		if size.Cols < proposal.Cols {
			proposal.Cols = size.Cols
		}
		if size.Rows < proposal.Rows {
			proposal.Rows = size.Rows
		}
	}

	if a.lastSent != nil && proposal.within(*a.lastSent, a.tolerance) {
		a.mu.Unlock()
		return
	}

	sent := proposal
	a.lastSent = &sent
	a.pending = true
	if a.safetyTimer != nil {
		a.safetyTimer.Stop()
	}
	a.safetyTimer = time.AfterFunc(a.safety, func() {
		a.mu.Lock()
		a.pending = false
		redo := a.dirty && !a.closed
		if redo {
			a.scheduleLocked()
		}
		a.mu.Unlock()
	})
	send := a.send
	a.mu.Unlock()

	slog.Debug("[DEBUG-RESIZE] sending window size", "cols", sent.Cols, "rows", sent.Rows)
	send(sent.Cols, sent.Rows)
}

// PaneResizer debounces per-pane drag-resize events and replays the accepted
// geometry of every affected pane to tmux in one burst, 200 ms after the last
// drag event.
type PaneResizer struct {
	mu      sync.Mutex
	sizes   map[string]Size
	timer   *time.Timer
	closed  bool
	debounce time.Duration

	send func(paneID string, cols, rows int)
}

// NewPaneResizer creates a resizer that calls send once per pane after the
// debounce window closes.
func NewPaneResizer(send func(paneID string, cols, rows int)) *PaneResizer {
	return &PaneResizer{
		sizes:    make(map[string]Size),
		debounce: paneResizeDebounce,
		send:     send,
	}
}

// SetPaneSize records the dragged size for one pane and re-arms the debounce.
func (p *PaneResizer) SetPaneSize(paneID string, cols, rows int) {
	size := Size{Cols: cols, Rows: rows}
	if paneID == "" || !size.valid() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.sizes[paneID] = size
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.debounce, p.flush)
}

// Close drops any pending flush.
func (p *PaneResizer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *PaneResizer) flush() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	pending := p.sizes
	p.sizes = make(map[string]Size)
	send := p.send
	p.mu.Unlock()

	for paneID, size := range pending {
		send(paneID, size.Cols, size.Rows)
	}
}
