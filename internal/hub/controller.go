package hub

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/m0a/cc-hub-sub002/internal/tmux"
	"github.com/m0a/cc-hub-sub002/internal/workerutil"
)

// State is the session controller lifecycle phase.
type State int

const (
	// StateBooting: the PTY host is being launched.
	StateBooting State = iota
	// StateAttaching: attached in control mode, waiting for the first layout.
	StateAttaching
	// StateReady: serving clients.
	StateReady
	// StateDraining: no clients; the idle timer is running.
	StateDraining
	// StateDead: terminal.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateBooting:
		return "booting"
	case StateAttaching:
		return "attaching"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// CloseCode mirrors the WebSocket close codes the hub assigns, so the client
// can decide whether to reconnect.
type CloseCode int

const (
	// CloseNormal: deliberate close, the client should not reconnect.
	CloseNormal CloseCode = 1000
	// CloseAuthRejected: authentication failed, the client must not reconnect.
	CloseAuthRejected CloseCode = 4004
	// CloseInternal: hub-side failure, the client should reconnect after a
	// short delay.
	CloseInternal CloseCode = 4500
)

// ClientLink is the controller's view of one connected browser. Implemented
// by wsserver; methods must be non-blocking (the wsserver link enqueues onto
// a bounded send queue and closes itself when the browser cannot keep up).
type ClientLink interface {
	ID() string
	SendOutput(paneID string, data []byte)
	SendInitialContent(paneID string, data []byte, explicit bool)
	SendLayout(windowID string, root *tmux.LayoutNode)
	SendReady(sessionName string)
	SendPaneError(paneID string, message string)
	CloseWithCode(code CloseCode, reason string)
}

// ControlHost is the controller's handle on the control-mode tmux process.
// *tmux.PTYHost implements it; tests substitute a scripted fake.
type ControlHost interface {
	Lines() <-chan string
	Done() <-chan struct{}
	Err() error
	Identity() string
	WriteCommand(command string) error
	Resize(cols, rows int) error
	Stop()
}

// ControllerConfig tunes one session controller.
type ControllerConfig struct {
	// Session is the tmux session name this controller owns.
	Session string
	// ClientPrefix marks control-client identities created by this hub; the
	// orphan sweep detaches stale clients carrying it.
	ClientPrefix string
	// IdleTimeout is how long a controller survives with no clients before
	// detaching. Zero means 60 s.
	IdleTimeout time.Duration
	// CommandTimeout bounds the wait for a %end/%error reply. Zero means 5 s.
	CommandTimeout time.Duration
}

const (
	defaultIdleTimeout    = 60 * time.Second
	defaultCommandTimeout = 5 * time.Second

	// mailboxDepth bounds the actor inbox. Posts beyond it fall back to a
	// goroutine so callers (client read pumps, timers) never deadlock against
	// a busy actor.
	mailboxDepth = 256

	// tickInterval drives command-timeout expiry and the idle-drain check.
	tickInterval = 250 * time.Millisecond
)

type pendingReply struct {
	command  string
	deadline time.Time
	handler  func(tmux.CommandReplyEvent)
}

// Controller owns one session: the PTY host, the control parser, the layout,
// the pane registry and the resize arbiter. All state mutation happens on the
// actor goroutine; public methods post closures into the mailbox.
type Controller struct {
	cfg      ControllerConfig
	session  string
	host     ControlHost
	parser   *tmux.ControlParser
	registry *PaneRegistry
	arbiter  *ResizeArbiter
	resizer  *PaneResizer

	mailbox chan func()
	stopped chan struct{}

	// Actor-owned state below; never touched off the actor goroutine.
	state       State
	links       map[string]ClientLink
	linkSubs    map[string]map[string]func() // linkID -> paneID -> unsubscribe
	pending     []pendingReply
	layout      *tmux.LayoutNode
	windowID    string
	sessionName string
	drainAt     time.Time
	onDead      func(session string)
}

// NewController wraps an already-started control host and runs the actor.
// onDead fires exactly once, off the actor goroutine, after the controller
// reaches StateDead.
func NewController(cfg ControllerConfig, host ControlHost, onDead func(session string)) *Controller {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	c := &Controller{
		cfg:      cfg,
		session:  cfg.Session,
		host:     host,
		parser:   tmux.NewControlParser(),
		registry: NewPaneRegistry(),
		mailbox:  make(chan func(), mailboxDepth),
		stopped:  make(chan struct{}),
		state:    StateAttaching,
		links:    make(map[string]ClientLink),
		linkSubs: make(map[string]map[string]func()),
		onDead:   onDead,
	}
	// The attach command itself (new-session -A on the control client's
	// command line) is answered with the first %begin/%end block. Reserve its
	// reply slot so later replies stay aligned with the commands we write.
	c.pending = append(c.pending, pendingReply{
		command:  "attach",
		deadline: time.Now().Add(cfg.CommandTimeout),
	})
	c.arbiter = NewResizeArbiter(func(cols, rows int) {
		c.post(func() { c.applyWindowSize(cols, rows) })
	})
	c.resizer = NewPaneResizer(func(paneID string, cols, rows int) {
		c.post(func() { c.issueCommand(tmux.ResizePaneCommand(paneID, cols, rows), nil) })
	})
	workerutil.Go("hub-controller:"+cfg.Session, c.run, func(any) {
		// The recovery handler still runs on the actor goroutine, so the
		// dead-state transition is safe to take directly.
		c.die("actor panic")
	})
	return c
}

// Session returns the tmux session name.
func (c *Controller) Session() string {
	return c.session
}

// post delivers fn to the actor. A full mailbox falls back to an async send
// so no caller can deadlock against the actor; after death posts are dropped.
func (c *Controller) post(fn func()) {
	select {
	case <-c.stopped:
		return
	default:
	}
	select {
	case c.mailbox <- fn:
	case <-c.stopped:
	default:
		go func() {
			select {
			case c.mailbox <- fn:
			case <-c.stopped:
			}
		}()
	}
}

func (c *Controller) run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	c.sweepOrphans()

	for {
		select {
		case line, ok := <-c.host.Lines():
			if !ok {
				if err := c.parser.Close(); err != nil {
					slog.Warn("[WARN-HUB] control stream ended mid-reply",
						"session", c.session, "error", err)
				}
				c.die("pty stream closed")
				return
			}
			if !c.handleLine(line) {
				return
			}
		case fn := <-c.mailbox:
			fn()
			if c.state == StateDead {
				return
			}
		case <-ticker.C:
			c.expirePending()
			if c.checkDrainExpiry() {
				return
			}
		}
	}
}

// handleLine feeds one control line through the parser and dispatches the
// resulting event. Returns false when the controller died.
func (c *Controller) handleLine(line string) bool {
	ev, err := c.parser.FeedLine(line)
	if err != nil {
		if errors.Is(err, tmux.ErrMalformedEscape) {
			// One corrupted payload is not worth the session.
			slog.Warn("[WARN-HUB] skipping malformed output payload",
				"session", c.session, "error", err)
			return true
		}
		slog.Error("[ERROR-HUB] control protocol fault",
			"session", c.session, "error", err)
		c.die("protocol error")
		return false
	}

	switch ev := ev.(type) {
	case nil:
	case tmux.OutputEvent:
		c.registry.Broadcast(ev.PaneID, ev.Data)
	case tmux.LayoutEvent:
		c.handleLayout(ev)
	case tmux.CommandReplyEvent:
		c.handleReply(ev)
	case tmux.SessionChangedEvent:
		// Accept whichever session the attach landed on; later changes only
		// update the advertised name.
		c.sessionName = ev.SessionName
	case tmux.PaneChangedEvent:
		slog.Debug("[DEBUG-HUB] pane changed", "session", c.session, "raw", ev.Raw)
	case tmux.TopologyEvent:
		slog.Debug("[DEBUG-HUB] topology changed", "session", c.session, "kind", ev.Kind)
	case tmux.ExitEvent:
		slog.Info("[DEBUG-HUB] control client told to exit",
			"session", c.session, "reason", ev.Reason)
		c.die("tmux exit")
		return false
	}
	return c.state != StateDead
}

func (c *Controller) handleLayout(ev tmux.LayoutEvent) {
	full, err := tmux.ParseLayout(ev.Layout)
	if err != nil {
		slog.Warn("[WARN-HUB] unparseable layout, keeping previous",
			"session", c.session, "layout", ev.Layout, "error", err)
		return
	}
	// The full layout keeps hidden panes of a zoomed window alive in the
	// registry; clients render the visible layout.
	visible := full
	if ev.VisibleLayout != "" && ev.VisibleLayout != ev.Layout {
		if v, err := tmux.ParseLayout(ev.VisibleLayout); err == nil {
			visible = v
		}
	}
	c.layout = full
	c.windowID = ev.WindowID
	c.arbiter.LayoutArrived(full.Width, full.Height)

	delta := c.registry.Observe(full)
	for _, added := range delta.Added {
		for linkID := range c.links {
			c.subscribeLink(linkID, added.PaneID)
		}
	}
	for _, removed := range delta.Removed {
		for _, subs := range c.linkSubs {
			if unsub, ok := subs[removed]; ok {
				unsub()
				delete(subs, removed)
			}
		}
	}

	if c.state == StateAttaching {
		c.state = StateReady
		slog.Info("[DEBUG-HUB] session ready",
			"session", c.session, "panes", len(full.Leaves()))
		for _, link := range c.links {
			link.SendReady(c.sessionName)
		}
		if len(c.links) == 0 {
			c.startDrain()
		}
		for _, leaf := range full.Leaves() {
			c.captureInitialContent(leaf.PaneID, false)
		}
	} else {
		// Fresh panes repaint via capture; a layout-only change needs none.
		for _, added := range delta.Added {
			c.captureInitialContent(added.PaneID, false)
		}
	}

	for _, link := range c.links {
		link.SendLayout(c.windowID, visible)
	}
}

func (c *Controller) handleReply(ev tmux.CommandReplyEvent) {
	if len(c.pending) == 0 {
		slog.Debug("[DEBUG-HUB] unsolicited command reply dropped",
			"session", c.session, "lines", len(ev.Lines))
		return
	}
	head := c.pending[0]
	c.pending = c.pending[1:]
	if head.handler != nil {
		head.handler(ev)
	}
}

// expirePending drops replies that never arrived within the command timeout.
// The controller stays Ready; only the reply is discarded.
func (c *Controller) expirePending() {
	now := time.Now()
	for len(c.pending) > 0 && now.After(c.pending[0].deadline) {
		head := c.pending[0]
		c.pending = c.pending[1:]
		slog.Warn("[WARN-HUB] command reply timed out, dropping",
			"session", c.session, "command", head.command)
	}
}

// issueCommand writes one command line and queues its reply slot. Every write
// goes through here: control mode answers every command in order, so the
// reply queue must stay aligned with the write stream.
func (c *Controller) issueCommand(command string, handler func(tmux.CommandReplyEvent)) {
	if command == "" || c.state == StateDead {
		return
	}
	if err := c.host.WriteCommand(command); err != nil {
		slog.Warn("[WARN-HUB] command write failed",
			"session", c.session, "command", command, "error", err)
		return
	}
	c.pending = append(c.pending, pendingReply{
		command:  command,
		deadline: time.Now().Add(c.cfg.CommandTimeout),
		handler:  handler,
	})
}

// sweepOrphans detaches stale control clients left behind by a crashed hub,
// so their pinned geometry cannot fight the arbiter.
func (c *Controller) sweepOrphans() {
	prefix := c.cfg.ClientPrefix
	if prefix == "" {
		return
	}
	own := c.host.Identity()
	c.issueCommand(tmux.ListClientsCommand(c.session), func(reply tmux.CommandReplyEvent) {
		if reply.IsError {
			slog.Debug("[DEBUG-HUB] list-clients failed during orphan sweep",
				"session", c.session)
			return
		}
		for _, line := range reply.Lines {
			name := strings.TrimSpace(line)
			if name == "" || name == own || !strings.HasPrefix(name, prefix) {
				continue
			}
			slog.Info("[DEBUG-HUB] detaching orphan control client",
				"session", c.session, "client", name)
			c.issueCommand(tmux.DetachClientCommand(name), nil)
		}
	})
}

func (c *Controller) applyWindowSize(cols, rows int) {
	if c.state != StateReady && c.state != StateDraining {
		return
	}
	c.issueCommand(tmux.RefreshClientSizeCommand(cols, rows), nil)
	if err := c.host.Resize(cols, rows); err != nil {
		slog.Debug("[DEBUG-HUB] pty resize failed",
			"session", c.session, "cols", cols, "rows", rows, "error", err)
	}
}

func (c *Controller) startDrain() {
	c.state = StateDraining
	c.drainAt = time.Now().Add(c.cfg.IdleTimeout)
	slog.Info("[DEBUG-HUB] last client left, draining",
		"session", c.session, "idleTimeout", c.cfg.IdleTimeout)
}

// checkDrainExpiry returns true when the controller died of idleness.
func (c *Controller) checkDrainExpiry() bool {
	if c.state != StateDraining || time.Now().Before(c.drainAt) {
		return false
	}
	slog.Info("[DEBUG-HUB] idle timeout, detaching", "session", c.session)
	c.issueCommand("detach-client", nil)
	c.die("idle")
	return true
}

// die is the single transition into StateDead. Safe to call only on the
// actor goroutine.
func (c *Controller) die(reason string) {
	if c.state == StateDead {
		return
	}
	c.state = StateDead
	close(c.stopped)
	c.arbiter.Close()
	c.resizer.Close()
	c.pending = nil

	for linkID, subs := range c.linkSubs {
		for _, unsub := range subs {
			unsub()
		}
		delete(c.linkSubs, linkID)
	}
	code := CloseInternal
	if reason == "idle" {
		code = CloseNormal
	}
	for _, link := range c.links {
		link.CloseWithCode(code, reason)
	}
	c.links = make(map[string]ClientLink)

	c.host.Stop()
	slog.Info("[DEBUG-HUB] controller dead", "session", c.session, "reason", reason)
	if c.onDead != nil {
		go c.onDead(c.session)
	}
}

// Dead reports whether the controller has terminated.
func (c *Controller) Dead() bool {
	select {
	case <-c.stopped:
		return true
	default:
		return false
	}
}

// --- Client link lifecycle -------------------------------------------------

// AttachLink binds a client to this controller. When the controller is
// already Ready the link receives ready, the current layout and an implicit
// initial capture of every live pane (the reconnect path).
func (c *Controller) AttachLink(link ClientLink) {
	c.post(func() {
		if c.state == StateDead {
			link.CloseWithCode(CloseInternal, "session dead")
			return
		}
		c.links[link.ID()] = link
		c.linkSubs[link.ID()] = make(map[string]func())
		for _, pane := range c.registry.Panes() {
			c.subscribeLink(link.ID(), pane.PaneID)
		}
		if c.state == StateDraining {
			c.state = StateReady
			slog.Info("[DEBUG-HUB] drain cancelled by new client",
				"session", c.session, "clientId", link.ID())
		}
		if c.state == StateReady {
			link.SendReady(c.sessionName)
			if c.layout != nil {
				link.SendLayout(c.windowID, c.layout)
			}
			for _, pane := range c.registry.Panes() {
				c.captureInitialContent(pane.PaneID, false)
			}
		}
	})
}

// DetachLink unbinds a departed client.
func (c *Controller) DetachLink(linkID string) {
	c.post(func() {
		if subs, ok := c.linkSubs[linkID]; ok {
			for _, unsub := range subs {
				unsub()
			}
			delete(c.linkSubs, linkID)
		}
		if _, ok := c.links[linkID]; !ok {
			return
		}
		delete(c.links, linkID)
		c.arbiter.RemoveClient(linkID)
		if len(c.links) == 0 && c.state == StateReady {
			c.startDrain()
		}
	})
}

func (c *Controller) subscribeLink(linkID, paneID string) {
	link, ok := c.links[linkID]
	if !ok {
		return
	}
	subs := c.linkSubs[linkID]
	if subs == nil {
		subs = make(map[string]func())
		c.linkSubs[linkID] = subs
	}
	if _, already := subs[paneID]; already {
		return
	}
	unsub, err := c.registry.Subscribe(paneID, func(data []byte) {
		link.SendOutput(paneID, data)
	})
	if err != nil {
		link.SendPaneError(paneID, "pane gone")
		return
	}
	subs[paneID] = unsub
}

// --- Client intents --------------------------------------------------------

// Input forwards typed bytes to a pane, stripping leaked mouse-tracking
// reports first.
func (c *Controller) Input(paneID string, data []byte) {
	c.post(func() {
		if c.state != StateReady {
			return
		}
		filtered := tmux.FilterInput(data)
		if len(filtered) == 0 {
			return
		}
		for _, cmd := range tmux.SendKeysCommand(paneID, filtered) {
			c.issueCommand(cmd, nil)
		}
	})
}

// SetClientSize records one client's desired window geometry.
func (c *Controller) SetClientSize(linkID string, cols, rows int) {
	c.arbiter.SetClientSize(linkID, cols, rows)
}

// SplitPane splits the target pane.
func (c *Controller) SplitPane(paneID string, vertical bool) {
	c.simpleCommand(tmux.SplitWindowCommand(paneID, vertical))
}

// ClosePane kills the target pane.
func (c *Controller) ClosePane(paneID string) {
	c.simpleCommand(tmux.KillPaneCommand(paneID))
}

// SelectPane focuses the target pane.
func (c *Controller) SelectPane(paneID string) {
	c.simpleCommand(tmux.SelectPaneCommand(paneID))
}

// ZoomPane toggles zoom and recaptures the pane with the explicit clear.
func (c *Controller) ZoomPane(paneID string) {
	c.post(func() {
		if c.state != StateReady {
			return
		}
		c.issueCommand(tmux.ZoomPaneCommand(paneID), nil)
		c.captureInitialContent(paneID, true)
	})
}

// AdjustPane grows or shrinks a pane edge.
func (c *Controller) AdjustPane(paneID string, direction string, amount int) {
	c.simpleCommand(tmux.AdjustPaneCommand(paneID, direction, amount))
}

// Equalize applies the even-horizontal or even-vertical layout preset.
func (c *Controller) Equalize(horizontal bool) {
	c.simpleCommand(tmux.EqualizeCommand(horizontal))
}

// Scroll moves a pane through its scrollback by whole lines.
func (c *Controller) Scroll(paneID string, lines int) {
	c.post(func() {
		if c.state != StateReady {
			return
		}
		for _, cmd := range tmux.ScrollCommands(paneID, lines) {
			c.issueCommand(cmd, nil)
		}
	})
}

// RequestContent recaptures a pane on explicit client demand.
func (c *Controller) RequestContent(paneID string) {
	c.post(func() {
		if c.state != StateReady {
			return
		}
		c.captureInitialContent(paneID, true)
	})
}

// RespawnPane restarts the process of a dead pane.
func (c *Controller) RespawnPane(paneID string) {
	c.simpleCommand(tmux.RespawnPaneCommand(paneID))
}

// SetPaneDragSize records an in-progress pane drag; the debounced resizer
// replays the final geometry.
func (c *Controller) SetPaneDragSize(paneID string, cols, rows int) {
	c.resizer.SetPaneSize(paneID, cols, rows)
}

// Shutdown terminates the controller (process teardown path).
func (c *Controller) Shutdown(reason string) {
	c.post(func() { c.die(reason) })
}

func (c *Controller) simpleCommand(command string) {
	c.post(func() {
		if c.state != StateReady {
			return
		}
		c.issueCommand(command, nil)
	})
}
