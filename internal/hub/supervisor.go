package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m0a/cc-hub-sub002/internal/tmux"
)

// ErrSessionNotFound is returned when no controller exists for a session and
// one could not be created (tmux missing, socket unreachable). The client
// link closes 4004.
var ErrSessionNotFound = errors.New("hub: session not found")

// ErrSupervisorClosed is returned for attaches during process shutdown.
var ErrSupervisorClosed = errors.New("hub: supervisor closed")

// SupervisorConfig carries the per-process settings shared by all session
// controllers.
type SupervisorConfig struct {
	// TmuxBin is the tmux executable; empty means "tmux" on PATH.
	TmuxBin string
	// SocketName selects a tmux server socket (-L); empty uses the default.
	SocketName string
	// ClientPrefix names control clients created by this hub; defaults to
	// "cchub-".
	ClientPrefix string
	// IdleTimeout and CommandTimeout are forwarded to each controller.
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
}

// Supervisor is the process-wide map from session id to controller. Created
// at boot, torn down on SIGTERM after draining every controller.
type Supervisor struct {
	cfg SupervisorConfig

	mu          sync.Mutex
	controllers map[string]*Controller
	closed      bool

	// startHost is a test seam; production uses tmux.StartPTYHost.
	startHost func(session, identity string) (ControlHost, error)

	// OnNewSession, when set, is invoked (off the supervisor lock) the first
	// time a controller is created for a session id. The wsserver uses it to
	// broadcast new-session frames.
	OnNewSession func(session string)
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.ClientPrefix == "" {
		cfg.ClientPrefix = "cchub-"
	}
	s := &Supervisor{
		cfg:         cfg,
		controllers: make(map[string]*Controller),
	}
	s.startHost = func(session, identity string) (ControlHost, error) {
		return tmux.StartPTYHost(tmux.PTYHostConfig{
			TmuxBin:    cfg.TmuxBin,
			SocketName: cfg.SocketName,
			Session:    session,
			Identity:   identity,
		})
	}
	return s
}

// Attach binds link to the session's controller, creating the controller on
// first use. Thread-safe under concurrent attaches for the same session.
func (s *Supervisor) Attach(session string, link ClientLink) (*Controller, error) {
	if session == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrSessionNotFound)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSupervisorClosed
	}
	ctrl := s.controllers[session]
	if ctrl != nil && ctrl.Dead() {
		// A dead controller lingering in the map (teardown race): replace it.
		delete(s.controllers, session)
		ctrl = nil
	}
	created := false
	if ctrl == nil {
		identity := s.cfg.ClientPrefix + uuid.NewString()[:8]
		host, err := s.startHost(session, identity)
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s: %v", ErrSessionNotFound, session, err)
		}
		ctrl = NewController(ControllerConfig{
			Session:        session,
			ClientPrefix:   s.cfg.ClientPrefix,
			IdleTimeout:    s.cfg.IdleTimeout,
			CommandTimeout: s.cfg.CommandTimeout,
		}, host, s.remove)
		s.controllers[session] = ctrl
		created = true
		slog.Info("[DEBUG-HUB] controller created",
			"session", session, "identity", identity)
	}
	onNew := s.OnNewSession
	s.mu.Unlock()

	ctrl.AttachLink(link)
	if created && onNew != nil {
		onNew(session)
	}
	return ctrl, nil
}

// remove drops a dead controller from the map. Invoked by the controller's
// onDead callback.
func (s *Supervisor) remove(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctrl, ok := s.controllers[session]; ok && ctrl.Dead() {
		delete(s.controllers, session)
		slog.Info("[DEBUG-HUB] controller removed", "session", session)
	}
}

// Sessions lists the ids with live controllers, sorted.
func (s *Supervisor) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.controllers))
	for id := range s.controllers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Shutdown drains every controller and rejects further attaches. Blocks
// until each controller has acknowledged death or the per-controller grace
// period lapses.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.closed = true
	ctrls := make([]*Controller, 0, len(s.controllers))
	for _, ctrl := range s.controllers {
		ctrls = append(ctrls, ctrl)
	}
	s.mu.Unlock()

	for _, ctrl := range ctrls {
		ctrl.Shutdown("supervisor shutdown")
	}
	for _, ctrl := range ctrls {
		select {
		case <-ctrl.stopped:
		case <-time.After(5 * time.Second):
			slog.Warn("[WARN-HUB] controller did not stop in time",
				"session", ctrl.Session())
		}
	}
}
