package wsserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/m0a/cc-hub-sub002/internal/hub"
	"github.com/m0a/cc-hub-sub002/internal/workerutil"
)

// controlPathPrefix is the WebSocket endpoint; the session id is the path
// remainder: /ws/control/{sessionId}?token=…
const controlPathPrefix = "/ws/control/"

// wsUpgrader is shared across connections; the Upgrader is stateless.
var wsUpgrader = websocket.Upgrader{
	// The hub fronts a private network and authenticates via token, so the
	// origin check stays permissive — phones open the page from whatever
	// host name the LAN resolves.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 32 * 1024,
}

// TokenValidator authenticates an upgrade token. Implemented by internal/auth.
type TokenValidator interface {
	Validate(token string) error
}

// Attacher binds an authenticated link to its session controller. The hub
// supervisor is the production implementation (via SupervisorAttacher);
// tests substitute fakes.
type Attacher interface {
	Attach(session string, link hub.ClientLink) (SessionController, error)
}

// SupervisorAttacher adapts *hub.Supervisor to the Attacher interface.
type SupervisorAttacher struct {
	Supervisor *hub.Supervisor
}

func (a SupervisorAttacher) Attach(session string, link hub.ClientLink) (SessionController, error) {
	ctrl, err := a.Supervisor.Attach(session, link)
	if err != nil {
		return nil, err
	}
	return ctrl, nil
}

// ServerConfig configures the WebSocket server.
type ServerConfig struct {
	// Addr is the listen address, e.g. "0.0.0.0:7653". Empty picks
	// "127.0.0.1:0" (OS-assigned port, loopback only).
	Addr string
}

// Server accepts WebSocket upgrades, authenticates them, and hands each
// connection to the session supervisor as a Link.
type Server struct {
	cfg    ServerConfig
	auth   TokenValidator
	attach Attacher

	listener net.Listener
	server   *http.Server
	url      string

	mu    sync.Mutex
	links map[string]*Link

	closeOnce sync.Once
}

// NewServer creates a stopped server.
func NewServer(cfg ServerConfig, auth TokenValidator, attach Attacher) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	return &Server{
		cfg:    cfg,
		auth:   auth,
		attach: attach,
		links:  make(map[string]*Link),
	}
}

// Start listens and serves until Stop. ctx becomes the base context of
// request handlers.
func (s *Server) Start(ctx context.Context) error {
	if s.server != nil {
		return errors.New("wsserver: already started")
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("wsserver: listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.url = fmt.Sprintf("ws://%s%s", ln.Addr().String(), controlPathPrefix)

	mux := http.NewServeMux()
	mux.HandleFunc(controlPathPrefix, s.handleControl)

	s.server = &http.Server{
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		if serveErr := s.server.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			slog.Error("[ERROR-WS] server failed", "error", serveErr)
		}
	}()
	slog.Info("[DEBUG-WS] server started", "addr", ln.Addr().String())
	return nil
}

// Stop closes every link and shuts the HTTP server down. Idempotent.
func (s *Server) Stop() error {
	var stopErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		links := make([]*Link, 0, len(s.links))
		for _, l := range s.links {
			links = append(links, l)
		}
		s.mu.Unlock()
		for _, l := range links {
			l.CloseWithCode(hub.CloseNormal, "server shutdown")
		}

		if s.server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.server.Shutdown(shutdownCtx); err != nil {
				stopErr = fmt.Errorf("wsserver: shutdown: %w", err)
			}
		}
		slog.Info("[DEBUG-WS] server stopped")
	})
	return stopErr
}

// URL returns the control endpoint prefix after Start, e.g.
// "ws://127.0.0.1:7653/ws/control/".
func (s *Server) URL() string {
	return s.url
}

// BroadcastNewSession tells every connected client a session id gained its
// first controller. Wired to hub.Supervisor.OnNewSession.
func (s *Server) BroadcastNewSession(session string) {
	s.mu.Lock()
	links := make([]*Link, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	s.mu.Unlock()
	for _, l := range links {
		l.enqueue(ServerFrame{Type: TypeNewSession, SessionID: session})
	}
}

// handleControl upgrades one browser connection. Authentication failures are
// reported through close code 4004 after the upgrade, because a pre-upgrade
// HTTP error reaches browser JavaScript only as an opaque 1006.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	session := strings.TrimPrefix(r.URL.Path, controlPathPrefix)
	token := r.URL.Query().Get("token")
	if token == "" {
		if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
			token = strings.TrimPrefix(bearer, "Bearer ")
		}
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[WARN-WS] upgrade failed", "remoteAddr", r.RemoteAddr, "error", err)
		return
	}

	link := newLink(uuid.NewString(), session, conn, s.untrack)

	if session == "" || strings.Contains(session, "/") {
		link.CloseWithCode(hub.CloseAuthRejected, "bad session id")
		return
	}
	if err := s.auth.Validate(token); err != nil {
		slog.Warn("[WARN-WS] authentication rejected",
			"session", session, "remoteAddr", r.RemoteAddr, "error", err)
		link.CloseWithCode(hub.CloseAuthRejected, "authentication rejected")
		return
	}

	ctrl, err := s.attach.Attach(session, link)
	if err != nil {
		slog.Warn("[WARN-WS] attach failed", "session", session, "error", err)
		if errors.Is(err, hub.ErrSessionNotFound) {
			link.CloseWithCode(hub.CloseAuthRejected, "session not found")
		} else {
			link.CloseWithCode(hub.CloseInternal, "attach failed")
		}
		return
	}
	link.ctrl = ctrl

	s.mu.Lock()
	s.links[link.id] = link
	s.mu.Unlock()

	slog.Info("[DEBUG-WS] client connected",
		"clientId", link.id, "session", session, "remoteAddr", conn.RemoteAddr())

	workerutil.Go("ws-write:"+link.id, link.writePump, func(any) {
		link.CloseWithCode(hub.CloseInternal, "write pump panic")
	})
	workerutil.Protect("ws-read:"+link.id, link.readPump, nil)
}

func (s *Server) untrack(l *Link) {
	s.mu.Lock()
	delete(s.links, l.id)
	s.mu.Unlock()
	slog.Info("[DEBUG-WS] client disconnected", "clientId", l.id, "session", l.sessionID)
}
