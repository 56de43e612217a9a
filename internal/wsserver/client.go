package wsserver

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/m0a/cc-hub-sub002/internal/hub"
	"github.com/m0a/cc-hub-sub002/internal/tmux"
)

// writeDeadline bounds one WebSocket write. Phones on flaky wifi stall far
// longer than localhost ever would; past 5 s the connection is written off.
const writeDeadline = 5 * time.Second

// readDeadline is the maximum quiet period (including pongs) before the
// connection is considered dead: ~3 missed pings.
const readDeadline = 90 * time.Second

// pingInterval is the protocol-level keepalive period.
const pingInterval = 30 * time.Second

// maxReadMessageSize caps one incoming frame. Input frames are keystrokes and
// paste buffers; 256 KiB covers a large paste without letting a client OOM
// the hub.
const maxReadMessageSize = 256 * 1024

// sendQueueDepth bounds the per-client outbound queue. A client that cannot
// drain this many frames is closed with 4500 rather than allowed to stall
// the broadcast path for everyone else.
const sendQueueDepth = 256

// inputRateLimit throttles input frames per client. 100 events/s with a
// burst of 300 is beyond any human typist; excess frames are dropped.
var inputRateLimit = rate.Limit(100)

const inputRateBurst = 300

// SessionController is the subset of the session controller a link drives.
// *hub.Controller implements it.
type SessionController interface {
	Input(paneID string, data []byte)
	SetClientSize(linkID string, cols, rows int)
	SplitPane(paneID string, vertical bool)
	ClosePane(paneID string)
	SelectPane(paneID string)
	ZoomPane(paneID string)
	AdjustPane(paneID string, direction string, amount int)
	Equalize(horizontal bool)
	Scroll(paneID string, lines int)
	RequestContent(paneID string)
	RespawnPane(paneID string)
	SetPaneDragSize(paneID string, cols, rows int)
	DetachLink(linkID string)
}

// Link is one connected browser: it relays controller events out over the
// socket and client intents back in. It implements hub.ClientLink.
//
// Send methods never block: frames go through a bounded queue drained by a
// single writer goroutine, and overflow closes the link with 4500.
type Link struct {
	id        string
	sessionID string
	conn      *websocket.Conn

	// ctrl is assigned once, between construction and pump start.
	ctrl SessionController

	limiter *rate.Limiter

	sendCh  chan []byte
	closed  chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	deviceType string

	// onClose is called once after the link is fully torn down.
	onClose func(*Link)
}

func newLink(id, sessionID string, conn *websocket.Conn, onClose func(*Link)) *Link {
	return &Link{
		id:        id,
		sessionID: sessionID,
		conn:      conn,
		limiter:   rate.NewLimiter(inputRateLimit, inputRateBurst),
		sendCh:    make(chan []byte, sendQueueDepth),
		closed:    make(chan struct{}),
		onClose:   onClose,
	}
}

// ID returns the link's unique id.
func (l *Link) ID() string { return l.id }

// SessionID returns the session this link is bound to.
func (l *Link) SessionID() string { return l.sessionID }

// DeviceType returns the client-reported device class ("phone", "tablet",
// "desktop"); empty until a client-info frame arrives.
func (l *Link) DeviceType() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deviceType
}

// --- hub.ClientLink --------------------------------------------------------

// SendOutput relays live pane output.
func (l *Link) SendOutput(paneID string, data []byte) {
	l.enqueue(ServerFrame{Type: TypeOutput, PaneID: paneID, Data: encodePayload(data)})
}

// SendInitialContent relays a capture snapshot, prepending the clear
// sequence the trigger calls for: explicit wipes screen and scrollback,
// implicit preserves the client's scrollback.
func (l *Link) SendInitialContent(paneID string, data []byte, explicit bool) {
	prefix := clearImplicit
	if explicit {
		prefix = clearExplicit
	}
	payload := make([]byte, 0, len(prefix)+len(data))
	payload = append(payload, prefix...)
	payload = append(payload, data...)
	l.enqueue(ServerFrame{Type: TypeInitialContent, PaneID: paneID, Data: encodePayload(payload)})
}

// SendLayout relays the visible layout tree.
func (l *Link) SendLayout(windowID string, root *tmux.LayoutNode) {
	l.enqueue(ServerFrame{Type: TypeLayout, WindowID: windowID, Layout: layoutToWire(root)})
}

// SendReady tells the client the controller finished attaching. Sent only
// after the Ready transition — resize intents sent earlier would be dropped.
func (l *Link) SendReady(sessionName string) {
	l.enqueue(ServerFrame{Type: TypeReady, SessionID: l.sessionID, SessionName: sessionName})
}

// SendPaneError reports a per-pane fault (e.g. subscribing a vanished pane).
func (l *Link) SendPaneError(paneID string, message string) {
	l.enqueue(ServerFrame{Type: TypeError, PaneID: paneID, Message: message})
}

// CloseWithCode closes the socket with a distinguishing close code so the
// browser can choose its reconnect policy. Idempotent.
func (l *Link) CloseWithCode(code hub.CloseCode, reason string) {
	l.closeOnce.Do(func() {
		close(l.closed)
		msg := websocket.FormatCloseMessage(int(code), reason)
		if err := l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline)); err != nil {
			slog.Debug("[DEBUG-WS] close frame write failed",
				"clientId", l.id, "code", int(code), "error", err)
		}
		if err := l.conn.Close(); err != nil {
			slog.Debug("[DEBUG-WS] connection close failed", "clientId", l.id, "error", err)
		}
		slog.Info("[DEBUG-WS] link closed",
			"clientId", l.id, "session", l.sessionID, "code", int(code), "reason", reason)
	})
}

// enqueue marshals and queues one frame. Overflow means the browser is not
// draining: the link dies with 4500 so one slow phone cannot block the
// controller's broadcast to everyone else.
func (l *Link) enqueue(frame ServerFrame) {
	select {
	case <-l.closed:
		return
	default:
	}
	raw, err := marshalFrame(frame)
	if err != nil {
		slog.Warn("[WARN-WS] dropping unmarshalable frame",
			"clientId", l.id, "type", frame.Type, "error", err)
		return
	}
	select {
	case l.sendCh <- raw:
	default:
		slog.Warn("[WARN-WS] send queue overflow, closing slow consumer",
			"clientId", l.id, "session", l.sessionID, "queueDepth", sendQueueDepth)
		l.CloseWithCode(hub.CloseInternal, "slow consumer")
	}
}

// writePump is the single writer: gorilla/websocket forbids concurrent
// writes, so every data frame funnels through here.
func (l *Link) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.closed:
			return
		case raw := <-l.sendCh:
			if err := l.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				l.CloseWithCode(hub.CloseInternal, "write deadline")
				return
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				slog.Debug("[DEBUG-WS] write failed", "clientId", l.id, "error", err)
				l.CloseWithCode(hub.CloseInternal, "write error")
				return
			}
		case <-ticker.C:
			if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				slog.Debug("[DEBUG-WS] ping failed", "clientId", l.id, "error", err)
				l.CloseWithCode(hub.CloseInternal, "ping failure")
				return
			}
		}
	}
}

// readPump parses client frames and forwards intents to the controller.
// Returns when the socket dies; tear-down runs exactly once from here.
func (l *Link) readPump() {
	defer func() {
		l.CloseWithCode(hub.CloseNormal, "client disconnected")
		l.ctrl.DetachLink(l.id)
		if l.onClose != nil {
			l.onClose(l)
		}
	}()

	l.conn.SetReadLimit(maxReadMessageSize)
	if err := l.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		return
	}
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		var frame ClientFrame
		if err := l.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("[DEBUG-WS] read error", "clientId", l.id, "error", err)
			}
			return
		}
		if err := l.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return
		}
		l.dispatch(frame)
	}
}

func (l *Link) dispatch(frame ClientFrame) {
	switch frame.Type {
	case TypeInput:
		if !l.limiter.Allow() {
			slog.Debug("[DEBUG-WS] input frame rate limited", "clientId", l.id)
			return
		}
		data, err := decodePayload(frame.Data)
		if err != nil {
			l.SendPaneError(frame.PaneID, "bad input encoding")
			return
		}
		l.ctrl.Input(frame.PaneID, data)
	case TypeResize:
		l.ctrl.SetClientSize(l.id, frame.Cols, frame.Rows)
	case TypeSplit:
		l.ctrl.SplitPane(frame.PaneID, frame.Direction == "vertical")
	case TypeClosePane:
		l.ctrl.ClosePane(frame.PaneID)
	case TypeSelectPane:
		l.ctrl.SelectPane(frame.PaneID)
	case TypeZoomPane:
		l.ctrl.ZoomPane(frame.PaneID)
	case TypeAdjustPane:
		l.ctrl.AdjustPane(frame.PaneID, frame.Direction, frame.Amount)
	case TypeEqualizePanes:
		l.ctrl.Equalize(frame.Direction != "vertical")
	case TypeScroll:
		l.ctrl.Scroll(frame.PaneID, frame.Lines)
	case TypeRequestContent:
		l.ctrl.RequestContent(frame.PaneID)
	case TypeRespawnPane:
		l.ctrl.RespawnPane(frame.PaneID)
	case TypeResizePane:
		l.ctrl.SetPaneDragSize(frame.PaneID, frame.Cols, frame.Rows)
	case TypeClientInfo:
		l.mu.Lock()
		l.deviceType = frame.DeviceType
		l.mu.Unlock()
	case TypePing:
		l.enqueue(ServerFrame{Type: TypePong, Timestamp: frame.Timestamp})
	default:
		slog.Debug("[DEBUG-WS] unknown frame type", "clientId", l.id, "type", frame.Type)
	}
}
