// Package wsserver exposes session controllers to browsers over WebSocket.
//
// # Frame protocol
//
// All frames are JSON text messages with a "type" discriminator. Binary
// payloads (output, initial-content, input) are base64 inside the JSON so
// framing stays uniform across transports and proxies.
//
// Server→client: output, layout, initial-content, ready, pong, error,
// new-session. Client→server: input, resize, split, close-pane, resize-pane,
// select-pane, scroll, adjust-pane, equalize-panes, request-content,
// zoom-pane, respawn-pane, client-info, ping.
package wsserver

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/m0a/cc-hub-sub002/internal/tmux"
)

// Server→client frame types.
const (
	TypeOutput         = "output"
	TypeLayout         = "layout"
	TypeInitialContent = "initial-content"
	TypeReady          = "ready"
	TypePong           = "pong"
	TypeError          = "error"
	TypeNewSession     = "new-session"
)

// Client→server frame types.
const (
	TypeInput          = "input"
	TypeResize         = "resize"
	TypeSplit          = "split"
	TypeClosePane      = "close-pane"
	TypeResizePane     = "resize-pane"
	TypeSelectPane     = "select-pane"
	TypeScroll         = "scroll"
	TypeAdjustPane     = "adjust-pane"
	TypeEqualizePanes  = "equalize-panes"
	TypeRequestContent = "request-content"
	TypeZoomPane       = "zoom-pane"
	TypeClientInfo     = "client-info"
	TypePing           = "ping"
	TypeRespawnPane    = "respawn-pane"
)

// ServerFrame is any server→client message. Unused fields are omitted.
type ServerFrame struct {
	Type        string      `json:"type"`
	PaneID      string      `json:"paneId,omitempty"`
	Data        string      `json:"data,omitempty"` // base64
	SessionID   string      `json:"sessionId,omitempty"`
	SessionName string      `json:"sessionName,omitempty"`
	WindowID    string      `json:"windowId,omitempty"`
	Layout      *LayoutNode `json:"layout,omitempty"`
	Message     string      `json:"message,omitempty"`
	Timestamp   int64       `json:"timestamp,omitempty"`
}

// ClientFrame is any client→server message.
type ClientFrame struct {
	Type       string `json:"type"`
	PaneID     string `json:"paneId,omitempty"`
	Data       string `json:"data,omitempty"` // base64
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
	Direction  string `json:"direction,omitempty"`
	Amount     int    `json:"amount,omitempty"`
	Lines      int    `json:"lines,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

// LayoutNode is the JSON rendering of one layout tree node.
type LayoutNode struct {
	Type     string        `json:"type"` // "leaf", "hsplit" or "vsplit"
	PaneID   string        `json:"paneId,omitempty"`
	Cols     int           `json:"cols"`
	Rows     int           `json:"rows"`
	X        int           `json:"x"`
	Y        int           `json:"y"`
	Children []*LayoutNode `json:"children,omitempty"`
}

// layoutToWire converts the parsed tmux layout tree into its wire form.
func layoutToWire(n *tmux.LayoutNode) *LayoutNode {
	if n == nil {
		return nil
	}
	out := &LayoutNode{
		Cols: n.Width,
		Rows: n.Height,
		X:    n.X,
		Y:    n.Y,
	}
	switch n.Kind {
	case tmux.LayoutLeaf:
		out.Type = "leaf"
		out.PaneID = n.PaneID
	case tmux.LayoutHSplit:
		out.Type = "hsplit"
	case tmux.LayoutVSplit:
		out.Type = "vsplit"
	}
	for _, c := range n.Children {
		out.Children = append(out.Children, layoutToWire(c))
	}
	return out
}

// Clear sequences prepended to initial-content payloads. The explicit form
// (request-content, zoom) also wipes the browser terminal's scrollback (3J);
// the implicit form (reconnect) clears only the screen so the client keeps
// its own history.
var (
	clearExplicit = []byte("\x1b[2J\x1b[3J\x1b[H")
	clearImplicit = []byte("\x1b[2J\x1b[H")
)

func marshalFrame(frame ServerFrame) ([]byte, error) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("wsserver: marshal %s frame: %w", frame.Type, err)
	}
	return raw, nil
}

func encodePayload(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func decodePayload(data string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("wsserver: decode payload: %w", err)
	}
	return raw, nil
}
