package hub

import (
	"log/slog"
	"strings"

	"github.com/m0a/cc-hub-sub002/internal/tmux"
)

// Initial-content capture: on pane discovery, reconnect or an explicit
// request, the controller snapshots the pane's screen and scrollback via
// capture-pane and replays it to clients as a one-shot event distinct from
// live output. The client link prepends a clear sequence chosen by the
// trigger kind (see ClientLink.SendInitialContent).

// captureInitialContent issues the capture command and wires its reply to an
// InitialContent fan-out. Runs on the controller actor.
//
// explicit marks the consumed-once per-session flag: request-content and zoom
// transitions set it, reconnect-driven captures do not. Explicit captures
// clear the browser's scrollback too; implicit ones preserve it.
func (c *Controller) captureInitialContent(paneID string, explicit bool) {
	if !c.registry.Live(paneID) {
		slog.Debug("[DEBUG-HUB] capture skipped for unknown pane",
			"session", c.session, "paneId", paneID)
		return
	}
	c.issueCommand(tmux.CapturePaneCommand(paneID), func(reply tmux.CommandReplyEvent) {
		if reply.IsError {
			slog.Warn("[WARN-HUB] capture-pane failed",
				"session", c.session, "paneId", paneID, "reply", strings.Join(reply.Lines, " "))
			return
		}
		data := joinCaptureLines(reply.Lines)
		for _, link := range c.links {
			link.SendInitialContent(paneID, data, explicit)
		}
	})
}

// joinCaptureLines rebuilds terminal bytes from capture-pane reply lines.
// tmux prints one screen row per line; CRLF separators restore the cursor
// motion an xterm-compatible renderer expects.
func joinCaptureLines(lines []string) []byte {
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteString("\r\n")
		}
		b.WriteString(line)
	}
	return []byte(b.String())
}
