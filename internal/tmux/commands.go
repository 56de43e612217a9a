package tmux

import (
	"fmt"
	"strings"
)

// Command builders translate hub intents into the command lines written to
// the control client's stdin. Pane targets are always the literal %N id, so
// no name resolution happens on the tmux side.

// SplitWindowCommand splits target. vertical=true stacks the new pane below
// (tmux -v); false places it to the right (tmux -h).
func SplitWindowCommand(paneID string, vertical bool) string {
	flag := "-h"
	if vertical {
		flag = "-v"
	}
	return fmt.Sprintf("split-window %s -t %s", flag, paneID)
}

// KillPaneCommand closes target.
func KillPaneCommand(paneID string) string {
	return "kill-pane -t " + paneID
}

// SelectPaneCommand focuses target.
func SelectPaneCommand(paneID string) string {
	return "select-pane -t " + paneID
}

// ZoomPaneCommand toggles zoom on target.
func ZoomPaneCommand(paneID string) string {
	return "resize-pane -Z -t " + paneID
}

// AdjustPaneCommand grows or shrinks target by amount cells in direction
// "left", "right", "up" or "down". Unknown directions return "".
func AdjustPaneCommand(paneID string, direction string, amount int) string {
	if amount <= 0 {
		amount = 1
	}
	var flag string
	switch direction {
	case "left":
		flag = "-L"
	case "right":
		flag = "-R"
	case "up":
		flag = "-U"
	case "down":
		flag = "-D"
	default:
		return ""
	}
	return fmt.Sprintf("resize-pane -t %s %s %d", paneID, flag, amount)
}

// ResizePaneCommand sets target to an absolute cols×rows.
func ResizePaneCommand(paneID string, cols, rows int) string {
	return fmt.Sprintf("resize-pane -t %s -x %d -y %d", paneID, cols, rows)
}

// EqualizeCommand applies the even-horizontal or even-vertical preset layout.
func EqualizeCommand(horizontal bool) string {
	if horizontal {
		return "select-layout even-horizontal"
	}
	return "select-layout even-vertical"
}

// RespawnPaneCommand restarts the process in a dead pane.
func RespawnPaneCommand(paneID string) string {
	return "respawn-pane -k -t " + paneID
}

// RefreshClientSizeCommand tells tmux the control client's window size.
func RefreshClientSizeCommand(cols, rows int) string {
	return fmt.Sprintf("refresh-client -C %dx%d", cols, rows)
}

// CapturePaneCommand snapshots target's screen with ANSI attributes and the
// whole scrollback (-S -), printed on stdout as the command reply.
func CapturePaneCommand(paneID string) string {
	return fmt.Sprintf("capture-pane -e -p -t %s -S -", paneID)
}

// ListClientsCommand enumerates clients attached to session, one name per
// reply line. Used by the orphan sweep.
func ListClientsCommand(session string) string {
	return fmt.Sprintf("list-clients -t %s -F \"#{client_name}\"", quoteArg(session))
}

// DetachClientCommand detaches the named client.
func DetachClientCommand(clientName string) string {
	return "detach-client -t " + quoteArg(clientName)
}

// ScrollCommands scrolls target by lines (positive = up into scrollback,
// negative = down). tmux has no direct scroll command; the pane is put into
// copy mode and stepped one line at a time, which keeps the position marker
// consistent for the user's next keystroke.
func ScrollCommands(paneID string, lines int) []string {
	if lines == 0 {
		return nil
	}
	step := "scroll-up"
	if lines < 0 {
		step = "scroll-down"
		lines = -lines
	}
	cmds := make([]string, 0, lines+1)
	cmds = append(cmds, "copy-mode -t "+paneID)
	for range lines {
		cmds = append(cmds, fmt.Sprintf("send-keys -X -t %s %s", paneID, step))
	}
	return cmds
}

// SendKeysCommand forwards raw input bytes to target. The -l flag keeps tmux
// from expanding key names, so the bytes arrive verbatim. Bytes that cannot
// survive tmux's command-line quoting (control characters, newlines) are sent
// as a separate hex chunk via -H; typical typed input stays on the -l path.
func SendKeysCommand(paneID string, data []byte) []string {
	var cmds []string
	flushLiteral := func(lit []byte) {
		if len(lit) == 0 {
			return
		}
		cmds = append(cmds, fmt.Sprintf("send-keys -t %s -l -- %s", paneID, quoteArg(string(lit))))
	}
	flushHex := func(raw []byte) {
		if len(raw) == 0 {
			return
		}
		parts := make([]string, len(raw))
		for i, b := range raw {
			parts[i] = fmt.Sprintf("0x%02x", b)
		}
		cmds = append(cmds, fmt.Sprintf("send-keys -t %s -H %s", paneID, strings.Join(parts, " ")))
	}

	var lit, raw []byte
	for _, b := range data {
		if b >= 0x20 && b != 0x7f {
			flushHex(raw)
			raw = raw[:0]
			lit = append(lit, b)
			continue
		}
		flushLiteral(lit)
		lit = lit[:0]
		raw = append(raw, b)
	}
	flushHex(raw)
	flushLiteral(lit)
	return cmds
}

// quoteArg single-quotes s for tmux's command parser, escaping embedded
// single quotes with the usual '\'' dance.
func quoteArg(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// FilterInput strips xterm mouse-tracking reports from browser input before
// it reaches send-keys. Client terminal emulators leak these as a side effect
// of their own mouse handling; forwarded verbatim, tmux would treat them as
// user input. Two forms are removed: legacy ESC [ M b x y (three payload
// bytes) and SGR ESC [ < p ; x ; y M/m. Everything else passes through
// unchanged, including incomplete trailing sequences (kept, since the
// remainder may arrive in the next frame — the caller slices on frame
// boundaries the browser produces, so in practice sequences arrive whole).
func FilterInput(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); {
		if data[i] != 0x1b || i+2 >= len(data) || data[i+1] != '[' {
			out = append(out, data[i])
			i++
			continue
		}
		switch {
		case data[i+2] == 'M':
			// ESC [ M + 3 payload bytes.
			if i+6 <= len(data) {
				i += 6
				continue
			}
			i = appendRest(&out, data, i)
		case data[i+2] == '<':
			if end, ok := sgrMouseEnd(data, i+3); ok {
				i = end
				continue
			}
			out = append(out, data[i])
			i++
		default:
			out = append(out, data[i])
			i++
		}
	}
	return out
}

// sgrMouseEnd scans `p ; x ; y` digits from pos and reports the index just
// past the terminating M/m, or ok=false when the bytes are not an SGR mouse
// report.
func sgrMouseEnd(data []byte, pos int) (int, bool) {
	semis := 0
	for i := pos; i < len(data); i++ {
		switch {
		case data[i] >= '0' && data[i] <= '9':
		case data[i] == ';':
			semis++
		case data[i] == 'M' || data[i] == 'm':
			if semis == 2 && i > pos {
				return i + 1, true
			}
			return 0, false
		default:
			return 0, false
		}
	}
	return 0, false
}

func appendRest(out *[]byte, data []byte, i int) int {
	*out = append(*out, data[i:]...)
	return len(data)
}
