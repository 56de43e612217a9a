// Package tmux speaks the multiplexer's control-mode protocol: the PTY-bound
// control client, the line parser, the %output escape decoder, the layout
// string parser, and the command builders.
package tmux

import (
	"errors"
	"fmt"
	"strings"
)

// ErrProtocol is returned for structural control-protocol violations: an
// unparseable notification header, or a %begin left open at stream end.
// Unlike ErrMalformedEscape these are not skippable; the controller that owns
// the stream shuts down.
var ErrProtocol = errors.New("tmux: control protocol violation")

// ControlEvent is one parsed notification from the control-mode stream.
type ControlEvent interface {
	controlEvent()
}

// OutputEvent carries decoded output bytes for one pane.
type OutputEvent struct {
	PaneID string
	Data   []byte
}

// LayoutEvent reports a window layout change.
type LayoutEvent struct {
	WindowID      string
	Layout        string
	VisibleLayout string
	Active        bool
}

// PaneChangedEvent covers %window-pane-changed and %pane-mode-changed. The
// hub reacts identically to both (re-capture on demand), so the raw line is
// kept for logging only.
type PaneChangedEvent struct {
	Raw string
}

// SessionChangedEvent reports which session this control client is bound to.
type SessionChangedEvent struct {
	SessionID   string
	SessionName string
}

// TopologyEvent covers %sessions-changed, %window-add and %window-close.
type TopologyEvent struct {
	Kind string
}

// ExitEvent is terminal: tmux is detaching this control client.
type ExitEvent struct {
	Reason string
}

// CommandReplyEvent is the buffered body of a %begin…%end/%error block,
// delivered as one event when the closing line arrives.
type CommandReplyEvent struct {
	Lines   []string
	IsError bool
}

func (OutputEvent) controlEvent()         {}
func (LayoutEvent) controlEvent()         {}
func (PaneChangedEvent) controlEvent()    {}
func (SessionChangedEvent) controlEvent() {}
func (TopologyEvent) controlEvent()       {}
func (ExitEvent) controlEvent()           {}
func (CommandReplyEvent) controlEvent()   {}

// ControlParser classifies newline-delimited control-mode notifications into
// typed events. It is a pure line-fed state machine with no goroutines; the
// PTY host owns line framing and calls FeedLine for each complete line.
//
// The only state is the reply buffer: between %begin and the matching
// %end/%error every line is buffered verbatim, because tmux emits command
// replies contiguously and notifications never interleave with them.
type ControlParser struct {
	inReply    bool
	replyLines []string
}

// NewControlParser creates an empty parser.
func NewControlParser() *ControlParser {
	return &ControlParser{}
}

// FeedLine consumes one complete line (without its trailing LF; a trailing CR
// is tolerated and stripped) and returns the event it completes, or nil when
// the line is buffered or ignorable.
//
// A malformed %output payload returns an error wrapping ErrMalformedEscape;
// the caller logs and skips it. Anything else unrecognised that still starts
// with '%' is ignored — newer tmux versions add notifications freely.
func (p *ControlParser) FeedLine(line string) (ControlEvent, error) {
	line = strings.TrimSuffix(line, "\r")

	if p.inReply {
		if line == "%end" || strings.HasPrefix(line, "%end ") {
			p.inReply = false
			ev := CommandReplyEvent{Lines: p.replyLines}
			p.replyLines = nil
			return ev, nil
		}
		if line == "%error" || strings.HasPrefix(line, "%error ") {
			p.inReply = false
			ev := CommandReplyEvent{Lines: p.replyLines, IsError: true}
			p.replyLines = nil
			return ev, nil
		}
		p.replyLines = append(p.replyLines, line)
		return nil, nil
	}

	if !strings.HasPrefix(line, "%") {
		// Non-notification noise outside a reply block (e.g. a stray shell
		// banner before attach completes). Dropped.
		return nil, nil
	}

	keyword, rest, _ := strings.Cut(line, " ")
	switch keyword {
	case "%output":
		paneID, payload, ok := strings.Cut(rest, " ")
		if !ok {
			// %output with a pane id and an empty payload still has the
			// separating space; a missing one means a truncated line.
			if strings.HasPrefix(rest, "%") && rest != "" {
				paneID, payload = rest, ""
			} else {
				return nil, fmt.Errorf("%w: truncated %%output line %q", ErrProtocol, line)
			}
		}
		if !validPaneID(paneID) {
			return nil, fmt.Errorf("%w: bad pane id in %%output line %q", ErrProtocol, line)
		}
		data, err := DecodeOutput(payload)
		if err != nil {
			return nil, fmt.Errorf("decode %%output for %s: %w", paneID, err)
		}
		return OutputEvent{PaneID: paneID, Data: data}, nil

	case "%layout-change":
		fields := strings.Fields(rest)
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: short %%layout-change line %q", ErrProtocol, line)
		}
		ev := LayoutEvent{WindowID: fields[0], Layout: fields[1]}
		if len(fields) > 2 {
			ev.VisibleLayout = fields[2]
		}
		if len(fields) > 3 {
			ev.Active = strings.Contains(fields[3], "*")
		}
		return ev, nil

	case "%window-pane-changed", "%pane-mode-changed":
		return PaneChangedEvent{Raw: line}, nil

	case "%session-changed":
		id, name, _ := strings.Cut(rest, " ")
		return SessionChangedEvent{SessionID: id, SessionName: name}, nil

	case "%sessions-changed", "%window-add", "%window-close", "%unlinked-window-add", "%unlinked-window-close", "%window-renamed":
		return TopologyEvent{Kind: strings.TrimPrefix(keyword, "%")}, nil

	case "%exit":
		return ExitEvent{Reason: rest}, nil

	case "%begin":
		p.inReply = true
		p.replyLines = nil
		return nil, nil

	case "%end", "%error":
		return nil, fmt.Errorf("%w: %s without matching %%begin", ErrProtocol, keyword)

	default:
		// Unknown notification: tolerated for forward compatibility.
		return nil, nil
	}
}

// Close reports whether the stream ended cleanly. EOF inside a reply block
// means tmux died mid-command; that is a structural fault.
func (p *ControlParser) Close() error {
	if p.inReply {
		p.inReply = false
		p.replyLines = nil
		return fmt.Errorf("%w: stream ended inside %%begin block", ErrProtocol)
	}
	return nil
}

// validPaneID reports whether s has the %N form tmux uses for pane ids.
func validPaneID(s string) bool {
	if len(s) < 2 || s[0] != '%' {
		return false
	}
	for _, c := range s[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
