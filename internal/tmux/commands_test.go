package tmux

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
)

func TestCommandBuilders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"SplitHorizontal", SplitWindowCommand("%3", false), "split-window -h -t %3"},
		{"SplitVertical", SplitWindowCommand("%3", true), "split-window -v -t %3"},
		{"KillPane", KillPaneCommand("%1"), "kill-pane -t %1"},
		{"SelectPane", SelectPaneCommand("%0"), "select-pane -t %0"},
		{"ZoomToggle", ZoomPaneCommand("%2"), "resize-pane -Z -t %2"},
		{"AdjustLeft", AdjustPaneCommand("%4", "left", 5), "resize-pane -t %4 -L 5"},
		{"AdjustDown_DefaultAmount", AdjustPaneCommand("%4", "down", 0), "resize-pane -t %4 -D 1"},
		{"AdjustUnknownDirection", AdjustPaneCommand("%4", "sideways", 2), ""},
		{"ResizeAbsolute", ResizePaneCommand("%5", 100, 30), "resize-pane -t %5 -x 100 -y 30"},
		{"EqualizeHorizontal", EqualizeCommand(true), "select-layout even-horizontal"},
		{"EqualizeVertical", EqualizeCommand(false), "select-layout even-vertical"},
		{"Respawn", RespawnPaneCommand("%6"), "respawn-pane -k -t %6"},
		{"RefreshClientSize", RefreshClientSizeCommand(180, 40), "refresh-client -C 180x40"},
		{"Capture", CapturePaneCommand("%0"), "capture-pane -e -p -t %0 -S -"},
		{"ListClients", ListClientsCommand("work"), `list-clients -t 'work' -F "#{client_name}"`},
		{"DetachClient", DetachClientCommand("cchub-prev"), "detach-client -t 'cchub-prev'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestScrollCommands(t *testing.T) {
	t.Parallel()

	up := ScrollCommands("%0", 3)
	want := []string{
		"copy-mode -t %0",
		"send-keys -X -t %0 scroll-up",
		"send-keys -X -t %0 scroll-up",
		"send-keys -X -t %0 scroll-up",
	}
	if !reflect.DeepEqual(up, want) {
		t.Errorf("ScrollCommands up = %v, want %v", up, want)
	}

	down := ScrollCommands("%1", -2)
	if len(down) != 3 || down[0] != "copy-mode -t %1" ||
		down[1] != "send-keys -X -t %1 scroll-down" {
		t.Errorf("ScrollCommands down = %v", down)
	}

	if got := ScrollCommands("%0", 0); got != nil {
		t.Errorf("ScrollCommands(0) = %v, want nil", got)
	}
}

func TestSendKeysCommand(t *testing.T) {
	t.Parallel()

	t.Run("PlainText_SingleLiteral", func(t *testing.T) {
		t.Parallel()
		cmds := SendKeysCommand("%0", []byte("ls -la"))
		if len(cmds) != 1 {
			t.Fatalf("got %d commands, want 1: %v", len(cmds), cmds)
		}
		if cmds[0] != "send-keys -t %0 -l -- 'ls -la'" {
			t.Errorf("cmd = %q", cmds[0])
		}
	})

	t.Run("EmbeddedQuote_Escaped", func(t *testing.T) {
		t.Parallel()
		cmds := SendKeysCommand("%0", []byte("it's"))
		if len(cmds) != 1 || !strings.Contains(cmds[0], `'it'\''s'`) {
			t.Errorf("cmds = %v", cmds)
		}
	})

	t.Run("ControlBytes_HexChunk", func(t *testing.T) {
		t.Parallel()
		cmds := SendKeysCommand("%2", []byte{'\r'})
		if len(cmds) != 1 || cmds[0] != "send-keys -t %2 -H 0x0d" {
			t.Errorf("cmds = %v", cmds)
		}
	})

	t.Run("MixedRuns_PreserveOrder", func(t *testing.T) {
		t.Parallel()
		cmds := SendKeysCommand("%1", []byte("ok\rgo"))
		want := []string{
			"send-keys -t %1 -l -- 'ok'",
			"send-keys -t %1 -H 0x0d",
			"send-keys -t %1 -l -- 'go'",
		}
		if !reflect.DeepEqual(cmds, want) {
			t.Errorf("cmds = %v, want %v", cmds, want)
		}
	})
}

func TestFilterInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{
			name: "PlainInput_Untouched",
			in:   []byte("hello\r"),
			want: []byte("hello\r"),
		},
		{
			name: "LegacyMouseReport_Stripped",
			in:   []byte("a\x1b[M !!b"),
			want: []byte("ab"),
		},
		{
			name: "SGRMouseReport_PressStripped",
			in:   []byte("x\x1b[<0;42;17My"),
			want: []byte("xy"),
		},
		{
			name: "SGRMouseReport_ReleaseStripped",
			in:   []byte("\x1b[<0;42;17m"),
			want: []byte{},
		},
		{
			name: "ArrowKey_Preserved",
			in:   []byte("\x1b[A"),
			want: []byte("\x1b[A"),
		},
		{
			name: "SGRNotMouse_Preserved",
			in:   []byte("\x1b[<abcM"),
			want: []byte("\x1b[<abcM"),
		},
		{
			name: "ConsecutiveReports_AllStripped",
			in:   []byte("\x1b[<0;1;1M\x1b[<0;1;1m"),
			want: []byte{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := FilterInput(tt.in)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("FilterInput(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
