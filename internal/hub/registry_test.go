package hub

import (
	"bytes"
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/m0a/cc-hub-sub002/internal/tmux"
)

func mustLayout(t *testing.T, s string) *tmux.LayoutNode {
	t.Helper()
	node, err := tmux.ParseLayout(s)
	if err != nil {
		t.Fatalf("ParseLayout(%q): %v", s, err)
	}
	return node
}

func livePaneIDs(r *PaneRegistry) []string {
	var ids []string
	for _, p := range r.Panes() {
		ids = append(ids, p.PaneID)
	}
	sort.Strings(ids)
	return ids
}

func TestObserve_AddRemoveResize(t *testing.T) {
	t.Parallel()

	r := NewPaneRegistry()

	delta := r.Observe(mustLayout(t, "159x48,0,0{79x48,0,0,0,79x48,80,0,1}"))
	if len(delta.Added) != 2 || len(delta.Removed) != 0 {
		t.Fatalf("first observe delta = %+v", delta)
	}
	if got := livePaneIDs(r); !reflect.DeepEqual(got, []string{"%0", "%1"}) {
		t.Fatalf("live panes = %v", got)
	}

	// %1 disappears, %2 appears, %0 resizes.
	delta = r.Observe(mustLayout(t, "159x48,0,0{100x48,0,0,0,58x48,101,0,2}"))
	if len(delta.Added) != 1 || delta.Added[0].PaneID != "%2" {
		t.Errorf("added = %+v", delta.Added)
	}
	if len(delta.Removed) != 1 || delta.Removed[0] != "%1" {
		t.Errorf("removed = %+v", delta.Removed)
	}
	if len(delta.Resized) != 1 || delta.Resized[0].PaneID != "%0" || delta.Resized[0].Cols != 100 {
		t.Errorf("resized = %+v", delta.Resized)
	}
	if got := livePaneIDs(r); !reflect.DeepEqual(got, []string{"%0", "%2"}) {
		t.Fatalf("live panes = %v", got)
	}
}

func TestObserve_LiveSetMatchesLatestLayout(t *testing.T) {
	t.Parallel()

	// Whatever sequence of layout changes is observed, the live set equals
	// the leaves of the most recent layout.
	layouts := []string{
		"80x24,0,0,0",
		"159x48,0,0{79x48,0,0,0,79x48,80,0,1}",
		"159x48,0,0{79x48,0,0,1,79x48,80,0[79x24,80,0,2,79x23,80,25,3]}",
		"80x24,0,0,3",
		"159x48,0,0{79x48,0,0,3,79x48,80,0,0}",
	}
	wants := [][]string{
		{"%0"},
		{"%0", "%1"},
		{"%1", "%2", "%3"},
		{"%3"},
		{"%0", "%3"},
	}

	r := NewPaneRegistry()
	for i, layout := range layouts {
		r.Observe(mustLayout(t, layout))
		if got := livePaneIDs(r); !reflect.DeepEqual(got, wants[i]) {
			t.Fatalf("after layout %d live panes = %v, want %v", i, got, wants[i])
		}
	}
}

func TestBroadcast_OrderPreserved(t *testing.T) {
	t.Parallel()

	r := NewPaneRegistry()
	r.Observe(mustLayout(t, "80x24,0,0,0"))

	var got []byte
	unsub, err := r.Subscribe("%0", func(data []byte) {
		got = append(got, data...)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	r.Broadcast("%0", []byte("a"))
	r.Broadcast("%0", []byte("b"))
	r.Broadcast("%0", []byte("c"))

	if string(got) != "abc" {
		t.Errorf("received %q, want abc", got)
	}
}

func TestBroadcast_LateSubscriberReplay(t *testing.T) {
	t.Parallel()

	r := NewPaneRegistry()
	r.Observe(mustLayout(t, "80x24,0,0,0"))

	r.Broadcast("%0", []byte("one "))
	r.Broadcast("%0", []byte("two "))
	r.Broadcast("%0", []byte("three"))

	var got []byte
	unsub, err := r.Subscribe("%0", func(data []byte) {
		got = append(got, data...)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if string(got) != "one two three" {
		t.Errorf("replay = %q, want %q", got, "one two three")
	}

	// Live output continues after the replay without re-delivery.
	r.Broadcast("%0", []byte("!"))
	if string(got) != "one two three!" {
		t.Errorf("after live broadcast = %q", got)
	}
}

func TestBroadcast_RingOverflowKeepsNewest(t *testing.T) {
	t.Parallel()

	r := NewPaneRegistry()
	r.Observe(mustLayout(t, "80x24,0,0,0"))

	chunk := bytes.Repeat([]byte("x"), pendingRingBytes)
	r.Broadcast("%0", chunk)
	r.Broadcast("%0", []byte("tail"))

	var got []byte
	if _, err := r.Subscribe("%0", func(data []byte) { got = append(got, data...) }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(got) != pendingRingBytes {
		t.Fatalf("replay size = %d, want %d", len(got), pendingRingBytes)
	}
	if !bytes.HasSuffix(got, []byte("tail")) {
		t.Errorf("replay does not end with the newest bytes")
	}
}

func TestSubscribe_RemovedPaneFails(t *testing.T) {
	t.Parallel()

	r := NewPaneRegistry()
	r.Observe(mustLayout(t, "159x48,0,0{79x48,0,0,0,79x48,80,0,1}"))
	r.Observe(mustLayout(t, "80x24,0,0,0")) // %1 removed

	if _, err := r.Subscribe("%1", func([]byte) {}); !errors.Is(err, ErrPaneGone) {
		t.Fatalf("Subscribe on removed pane: error = %v, want ErrPaneGone", err)
	}
}

func TestSubscribe_UnknownPaneBuffersUntilObserved(t *testing.T) {
	t.Parallel()

	// Output for a pane the registry never saw must be buffered, not dropped:
	// the layout event may still be in flight.
	r := NewPaneRegistry()
	r.Broadcast("%7", []byte("early"))

	var got []byte
	if _, err := r.Subscribe("%7", func(data []byte) { got = append(got, data...) }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if string(got) != "early" {
		t.Errorf("replay = %q, want early", got)
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	t.Parallel()

	r := NewPaneRegistry()
	r.Observe(mustLayout(t, "80x24,0,0,0"))

	calls := 0
	unsub, err := r.Subscribe("%0", func([]byte) { calls++ })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	unsub()
	unsub() // second call is a no-op
	r.Broadcast("%0", []byte("x"))
	if calls != 0 {
		t.Errorf("callback fired %d times after unsubscribe", calls)
	}
}

func TestUnsubscribe_LastSubscriberReapsDeadPane(t *testing.T) {
	t.Parallel()

	r := NewPaneRegistry()
	r.Observe(mustLayout(t, "159x48,0,0{79x48,0,0,0,79x48,80,0,1}"))

	unsub, err := r.Subscribe("%1", func([]byte) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	r.Observe(mustLayout(t, "80x24,0,0,0")) // %1 dead but has a subscriber
	if r.Live("%1") {
		t.Error("removed pane still reported live")
	}

	unsub()
	if _, err := r.Subscribe("%1", func([]byte) {}); !errors.Is(err, ErrPaneGone) {
		t.Fatalf("re-subscribe after reap: error = %v, want ErrPaneGone", err)
	}
}

func TestBroadcast_RegistrationOrder(t *testing.T) {
	t.Parallel()

	r := NewPaneRegistry()
	r.Observe(mustLayout(t, "80x24,0,0,0"))

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		if _, err := r.Subscribe("%0", func([]byte) { order = append(order, name) }); err != nil {
			t.Fatalf("Subscribe(%s): %v", name, err)
		}
	}
	r.Broadcast("%0", []byte("x"))
	if !reflect.DeepEqual(order, []string{"first", "second", "third"}) {
		t.Errorf("delivery order = %v", order)
	}
}
