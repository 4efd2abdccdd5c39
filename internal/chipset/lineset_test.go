package chipset

import (
	"sync"
	"testing"
)

// testSink captures interrupt controller level changes.
type testSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

type sinkEvent struct {
	line  uint32
	level bool
}

func (s *testSink) SetIRQ(line uint32, level bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{line, level})
}

func (s *testSink) snapshot() []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkEvent(nil), s.events...)
}

func TestLineSetForwardsTransitionsOnly(t *testing.T) {
	sink := &testSink{}
	ls := NewLineSet(32, sink)

	// low -> low is not a transition
	if err := ls.SetLevel(5, false); err != nil {
		t.Fatal(err)
	}
	_ = ls.SetLevel(5, true)
	_ = ls.SetLevel(5, true)
	// deassert then assert always yields a fresh edge
	_ = ls.SetLevel(5, false)
	_ = ls.SetLevel(5, true)

	got := sink.snapshot()
	want := []sinkEvent{{5, true}, {5, false}, {5, true}}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if ls.Asserts(5) != 2 {
		t.Fatalf("Asserts = %d, want 2", ls.Asserts(5))
	}
	if !ls.Level(5) {
		t.Fatal("line should be high")
	}
}

func TestLineSetOutOfRange(t *testing.T) {
	ls := NewLineSet(4, nil)
	if err := ls.SetLevel(4, true); err == nil {
		t.Fatal("SetLevel(4) on 4 lines succeeded")
	}
	if err := ls.RouteHost(4, 1); err == nil {
		t.Fatal("RouteHost(4) succeeded")
	}
}

func TestLineSetRoutes(t *testing.T) {
	ls := NewLineSet(128, nil)
	if err := ls.RouteHost(72, 40); err != nil {
		t.Fatal(err)
	}
	if err := ls.RouteHost(33, 41); err != nil {
		t.Fatal(err)
	}
	// same mapping again is accepted
	if err := ls.RouteHost(72, 40); err != nil {
		t.Fatal(err)
	}
	if err := ls.RouteHost(72, 99); err == nil {
		t.Fatal("conflicting route accepted")
	}

	routes := ls.Routes()
	if len(routes) != 2 || routes[0] != (Route{33, 41}) || routes[1] != (Route{72, 40}) {
		t.Fatalf("Routes = %v", routes)
	}
	if h, ok := ls.HostRoute(72); !ok || h != 40 {
		t.Fatalf("HostRoute(72) = %d, %v", h, ok)
	}
	ls.ClearRoutes()
	if len(ls.Routes()) != 0 {
		t.Fatal("ClearRoutes left routes behind")
	}
}
