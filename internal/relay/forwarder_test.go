package relay

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrf99/grfp-tech-utils/internal/monitoring"
	"github.com/petrf99/grfp-tech-utils/internal/timeutil"
)

// mockSource implements BufferSource with a hand-fed entry queue.
type mockSource struct {
	mu      sync.Mutex
	entries []Entry
	sender  *MockUDPSocket
	stopped atomic.Bool
}

func newMockSource() *mockSource {
	return &mockSource{sender: NewMockUDPSocket(nil)}
}

func (m *mockSource) push(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func (m *mockSource) Latest() (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return Entry{}, false
	}
	e := m.entries[0]
	m.entries = m.entries[1:]
	return e, true
}

func (m *mockSource) Sender() Sender { return m.sender }

func (m *mockSource) Stop() { m.stopped.Store(true) }

var testTarget = &net.UDPAddr{IP: net.ParseIP("10.0.0.99"), Port: 14560}

func startForwarder(t *testing.T, cfg ForwarderConfig) (*Forwarder, context.CancelFunc, <-chan error) {
	t.Helper()
	f, err := NewForwarder(cfg)
	if err != nil {
		t.Fatalf("NewForwarder failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if !waitFor(t, time.Second, func() bool { return !f.Active() }) {
			t.Error("forward loop did not exit")
		}
	})
	return f, cancel, errc
}

func TestNewForwarder_Validation(t *testing.T) {
	if _, err := NewForwarder(ForwarderConfig{Target: testTarget}); err == nil {
		t.Error("expected error without source")
	}
	if _, err := NewForwarder(ForwarderConfig{Source: newMockSource()}); err == nil {
		t.Error("expected error without target")
	}
}

func TestForwarder_ForwardsInOrder(t *testing.T) {
	src := newMockSource()
	src.push(Entry{Payload: []byte("a")})
	src.push(Entry{Payload: []byte("b")})

	startForwarder(t, ForwarderConfig{Source: src, Target: testTarget})

	if !waitFor(t, time.Second, func() bool {
		return len(src.sender.WrittenPackets()) == 2
	}) {
		t.Fatal("entries not forwarded within deadline")
	}
	writes := src.sender.WrittenPackets()
	if string(writes[0].Data) != "a" || string(writes[1].Data) != "b" {
		t.Errorf("forward order = %q, %q; want a, b", writes[0].Data, writes[1].Data)
	}
	if writes[0].Addr != testTarget {
		t.Errorf("forwarded to %v, want %v", writes[0].Addr, testTarget)
	}
}

func TestForwarder_StopsSourceOnCancel(t *testing.T) {
	src := newMockSource()
	f, cancel, errc := startForwarder(t, ForwarderConfig{Source: src, Target: testTarget})

	if !f.Active() {
		t.Error("Active() = false while running")
	}
	cancel()
	select {
	case err := <-errc:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if f.Active() {
		t.Error("Active() = true after exit")
	}
	if !src.stopped.Load() {
		t.Error("source not stopped on exit")
	}
}

func TestForwarder_WhitelistRejectsUnknownSource(t *testing.T) {
	stats := NewPacketStats()
	src := newMockSource()
	src.push(Entry{
		Payload: []byte("blocked"),
		Addr:    &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 7000},
	})

	startForwarder(t, ForwarderConfig{
		Source:    src,
		Target:    testTarget,
		Whitelist: []string{"10.1.2.3"},
		Stats:     stats,
	})

	if !waitFor(t, time.Second, func() bool {
		return stats.Snapshot().Rejected == 1
	}) {
		t.Fatal("whitelist rejection not recorded")
	}
	if got := src.sender.WrittenPackets(); len(got) != 0 {
		t.Errorf("rejected entry was forwarded: %v", got)
	}
}

func TestForwarder_WhitelistAllowsListedSource(t *testing.T) {
	src := newMockSource()
	src.push(Entry{
		Payload: []byte("allowed"),
		Addr:    &net.UDPAddr{IP: net.ParseIP("10.1.2.3"), Port: 7000},
	})

	startForwarder(t, ForwarderConfig{
		Source:    src,
		Target:    testTarget,
		Whitelist: []string{"10.1.2.3"},
	})

	if !waitFor(t, time.Second, func() bool {
		return len(src.sender.WrittenPackets()) == 1
	}) {
		t.Fatal("whitelisted entry not forwarded")
	}
}

func TestForwarder_EmptyWhitelistPassesAll(t *testing.T) {
	src := newMockSource()
	src.push(Entry{
		Payload: []byte("any"),
		Addr:    &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 7000},
	})

	startForwarder(t, ForwarderConfig{Source: src, Target: testTarget})

	if !waitFor(t, time.Second, func() bool {
		return len(src.sender.WrittenPackets()) == 1
	}) {
		t.Fatal("entry not forwarded with filtering disabled")
	}
}

func TestForwarder_UntrackedSourceSkipsWhitelist(t *testing.T) {
	// Whitelisting only applies when the listener records source addresses.
	src := newMockSource()
	src.push(Entry{Payload: []byte("no-addr")})

	startForwarder(t, ForwarderConfig{
		Source:    src,
		Target:    testTarget,
		Whitelist: []string{"10.1.2.3"},
	})

	if !waitFor(t, time.Second, func() bool {
		return len(src.sender.WrittenPackets()) == 1
	}) {
		t.Fatal("entry without source address was filtered")
	}
}

func TestForwarder_AppliesTransform(t *testing.T) {
	src := newMockSource()
	src.push(Entry{Payload: []byte("data")})

	startForwarder(t, ForwarderConfig{
		Source: src,
		Target: testTarget,
		Transform: func(b []byte) []byte {
			return bytes.ToUpper(b)
		},
	})

	if !waitFor(t, time.Second, func() bool {
		return len(src.sender.WrittenPackets()) == 1
	}) {
		t.Fatal("entry not forwarded")
	}
	if got := src.sender.WrittenPackets()[0].Data; string(got) != "DATA" {
		t.Errorf("forwarded %q, want \"DATA\"", got)
	}
}

func TestForwarder_TransformPanicContained(t *testing.T) {
	src := newMockSource()
	src.push(Entry{Payload: []byte("poison")})
	src.push(Entry{Payload: []byte("fine")})

	startForwarder(t, ForwarderConfig{
		Source: src,
		Target: testTarget,
		Transform: func(b []byte) []byte {
			if string(b) == "poison" {
				panic("bad payload")
			}
			return b
		},
	})

	if !waitFor(t, time.Second, func() bool {
		return len(src.sender.WrittenPackets()) == 1
	}) {
		t.Fatal("loop did not survive transform panic")
	}
	if got := src.sender.WrittenPackets()[0].Data; string(got) != "fine" {
		t.Errorf("forwarded %q, want \"fine\"", got)
	}
}

func TestForwarder_SendErrorContinues(t *testing.T) {
	stats := NewPacketStats()
	src := newMockSource()
	src.sender.SetWriteError(fmt.Errorf("network unreachable"))
	src.push(Entry{Payload: []byte("first")})

	startForwarder(t, ForwarderConfig{Source: src, Target: testTarget, Stats: stats})

	if !waitFor(t, time.Second, func() bool {
		return stats.Snapshot().SendErrors == 1
	}) {
		t.Fatal("send error not recorded")
	}

	src.sender.SetWriteError(nil)
	src.push(Entry{Payload: []byte("second")})

	if !waitFor(t, time.Second, func() bool {
		return len(src.sender.WrittenPackets()) == 1
	}) {
		t.Fatal("loop did not recover from send error")
	}
}

func TestForwarder_PauseGate(t *testing.T) {
	src := newMockSource()
	f, _, _ := startForwarder(t, ForwarderConfig{Source: src, Target: testTarget})

	f.Pause()
	src.push(Entry{Payload: []byte("held")})

	time.Sleep(50 * time.Millisecond)
	if got := src.sender.WrittenPackets(); len(got) != 0 {
		t.Fatalf("forwarded while paused: %v", got)
	}
	if !f.Active() {
		t.Error("pause must not terminate the loop")
	}

	f.Resume()
	if !waitFor(t, time.Second, func() bool {
		return len(src.sender.WrittenPackets()) == 1
	}) {
		t.Fatal("entry not forwarded after resume")
	}
}

func TestForwarder_LogThrottle(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	prev := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.Logf = prev })

	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	src := newMockSource()
	f, err := NewForwarder(ForwarderConfig{
		Source:      src,
		Target:      testTarget,
		LogInterval: time.Second,
		Clock:       clock,
	})
	if err != nil {
		t.Fatalf("NewForwarder failed: %v", err)
	}

	countForwardLogs := func() int {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, l := range lines {
			if bytes.Contains([]byte(l), []byte("forwarded")) {
				n++
			}
		}
		return n
	}

	// Burst within one interval: only the first forward logs.
	f.forward(Entry{Payload: []byte("one")})
	f.forward(Entry{Payload: []byte("two")})
	f.forward(Entry{Payload: []byte("three")})
	if got := countForwardLogs(); got != 1 {
		t.Fatalf("forward logs in burst = %d, want 1", got)
	}

	clock.Advance(time.Second)
	f.forward(Entry{Payload: []byte("four")})
	if got := countForwardLogs(); got != 2 {
		t.Errorf("forward logs after interval = %d, want 2", got)
	}

	if got := len(src.sender.WrittenPackets()); got != 4 {
		t.Errorf("forwarded %d packets, want 4 despite throttled logging", got)
	}
}
