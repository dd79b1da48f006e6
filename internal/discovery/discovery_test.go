package discovery

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/lanmesh/internal/castnet"
	"github.com/1ureka/lanmesh/internal/wire"
)

// fakeBus implements Bus in memory so tests can inject datagrams and
// inspect what the service broadcasts.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string][]castnet.Handler
	sent     []any
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string][]castnet.Handler)}
}

func (b *fakeBus) Subscribe(tag string, h castnet.Handler) {
	b.mu.Lock()
	b.handlers[tag] = append(b.handlers[tag], h)
	b.mu.Unlock()
}

func (b *fakeBus) Send(v any) error {
	b.mu.Lock()
	b.sent = append(b.sent, v)
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) LocalIP() string { return "192.168.1.10" }

func (b *fakeBus) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

// inject delivers a datagram to the subscribed handlers, as the read loop
// would.
func (b *fakeBus) inject(tag string, v any) {
	b.mu.Lock()
	handlers := append([]castnet.Handler{}, b.handlers[tag]...)
	b.mu.Unlock()

	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 99), Port: 57780}
	for _, h := range handlers {
		h(v, src)
	}
}

// recorder collects observer notifications.
type recorder struct {
	mu        sync.Mutex
	snapshots [][]Room
}

func (r *recorder) observe(rooms []Room) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, rooms)
	r.mu.Unlock()
}

func (r *recorder) latest() []Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return nil
	}
	return r.snapshots[len(r.snapshots)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func fastOptions() Options {
	return Options{
		AnnounceInterval: 20 * time.Millisecond,
		SweepInterval:    10 * time.Millisecond,
		TTL:              60 * time.Millisecond,
	}
}

func announceFrom(id, name string) *wire.Announce {
	return &wire.Announce{
		RoomID:      id,
		RoomName:    name,
		HostAddress: "192.168.1.99",
		RelayPort:   57788,
	}
}

// TestDirectoryUpsert verifies that an announcement lands in the directory
// and that observers get the initial snapshot plus the change.
func TestDirectoryUpsert(t *testing.T) {
	bus := newFakeBus()
	s := New(bus, fastOptions())

	rec := &recorder{}
	s.Observe(rec.observe)

	if got := rec.count(); got != 1 {
		t.Fatalf("expected immediate snapshot, got %d notifications", got)
	}
	if len(rec.latest()) != 0 {
		t.Fatalf("expected empty initial directory, got %v", rec.latest())
	}

	bus.inject(wire.TagAnnounce, announceFrom("r-1", "Standup"))

	rooms := rec.latest()
	if len(rooms) != 1 || rooms[0].RoomID != "r-1" || rooms[0].RoomName != "Standup" {
		t.Fatalf("unexpected directory after announce: %v", rooms)
	}
}

// TestRefreshDoesNotNotify verifies that a repeated identical announcement
// bumps the timestamp without waking observers — structural comparison,
// not timer fire.
func TestRefreshDoesNotNotify(t *testing.T) {
	bus := newFakeBus()
	s := New(bus, fastOptions())

	rec := &recorder{}
	s.Observe(rec.observe)
	bus.inject(wire.TagAnnounce, announceFrom("r-1", "Standup"))

	before := rec.count()
	bus.inject(wire.TagAnnounce, announceFrom("r-1", "Standup"))
	bus.inject(wire.TagAnnounce, announceFrom("r-1", "Standup"))

	if got := rec.count(); got != before {
		t.Errorf("identical refresh notified observers: %d -> %d", before, got)
	}

	// A real change (participant count) must notify.
	changed := announceFrom("r-1", "Standup")
	changed.ParticipantCount = 2
	bus.inject(wire.TagAnnounce, changed)

	if got := rec.count(); got != before+1 {
		t.Errorf("structural change did not notify: %d -> %d", before, got)
	}
}

// TestTTLExpiry verifies that an unrefreshed entry is swept out after the
// TTL and observers hear about it.
func TestTTLExpiry(t *testing.T) {
	bus := newFakeBus()
	s := New(bus, fastOptions())
	s.Start()
	defer s.Stop()

	rec := &recorder{}
	s.Observe(rec.observe)
	bus.inject(wire.TagAnnounce, announceFrom("r-1", "Standup"))

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if len(rec.latest()) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("entry was not expired after TTL")
}

// TestLivenessUnderRefresh verifies that an entry refreshed faster than
// the TTL never expires.
func TestLivenessUnderRefresh(t *testing.T) {
	bus := newFakeBus()
	s := New(bus, fastOptions())
	s.Start()
	defer s.Stop()

	rec := &recorder{}
	s.Observe(rec.observe)

	stop := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(stop) {
		bus.inject(wire.TagAnnounce, announceFrom("r-1", "Standup"))
		time.Sleep(20 * time.Millisecond)
		if len(rec.latest()) != 1 {
			t.Fatal("refreshed entry expired")
		}
	}
}

// TestSelfAnnouncementFiltered verifies that the hosting instance's own
// room never shows up in its directory, even though the shared socket
// loops its announcements back.
func TestSelfAnnouncementFiltered(t *testing.T) {
	bus := newFakeBus()
	s := New(bus, fastOptions())

	desc := s.StartHosting("r-self", "My Room", 57788)
	defer s.StopHosting()

	rec := &recorder{}
	s.Observe(rec.observe)

	// The loopback of our own announcement.
	bus.inject(wire.TagAnnounce, &desc)

	if len(rec.latest()) != 0 {
		t.Errorf("own room leaked into the directory: %v", rec.latest())
	}

	// Someone else's room still lands.
	bus.inject(wire.TagAnnounce, announceFrom("r-other", "Other"))
	if len(rec.latest()) != 1 {
		t.Errorf("foreign room missing from directory: %v", rec.latest())
	}
}

// TestHostingAnnounces verifies the announce timer broadcasts while
// hosting and stops synchronously with StopHosting.
func TestHostingAnnounces(t *testing.T) {
	bus := newFakeBus()
	s := New(bus, fastOptions())

	s.StartHosting("r-1", "Standup", 57788)

	deadline := time.Now().Add(500 * time.Millisecond)
	for bus.sentCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if bus.sentCount() < 3 {
		t.Fatalf("expected repeated announcements, got %d", bus.sentCount())
	}

	s.StopHosting()
	after := bus.sentCount()
	time.Sleep(100 * time.Millisecond)
	if bus.sentCount() != after {
		t.Error("announcement fired after StopHosting returned")
	}
}
