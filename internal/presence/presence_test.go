package presence

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/lanmesh/internal/castnet"
	"github.com/1ureka/lanmesh/internal/wire"
)

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

func (b *fakeBus) inject(tag string, v any) {
	b.mu.Lock()
	handlers := append([]castnet.Handler{}, b.handlers[tag]...)
	b.mu.Unlock()

	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 99), Port: 57780}
	for _, h := range handlers {
		h(v, src)
	}
}

func presenceFrom(id, name string) *wire.Presence {
	return &wire.Presence{
		PeerID:      id,
		PeerName:    name,
		PeerAddress: "192.168.1.99",
	}
}

func fastOptions() Options {
	return Options{
		PresenceInterval: 20 * time.Millisecond,
		SweepInterval:    10 * time.Millisecond,
		TTL:              60 * time.Millisecond,
	}
}

// TestSelfEntry verifies the directory always carries the local instance,
// marked IsSelf, without waiting for its own announcement to loop back.
func TestSelfEntry(t *testing.T) {
	bus := newFakeBus()
	s := New(bus, "self-id", "me", fastOptions())

	var got []Peer
	s.ObservePeers(func(peers []Peer) { got = peers })

	if len(got) != 1 {
		t.Fatalf("expected only the self entry, got %v", got)
	}
	self := got[0]
	if !self.IsSelf || self.PeerID != "self-id" || self.PeerName != "me" {
		t.Errorf("bad self entry: %+v", self)
	}
}

// TestSelfLoopbackIgnored verifies that the loopback of our own presence
// broadcast does not produce a duplicate directory entry.
func TestSelfLoopbackIgnored(t *testing.T) {
	bus := newFakeBus()
	s := New(bus, "self-id", "me", fastOptions())

	var mu sync.Mutex
	var got []Peer
	s.ObservePeers(func(peers []Peer) {
		mu.Lock()
		got = peers
		mu.Unlock()
	})

	bus.inject(wire.TagPresence, presenceFrom("self-id", "me"))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Errorf("self loopback created an extra entry: %v", got)
	}
}

// TestPeerDirectory verifies upsert, room-change notification, and sorted
// snapshots.
func TestPeerDirectory(t *testing.T) {
	bus := newFakeBus()
	s := New(bus, "m-self", "me", fastOptions())

	var mu sync.Mutex
	var snapshots [][]Peer
	s.ObservePeers(func(peers []Peer) {
		mu.Lock()
		snapshots = append(snapshots, peers)
		mu.Unlock()
	})

	bus.inject(wire.TagPresence, presenceFrom("a-peer", "alice"))
	bus.inject(wire.TagPresence, presenceFrom("z-peer", "zoe"))

	mu.Lock()
	latest := snapshots[len(snapshots)-1]
	count := len(snapshots)
	mu.Unlock()

	if len(latest) != 3 {
		t.Fatalf("expected self + 2 peers, got %v", latest)
	}
	// Sorted by peer id: a-peer, m-self, z-peer.
	if latest[0].PeerID != "a-peer" || latest[1].PeerID != "m-self" || latest[2].PeerID != "z-peer" {
		t.Errorf("snapshot not sorted by peer id: %v", latest)
	}

	// Identical re-announcement must not notify.
	bus.inject(wire.TagPresence, presenceFrom("a-peer", "alice"))
	mu.Lock()
	after := len(snapshots)
	mu.Unlock()
	if after != count {
		t.Errorf("identical presence refresh notified observers")
	}

	// A room change is structural and must notify.
	inRoom := presenceFrom("a-peer", "alice")
	inRoom.RoomName = "Standup"
	bus.inject(wire.TagPresence, inRoom)
	mu.Lock()
	final := len(snapshots)
	mu.Unlock()
	if final != count+1 {
		t.Errorf("room change did not notify observers")
	}
}

// TestPeerExpiry verifies a silent peer is swept while the self entry
// survives forever.
func TestPeerExpiry(t *testing.T) {
	bus := newFakeBus()
	s := New(bus, "m-self", "me", fastOptions())
	s.Start()
	defer s.Stop()

	var mu sync.Mutex
	var latest []Peer
	s.ObservePeers(func(peers []Peer) {
		mu.Lock()
		latest = peers
		mu.Unlock()
	})

	bus.inject(wire.TagPresence, presenceFrom("a-peer", "alice"))

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(latest)
		mu.Unlock()
		if n == 1 {
			mu.Lock()
			self := latest[0]
			mu.Unlock()
			if !self.IsSelf {
				t.Fatalf("wrong entry survived expiry: %+v", self)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("silent peer was never expired")
}

// TestInvitationTargeting verifies only invitations naming the local peer
// id are delivered.
func TestInvitationTargeting(t *testing.T) {
	bus := newFakeBus()
	s := New(bus, "self-id", "me", fastOptions())

	var mu sync.Mutex
	var delivered []wire.Invitation
	s.ObserveInvitations(func(inv wire.Invitation) {
		mu.Lock()
		delivered = append(delivered, inv)
		mu.Unlock()
	})

	bus.inject(wire.TagInvitation, &wire.Invitation{
		RoomID:        "r-1",
		HostAddress:   "192.168.1.99",
		RelayPort:     57788,
		TargetPeerIDs: []string{"someone-else"},
	})
	bus.inject(wire.TagInvitation, &wire.Invitation{
		RoomID:        "r-1",
		RoomName:      "Standup",
		HostAddress:   "192.168.1.99",
		RelayPort:     57788,
		TargetPeerIDs: []string{"other", "self-id"},
	})

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 {
		t.Fatalf("expected exactly the targeted invitation, got %d", len(delivered))
	}
	if delivered[0].RoomName != "Standup" {
		t.Errorf("wrong invitation delivered: %+v", delivered[0])
	}
}

// TestInvitationDedup verifies the same room invitation is delivered once
// no matter how many times it is re-broadcast, while a different room goes
// through.
func TestInvitationDedup(t *testing.T) {
	bus := newFakeBus()
	s := New(bus, "self-id", "me", fastOptions())

	var mu sync.Mutex
	var delivered []wire.Invitation
	s.ObserveInvitations(func(inv wire.Invitation) {
		mu.Lock()
		delivered = append(delivered, inv)
		mu.Unlock()
	})

	inv := &wire.Invitation{
		RoomID:        "r-1",
		HostAddress:   "192.168.1.99",
		RelayPort:     57788,
		TargetPeerIDs: []string{"self-id"},
	}
	for i := 0; i < 5; i++ {
		bus.inject(wire.TagInvitation, inv)
	}

	other := &wire.Invitation{
		RoomID:        "r-2",
		HostAddress:   "192.168.1.99",
		RelayPort:     57789,
		TargetPeerIDs: []string{"self-id"},
	}
	bus.inject(wire.TagInvitation, other)

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 2 {
		t.Fatalf("expected 2 unique deliveries, got %d", len(delivered))
	}
	if delivered[0].RoomID != "r-1" || delivered[1].RoomID != "r-2" {
		t.Errorf("unexpected delivery order: %v", delivered)
	}
}

// TestInviteBroadcast verifies Invite stamps the sender identity on the
// outgoing datagram.
func TestInviteBroadcast(t *testing.T) {
	bus := newFakeBus()
	s := New(bus, "self-id", "me", fastOptions())

	if err := s.Invite("r-1", "Standup", "192.168.1.10", 57788, []string{"p-2"}); err != nil {
		t.Fatalf("Invite failed: %v", err)
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.sent) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(bus.sent))
	}
	inv, ok := bus.sent[0].(*wire.Invitation)
	if !ok {
		t.Fatalf("broadcast is %T, want *wire.Invitation", bus.sent[0])
	}
	if inv.FromPeerID != "self-id" || inv.FromPeerName != "me" || inv.RoomID != "r-1" {
		t.Errorf("invitation missing sender identity: %+v", inv)
	}
}

// TestSetRoomInAnnouncement verifies the announced room name follows
// SetRoom.
func TestSetRoomInAnnouncement(t *testing.T) {
	bus := newFakeBus()
	s := New(bus, "self-id", "me", fastOptions())

	s.SetRoom("Standup")
	s.announceOnce()
	s.SetRoom("")
	s.announceOnce()

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.sent) != 2 {
		t.Fatalf("expected 2 announcements, got %d", len(bus.sent))
	}
	first := bus.sent[0].(*wire.Presence)
	second := bus.sent[1].(*wire.Presence)
	if first.RoomName != "Standup" || second.RoomName != "" {
		t.Errorf("room name not tracked: %q then %q", first.RoomName, second.RoomName)
	}
}
