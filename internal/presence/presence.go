// Package presence broadcasts this instance's identity on the shared
// channel, tracks the other instances on the LAN, and relays directed
// invitations. It shares the broadcast socket with discovery but runs on
// its own cadence: every instance announces, hosting or not.
package presence

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/1ureka/lanmesh/internal/castnet"
	"github.com/1ureka/lanmesh/internal/config"
	"github.com/1ureka/lanmesh/internal/util"
	"github.com/1ureka/lanmesh/internal/wire"
)

// Bus is the slice of the broadcast socket this service needs.
type Bus interface {
	Subscribe(tag string, h castnet.Handler)
	Send(v any) error
	LocalIP() string
}

// Peer is one directory entry. IsSelf is synthesized locally and never
// broadcast; the self entry does not expire.
type Peer struct {
	PeerID      string
	PeerName    string
	PeerAddress string
	RoomName    string // empty when the peer is not in a room
	LastSeenAt  time.Time
	IsSelf      bool
}

func sameListing(a, b Peer) bool {
	return a.PeerID == b.PeerID &&
		a.PeerName == b.PeerName &&
		a.PeerAddress == b.PeerAddress &&
		a.RoomName == b.RoomName
}

// Options tunes the timers; zero values fall back to config defaults.
type Options struct {
	PresenceInterval time.Duration
	SweepInterval    time.Duration
	TTL              time.Duration
}

func (o *Options) fill() {
	if o.PresenceInterval <= 0 {
		o.PresenceInterval = config.PresenceInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = config.SweepInterval
	}
	if o.TTL <= 0 {
		o.TTL = config.EntryTTL
	}
}

// Service owns the peer directory and invitation delivery for one instance.
type Service struct {
	bus    Bus
	opts   Options
	selfID string

	mu            sync.Mutex
	selfName      string
	roomName      string // what we announce as our current room
	peers         map[string]Peer
	peerObservers []func([]Peer)
	invObservers  []func(wire.Invitation)
	seenInvites   map[string]struct{} // unbounded for the session; invitations are rare

	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates the service and registers its receive handlers on the bus.
func New(bus Bus, selfID, selfName string, opts Options) *Service {
	opts.fill()
	s := &Service{
		bus:         bus,
		opts:        opts,
		selfID:      selfID,
		selfName:    selfName,
		peers:       make(map[string]Peer),
		seenInvites: make(map[string]struct{}),
	}
	bus.Subscribe(wire.TagPresence, s.handlePresence)
	bus.Subscribe(wire.TagInvitation, s.handleInvitation)
	return s
}

// Start launches the presence and sweep timers.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	s.wg.Add(2)
	go s.announceLoop(s.stop)
	go s.sweepLoop(s.stop)
}

// Stop clears both timers synchronously before returning.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stop := s.stop
	s.mu.Unlock()

	close(stop)
	s.wg.Wait()
}

// SetRoom updates the room name included in presence announcements
// (empty = not in a room).
func (s *Service) SetRoom(roomName string) {
	s.mu.Lock()
	s.roomName = roomName
	s.mu.Unlock()
}

// Invite broadcasts a directed invitation. Delivery is fire-and-forget;
// receivers deduplicate.
func (s *Service) Invite(roomID, roomName, hostAddress string, relayPort int, targetPeerIDs []string) error {
	s.mu.Lock()
	fromName := s.selfName
	s.mu.Unlock()

	return s.bus.Send(&wire.Invitation{
		RoomID:        roomID,
		RoomName:      roomName,
		HostAddress:   hostAddress,
		RelayPort:     relayPort,
		FromPeerID:    s.selfID,
		FromPeerName:  fromName,
		TargetPeerIDs: targetPeerIDs,
		TS:            time.Now().UnixMilli(),
	})
}

// ObservePeers registers a directory callback, invoked immediately with the
// current snapshot and on every structural change.
func (s *Service) ObservePeers(fn func([]Peer)) {
	s.mu.Lock()
	s.peerObservers = append(s.peerObservers, fn)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	fn(snapshot)
}

// ObserveInvitations registers a callback for invitations that target the
// local peer id. Each unique (roomId, hostAddress, relayPort) is delivered
// exactly once, however often the sender re-broadcasts.
func (s *Service) ObserveInvitations(fn func(wire.Invitation)) {
	s.mu.Lock()
	s.invObservers = append(s.invObservers, fn)
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Timers
// ---------------------------------------------------------------------------

func (s *Service) announceLoop(stop chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.PresenceInterval)
	defer ticker.Stop()

	s.announceOnce()
	for {
		select {
		case <-ticker.C:
			s.announceOnce()
		case <-stop:
			return
		}
	}
}

func (s *Service) announceOnce() {
	s.mu.Lock()
	d := wire.Presence{
		PeerID:      s.selfID,
		PeerName:    s.selfName,
		PeerAddress: s.bus.LocalIP(),
		RoomName:    s.roomName,
		TS:          time.Now().UnixMilli(),
	}
	s.mu.Unlock()

	if err := s.bus.Send(&d); err != nil {
		util.LogWarning("presence announce failed: %v", err)
	}
}

func (s *Service) sweepLoop(stop chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-stop:
			return
		}
	}
}

func (s *Service) sweep() {
	now := time.Now()

	s.mu.Lock()
	changed := false
	for id, peer := range s.peers {
		if now.Sub(peer.LastSeenAt) > s.opts.TTL {
			delete(s.peers, id)
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.notifyPeers()
	}
}

// ---------------------------------------------------------------------------
// Receive path
// ---------------------------------------------------------------------------

func (s *Service) handlePresence(v any, src *net.UDPAddr) {
	d, ok := v.(*wire.Presence)
	if !ok || d.PeerID == s.selfID {
		// Our own announcements come back on the shared socket; the self
		// entry is synthesized in the snapshot instead.
		return
	}

	entry := Peer{
		PeerID:      d.PeerID,
		PeerName:    d.PeerName,
		PeerAddress: d.PeerAddress,
		RoomName:    d.RoomName,
		LastSeenAt:  time.Now(),
	}

	s.mu.Lock()
	prev, existed := s.peers[d.PeerID]
	s.peers[d.PeerID] = entry
	changed := !existed || !sameListing(prev, entry)
	s.mu.Unlock()

	if changed {
		s.notifyPeers()
	}
}

func (s *Service) handleInvitation(v any, src *net.UDPAddr) {
	d, ok := v.(*wire.Invitation)
	if !ok {
		return
	}

	targeted := false
	for _, id := range d.TargetPeerIDs {
		if id == s.selfID {
			targeted = true
			break
		}
	}
	if !targeted {
		return
	}

	key := fmt.Sprintf("%s|%s|%d", d.RoomID, d.HostAddress, d.RelayPort)

	s.mu.Lock()
	if _, seen := s.seenInvites[key]; seen {
		s.mu.Unlock()
		return
	}
	s.seenInvites[key] = struct{}{}
	observers := append([]func(wire.Invitation){}, s.invObservers...)
	s.mu.Unlock()

	util.LogInfo("invitation to %q from %s", d.RoomName, d.FromPeerName)
	for _, fn := range observers {
		fn(*d)
	}
}

func (s *Service) notifyPeers() {
	s.mu.Lock()
	observers := append([]func([]Peer){}, s.peerObservers...)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	for _, fn := range observers {
		fn(snapshot)
	}
}

// snapshotLocked returns the directory including the synthesized self entry.
func (s *Service) snapshotLocked() []Peer {
	out := make([]Peer, 0, len(s.peers)+1)
	out = append(out, Peer{
		PeerID:      s.selfID,
		PeerName:    s.selfName,
		PeerAddress: s.bus.LocalIP(),
		RoomName:    s.roomName,
		LastSeenAt:  time.Now(),
		IsSelf:      true,
	})
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}
