// Package discovery maintains the LAN room directory: it broadcasts the
// local room descriptor while hosting and expires entries that go silent.
package discovery

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/1ureka/lanmesh/internal/castnet"
	"github.com/1ureka/lanmesh/internal/config"
	"github.com/1ureka/lanmesh/internal/util"
	"github.com/1ureka/lanmesh/internal/wire"
)

// Bus is the slice of the broadcast socket this service needs. Tests
// substitute an in-memory implementation.
type Bus interface {
	Subscribe(tag string, h castnet.Handler)
	Send(v any) error
	LocalIP() string
}

// Room is one directory entry, pruned when now - LastSeenAt exceeds the TTL.
type Room struct {
	RoomID           string
	RoomName         string
	HostAddress      string
	RelayPort        int
	ParticipantCount int
	LastSeenAt       time.Time
}

// sameListing reports whether two entries are equal apart from LastSeenAt.
// A refresh that only bumps the timestamp is not a directory change.
func sameListing(a, b Room) bool {
	return a.RoomID == b.RoomID &&
		a.RoomName == b.RoomName &&
		a.HostAddress == b.HostAddress &&
		a.RelayPort == b.RelayPort &&
		a.ParticipantCount == b.ParticipantCount
}

// Options tunes the timers. Zero values fall back to the config defaults;
// tests shrink them to milliseconds.
type Options struct {
	AnnounceInterval time.Duration
	SweepInterval    time.Duration
	TTL              time.Duration
}

func (o *Options) fill() {
	if o.AnnounceInterval <= 0 {
		o.AnnounceInterval = config.AnnounceInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = config.SweepInterval
	}
	if o.TTL <= 0 {
		o.TTL = config.EntryTTL
	}
}

// Service owns the room directory for one instance. All state lives on the
// instance — no globals — so independent instances coexist in one process.
type Service struct {
	bus  Bus
	opts Options

	mu        sync.Mutex
	rooms     map[string]Room
	observers []func([]Room)

	hosting      *wire.Announce // descriptor being broadcast, nil when not hosting
	participants func() int     // live participant count provider, may be nil

	announceStop chan struct{}
	announceWG   sync.WaitGroup
	sweepStop    chan struct{}
	sweepWG      sync.WaitGroup
	started      bool
}

// New creates the service and registers its receive handler on the bus.
func New(bus Bus, opts Options) *Service {
	opts.fill()
	s := &Service{
		bus:   bus,
		opts:  opts,
		rooms: make(map[string]Room),
	}
	bus.Subscribe(wire.TagAnnounce, s.handleAnnounce)
	return s
}

// Start launches the sweep timer. Safe to call once per instance.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.sweepStop = make(chan struct{})
	s.sweepWG.Add(1)
	go s.sweepLoop(s.sweepStop)
}

// Stop halts hosting (if active) and the sweep timer. It returns only after
// both loops have exited, so no broadcast fires after Stop.
func (s *Service) Stop() {
	s.StopHosting()

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stop := s.sweepStop
	s.mu.Unlock()

	close(stop)
	s.sweepWG.Wait()
}

// SetParticipantCount installs a provider for the live participant count
// included in each announcement.
func (s *Service) SetParticipantCount(fn func() int) {
	s.mu.Lock()
	s.participants = fn
	s.mu.Unlock()
}

// StartHosting begins broadcasting the room descriptor every announce
// interval and returns the descriptor being advertised.
func (s *Service) StartHosting(roomID, roomName string, relayPort int) wire.Announce {
	s.StopHosting()

	desc := wire.Announce{
		RoomID:      roomID,
		RoomName:    roomName,
		HostAddress: s.bus.LocalIP(),
		RelayPort:   relayPort,
	}

	s.mu.Lock()
	s.hosting = &desc
	s.announceStop = make(chan struct{})
	stop := s.announceStop
	s.mu.Unlock()

	s.announceWG.Add(1)
	go s.announceLoop(stop)

	return desc
}

// StopHosting clears the announce timer synchronously: when it returns, no
// further announcement will be sent for the stopped room.
func (s *Service) StopHosting() {
	s.mu.Lock()
	if s.hosting == nil {
		s.mu.Unlock()
		return
	}
	s.hosting = nil
	stop := s.announceStop
	s.announceStop = nil
	s.mu.Unlock()

	close(stop)
	s.announceWG.Wait()
}

// Observe registers a directory callback. It is invoked immediately with
// the current snapshot and again on every structural change.
func (s *Service) Observe(fn func([]Room)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	fn(snapshot)
}

// ---------------------------------------------------------------------------
// Timers
// ---------------------------------------------------------------------------

func (s *Service) announceLoop(stop chan struct{}) {
	defer s.announceWG.Done()

	ticker := time.NewTicker(s.opts.AnnounceInterval)
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
	if s.hosting == nil {
		s.mu.Unlock()
		return
	}
	desc := *s.hosting
	if s.participants != nil {
		desc.ParticipantCount = s.participants()
	}
	s.mu.Unlock()

	desc.TS = time.Now().UnixMilli()
	if err := s.bus.Send(&desc); err != nil {
		// Transient: the next tick retries.
		util.LogWarning("room announce failed: %v", err)
	}
}

func (s *Service) sweepLoop(stop chan struct{}) {
	defer s.sweepWG.Done()

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
	for id, room := range s.rooms {
		if now.Sub(room.LastSeenAt) > s.opts.TTL {
			delete(s.rooms, id)
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// ---------------------------------------------------------------------------
// Receive path
// ---------------------------------------------------------------------------

func (s *Service) handleAnnounce(v any, src *net.UDPAddr) {
	d, ok := v.(*wire.Announce)
	if !ok {
		return
	}

	s.mu.Lock()
	// The hosting instance also hears its own announcements on the shared
	// socket; its own room does not belong in the directory it shows.
	if s.hosting != nil && s.hosting.RoomID == d.RoomID {
		s.mu.Unlock()
		return
	}

	entry := Room{
		RoomID:           d.RoomID,
		RoomName:         d.RoomName,
		HostAddress:      d.HostAddress,
		RelayPort:        d.RelayPort,
		ParticipantCount: d.ParticipantCount,
		LastSeenAt:       time.Now(),
	}
	prev, existed := s.rooms[d.RoomID]
	s.rooms[d.RoomID] = entry
	changed := !existed || !sameListing(prev, entry)
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

func (s *Service) notify() {
	s.mu.Lock()
	observers := append([]func([]Room){}, s.observers...)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	for _, fn := range observers {
		fn(snapshot)
	}
}

func (s *Service) snapshotLocked() []Room {
	out := make([]Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}
