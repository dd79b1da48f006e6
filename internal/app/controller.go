// Package app contains the top-level orchestration: it owns the broadcast
// socket, the discovery and presence services, and the hosting/joining
// lifecycle, and exposes the imperative surface the presentation layer
// drives (start/stop hosting, join/leave room, observer callbacks).
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/lanmesh/internal/castnet"
	"github.com/1ureka/lanmesh/internal/config"
	"github.com/1ureka/lanmesh/internal/discovery"
	"github.com/1ureka/lanmesh/internal/media"
	"github.com/1ureka/lanmesh/internal/mesh"
	"github.com/1ureka/lanmesh/internal/presence"
	"github.com/1ureka/lanmesh/internal/relay"
	"github.com/1ureka/lanmesh/internal/roomkey"
	"github.com/1ureka/lanmesh/internal/util"
	"github.com/1ureka/lanmesh/internal/wire"
)

// relaySender defers the coordinator's outbound path until the relay
// client exists; the coordinator is constructed first so the envelope
// handler has somewhere to dispatch from the moment dispatch starts.
type relaySender struct {
	mu     sync.Mutex
	client *relay.Client
}

func (s *relaySender) attach(c *relay.Client) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

func (s *relaySender) Send(env wire.Envelope) error {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("app: relay not connected")
	}
	return c.Send(env)
}

// roomSession is the state of being in one room, as host or participant.
type roomSession struct {
	roomID   string
	roomName string
	relayURL string
	hosting  bool

	client *relay.Client
	coord  *mesh.Coordinator

	members map[string]struct{} // other participants, by client id
	stopped bool                // set by LeaveRoom to suppress reconnect
}

// Controller is one lanmesh instance. All directories and session state
// hang off the instance, so independent instances coexist in one process.
type Controller struct {
	selfID   string
	selfName string

	bus     *castnet.Socket
	disc    *discovery.Service
	pres    *presence.Service
	keyring *roomkey.Keyring

	mu      sync.Mutex
	session *roomSession
	server  *relay.Server
	hosted  *wire.Announce
}

// New opens the shared broadcast socket and assembles the services.
// The instance id is generated fresh per process run.
func New(selfName string) (*Controller, error) {
	bus, err := castnet.Open(config.MulticastGroup, config.MulticastPort)
	if err != nil {
		return nil, err
	}

	selfID := uuid.NewString()
	c := &Controller{
		selfID:   selfID,
		selfName: selfName,
		bus:      bus,
		disc:     discovery.New(bus, discovery.Options{}),
		pres:     presence.New(bus, selfID, selfName, presence.Options{}),
		keyring:  roomkey.NewKeyring(),
	}

	c.disc.SetParticipantCount(c.participantCount)
	return c, nil
}

// SelfID returns this instance's peer id.
func (c *Controller) SelfID() string { return c.selfID }

// Start launches discovery and presence.
func (c *Controller) Start() {
	c.disc.Start()
	c.pres.Start()
}

// Close leaves any room, stops hosting, and releases the socket. Timers
// are cleared synchronously before the socket goes away.
func (c *Controller) Close() {
	c.LeaveRoom()
	c.StopHosting()
	c.disc.Stop()
	c.pres.Stop()
	c.bus.Close()
}

// Observer wiring — the presentation layer's read side.

func (c *Controller) OnRooms(fn func([]discovery.Room)) { c.disc.Observe(fn) }

func (c *Controller) OnPeers(fn func([]presence.Peer)) { c.pres.ObservePeers(fn) }

func (c *Controller) OnInvitation(fn func(wire.Invitation)) { c.pres.ObserveInvitations(fn) }

// ---------------------------------------------------------------------------
// Hosting
// ---------------------------------------------------------------------------

// StartHosting creates a room: it starts the relay, begins announcing the
// descriptor, and joins the own relay as a regular participant — hosting
// always implies participating, on the same code path as everyone else.
func (c *Controller) StartHosting(ctx context.Context, roomName string, port int) (wire.Announce, error) {
	c.mu.Lock()
	if c.hosted != nil {
		c.mu.Unlock()
		return wire.Announce{}, fmt.Errorf("app: already hosting %q", c.hosted.RoomName)
	}
	c.mu.Unlock()

	server := relay.NewServer()
	boundPort, err := server.Start(port)
	if err != nil {
		return wire.Announce{}, err
	}

	roomID := uuid.NewString()
	desc := c.disc.StartHosting(roomID, roomName, boundPort)

	c.mu.Lock()
	c.server = server
	c.hosted = &desc
	c.mu.Unlock()

	if err := c.joinRelay(ctx, roomID, roomName, relayURL("127.0.0.1", boundPort), true); err != nil {
		c.StopHosting()
		return wire.Announce{}, err
	}

	util.LogInfo("hosting %q (room %s) on port %d", roomName, roomID, boundPort)
	return desc, nil
}

// StopHosting stops announcing, broadcasts the end envelope, and shuts the
// relay down.
func (c *Controller) StopHosting() {
	c.mu.Lock()
	server := c.server
	hosted := c.hosted
	c.server = nil
	c.hosted = nil
	c.mu.Unlock()

	if hosted == nil {
		return
	}

	c.disc.StopHosting()
	c.LeaveRoom()
	server.Stop(true)
	util.LogInfo("stopped hosting %q", hosted.RoomName)
}

// Invite broadcasts an invitation to the hosted room.
func (c *Controller) Invite(targetPeerIDs []string) error {
	c.mu.Lock()
	hosted := c.hosted
	c.mu.Unlock()

	if hosted == nil {
		return fmt.Errorf("app: not hosting a room")
	}
	return c.pres.Invite(hosted.RoomID, hosted.RoomName, hosted.HostAddress, hosted.RelayPort, targetPeerIDs)
}

// ---------------------------------------------------------------------------
// Joining
// ---------------------------------------------------------------------------

// JoinRoom connects to a discovered room's relay. Failure to reach the
// relay at all is surfaced to the caller and leaves the instance in the
// not-in-room state.
func (c *Controller) JoinRoom(ctx context.Context, roomID, roomName, hostAddress string, relayPort int) error {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return fmt.Errorf("app: already in a room")
	}
	c.mu.Unlock()

	return c.joinRelay(ctx, roomID, roomName, relayURL(hostAddress, relayPort), false)
}

// LeaveRoom departs the current room and tears down every peer link.
func (c *Controller) LeaveRoom() {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	if sess != nil {
		sess.stopped = true
	}
	c.mu.Unlock()

	if sess == nil {
		return
	}

	sess.coord.Close()
	sess.client.Leave()
	c.pres.SetRoom("")
	util.LogInfo("left room %q", sess.roomName)
}

// joinRelay is the single join path for hosts and participants alike.
func (c *Controller) joinRelay(ctx context.Context, roomID, roomName, url string, hosting bool) error {
	key := c.keyring.Key(roomID)

	sender := &relaySender{}
	factory := media.Factory(media.Options{
		Transform: func(frame []byte) ([]byte, error) {
			return roomkey.Seal(key, frame)
		},
	})
	coord := mesh.New(c.selfID, sender, factory, key)

	sess := &roomSession{
		roomID:   roomID,
		roomName: roomName,
		relayURL: url,
		hosting:  hosting,
		coord:    coord,
		members:  make(map[string]struct{}),
	}

	client, err := relay.Connect(ctx, url, c.selfID, c.selfName, func(env wire.Envelope) {
		c.handleEnvelope(sess, env)
	})
	if err != nil {
		coord.Close()
		return fmt.Errorf("app: failed to reach relay: %w", err)
	}
	sender.attach(client)
	sess.client = client

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	c.pres.SetRoom(roomName)

	// Offer election against the membership snapshot. Peers that join
	// later arrive as peer-joined envelopes.
	for _, p := range client.Participants() {
		c.mu.Lock()
		sess.members[p.ClientID] = struct{}{}
		c.mu.Unlock()
		if err := coord.AddPeer(p.ClientID); err != nil {
			util.LogWarning("negotiation with %s failed: %v", p.ClientID, err)
		}
	}
	client.Start()

	go c.watchRelay(sess)
	return nil
}

// handleEnvelope runs on the relay client's dispatch goroutine, so the
// membership map and the coordinator see envelopes in receipt order.
func (c *Controller) handleEnvelope(sess *roomSession, env wire.Envelope) {
	switch env.Type {
	case wire.TypePeerJoined:
		c.mu.Lock()
		sess.members[env.ClientID] = struct{}{}
		c.mu.Unlock()
	case wire.TypePeerLeft:
		c.mu.Lock()
		delete(sess.members, env.ClientID)
		c.mu.Unlock()
	case wire.TypeEnd:
		util.LogInfo("room %q ended by host", sess.roomName)
		go c.LeaveRoom()
		return
	}

	if err := sess.coord.HandleEnvelope(env); err != nil {
		// Negotiation failure for one peer; other links are unaffected.
		util.LogWarning("%v", err)
	}
}

// watchRelay handles the relay connection dropping out from under us. The
// hosting instance reconnects to its own relay with a bounded fixed-delay
// retry; a participant reverts to the not-in-room state.
func (c *Controller) watchRelay(sess *roomSession) {
	<-sess.client.Done()

	c.mu.Lock()
	current := c.session == sess && !sess.stopped
	c.mu.Unlock()
	if !current {
		return
	}

	if !sess.hosting {
		util.LogWarning("lost relay connection, leaving room %q", sess.roomName)
		c.LeaveRoom()
		return
	}

	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	sess.coord.Close()

	for attempt := 1; attempt <= config.ReconnectMaxAttempts; attempt++ {
		time.Sleep(config.ReconnectDelay)

		c.mu.Lock()
		stillHosting := c.hosted != nil
		c.mu.Unlock()
		if !stillHosting {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), config.ReconnectDelay)
		err := c.joinRelay(ctx, sess.roomID, sess.roomName, sess.relayURL, true)
		cancel()
		if err == nil {
			util.LogInfo("rejoined own relay for %q", sess.roomName)
			return
		}
		util.LogWarning("relay rejoin attempt %d/%d failed: %v", attempt, config.ReconnectMaxAttempts, err)
	}

	util.LogError("giving up on relay for %q, stopping hosting", sess.roomName)
	c.StopHosting()
}

// participantCount feeds the live count into room announcements: the other
// relay members plus this instance.
func (c *Controller) participantCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return 1
	}
	return len(c.session.members) + 1
}

func relayURL(host string, port int) string {
	return fmt.Sprintf("ws://%s:%d/ws", host, port)
}
