package mesh

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/1ureka/lanmesh/internal/roomkey"
	"github.com/1ureka/lanmesh/internal/util"
	"github.com/1ureka/lanmesh/internal/wire"
)

// Sender is the slice of the relay client the coordinator needs.
type Sender interface {
	Send(env wire.Envelope) error
}

// linkState is the per-peer negotiation state machine.
type linkState int

const (
	stateIdle linkState = iota
	stateOfferSent
	stateAnswerPending
	stateConnected
	stateClosed
)

func (s linkState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateOfferSent:
		return "offer-sent"
	case stateAnswerPending:
		return "answer-pending"
	case stateConnected:
		return "connected"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// link is the state for one remote peer ever contacted in this session.
type link struct {
	remoteID string
	engine   Engine
	state    linkState

	// Candidates can outrun the remote description through the relay;
	// they are buffered until it is applied, then flushed in order.
	remoteApplied     bool
	pendingCandidates []string
}

// Coordinator runs the offer election and applies relayed negotiation
// messages against the per-peer engines. The election is asymmetric: for
// any pair, only the peer with the smaller id offers, so two peers can
// never offer to each other simultaneously.
type Coordinator struct {
	localID   string
	sender    Sender
	newEngine EngineFactory
	key       []byte // room key; nil disables payload encryption

	mu    sync.Mutex
	links map[string]*link

	// onLinkDown is invoked after a link's resources are released, for the
	// owning layer to drop its media sink.
	onLinkDown func(remoteID string)
}

// New creates a coordinator for one joined room. key may be nil to run the
// negotiation payloads in the clear.
func New(localID string, sender Sender, factory EngineFactory, key []byte) *Coordinator {
	return &Coordinator{
		localID:   localID,
		sender:    sender,
		newEngine: factory,
		key:       key,
		links:     make(map[string]*link),
	}
}

// OnLinkDown registers the teardown callback.
func (c *Coordinator) OnLinkDown(fn func(remoteID string)) {
	c.mu.Lock()
	c.onLinkDown = fn
	c.mu.Unlock()
}

// AddPeer handles learning of a peer, from a welcome participant list or a
// peer-joined notice. It is idempotent: a repeated notice for a linked peer
// never creates a second link. When the local id orders first, the offer is
// created and sent; otherwise the remote side is responsible for offering.
func (c *Coordinator) AddPeer(remoteID string) error {
	if remoteID == c.localID {
		return nil
	}

	c.mu.Lock()
	if _, exists := c.links[remoteID]; exists {
		c.mu.Unlock()
		return nil
	}
	if c.localID >= remoteID {
		// The remote side offers. No link until its offer arrives.
		c.mu.Unlock()
		return nil
	}

	eng, err := c.attachEngine(remoteID)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("mesh: engine for %s: %w", remoteID, err)
	}

	l := &link{remoteID: remoteID, engine: eng, state: stateIdle}
	c.links[remoteID] = l

	sdp, err := eng.CreateOffer()
	if err != nil {
		c.dropLocked(l)
		c.mu.Unlock()
		return fmt.Errorf("mesh: offer for %s: %w", remoteID, err)
	}
	l.state = stateOfferSent
	c.mu.Unlock()

	payload, encrypted, err := c.seal(sdp)
	if err != nil {
		c.Remove(remoteID)
		return err
	}
	util.LogDebug("mesh: offering to %s", remoteID)
	return c.sender.Send(wire.Envelope{
		Type:      wire.TypeOffer,
		From:      c.localID,
		To:        remoteID,
		SDP:       payload,
		Encrypted: encrypted,
	})
}

// HandleEnvelope applies one relayed envelope. Errors are negotiation
// failures scoped to the named peer; the coordinator itself stays healthy.
func (c *Coordinator) HandleEnvelope(env wire.Envelope) error {
	switch env.Type {
	case wire.TypePeerJoined:
		return c.AddPeer(env.ClientID)
	case wire.TypePeerLeft:
		c.Remove(env.ClientID)
		return nil
	case wire.TypeOffer:
		return c.handleOffer(env)
	case wire.TypeAnswer:
		return c.handleAnswer(env)
	case wire.TypeICE:
		return c.handleICE(env)
	default:
		return nil
	}
}

func (c *Coordinator) handleOffer(env wire.Envelope) error {
	sdp, err := c.open(env.SDP, env.Encrypted)
	if err != nil {
		util.LogWarning("mesh: dropping offer from %s: %v", env.From, err)
		return nil
	}

	c.mu.Lock()
	if l, exists := c.links[env.From]; exists {
		if l.state != stateIdle {
			// Genuine race despite the election (e.g. a stale offer):
			// discard rather than corrupting established engine state.
			util.LogWarning("mesh: unexpected offer from %s in state %s, discarding", env.From, l.state)
			c.mu.Unlock()
			return nil
		}
		c.dropLocked(l)
	}

	eng, err := c.attachEngine(env.From)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("mesh: engine for %s: %w", env.From, err)
	}

	l := &link{remoteID: env.From, engine: eng, state: stateAnswerPending}
	c.links[env.From] = l

	answer, err := eng.CreateAnswer(sdp)
	if err != nil {
		c.dropLocked(l)
		c.mu.Unlock()
		return fmt.Errorf("mesh: answer for %s: %w", env.From, err)
	}

	// Answer creation is terminal from the receiver's perspective.
	l.remoteApplied = true
	l.state = stateConnected
	pending := l.pendingCandidates
	l.pendingCandidates = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := eng.AddCandidate(cand); err != nil {
			util.LogWarning("mesh: buffered candidate for %s: %v", env.From, err)
		}
	}

	payload, encrypted, err := c.seal(answer)
	if err != nil {
		c.Remove(env.From)
		return err
	}
	util.LogDebug("mesh: answering %s", env.From)
	return c.sender.Send(wire.Envelope{
		Type:      wire.TypeAnswer,
		From:      c.localID,
		To:        env.From,
		SDP:       payload,
		Encrypted: encrypted,
	})
}

func (c *Coordinator) handleAnswer(env wire.Envelope) error {
	sdp, err := c.open(env.SDP, env.Encrypted)
	if err != nil {
		util.LogWarning("mesh: dropping answer from %s: %v", env.From, err)
		return nil
	}

	c.mu.Lock()
	l, exists := c.links[env.From]
	if !exists || l.state != stateOfferSent {
		// Already connected, or no offer in flight — ignore.
		util.LogDebug("mesh: ignoring answer from %s", env.From)
		c.mu.Unlock()
		return nil
	}
	eng := l.engine
	c.mu.Unlock()

	if err := eng.AcceptAnswer(sdp); err != nil {
		c.Remove(env.From)
		return fmt.Errorf("mesh: apply answer from %s: %w", env.From, err)
	}

	c.mu.Lock()
	if l, ok := c.links[env.From]; ok && l.state == stateOfferSent {
		l.remoteApplied = true
		l.state = stateConnected
		pending := l.pendingCandidates
		l.pendingCandidates = nil
		c.mu.Unlock()

		for _, cand := range pending {
			if err := eng.AddCandidate(cand); err != nil {
				util.LogWarning("mesh: buffered candidate for %s: %v", env.From, err)
			}
		}
		return nil
	}
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) handleICE(env wire.Envelope) error {
	cand, err := c.open(env.Candidate, env.Encrypted)
	if err != nil {
		util.LogWarning("mesh: dropping candidate from %s: %v", env.From, err)
		return nil
	}

	c.mu.Lock()
	l, exists := c.links[env.From]
	if !exists {
		// Late candidate for a closed or never-opened link.
		util.LogDebug("mesh: no link for candidate from %s", env.From)
		c.mu.Unlock()
		return nil
	}
	if !l.remoteApplied {
		// Candidates may arrive before the description they belong to;
		// hold them until it is applied.
		l.pendingCandidates = append(l.pendingCandidates, cand)
		c.mu.Unlock()
		return nil
	}
	eng := l.engine
	c.mu.Unlock()

	if err := eng.AddCandidate(cand); err != nil {
		util.LogWarning("mesh: candidate from %s: %v", env.From, err)
	}
	return nil
}

// Remove closes a peer's link and releases its engine. Engine resources go
// first, map removal second, so a late message for the dead link finds no
// record and is dropped.
func (c *Coordinator) Remove(remoteID string) {
	c.mu.Lock()
	l, exists := c.links[remoteID]
	if !exists || l.state == stateClosed {
		c.mu.Unlock()
		return
	}
	l.state = stateClosed
	onDown := c.onLinkDown
	c.mu.Unlock()

	l.engine.Close()

	c.mu.Lock()
	delete(c.links, remoteID)
	c.mu.Unlock()

	util.LogInfo("mesh: link to %s closed", remoteID)
	if onDown != nil {
		onDown(remoteID)
	}
}

// Close tears down every link.
func (c *Coordinator) Close() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.links))
	for id := range c.links {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.Remove(id)
	}
}

// Linked reports whether a live link to the peer exists (tests and UI).
func (c *Coordinator) Linked(remoteID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.links[remoteID]
	return ok && l.state != stateClosed
}

// attachEngine creates the peer's engine and wires its callbacks. Called
// with c.mu held; the callbacks themselves take the lock on their own
// goroutines.
func (c *Coordinator) attachEngine(remoteID string) (Engine, error) {
	eng, err := c.newEngine(remoteID)
	if err != nil {
		return nil, err
	}

	eng.OnCandidate(func(candidate string) {
		payload, encrypted, err := c.seal(candidate)
		if err != nil {
			util.LogWarning("mesh: sealing candidate for %s: %v", remoteID, err)
			return
		}
		if err := c.sender.Send(wire.Envelope{
			Type:      wire.TypeICE,
			From:      c.localID,
			To:        remoteID,
			Candidate: payload,
			Encrypted: encrypted,
		}); err != nil {
			util.LogWarning("mesh: sending candidate to %s: %v", remoteID, err)
		}
	})

	eng.OnConnectionState(func(state ConnState) {
		util.LogDebug("mesh: link to %s is %s", remoteID, state)
		if state.Terminal() {
			c.Remove(remoteID)
		}
	})

	return eng, nil
}

// dropLocked removes a link whose setup failed. Caller holds c.mu.
func (c *Coordinator) dropLocked(l *link) {
	l.state = stateClosed
	l.engine.Close()
	delete(c.links, l.remoteID)
}

// seal encrypts a negotiation payload when a room key is present.
func (c *Coordinator) seal(plaintext string) (payload string, encrypted bool, err error) {
	if c.key == nil {
		return plaintext, false, nil
	}
	sealed, err := roomkey.Seal(c.key, []byte(plaintext))
	if err != nil {
		return "", false, fmt.Errorf("mesh: seal: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), true, nil
}

// open reverses seal. A crypto failure is recoverable: the caller drops the
// message and the link state is untouched.
func (c *Coordinator) open(payload string, encrypted bool) (string, error) {
	if !encrypted {
		return payload, nil
	}
	if c.key == nil {
		return "", fmt.Errorf("mesh: encrypted payload but no room key")
	}
	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("mesh: bad payload encoding: %w", err)
	}
	plaintext, err := roomkey.Open(c.key, sealed)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
