// Package mesh decides, for every remote peer in the room, who offers, when
// to answer, and how incoming descriptions and candidates are applied to
// the media engine. One coordinator per joined room, one link per remote
// peer ever contacted.
package mesh

// ConnState is the engine's view of one peer link's transport.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected" // transient, never tears a link down
	StateFailed       ConnState = "failed"
	StateClosed       ConnState = "closed"
)

// Terminal reports whether the state ends the link. A transient
// "disconnected" of the underlying transport is explicitly not terminal.
func (s ConnState) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Engine is the media collaborator contract for a single peer link:
// offer/answer creation applies the local description internally, Accept*
// applies the remote one, and candidates trickle both ways. The coordinator
// owns when these are called; the engine owns everything about media.
type Engine interface {
	// CreateOffer produces the local offer SDP and applies it as the
	// local description.
	CreateOffer() (sdp string, err error)

	// CreateAnswer applies the remote offer and produces (and applies)
	// the local answer.
	CreateAnswer(remoteOffer string) (sdp string, err error)

	// AcceptAnswer applies the remote answer to a link that offered.
	AcceptAnswer(sdp string) error

	// AddCandidate applies a remote ICE candidate (JSON-encoded init).
	// An empty candidate marks end-of-gathering and is not an error.
	AddCandidate(candidate string) error

	// OnCandidate registers the trickle callback for locally gathered
	// candidates. An empty string signals end-of-gathering.
	OnCandidate(fn func(candidate string))

	// OnConnectionState registers the transport state callback.
	OnConnectionState(fn func(state ConnState))

	// Close releases the link's media resources.
	Close() error
}

// EngineFactory creates the engine for one remote peer. Errors abort that
// peer's negotiation only.
type EngineFactory func(remoteID string) (Engine, error)
