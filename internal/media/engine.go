// Package media provides the pion-backed media engine: one PeerConnection
// per remote peer, driven by the mesh coordinator through the Engine
// contract. Capture, encode, and render stay outside this subsystem; what
// lives here is description/candidate application and the encoded-frame
// transform hook.
package media

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/lanmesh/internal/mesh"
	"github.com/1ureka/lanmesh/internal/util"
)

// FrameTransform mutates one encoded media frame on the wire path, e.g.
// room-key frame encryption. Applied by the capture/render pipeline via
// Transform.
type FrameTransform func(frame []byte) ([]byte, error)

// Options configures every engine the factory produces.
type Options struct {
	// Transform is the optional encoded-frame hook shared by all links.
	Transform FrameTransform
}

// Engine wraps one PeerConnection for one remote peer.
//
// The configuration carries no ICE servers: the mesh is LAN-only, host
// candidates are sufficient, and running STUN/TURN infrastructure is an
// explicit non-goal.
type Engine struct {
	remoteID  string
	pc        *webrtc.PeerConnection
	transform FrameTransform
}

// Factory returns a mesh.EngineFactory producing engines with the given
// options.
func Factory(opts Options) mesh.EngineFactory {
	return func(remoteID string) (mesh.Engine, error) {
		return NewEngine(remoteID, opts)
	}
}

// NewEngine creates the PeerConnection and its audio/video transceivers.
func NewEngine(remoteID string, opts Options) (*Engine, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("media: new peer connection: %w", err)
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("media: add %s transceiver: %w", kind, err)
		}
	}

	return &Engine{remoteID: remoteID, pc: pc, transform: opts.Transform}, nil
}

// CreateOffer generates the offer and applies it as the local description.
func (e *Engine) CreateOffer() (string, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

// CreateAnswer applies the remote offer and generates (and applies) the
// local answer.
func (e *Engine) CreateAnswer(remoteOffer string) (string, error) {
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  remoteOffer,
	}); err != nil {
		return "", err
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

// AcceptAnswer applies the remote answer.
func (e *Engine) AcceptAnswer(sdp string) error {
	return e.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

// AddCandidate applies a remote ICE candidate. An empty candidate is the
// end-of-gathering marker and is passed through as such.
func (e *Engine) AddCandidate(candidate string) error {
	if candidate == "" {
		return e.pc.AddICECandidate(webrtc.ICECandidateInit{})
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("media: bad candidate: %w", err)
	}
	return e.pc.AddICECandidate(init)
}

// OnCandidate forwards locally gathered candidates, JSON-encoded; the nil
// gathering-complete signal becomes an empty string.
func (e *Engine) OnCandidate(fn func(candidate string)) {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn("")
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			util.LogWarning("media: marshal candidate: %v", err)
			return
		}
		fn(string(data))
	})
}

// OnConnectionState maps pion's PeerConnection states onto the mesh's view.
func (e *Engine) OnConnectionState(fn func(state mesh.ConnState)) {
	e.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			fn(mesh.StateConnected)
		case webrtc.PeerConnectionStateDisconnected:
			fn(mesh.StateDisconnected)
		case webrtc.PeerConnectionStateFailed:
			fn(mesh.StateFailed)
		case webrtc.PeerConnectionStateClosed:
			fn(mesh.StateClosed)
		default:
			fn(mesh.StateConnecting)
		}
	})
}

// OnTrack hands inbound remote tracks to the render pipeline.
func (e *Engine) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	e.pc.OnTrack(fn)
}

// Transform applies the attached encoded-frame hook; with none attached,
// frames pass through untouched.
func (e *Engine) Transform(frame []byte) ([]byte, error) {
	if e.transform == nil {
		return frame, nil
	}
	return e.transform(frame)
}

// Close releases the PeerConnection.
func (e *Engine) Close() error {
	return e.pc.Close()
}
