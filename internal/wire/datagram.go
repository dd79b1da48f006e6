// Package wire defines the message formats for the two channels: JSON
// datagrams on the shared broadcast socket (tagged by "tag") and JSON
// envelopes on the relay connection (tagged by "type"). Both are closed
// sets validated at the boundary — an unknown or missing discriminator is
// a decode error, never a crash.
package wire

import (
	"encoding/json"
	"fmt"
)

// Datagram tags for the broadcast channel. Discovery and Presence share one
// socket; the tag is what keeps their streams apart.
const (
	TagAnnounce   = "announce"
	TagPresence   = "peer-presence"
	TagInvitation = "invitation"
)

// Announce is the periodic room advertisement sent while hosting.
type Announce struct {
	Tag              string `json:"tag"`
	RoomID           string `json:"roomId"`
	RoomName         string `json:"roomName"`
	HostAddress      string `json:"hostAddress"`
	RelayPort        int    `json:"relayPort"`
	ParticipantCount int    `json:"participantCount"`
	TS               int64  `json:"ts"`
}

// Presence is the periodic self-advertisement every instance sends,
// hosting or not. RoomName is empty when the peer is not in a room.
type Presence struct {
	Tag         string `json:"tag"`
	PeerID      string `json:"peerId"`
	PeerName    string `json:"peerName"`
	PeerAddress string `json:"peerAddress"`
	RoomName    string `json:"roomName,omitempty"`
	TS          int64  `json:"ts"`
}

// Invitation is a fire-and-forget directed invite broadcast to the group.
// Receivers filter by TargetPeerIDs and deduplicate by (RoomID, HostAddress,
// RelayPort).
type Invitation struct {
	Tag           string   `json:"tag"`
	RoomID        string   `json:"roomId"`
	RoomName      string   `json:"roomName"`
	HostAddress   string   `json:"hostAddress"`
	RelayPort     int      `json:"relayPort"`
	FromPeerID    string   `json:"fromPeerId"`
	FromPeerName  string   `json:"fromPeerName"`
	TargetPeerIDs []string `json:"targetPeerIds"`
	TS            int64    `json:"ts"`
}

// EncodeDatagram serializes one of the datagram variants, stamping its tag.
func EncodeDatagram(v any) ([]byte, error) {
	switch d := v.(type) {
	case *Announce:
		d.Tag = TagAnnounce
	case *Presence:
		d.Tag = TagPresence
	case *Invitation:
		d.Tag = TagInvitation
	default:
		return nil, fmt.Errorf("wire: not a datagram variant: %T", v)
	}
	return json.Marshal(v)
}

// DecodeDatagram parses a broadcast datagram and returns the concrete
// variant (*Announce, *Presence, or *Invitation). Data without a known tag
// or with missing identity fields is rejected.
func DecodeDatagram(data []byte) (any, error) {
	var probe struct {
		Tag string `json:"tag"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("wire: malformed datagram: %w", err)
	}

	switch probe.Tag {
	case TagAnnounce:
		var d Announce
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("wire: malformed announce: %w", err)
		}
		if d.RoomID == "" {
			return nil, fmt.Errorf("wire: announce missing roomId")
		}
		return &d, nil

	case TagPresence:
		var d Presence
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("wire: malformed peer-presence: %w", err)
		}
		if d.PeerID == "" {
			return nil, fmt.Errorf("wire: peer-presence missing peerId")
		}
		return &d, nil

	case TagInvitation:
		var d Invitation
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("wire: malformed invitation: %w", err)
		}
		if d.RoomID == "" {
			return nil, fmt.Errorf("wire: invitation missing roomId")
		}
		return &d, nil

	case "":
		return nil, fmt.Errorf("wire: datagram missing tag")
	default:
		return nil, fmt.Errorf("wire: unknown datagram tag %q", probe.Tag)
	}
}
