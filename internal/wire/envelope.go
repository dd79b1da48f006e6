package wire

import "fmt"

// EnvelopeType identifies the kind of relay envelope.
type EnvelopeType string

const (
	TypeJoin       EnvelopeType = "join"
	TypeWelcome    EnvelopeType = "welcome"
	TypePeerJoined EnvelopeType = "peer-joined"
	TypePeerLeft   EnvelopeType = "peer-left"
	TypeOffer      EnvelopeType = "offer"
	TypeAnswer     EnvelopeType = "answer"
	TypeICE        EnvelopeType = "ice"
	TypeLeave      EnvelopeType = "leave"
	TypeEnd        EnvelopeType = "end"
)

// Participant is one entry in a welcome membership snapshot.
type Participant struct {
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName,omitempty"`
}

// Envelope is the JSON structure exchanged over the relay connection.
// Only the fields relevant to the given Type are populated; offer, answer,
// and ice envelopes are relayed verbatim to the named To recipient.
//
// When payload encryption is on, SDP / Candidate hold the base64 of the
// sealed plaintext and Encrypted is set.
type Envelope struct {
	Type EnvelopeType `json:"type"`

	// join / peer-joined / peer-left / leave
	ClientID    string `json:"clientId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	// welcome
	You          string        `json:"you,omitempty"`
	Participants []Participant `json:"participants,omitempty"`

	// offer / answer / ice
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	Encrypted bool   `json:"encrypted,omitempty"`
}

// Validate checks the envelope against the closed type set and the minimum
// fields each type requires. The relay drops envelopes that fail here.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeJoin:
		if e.ClientID == "" {
			return fmt.Errorf("wire: join missing clientId")
		}
	case TypeOffer, TypeAnswer, TypeICE:
		if e.From == "" || e.To == "" {
			return fmt.Errorf("wire: %s missing from/to", e.Type)
		}
	case TypeWelcome, TypePeerJoined, TypePeerLeft, TypeLeave, TypeEnd:
		// No required fields beyond the type itself.
	case "":
		return fmt.Errorf("wire: envelope missing type")
	default:
		return fmt.Errorf("wire: unknown envelope type %q", e.Type)
	}
	return nil
}
