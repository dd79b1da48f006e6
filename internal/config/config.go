// Package config holds the CLI configuration types and protocol timing defaults.
package config

import "time"

// Role represents the user's chosen role (host or participant).
type Role string

const (
	RoleHost Role = "host"
	RoleJoin Role = "join"
)

// Config stores all parameters gathered from CLI flags or interactive
// prompts. An empty Role means no mode flag was given and the CLI falls
// back to its interactive menu.
type Config struct {
	Role      Role
	PeerName  string // display name announced on the LAN
	RoomName  string // Host: name of the room to create
	RoomID    string // Join: id of the room to join
	RelayPort int    // Host: fixed relay port (0 = random)
}

// Broadcast channel defaults. All instances on one LAN must agree on the
// group address and port, so these are constants rather than flags.
const (
	MulticastGroup = "239.77.88.99"
	MulticastPort  = 57780
)

// Timing defaults. Room announcements run on a tighter cadence than peer
// presence so a new room shows up quickly; both kinds of entry expire after
// TTL of silence.
const (
	AnnounceInterval = 2 * time.Second
	PresenceInterval = 3 * time.Second
	SweepInterval    = 1 * time.Second
	EntryTTL         = 3 * AnnounceInterval

	ReconnectDelay       = 2 * time.Second
	ReconnectMaxAttempts = 5
)
