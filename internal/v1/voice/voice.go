// Package voice manages voice-room lifecycle independent of the SFU's
// internal state: room creation, participant admission and state, SFU token
// issuance, webhook ingestion, and TURN credential derivation. Media never
// passes through this process.
package voice

import (
	"time"

	"github.com/concord-im/concord/internal/v1/types"
)

// Room is the stored voice room document. Participants is the authoritative
// list; capacity is enforced inside the compare-and-set that appends to it.
type Room struct {
	Key             types.RoomKey     `json:"key"`
	GuildID         types.GuildID     `json:"guild_id,omitempty"`
	ChannelID       types.ChannelID   `json:"channel_id"`
	Name            string            `json:"name"`
	SFURoom         string            `json:"sfu_room"`
	MaxParticipants int               `json:"max_participants"`
	Participants    []types.UserID    `json:"participants"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Active          bool              `json:"active"`
	CreatedAt       time.Time         `json:"created_at"`
	LastActivity    time.Time         `json:"last_activity"`
	Version         int64             `json:"version"`
}

// Participant is the stored per-(room, user) document. Invariant after every
// transition: deafened implies muted.
type Participant struct {
	RoomKey      types.RoomKey `json:"room_key"`
	UserID       types.UserID  `json:"user_id"`
	Identity     string        `json:"identity"`
	Muted        bool          `json:"is_muted"`
	Deafened     bool          `json:"is_deafened"`
	Streaming    bool          `json:"is_streaming"`
	JoinedAt     time.Time     `json:"joined_at"`
	LastActivity time.Time     `json:"last_activity"`
}

// UserSession records which room a user currently occupies and the token
// issued for it. TTL equals the token lifetime; expiry implies leave.
type UserSession struct {
	UserID    types.UserID  `json:"user_id"`
	RoomKey   types.RoomKey `json:"room_key"`
	Identity  string        `json:"identity"`
	JoinedAt  time.Time     `json:"joined_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Permissions are the SFU grants computed from the caller's roles.
type Permissions struct {
	CanPublish   bool
	CanSubscribe bool
	RoomAdmin    bool
	CanRecord    bool
}

// PermissionsFor maps roles to grants: members publish and subscribe, admins
// additionally administer the room (kick, mute), recorders may record.
func PermissionsFor(isAdmin bool, roles []string) Permissions {
	p := Permissions{CanPublish: true, CanSubscribe: true}
	if isAdmin {
		p.RoomAdmin = true
	}
	for _, r := range roles {
		switch r {
		case "admin":
			p.RoomAdmin = true
		case "recorder":
			p.CanRecord = true
		}
	}
	return p
}

// ICEServer is one entry in the ICE/TURN listing returned to clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// JoinResult is returned to a client admitted to a room.
type JoinResult struct {
	AccessToken string      `json:"access_token"`
	ServerURL   string      `json:"server_url"`
	RoomName    string      `json:"room_name"`
	Identity    string      `json:"identity"`
	ICEServers  []ICEServer `json:"ice_servers"`
	TURNServers []ICEServer `json:"turn_servers"`
}
