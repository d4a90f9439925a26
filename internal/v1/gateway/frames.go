package gateway

import (
	"encoding/json"

	"github.com/concord-im/concord/internal/v1/types"
)

// Inbound frame kinds.
const (
	FrameJoinChannel    = "join_channel"
	FrameLeaveChannel   = "leave_channel"
	FrameJoinGuild      = "join_guild"
	FrameLeaveGuild     = "leave_guild"
	FrameSendMessage    = "send_message"
	FrameTypingStart    = "typing_start"
	FrameTypingStop     = "typing_stop"
	FramePresenceUpdate = "presence_update"
	FramePing           = "ping"
)

// Outbound frame kinds produced by the gateway itself. Kinds originating from
// bus events (message_created, presence_update, ...) pass through verbatim.
const (
	FrameReady     = "ready"
	FramePong      = "pong"
	FrameError     = "error"
	FrameTyping    = "typing"
	FrameUserJoin  = "user_joined"
	FrameUserLeave = "user_left"
)

// Frame is the client wire format. One flat object with a discriminator;
// unused fields are omitted per kind.
type Frame struct {
	Type      string          `json:"type"`
	Nonce     string          `json:"nonce,omitempty"`
	ChannelID types.ChannelID `json:"channel_id,omitempty"`
	GuildID   types.GuildID   `json:"guild_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	Status    string          `json:"status,omitempty"`
	Activity  string          `json:"activity,omitempty"`
}

// outFrame is what the gateway writes back. Data carries the bus event
// payload untouched so collaborator schemas pass through.
type outFrame struct {
	Type      string          `json:"type"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	Nonce     string          `json:"nonce,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	SessionID types.SessionID `json:"session_id,omitempty"`
}

type readyFrame struct {
	Type        string          `json:"type"`
	SessionID   types.SessionID `json:"session_id"`
	UserID      types.UserID    `json:"user_id"`
	DisplayName string          `json:"display_name"`
	Guilds      []types.GuildID `json:"guilds"`
	Sessions    int             `json:"sessions"`
}

func marshalFrame(f any) []byte {
	data, err := json.Marshal(f)
	if err != nil {
		return []byte(`{"type":"error","code":"internal"}`)
	}
	return data
}

func errorFrame(code, message, nonce string) []byte {
	return marshalFrame(outFrame{Type: FrameError, Code: code, Message: message, Nonce: nonce})
}

func pongFrame(nonce string) []byte {
	return marshalFrame(outFrame{Type: FramePong, Nonce: nonce})
}

// eventFrame wraps a bus event for delivery to a client socket. EventID lets
// clients dedup replays.
func eventFrame(eventType, eventID string, data json.RawMessage) []byte {
	return marshalFrame(outFrame{Type: eventType, EventID: eventID, Data: data})
}

// withoutNonce returns the payload with its nonce removed. The second result
// is false when the payload is not an object or carries no nonce.
func withoutNonce(data json.RawMessage) (json.RawMessage, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	if _, ok := m["nonce"]; !ok {
		return nil, false
	}
	delete(m, "nonce")
	out, err := json.Marshal(m)
	if err != nil {
		return nil, false
	}
	return out, true
}
