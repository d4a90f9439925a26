package store

import (
	"fmt"

	"github.com/concord-im/concord/internal/v1/types"
)

// Key layout for the coordination store. Every key lives in one flat namespace
// so operators can inspect state with redis-cli.
//
//	room:{room_key}                  voice room document (JSON)
//	rooms:active                     set of active room keys
//	participant:{room_key}:{user}    participant document (JSON)
//	session:{user}                   voice user session (JSON, TTL = token TTL)
//	presence:{user}                  presence document (JSON, versioned)
//	online:guild:{guild}             set of online user IDs per guild
//	msg:{id}                         recently fanned-out message (JSON, TTL)
//	rate:{user}:{action}             sliding rate counters (TTL)

func RoomKey(key types.RoomKey) string {
	return fmt.Sprintf("room:%s", key)
}

const ActiveRoomsKey = "rooms:active"

func ParticipantKey(room types.RoomKey, user types.UserID) string {
	return fmt.Sprintf("participant:%s:%s", room, user)
}

func SessionKey(user types.UserID) string {
	return fmt.Sprintf("session:%s", user)
}

func PresenceKey(user types.UserID) string {
	return fmt.Sprintf("presence:%s", user)
}

func OnlineGuildKey(guild types.GuildID) string {
	return fmt.Sprintf("online:guild:%s", guild)
}

func MessageKey(id string) string {
	return fmt.Sprintf("msg:%s", id)
}

func RateKey(user types.UserID, action string) string {
	return fmt.Sprintf("rate:%s:%s", user, action)
}

func TypingKey(channel types.ChannelID, user types.UserID) string {
	return fmt.Sprintf("typing:%s:%s", channel, user)
}
