package types

import (
	"context"
	"fmt"

	"github.com/concord-im/concord/internal/v1/auth"
)

// --- Core Domain Types ---

// UserID identifies a user across the whole deployment.
type UserID string

// SessionID identifies a single live gateway connection.
type SessionID string

// GuildID identifies a guild.
type GuildID string

// ChannelID identifies a text or voice channel.
type ChannelID string

// DisplayName is the human-readable name shown for a user.
type DisplayName string

// RoomKey is the composite key of a voice room: "{guild}:{channel}".
type RoomKey string

// NewRoomKey builds a RoomKey from its parts. Guild may be empty for DMs.
func NewRoomKey(guild GuildID, channel ChannelID) RoomKey {
	return RoomKey(fmt.Sprintf("%s:%s", guild, channel))
}

// --- Topics ---

// Topic is a routing key on the pub/sub fabric.
type Topic string

func GuildTopic(id GuildID) Topic      { return Topic("guild:" + string(id)) }
func ChannelTopic(id ChannelID) Topic  { return Topic("channel:" + string(id)) }
func UserTopic(id UserID) Topic        { return Topic("user:" + string(id)) }
func VoiceRoomTopic(key RoomKey) Topic { return Topic("voice:room:" + string(key)) }

// --- Shared Interfaces ---

// EventPublisher is the bus publishing contract shared by the coordinators.
type EventPublisher interface {
	Publish(ctx context.Context, topic Topic, eventType string, data any, senderID string) error
}

// TokenValidator defines the interface for JWT token authentication services.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.Claims, error)
}

// ChatService is the Chat collaborator contract the gateway depends on.
// Message persistence lives behind this interface; the collaborator publishes
// the resulting events back onto the bus.
type ChatService interface {
	SendMessage(ctx context.Context, channelID ChannelID, userID UserID, content, nonce string) error
}

// PresenceReporter is the slice of the presence coordinator the gateway uses.
type PresenceReporter interface {
	HandleConnect(ctx context.Context, userID UserID, guilds []GuildID) error
	HandleDisconnect(ctx context.Context, userID UserID, remainingSessions int) error
	SetStatus(ctx context.Context, userID UserID, status string, activity string) error
}
