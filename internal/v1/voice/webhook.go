package voice

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/livekit/protocol/livekit"
	"go.uber.org/zap"

	"github.com/concord-im/concord/internal/v1/logging"
	"github.com/concord-im/concord/internal/v1/store"
	"github.com/concord-im/concord/internal/v1/types"
)

// userFromIdentity strips the reconnect-disambiguation suffix from an SFU
// identity ("{user}-{unix-ts}").
func userFromIdentity(identity string) types.UserID {
	i := strings.LastIndexByte(identity, '-')
	if i <= 0 {
		return types.UserID(identity)
	}
	return types.UserID(identity[:i])
}

// roomBySFUName resolves an SFU room name back to the local room document.
func (c *Coordinator) roomBySFUName(ctx context.Context, name string) (Room, bool) {
	keys, err := c.store.SetMembers(ctx, store.ActiveRoomsKey)
	if err != nil {
		return Room{}, false
	}
	for _, k := range keys {
		var room Room
		found, err := c.store.GetJSON(ctx, store.RoomKey(types.RoomKey(k)), &room)
		if err != nil || !found {
			continue
		}
		if room.SFURoom == name {
			return room, true
		}
	}
	return Room{}, false
}

// HandleWebhookEvent applies a verified SFU webhook to the local model.
// Signature verification happens at the HTTP layer; everything here is
// idempotent because the SFU retries deliveries.
func (c *Coordinator) HandleWebhookEvent(ctx context.Context, ev *livekit.WebhookEvent) error {
	if ev == nil || ev.Room == nil {
		return nil
	}

	room, found := c.roomBySFUName(ctx, ev.Room.Name)
	if !found {
		logging.Warn(ctx, "Webhook for unknown SFU room", zap.String("sfu_room", ev.Room.Name))
		return nil
	}

	switch ev.Event {
	case "participant_left":
		if ev.Participant == nil {
			return nil
		}
		userID := userFromIdentity(ev.Participant.Identity)

		// De-dupe: only act when the recorded participant still carries this
		// exact identity. A replayed webhook, or one for a superseded
		// connection, finds no match and is a no-op.
		var p Participant
		exists, err := c.store.GetJSON(ctx, store.ParticipantKey(room.Key, userID), &p)
		if err != nil {
			return err
		}
		if !exists || p.Identity != ev.Participant.Identity {
			return nil
		}
		return c.Leave(ctx, room.Key, userID)

	case "participant_joined":
		// The explicit join flow already recorded the participant; this only
		// refreshes room activity so the sweeper does not reap a live room.
		c.touchRoom(ctx, room.Key)
		return nil

	case "room_finished":
		c.closeRoom(ctx, room.Key, false)
		return nil

	default:
		// track_published and friends only prove liveness.
		c.touchRoom(ctx, room.Key)
		return nil
	}
}

func (c *Coordinator) touchRoom(ctx context.Context, key types.RoomKey) {
	err := c.store.UpdateJSON(ctx, store.RoomKey(key), docTTL, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, nil
		}
		var room Room
		if err := json.Unmarshal(current, &room); err != nil {
			return nil, err
		}
		room.LastActivity = time.Now()
		room.Version++
		return json.Marshal(room)
	})
	if err != nil {
		logging.Warn(ctx, "Room activity refresh failed", zap.String("room_key", string(key)), zap.Error(err))
	}
}
