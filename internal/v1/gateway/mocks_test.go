package gateway

import (
	"context"
	"sync"

	"github.com/concord-im/concord/internal/v1/types"
)

type connectRecord struct {
	UserID types.UserID
	Guilds []types.GuildID
}

type disconnectRecord struct {
	UserID    types.UserID
	Remaining int
}

type statusRecord struct {
	UserID   types.UserID
	Status   string
	Activity string
}

type fakePresence struct {
	mu          sync.Mutex
	connects    []connectRecord
	disconnects []disconnectRecord
	statuses    []statusRecord
}

func (f *fakePresence) HandleConnect(ctx context.Context, userID types.UserID, guilds []types.GuildID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, connectRecord{UserID: userID, Guilds: guilds})
	return nil
}

func (f *fakePresence) HandleDisconnect(ctx context.Context, userID types.UserID, remaining int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, disconnectRecord{UserID: userID, Remaining: remaining})
	return nil
}

func (f *fakePresence) SetStatus(ctx context.Context, userID types.UserID, status, activity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, statusRecord{UserID: userID, Status: status, Activity: activity})
	return nil
}

func (f *fakePresence) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.disconnects)
}

type sentMessage struct {
	ChannelID types.ChannelID
	UserID    types.UserID
	Content   string
	Nonce     string
}

type fakeChat struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeChat) SendMessage(ctx context.Context, channelID types.ChannelID, userID types.UserID, content, nonce string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{ChannelID: channelID, UserID: userID, Content: content, Nonce: nonce})
	return nil
}

func (f *fakeChat) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}
