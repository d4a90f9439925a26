// Package presence is the single source of truth for user status. Status
// writes go through the coordination store's compare-and-set; every change is
// broadcast to the user's own topic and to each guild the user belongs to.
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/concord-im/concord/internal/v1/errs"
	"github.com/concord-im/concord/internal/v1/logging"
	"github.com/concord-im/concord/internal/v1/metrics"
	"github.com/concord-im/concord/internal/v1/store"
	"github.com/concord-im/concord/internal/v1/types"
)

// Status is a user's presence state.
type Status string

const (
	StatusOnline       Status = "online"
	StatusIdle         Status = "idle"
	StatusDoNotDisturb Status = "dnd"
	StatusInvisible    Status = "invisible"
	StatusOffline      Status = "offline"
)

// Valid reports whether s is a recognized status.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusIdle, StatusDoNotDisturb, StatusInvisible, StatusOffline:
		return true
	}
	return false
}

// visible reports whether observers may see the real status.
func (s Status) visible() bool {
	return s != StatusInvisible
}

// recordTTL matches the coordination-store layout: presence records expire
// after an hour without writes so crashed-instance state cannot linger.
const recordTTL = time.Hour

// Record is the stored presence document. Version guards concurrent writers.
type Record struct {
	UserID      types.UserID    `json:"user_id"`
	Status      Status          `json:"status"`
	Activity    string          `json:"activity,omitempty"`
	LastSeen    time.Time       `json:"last_seen"`
	Guilds      []types.GuildID `json:"guilds,omitempty"`
	Connections int             `json:"connections"`
	Version     int64           `json:"version"`
}

// MaskedFor returns the record as the observer is allowed to see it.
// Invisible users appear Offline to everyone but themselves.
func (r Record) MaskedFor(observer types.UserID) Record {
	if r.UserID == observer || r.Status.visible() {
		return r
	}
	masked := r
	masked.Status = StatusOffline
	masked.Activity = ""
	return masked
}

type cacheEntry struct {
	rec     Record
	expires time.Time
}

// Coordinator implements the presence state machine.
type Coordinator struct {
	store *store.Store
	pub   types.EventPublisher

	graceWindow    time.Duration
	sweepInterval  time.Duration
	livenessWindow time.Duration
	cacheTTL       time.Duration

	mu     sync.Mutex
	timers map[types.UserID]*time.Timer
	cache  map[types.UserID]cacheEntry

	cancel context.CancelFunc
	done   chan struct{}
}

// Options configure a Coordinator. Zero values fall back to the defaults the
// config package ships.
type Options struct {
	GraceWindow    time.Duration
	SweepInterval  time.Duration
	LivenessWindow time.Duration
	CacheTTL       time.Duration
}

// NewCoordinator wires the coordinator to the store and the bus.
func NewCoordinator(st *store.Store, pub types.EventPublisher, opts Options) *Coordinator {
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = 10 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}
	if opts.LivenessWindow <= 0 {
		opts.LivenessWindow = 15 * time.Minute
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Second
	}
	return &Coordinator{
		store:          st,
		pub:            pub,
		graceWindow:    opts.GraceWindow,
		sweepInterval:  opts.SweepInterval,
		livenessWindow: opts.LivenessWindow,
		cacheTTL:       opts.CacheTTL,
		timers:         make(map[types.UserID]*time.Timer),
		cache:          make(map[types.UserID]cacheEntry),
	}
}

// Start launches the sweeper. Safe to skip in tests that drive sweeps manually.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweeper and all pending offline timers.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

// HandleConnect records a new gateway connection for the user. The first
// connection moves any state to Online, except an explicitly set Invisible
// which is preserved.
func (c *Coordinator) HandleConnect(ctx context.Context, userID types.UserID, guilds []types.GuildID) error {
	c.cancelOfflineTimer(userID)

	rec, err := c.mutate(ctx, userID, func(r *Record) {
		r.Connections++
		r.LastSeen = time.Now()
		if len(guilds) > 0 {
			r.Guilds = mergeGuilds(r.Guilds, guilds)
		}
		if r.Status != StatusInvisible {
			r.Status = StatusOnline
		}
	})
	if err != nil {
		return err
	}

	metrics.PresenceTransitions.WithLabelValues(string(rec.Status)).Inc()
	c.syncGuildSets(ctx, rec)
	c.broadcast(ctx, rec)
	return nil
}

// HandleDisconnect records a closed connection. When the user's last session
// closes, the Offline transition is scheduled after the grace window; a
// reconnect within the window cancels it.
func (c *Coordinator) HandleDisconnect(ctx context.Context, userID types.UserID, remainingSessions int) error {
	_, err := c.mutate(ctx, userID, func(r *Record) {
		r.LastSeen = time.Now()
		r.Connections = remainingSessions
	})
	if err != nil {
		return err
	}

	if remainingSessions == 0 {
		c.scheduleOffline(userID)
	}
	return nil
}

// SetStatus applies an explicit presence_update command.
func (c *Coordinator) SetStatus(ctx context.Context, userID types.UserID, status string, activity string) error {
	s := Status(status)
	if !s.Valid() {
		return errs.Validation("invalid_status", "unknown presence status")
	}

	rec, err := c.mutate(ctx, userID, func(r *Record) {
		r.Status = s
		r.Activity = activity
		r.LastSeen = time.Now()
	})
	if err != nil {
		return err
	}

	metrics.PresenceTransitions.WithLabelValues(string(s)).Inc()
	c.syncGuildSets(ctx, rec)
	c.broadcast(ctx, rec)
	return nil
}

// Get returns the user's presence as seen by observer, reading through the
// short-TTL local cache.
func (c *Coordinator) Get(ctx context.Context, userID, observer types.UserID) (Record, error) {
	c.mu.Lock()
	entry, ok := c.cache[userID]
	c.mu.Unlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.rec.MaskedFor(observer), nil
	}

	var rec Record
	found, err := c.store.GetJSON(ctx, store.PresenceKey(userID), &rec)
	if err != nil {
		return Record{}, err
	}
	if !found {
		rec = Record{UserID: userID, Status: StatusOffline}
	}

	c.mu.Lock()
	c.cache[userID] = cacheEntry{rec: rec, expires: time.Now().Add(c.cacheTTL)}
	c.mu.Unlock()

	return rec.MaskedFor(observer), nil
}

// GetBulk resolves presence for a batch of users in one call.
func (c *Coordinator) GetBulk(ctx context.Context, userIDs []types.UserID, observer types.UserID) ([]Record, error) {
	out := make([]Record, 0, len(userIDs))
	for _, id := range userIDs {
		rec, err := c.Get(ctx, id, observer)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// GuildOnline lists presence records for the guild's online set, masked for
// the observer. Invisible members never appear here because they are removed
// from the online set on transition.
func (c *Coordinator) GuildOnline(ctx context.Context, guildID types.GuildID, observer types.UserID) ([]Record, error) {
	members, err := c.store.SetMembers(ctx, store.OnlineGuildKey(guildID))
	if err != nil {
		return nil, err
	}
	ids := make([]types.UserID, len(members))
	for i, m := range members {
		ids[i] = types.UserID(m)
	}
	return c.GetBulk(ctx, ids, observer)
}

// Sweep forces records whose last-seen is older than the liveness window to
// Offline and republishes them. Records with live connections are left alone:
// a quiet socket is still a session, and last-seen only moves on presence
// activity.
func (c *Coordinator) Sweep(ctx context.Context) {
	keys, err := c.store.ScanKeys(ctx, "presence:*")
	if err != nil {
		logging.Warn(ctx, "Presence sweep scan failed", zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-c.livenessWindow)
	for _, key := range keys {
		var rec Record
		found, err := c.store.GetJSON(ctx, key, &rec)
		if err != nil || !found {
			continue
		}
		if rec.Status == StatusOffline || rec.Connections > 0 || rec.LastSeen.After(cutoff) {
			continue
		}

		stale, err := c.mutate(ctx, rec.UserID, func(r *Record) {
			r.Status = StatusOffline
			r.Connections = 0
		})
		if err != nil {
			logging.Warn(ctx, "Presence sweep transition failed",
				zap.String("user_id", string(rec.UserID)), zap.Error(err))
			continue
		}

		metrics.PresenceTransitions.WithLabelValues(string(StatusOffline)).Inc()
		c.syncGuildSets(ctx, stale)
		c.broadcast(ctx, stale)
		logging.Info(ctx, "Presence sweeper forced user offline",
			zap.String("user_id", string(rec.UserID)))
	}
}

// mutate applies fn to the user's record under compare-and-set, bumping the
// version and refreshing the TTL, and invalidates the local cache.
func (c *Coordinator) mutate(ctx context.Context, userID types.UserID, fn func(*Record)) (Record, error) {
	var result Record
	err := c.store.UpdateJSON(ctx, store.PresenceKey(userID), recordTTL, func(current []byte) ([]byte, error) {
		rec := Record{UserID: userID, Status: StatusOffline}
		if current != nil {
			if err := json.Unmarshal(current, &rec); err != nil {
				return nil, err
			}
		}
		fn(&rec)
		rec.Version++
		result = rec
		return json.Marshal(rec)
	})
	if err != nil {
		return Record{}, err
	}

	c.mu.Lock()
	delete(c.cache, userID)
	c.mu.Unlock()

	return result, nil
}

// scheduleOffline arms the grace-window timer for the user.
func (c *Coordinator) scheduleOffline(userID types.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.timers[userID]; ok {
		t.Stop()
	}
	c.timers[userID] = time.AfterFunc(c.graceWindow, func() {
		c.mu.Lock()
		delete(c.timers, userID)
		c.mu.Unlock()
		c.goOffline(userID)
	})
}

func (c *Coordinator) cancelOfflineTimer(userID types.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[userID]; ok {
		t.Stop()
		delete(c.timers, userID)
	}
}

// goOffline completes the grace-window transition. A connection that arrived
// after the timer fired is respected: the transition is skipped.
func (c *Coordinator) goOffline(userID types.UserID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var skipped bool
	rec, err := c.mutate(ctx, userID, func(r *Record) {
		if r.Connections > 0 {
			skipped = true
			return
		}
		r.Status = StatusOffline
	})
	if err != nil {
		logging.Warn(ctx, "Grace-window offline transition failed",
			zap.String("user_id", string(userID)), zap.Error(err))
		return
	}
	if skipped {
		return
	}

	metrics.PresenceTransitions.WithLabelValues(string(StatusOffline)).Inc()
	c.syncGuildSets(ctx, rec)
	c.broadcast(ctx, rec)
}

// syncGuildSets maintains online:guild:{g} membership: visible non-offline
// statuses are present, Offline and Invisible are absent.
func (c *Coordinator) syncGuildSets(ctx context.Context, rec Record) {
	online := rec.Status != StatusOffline && rec.Status.visible()
	for _, g := range rec.Guilds {
		key := store.OnlineGuildKey(g)
		var err error
		if online {
			err = c.store.SetAdd(ctx, key, string(rec.UserID))
		} else {
			err = c.store.SetRem(ctx, key, string(rec.UserID))
		}
		if err != nil {
			logging.Warn(ctx, "Guild online set update failed",
				zap.String("guild_id", string(g)), zap.Error(err))
		}
	}
}

// broadcast publishes the change to user:{id} with the real status and to
// every guild topic with the masked status.
func (c *Coordinator) broadcast(ctx context.Context, rec Record) {
	if c.pub == nil {
		return
	}

	own := presenceEvent(rec)
	if err := c.pub.Publish(ctx, types.UserTopic(rec.UserID), "presence_update", own, ""); err != nil {
		logging.Warn(ctx, "Presence publish failed", zap.Error(err))
	}

	masked := presenceEvent(rec.MaskedFor(""))
	for _, g := range rec.Guilds {
		if err := c.pub.Publish(ctx, types.GuildTopic(g), "presence_update", masked, ""); err != nil {
			logging.Warn(ctx, "Presence guild publish failed",
				zap.String("guild_id", string(g)), zap.Error(err))
		}
	}
}

func presenceEvent(rec Record) map[string]any {
	return map[string]any{
		"user_id":   rec.UserID,
		"status":    rec.Status,
		"activity":  rec.Activity,
		"last_seen": rec.LastSeen,
	}
}

// mergeGuilds unions the stored and reported guild sets, preserving order of
// first appearance.
func mergeGuilds(existing, reported []types.GuildID) []types.GuildID {
	seen := set.New[types.GuildID](existing...)
	out := existing
	for _, g := range reported {
		if !seen.Has(g) {
			seen.Insert(g)
			out = append(out, g)
		}
	}
	return out
}
