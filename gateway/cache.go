package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/marislowe/kestrel/structs"
)

// Quiescence window after which a typing entry is dropped unless a
// newer signal for the same user supersedes it.
const typingQuiescence = 9 * time.Second

type TypingEntry struct {
	UserID    string
	ChannelID string
	StartedAt time.Time
}

// CachedState is the materialized view folded from dispatch events.
// Mutation happens only through the apply* methods, which the manager
// calls from the frame-processing path; everything exported is a
// read-only snapshot. Typing expiry timers are the one other writer
// and take the same mutex.
type CachedState struct {
	mu         sync.RWMutex
	user       *structs.User
	guilds     []structs.Guild
	dms        []structs.Channel
	users      map[string]structs.User
	readStates map[string]structs.ReadState

	typing       map[string][]TypingEntry
	typingTimers map[string]*time.Timer
	typingTTL    time.Duration
}

func NewCachedState() *CachedState {
	return &CachedState{
		users:        make(map[string]structs.User),
		readStates:   make(map[string]structs.ReadState),
		typing:       make(map[string][]TypingEntry),
		typingTimers: make(map[string]*time.Timer),
		typingTTL:    typingQuiescence,
	}
}

func (c *CachedState) CurrentUser() *structs.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return nil
	}
	u := *c.user
	return &u
}

func (c *CachedState) Guilds() []structs.Guild {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]structs.Guild, len(c.guilds))
	copy(out, c.guilds)
	return out
}

func (c *CachedState) DMs() []structs.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]structs.Channel, len(c.dms))
	copy(out, c.dms)
	return out
}

func (c *CachedState) UserByID(id string) (structs.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[id]
	return u, ok
}

func (c *CachedState) ReadState(channelID string) (structs.ReadState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rs, ok := c.readStates[channelID]
	return rs, ok
}

func (c *CachedState) TypingUsers(channelID string) []TypingEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]TypingEntry, len(c.typing[channelID]))
	copy(out, c.typing[channelID])
	return out
}

// applyReady replaces the whole cache. Guilds absent from the stored
// order preference come first, most recently joined on top, then the
// preference guilds follow in their stored order.
func (c *CachedState) applyReady(d *structs.ReadyEventData, positions []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearTypingLocked()

	ordered := make(map[string]bool, len(positions))
	for _, id := range positions {
		ordered[id] = true
	}
	byID := make(map[string]structs.Guild, len(d.Guilds))
	unordered := make([]structs.Guild, 0, len(d.Guilds))
	for _, g := range d.Guilds {
		byID[g.ID] = g
		if !ordered[g.ID] {
			unordered = append(unordered, g)
		}
	}
	sort.SliceStable(unordered, func(i, j int) bool {
		return unordered[i].JoinedAt.After(unordered[j].JoinedAt)
	})
	guilds := unordered
	for _, id := range positions {
		if g, ok := byID[id]; ok {
			guilds = append(guilds, g)
		}
	}
	c.guilds = guilds

	u := d.User
	c.user = &u
	c.dms = make([]structs.Channel, len(d.PrivateChannels))
	copy(c.dms, d.PrivateChannels)
	c.users = make(map[string]structs.User, len(d.Users))
	for _, du := range d.Users {
		c.users[du.ID] = du
	}
	c.readStates = make(map[string]structs.ReadState, len(d.ReadStates))
	for _, rs := range d.ReadStates {
		c.readStates[rs.ChannelID] = rs
	}
}

// applyGuildCreate surfaces the new guild at the front of the list.
// Any existing entry with the same id is dropped first, keeping the
// no-duplicate invariant across replayed creates.
func (c *CachedState) applyGuildCreate(g *structs.Guild) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeGuildLocked(g.ID)
	c.guilds = append([]structs.Guild{*g}, c.guilds...)
}

// applyGuildDelete is a no-op when the guild is absent, so replays
// across a resume fold cleanly.
func (c *CachedState) applyGuildDelete(d *structs.GuildUnavailable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeGuildLocked(d.ID)
}

func (c *CachedState) removeGuildLocked(id string) {
	kept := c.guilds[:0]
	for _, g := range c.guilds {
		if g.ID != id {
			kept = append(kept, g)
		}
	}
	c.guilds = kept
}

func (c *CachedState) applyUserUpdate(u *structs.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user != nil && c.user.ID == u.ID {
		nu := *u
		c.user = &nu
		return
	}
	c.users[u.ID] = *u
}

// applyTypingStart records who is typing where. Self typing is never
// cached. A newer signal for the same user/channel supersedes the old
// entry and restarts its expiry clock.
func (c *CachedState) applyTypingStart(d *structs.TypingStartEventData, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user != nil && c.user.ID == d.UserID {
		return
	}
	c.removeTypingLocked(d.ChannelID, d.UserID)
	entry := TypingEntry{UserID: d.UserID, ChannelID: d.ChannelID, StartedAt: now}
	c.typing[d.ChannelID] = append(c.typing[d.ChannelID], entry)

	key := d.ChannelID + ":" + d.UserID
	channelID, userID := d.ChannelID, d.UserID
	c.typingTimers[key] = time.AfterFunc(c.typingTTL, func() {
		c.expireTyping(channelID, userID, now)
	})
}

func (c *CachedState) expireTyping(channelID, userID string, startedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.typing[channelID] {
		if e.UserID == userID && !e.StartedAt.Equal(startedAt) {
			// Superseded while the timer was firing.
			return
		}
	}
	c.removeTypingLocked(channelID, userID)
	delete(c.typingTimers, channelID+":"+userID)
}

func (c *CachedState) removeTypingLocked(channelID, userID string) {
	entries := c.typing[channelID]
	kept := entries[:0]
	for _, e := range entries {
		if e.UserID != userID {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(c.typing, channelID)
	} else {
		c.typing[channelID] = kept
	}
	key := channelID + ":" + userID
	if t, ok := c.typingTimers[key]; ok {
		t.Stop()
		delete(c.typingTimers, key)
	}
}

func (c *CachedState) clearTypingLocked() {
	for _, t := range c.typingTimers {
		t.Stop()
	}
	c.typing = make(map[string][]TypingEntry)
	c.typingTimers = make(map[string]*time.Timer)
}

// reset drops everything; used on logout.
func (c *CachedState) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearTypingLocked()
	c.user = nil
	c.guilds = nil
	c.dms = nil
	c.users = make(map[string]structs.User)
	c.readStates = make(map[string]structs.ReadState)
}
