package chatcore

import (
	"sort"
	"sync"
	"time"
)

// DefaultTypingTTL is how long a typing indicator lives without a refresh.
const DefaultTypingTTL = 3 * time.Second

// ============================================================================
// PresenceTracker
// ============================================================================

// PresenceTracker holds ephemeral typing and online sets. Nothing here is
// persisted; Reset wipes it on disconnect.
//
// The push channel has no server-side expiry for typing, so every entry carries
// a local deadline and disappears once it passes without a refresh.
type PresenceTracker struct {
	mu     sync.RWMutex
	ttl    time.Duration
	now    func() time.Time
	typing map[string]map[string]time.Time // conversation -> user -> deadline
	online map[string]struct{}
}

// NewPresenceTracker creates a tracker. A zero ttl selects DefaultTypingTTL and
// a nil clock selects time.Now.
func NewPresenceTracker(ttl time.Duration, now func() time.Time) *PresenceTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	if now == nil {
		now = time.Now
	}
	return &PresenceTracker{
		ttl:    ttl,
		now:    now,
		typing: make(map[string]map[string]time.Time),
		online: make(map[string]struct{}),
	}
}

// SetTyping adds or removes a user from a conversation's typing set. A repeated
// true refreshes the deadline. It reports whether the visible set changed.
func (p *PresenceTracker) SetTyping(conversationID, userID string, isTyping bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	users := p.typing[conversationID]
	if !isTyping {
		deadline, ok := users[userID]
		if !ok {
			return false
		}
		delete(users, userID)
		if len(users) == 0 {
			delete(p.typing, conversationID)
		}
		return now.Before(deadline)
	}
	if users == nil {
		users = make(map[string]time.Time)
		p.typing[conversationID] = users
	}
	prev, had := users[userID]
	users[userID] = now.Add(p.ttl)
	return !had || !now.Before(prev)
}

// Typing returns the users currently typing in a conversation, sorted.
func (p *PresenceTracker) Typing(conversationID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	now := p.now()
	var out []string
	for user, deadline := range p.typing[conversationID] {
		if now.Before(deadline) {
			out = append(out, user)
		}
	}
	sort.Strings(out)
	return out
}

// Sweep purges expired typing entries and returns the conversations whose set
// shrank.
func (p *PresenceTracker) Sweep() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	var changed []string
	for conv, users := range p.typing {
		removed := false
		for user, deadline := range users {
			if !now.Before(deadline) {
				delete(users, user)
				removed = true
			}
		}
		if len(users) == 0 {
			delete(p.typing, conv)
		}
		if removed {
			changed = append(changed, conv)
		}
	}
	sort.Strings(changed)
	return changed
}

// SetOnline adds or removes a user from the online set. It reports whether the
// set changed.
func (p *PresenceTracker) SetOnline(userID string, isOnline bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, had := p.online[userID]
	if isOnline {
		p.online[userID] = struct{}{}
	} else {
		delete(p.online, userID)
	}
	return had != isOnline
}

// IsOnline reports whether a user is in the online set.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}

// Online returns the online set, sorted.
func (p *PresenceTracker) Online() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Reset clears both sets. They are rebuilt from live events after reconnect.
func (p *PresenceTracker) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typing = make(map[string]map[string]time.Time)
	p.online = make(map[string]struct{})
}
