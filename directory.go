package chatcore

import (
	"sort"
	"sync"
	"time"
)

// latestSource is the slice of the MessageStore the directory reads from.
type latestSource interface {
	LatestVisible(conversationID string) (Message, bool)
}

// ============================================================================
// ConversationDirectory
// ============================================================================

// ConversationDirectory is the current user's conversation list, ordered most
// recently active first. It never holds two entries with the same id and never
// lets an unread counter go below zero.
type ConversationDirectory struct {
	mu       sync.RWMutex
	order    []string
	byID     map[string]*Conversation
	messages latestSource

	// gens records when each entry was last replaced wholesale by SetAll or
	// Upsert.
	gens map[string]uint64
	seq  uint64
}

// Activity is the part of a conversation that RecordActivity changes.
type Activity struct {
	LastMessage   *Message
	LastMessageAt *time.Time
	UpdatedAt     time.Time
	Position      int
}

// NewConversationDirectory creates an empty directory that recomputes list
// previews from messages.
func NewConversationDirectory(messages latestSource) *ConversationDirectory {
	return &ConversationDirectory{
		byID:     make(map[string]*Conversation),
		messages: messages,
		gens:     make(map[string]uint64),
	}
}

// ── Reads ────────────────────────────────────────────────

// List returns the conversations in display order.
func (d *ConversationDirectory) List() []Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Conversation, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.byID[id].clone())
	}
	return out
}

// Get returns a copy of one conversation.
func (d *ConversationDirectory) Get(id string) (Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byID[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// Has reports whether the directory holds a conversation.
func (d *ConversationDirectory) Has(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.byID[id]
	return ok
}

// Len returns the number of conversations.
func (d *ConversationDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}

// Generation returns a value that changes whenever the conversation is
// replaced by SetAll or Upsert. Local counter adjustments leave it alone.
func (d *ConversationDirectory) Generation(id string) uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.gens[id]
}

// Activity returns the current preview, timestamps and display position of a
// conversation.
func (d *ConversationDirectory) Activity(id string) (Activity, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byID[id]
	if !ok {
		return Activity{}, false
	}
	cp := c.clone()
	return Activity{
		LastMessage:   cp.LastMessage,
		LastMessageAt: cp.LastMessageAt,
		UpdatedAt:     cp.UpdatedAt,
		Position:      indexOfID(d.order, id),
	}, true
}

// TotalUnread sums the unread counters of every conversation.
func (d *ConversationDirectory) TotalUnread() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, c := range d.byID {
		total += c.UnreadCount
	}
	return total
}

// ── Writes ───────────────────────────────────────────────

// SetAll replaces the whole collection. Duplicate ids keep their last
// occurrence; the result is ordered by latest activity.
func (d *ConversationDirectory) SetAll(convs []Conversation) {
	byID := make(map[string]*Conversation, len(convs))
	order := make([]string, 0, len(convs))
	for _, c := range convs {
		if c.ID == "" {
			continue
		}
		cp := c.clone()
		clampUnread(&cp)
		if _, ok := byID[c.ID]; !ok {
			order = append(order, c.ID)
		}
		byID[c.ID] = &cp
	}
	sort.SliceStable(order, func(i, j int) bool {
		return byID[order[i]].activityAt().After(byID[order[j]].activityAt())
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID = byID
	d.order = order
	d.seq++
	d.gens = make(map[string]uint64, len(order))
	for _, id := range order {
		d.gens[id] = d.seq
	}
}

// Upsert inserts or replaces a conversation and moves it to the front.
func (d *ConversationDirectory) Upsert(c Conversation) {
	if c.ID == "" {
		return
	}
	cp := c.clone()
	clampUnread(&cp)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID[c.ID] = &cp
	d.seq++
	d.gens[c.ID] = d.seq
	d.bumpLocked(c.ID)
}

// ApplyMessageDeletionSideEffect recomputes the list preview when the message
// it shows was tombstoned. It reports whether the preview changed.
func (d *ConversationDirectory) ApplyMessageDeletionSideEffect(conversationID, messageID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[conversationID]
	if !ok || c.LastMessage == nil || c.LastMessage.ID != messageID {
		return false
	}
	if latest, ok := d.messages.LatestVisible(conversationID); ok {
		c.LastMessage = &latest
	} else {
		c.LastMessage = nil
	}
	return true
}

// RecordActivity bumps a conversation for a new message. Messages from other
// users raise the unread counter. It reports false for unknown conversations.
func (d *ConversationDirectory) RecordActivity(conversationID string, m Message, fromOther bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[conversationID]
	if !ok {
		return false
	}
	offerLocked(c, m)
	if fromOther {
		c.UnreadCount++
	}
	d.bumpLocked(conversationID)
	return true
}

// OfferLastMessage sets the preview to m if m is at least as recent as the
// current one. The display order is left alone.
func (d *ConversationDirectory) OfferLastMessage(conversationID string, m Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[conversationID]
	if !ok {
		return false
	}
	return offerLocked(c, m)
}

// ReplaceLastMessage swaps the preview if it currently shows oldID. Used when
// an optimistic message is confirmed or an edit lands.
func (d *ConversationDirectory) ReplaceLastMessage(conversationID, oldID string, m Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[conversationID]
	if !ok || c.LastMessage == nil || c.LastMessage.ID != oldID {
		return false
	}
	cp := m.clone()
	c.LastMessage = &cp
	return true
}

// RestoreActivity undoes a RecordActivity for the rolled back message oldID.
// Nothing happens unless the preview still shows oldID. The display position
// is put back only if no other conversation was bumped in front since.
func (d *ConversationDirectory) RestoreActivity(conversationID, oldID string, prev Activity) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[conversationID]
	if !ok || c.LastMessage == nil || c.LastMessage.ID != oldID {
		return false
	}
	if prev.LastMessage != nil {
		cp := prev.LastMessage.clone()
		c.LastMessage = &cp
	} else {
		c.LastMessage = nil
	}
	if prev.LastMessageAt != nil {
		t := *prev.LastMessageAt
		c.LastMessageAt = &t
	} else {
		c.LastMessageAt = nil
	}
	c.UpdatedAt = prev.UpdatedAt

	if len(d.order) > 0 && d.order[0] == conversationID && prev.Position > 0 {
		pos := prev.Position
		if pos >= len(d.order) {
			pos = len(d.order) - 1
		}
		rest := append([]string(nil), d.order[1:]...)
		d.order = append(append(append(d.order[:0], rest[:pos]...), conversationID), rest[pos:]...)
	}
	return true
}

// SetUnread overwrites the unread counter and returns the previous value.
func (d *ConversationDirectory) SetUnread(conversationID string, n int) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[conversationID]
	if !ok {
		return 0, false
	}
	prev := c.UnreadCount
	c.UnreadCount = n
	clampUnread(c)
	return prev, true
}

// AdjustUnread adds delta to the unread counter, never going below zero.
func (d *ConversationDirectory) AdjustUnread(conversationID string, delta int) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[conversationID]
	if !ok {
		return 0, false
	}
	c.UnreadCount += delta
	clampUnread(c)
	return c.UnreadCount, true
}

// ============================================================================
// Helpers
// ============================================================================

func indexOfID(order []string, id string) int {
	for i, v := range order {
		if v == id {
			return i
		}
	}
	return -1
}

func (d *ConversationDirectory) bumpLocked(id string) {
	for i, v := range d.order {
		if v == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	d.order = append([]string{id}, d.order...)
}

func offerLocked(c *Conversation, m Message) bool {
	if c.LastMessage != nil && c.LastMessage.ID != m.ID && m.CreatedAt.Before(c.LastMessage.CreatedAt) {
		return false
	}
	cp := m.clone()
	c.LastMessage = &cp
	at := m.CreatedAt
	if c.LastMessageAt == nil || at.After(*c.LastMessageAt) {
		c.LastMessageAt = &at
	}
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
	return true
}

func clampUnread(c *Conversation) {
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
}
