package chatcore

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// MessageStore
// ============================================================================

// MessageStore holds the ordered message history of every loaded conversation.
//
// Each list is unique by id and sorted by CreatedAt ascending. Operations on an
// unknown conversation behave as if its list were empty. Nothing here talks to
// the network; the Coordinator is the only writer.
type MessageStore struct {
	mu    sync.RWMutex
	lists map[string][]Message
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{lists: make(map[string][]Message)}
}

// ── Reads ────────────────────────────────────────────────

// Messages returns a copy of the conversation's history.
func (s *MessageStore) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.lists[conversationID]
	out := make([]Message, len(list))
	for i := range list {
		out[i] = list[i].clone()
	}
	return out
}

// Get returns a copy of one message.
func (s *MessageStore) Get(conversationID, messageID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.lists[conversationID]
	if i := indexOf(list, messageID); i >= 0 {
		return list[i].clone(), true
	}
	return Message{}, false
}

// Len returns the number of messages held for a conversation.
func (s *MessageStore) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lists[conversationID])
}

// LatestVisible returns the most recent message that is not tombstoned.
func (s *MessageStore) LatestVisible(conversationID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.lists[conversationID]
	for i := len(list) - 1; i >= 0; i-- {
		if !list[i].IsDeleted {
			return list[i].clone(), true
		}
	}
	return Message{}, false
}

// ── Writes ───────────────────────────────────────────────

// ReplaceAll overwrites a conversation's history with a fetched snapshot.
// Duplicate ids keep their last occurrence.
func (s *MessageStore) ReplaceAll(conversationID string, msgs []Message) {
	list := make([]Message, 0, len(msgs))
	pos := make(map[string]int, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		m = m.clone()
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if i, ok := pos[m.ID]; ok {
			list[i] = m
			continue
		}
		pos[m.ID] = len(list)
		list = append(list, m)
	}
	sortByCreatedAt(list)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[conversationID] = list
}

// Merge adds an older page to the history. Entries already held win over the
// page's copy since they may carry live edits.
func (s *MessageStore) Merge(conversationID string, msgs []Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[conversationID]
	added := 0
	for _, m := range msgs {
		if m.ID == "" || indexOf(list, m.ID) >= 0 {
			continue
		}
		m = m.clone()
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		list = append(list, m)
		added++
	}
	sortByCreatedAt(list)
	s.lists[conversationID] = list
	return added
}

// Append inserts a message at its CreatedAt position. It reports false and
// leaves the list untouched when the id is already present.
func (s *MessageStore) Append(conversationID string, m Message) bool {
	if m.ID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[conversationID]
	if indexOf(list, m.ID) >= 0 {
		return false
	}
	m = m.clone()
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	s.lists[conversationID] = insertSorted(list, m)
	return true
}

// Patch merges edit fields into an existing message. Unknown ids are ignored.
func (s *MessageStore) Patch(conversationID, messageID string, p MessagePatch) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[conversationID]
	i := indexOf(list, messageID)
	if i < 0 {
		return Message{}, false
	}
	m := &list[i]
	if m.IsDeleted {
		// a tombstone stays a tombstone
		return m.clone(), true
	}
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.IsEdited != nil {
		m.IsEdited = *p.IsEdited
	}
	if p.EditedAt != nil {
		t := *p.EditedAt
		m.EditedAt = &t
	}
	return m.clone(), true
}

// Tombstone marks a message deleted and replaces its content with
// DeletedPlaceholder. The entry keeps its id and position.
func (s *MessageStore) Tombstone(conversationID, messageID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[conversationID]
	i := indexOf(list, messageID)
	if i < 0 {
		return Message{}, false
	}
	m := &list[i]
	m.IsDeleted = true
	m.Content = DeletedPlaceholder
	m.File = nil
	return m.clone(), true
}

// Reconcile swaps an optimistic entry for its server-confirmed version. If the
// confirmed id is already present the optimistic entry is simply dropped.
// It reports false when tempID is not held.
func (s *MessageStore) Reconcile(conversationID, tempID string, confirmed Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[conversationID]
	i := indexOf(list, tempID)
	if i < 0 {
		return false
	}
	list = append(list[:i], list[i+1:]...)
	if confirmed.ID != "" && indexOf(list, confirmed.ID) < 0 {
		confirmed = confirmed.clone()
		confirmed.Pending = false
		if confirmed.ConversationID == "" {
			confirmed.ConversationID = conversationID
		}
		list = insertSorted(list, confirmed)
	}
	s.lists[conversationID] = list
	return true
}

// Discard physically removes a message. Only used to roll back an optimistic
// insert that the server never accepted.
func (s *MessageStore) Discard(conversationID, messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[conversationID]
	i := indexOf(list, messageID)
	if i < 0 {
		return false
	}
	s.lists[conversationID] = append(list[:i], list[i+1:]...)
	return true
}

// Restore puts back a previous copy of a message, undoing an optimistic edit
// or delete.
func (s *MessageStore) Restore(conversationID string, prev Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[conversationID]
	i := indexOf(list, prev.ID)
	if i < 0 {
		return false
	}
	list[i] = prev.clone()
	return true
}

// MarkReadUpTo flags as read every message not sent by readerID and created at
// or before at. A zero at covers the whole list. It returns how many entries
// changed.
func (s *MessageStore) MarkReadUpTo(conversationID, readerID string, at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[conversationID]
	n := 0
	for i := range list {
		m := &list[i]
		if m.IsRead || m.SenderID == readerID || m.IsOptimistic() {
			continue
		}
		if !at.IsZero() && m.CreatedAt.After(at) {
			continue
		}
		readAt := at
		if readAt.IsZero() {
			readAt = m.CreatedAt
		}
		m.IsRead = true
		m.ReadAt = &readAt
		n++
	}
	return n
}

// Forget drops everything held for a conversation.
func (s *MessageStore) Forget(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lists, conversationID)
}

// Clear drops every conversation.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists = make(map[string][]Message)
}

// ============================================================================
// Helpers
// ============================================================================

func indexOf(list []Message, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func sortByCreatedAt(list []Message) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
}

// insertSorted places m after every entry created at or before it.
func insertSorted(list []Message, m Message) []Message {
	i := sort.Search(len(list), func(i int) bool { return list[i].CreatedAt.After(m.CreatedAt) })
	list = append(list, Message{})
	copy(list[i+1:], list[i:])
	list[i] = m
	return list
}
