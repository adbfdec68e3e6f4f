package chatcore

import (
	"log/slog"
	"sort"
	"sync"
)

// ChangeKind tells a subscriber which part of the view changed.
type ChangeKind string

const (
	ChangeConversations ChangeKind = "conversations"
	ChangeMessages      ChangeKind = "messages"
	ChangeTyping        ChangeKind = "typing"
	ChangePresence      ChangeKind = "presence"
	ChangeConnection    ChangeKind = "connection"
	ChangeLoadState     ChangeKind = "load_state"
	ChangeSelection     ChangeKind = "selection"
	// ChangeNotice carries a failed intent for user-visible feedback.
	ChangeNotice ChangeKind = "notice"
)

// Change is a notification that part of the view was updated. Subscribers read
// the new state through the Coordinator's snapshot methods.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	Err            error
}

// ChangeHandler receives changes after the mutation that caused them completed.
type ChangeHandler func(Change)

// ============================================================================
// Change Emitter
// ============================================================================

type changeEmitter struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]ChangeHandler
	log       *slog.Logger
}

func newChangeEmitter(log *slog.Logger) *changeEmitter {
	return &changeEmitter{listeners: make(map[int]ChangeHandler), log: log}
}

func (e *changeEmitter) subscribe(h ChangeHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, id)
			e.mu.Unlock()
		})
	}
}

func (e *changeEmitter) emit(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	e.mu.RLock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	handlers := make([]ChangeHandler, 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		handlers = append(handlers, e.listeners[id])
	}
	e.mu.RUnlock()

	for _, c := range changes {
		for _, h := range handlers {
			e.call(h, c)
		}
	}
}

func (e *changeEmitter) call(h ChangeHandler, c Change) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("change handler panicked", "kind", c.Kind, "panic", r)
		}
	}()
	h(c)
}

func (e *changeEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[int]ChangeHandler)
}

// ============================================================================
// Change Batch
// ============================================================================

// changeBatch collects changes under the Coordinator lock; they are emitted
// once the lock is released. Repeated changes collapse.
type changeBatch struct {
	items []Change
	seen  map[Change]struct{}
}

func (b *changeBatch) add(kind ChangeKind, conversationID string) {
	c := Change{Kind: kind, ConversationID: conversationID}
	if b.seen == nil {
		b.seen = make(map[Change]struct{})
	}
	if _, ok := b.seen[c]; ok {
		return
	}
	b.seen[c] = struct{}{}
	b.items = append(b.items, c)
}

func (b *changeBatch) notice(conversationID string, err error) {
	b.items = append(b.items, Change{Kind: ChangeNotice, ConversationID: conversationID, Err: err})
}
