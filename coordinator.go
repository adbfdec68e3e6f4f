package chatcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ============================================================================
// Configuration
// ============================================================================

const (
	DefaultPageSize           = 50
	DefaultTypingSendInterval = 2 * time.Second
	DefaultSweepInterval      = time.Second
)

// CoordinatorConfig configures a Coordinator. Nil stores are created fresh.
type CoordinatorConfig struct {
	// SelfID is the current user. Messages from anyone else raise unread.
	SelfID             string
	PageSize           int
	TypingTTL          time.Duration
	TypingSendInterval time.Duration
	SweepInterval      time.Duration
	Clock              func() time.Time
	Logger             *slog.Logger
	Metrics            *Metrics

	Messages  *MessageStore
	Directory *ConversationDirectory
	Presence  *PresenceTracker
}

func (c *CoordinatorConfig) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = DefaultTypingTTL
	}
	if c.TypingSendInterval <= 0 {
		c.TypingSendInterval = DefaultTypingSendInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Messages == nil {
		c.Messages = NewMessageStore()
	}
	if c.Directory == nil {
		c.Directory = NewConversationDirectory(c.Messages)
	}
	if c.Presence == nil {
		c.Presence = NewPresenceTracker(c.TypingTTL, c.Clock)
	}
}

// TypingSender is the outbound half of the push channel.
type TypingSender interface {
	SendTyping(ctx context.Context, conversationID string, isTyping bool) error
}

// LoadState is a conversation's history state as seen by the Coordinator.
type LoadState string

const (
	LoadUnloaded LoadState = "unloaded"
	LoadLoading  LoadState = "loading"
	LoadSynced   LoadState = "synced"
	// LoadStale means the history was loaded but the push channel dropped
	// since, so events may have been missed.
	LoadStale LoadState = "stale"
)

type convState struct {
	state      LoadState
	buffer     []Event
	nextPage   int
	totalPages int
}

type pendingSend struct {
	conversationID string
	temp           Message
	prev           Activity
	confirmedID    string
}

// ============================================================================
// Coordinator
// ============================================================================

// Coordinator is the only writer of the MessageStore, the
// ConversationDirectory and the PresenceTracker. It merges REST snapshots,
// push events and optimistic intents into one view.
//
// Mutations are serialized by one lock. Change notifications are delivered
// after the lock is released, so handlers may read snapshots freely.
type Coordinator struct {
	cfg      CoordinatorConfig
	api      ChatAPI
	log      *slog.Logger
	metrics  *Metrics
	messages *MessageStore
	dir      *ConversationDirectory
	presence *PresenceTracker
	changes  *changeEmitter
	fetches  singleflight.Group

	mu          sync.Mutex
	push        TypingSender
	convs       map[string]*convState
	pending     map[string]*pendingSend // correlation token -> send
	limiters    map[string]*rate.Limiter
	connected   bool
	needsResync bool
	current     string
	runCtx      context.Context
	stopCh      chan struct{}
	started     bool
	stopped     bool
	wg          sync.WaitGroup
}

// NewCoordinator wires a Coordinator to its REST API and, optionally, the
// outbound push channel.
func NewCoordinator(api ChatAPI, push TypingSender, cfg CoordinatorConfig) *Coordinator {
	cfg.defaults()
	return &Coordinator{
		cfg:      cfg,
		api:      api,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		messages: cfg.Messages,
		dir:      cfg.Directory,
		presence: cfg.Presence,
		changes:  newChangeEmitter(cfg.Logger),
		push:     push,
		convs:    make(map[string]*convState),
		pending:  make(map[string]*pendingSend),
		limiters: make(map[string]*rate.Limiter),
		stopCh:   make(chan struct{}),
	}
}

// SetPush attaches the outbound push channel after construction, for when the
// push client itself needs Apply as its sink.
func (c *Coordinator) SetPush(push TypingSender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.push = push
}

// MessageStore returns the store the Coordinator writes to.
func (c *Coordinator) MessageStore() *MessageStore { return c.messages }

// Directory returns the conversation directory the Coordinator writes to.
func (c *Coordinator) Directory() *ConversationDirectory { return c.dir }

// Presence returns the presence tracker the Coordinator writes to.
func (c *Coordinator) Presence() *PresenceTracker { return c.presence }

// Subscribe registers h for change notifications. The returned func removes it.
func (c *Coordinator) Subscribe(h ChangeHandler) (unsubscribe func()) {
	return c.changes.subscribe(h)
}

// ── Lifecycle ────────────────────────────────────────────

// Start runs the typing sweeper until ctx is done or Stop is called. ctx also
// bounds the resyncs triggered by reconnects.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.runCtx = ctx
	c.mu.Unlock()

	c.wg.Add(1)
	go c.sweepLoop(ctx)
}

// Stop ends background work and drops every subscriber.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.stopped {
		c.stopped = true
		close(c.stopCh)
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.changes.removeAll()
}

func (c *Coordinator) sweepLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepTyping()
		}
	}
}

// SweepTyping expires stale typing indicators and notifies subscribers.
func (c *Coordinator) SweepTyping() {
	var batch changeBatch
	for _, conv := range c.presence.Sweep() {
		batch.add(ChangeTyping, conv)
	}
	c.changes.emit(batch.items...)
}

func (c *Coordinator) runContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}

// ── Snapshots ────────────────────────────────────────────

// Conversations returns the directory in display order.
func (c *Coordinator) Conversations() []Conversation { return c.dir.List() }

// Conversation returns one directory entry.
func (c *Coordinator) Conversation(id string) (Conversation, bool) { return c.dir.Get(id) }

// Messages returns a conversation's history, oldest first.
func (c *Coordinator) Messages(conversationID string) []Message {
	return c.messages.Messages(conversationID)
}

// Typing returns who is typing in a conversation.
func (c *Coordinator) Typing(conversationID string) []string {
	return c.presence.Typing(conversationID)
}

// Online returns the online users.
func (c *Coordinator) Online() []string { return c.presence.Online() }

// TotalUnread sums the unread counters of every conversation.
func (c *Coordinator) TotalUnread() int { return c.dir.TotalUnread() }

// IsConnected reports the last connection state seen from the push channel.
func (c *Coordinator) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// State returns a conversation's load state.
func (c *Coordinator) State(conversationID string) LoadState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs, ok := c.convs[conversationID]; ok {
		return cs.state
	}
	return LoadUnloaded
}

// HasOlder reports whether older history pages remain to be fetched.
func (c *Coordinator) HasOlder(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.convs[conversationID]
	if !ok || cs.state == LoadUnloaded {
		return false
	}
	return cs.nextPage < cs.totalPages
}

// Current returns the selected conversation.
func (c *Coordinator) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ============================================================================
// Event application
// ============================================================================

// Apply feeds one push event into the view. Events of a conversation whose
// history fetch is in flight are held back and applied after the fetch lands.
// Apply is safe to call from any goroutine; events are applied in call order.
func (c *Coordinator) Apply(ev Event) {
	if ev == nil {
		return
	}
	if err := ev.Validate(); err != nil {
		c.log.Warn("dropping invalid event", "kind", ev.Kind(), "error", err)
		c.metrics.incDropped("malformed")
		return
	}

	var batch changeBatch
	resync := false

	c.mu.Lock()
	switch e := ev.(type) {
	case ConnectionState:
		resync = c.applyConnectionLocked(e, &batch)
	case TypingChanged:
		c.applyTypingLocked(e, &batch)
	case PresenceChanged:
		if c.presence.SetOnline(e.UserID, e.IsOnline) {
			batch.add(ChangePresence, "")
		}
		c.metrics.incApplied(e.Kind())
	case conversationEvent:
		if cs, ok := c.convs[e.conversation()]; ok && cs.state == LoadLoading {
			cs.buffer = append(cs.buffer, ev)
			c.metrics.incBuffered()
		} else {
			c.applyConversationEventLocked(e, &batch)
		}
	default:
		c.log.Warn("dropping unknown event", "kind", ev.Kind())
		c.metrics.incDropped("unknown")
	}
	c.mu.Unlock()

	c.changes.emit(batch.items...)
	if resync {
		c.spawnResync()
	}
}

func (c *Coordinator) applyConversationEventLocked(ev conversationEvent, batch *changeBatch) {
	switch e := ev.(type) {
	case MessageCreated:
		c.applyCreatedLocked(e, batch)
	case MessageUpdated:
		c.applyUpdatedLocked(e, batch)
	case MessageDeleted:
		c.applyDeletedLocked(e, batch)
	case ConversationRead:
		c.applyReadLocked(e, batch)
	}
}

func (c *Coordinator) applyCreatedLocked(e MessageCreated, batch *changeBatch) {
	conv := e.ConversationID
	m := e.Message
	m.ConversationID = conv
	m.Pending = false
	if m.Type == "" {
		m.Type = TypeText
	}

	token := e.CorrelationToken
	if token == "" {
		token = m.CorrelationToken
	}
	if ps, ok := c.pending[token]; ok && token != "" {
		if ps.confirmedID != "" {
			c.metrics.incDuplicate()
			c.log.Debug("absorbed duplicate echo", "conversation_id", conv, "message_id", m.ID)
			return
		}
		c.confirmSendLocked(token, ps, m, batch)
		c.metrics.incApplied(e.Kind())
		return
	}

	if !c.messages.Append(conv, m) {
		c.metrics.incDuplicate()
		c.log.Debug("absorbed duplicate message", "conversation_id", conv, "message_id", m.ID)
		return
	}
	batch.add(ChangeMessages, conv)
	c.metrics.incApplied(e.Kind())

	fromOther := c.cfg.SelfID == "" || m.SenderID != c.cfg.SelfID
	if !c.dir.RecordActivity(conv, m, fromOther) {
		c.log.Info("message for conversation missing from directory", "conversation_id", conv)
		return
	}
	batch.add(ChangeConversations, conv)
}

// confirmSendLocked swaps the optimistic entry of a send for the server's
// message. Whichever of echo and REST response arrives first does the swap.
func (c *Coordinator) confirmSendLocked(token string, ps *pendingSend, server Message, batch *changeBatch) {
	conv := ps.conversationID
	server.ConversationID = conv
	server.Pending = false
	if server.CorrelationToken == "" {
		server.CorrelationToken = token
	}
	ps.confirmedID = server.ID

	if !c.messages.Reconcile(conv, ps.temp.ID, server) {
		c.messages.Append(conv, server)
	}
	batch.add(ChangeMessages, conv)

	if c.dir.ReplaceLastMessage(conv, ps.temp.ID, server) || c.dir.OfferLastMessage(conv, server) {
		batch.add(ChangeConversations, conv)
	}
}

func (c *Coordinator) applyUpdatedLocked(e MessageUpdated, batch *changeBatch) {
	conv := e.ConversationID
	m, ok := c.messages.Patch(conv, e.MessageID, e.Patch)
	if !ok {
		c.metrics.incDropped("out_of_order")
		c.log.Debug("dropping edit for unknown message", "conversation_id", conv, "message_id", e.MessageID)
		return
	}
	batch.add(ChangeMessages, conv)
	c.metrics.incApplied(e.Kind())
	if c.dir.ReplaceLastMessage(conv, m.ID, m) {
		batch.add(ChangeConversations, conv)
	}
}

func (c *Coordinator) applyDeletedLocked(e MessageDeleted, batch *changeBatch) {
	conv := e.ConversationID
	_, stored := c.messages.Tombstone(conv, e.MessageID)
	preview := c.dir.ApplyMessageDeletionSideEffect(conv, e.MessageID)
	if !stored && !preview {
		c.metrics.incDropped("out_of_order")
		c.log.Debug("dropping delete for unknown message", "conversation_id", conv, "message_id", e.MessageID)
		return
	}
	c.metrics.incApplied(e.Kind())
	if stored {
		batch.add(ChangeMessages, conv)
	}
	if preview {
		batch.add(ChangeConversations, conv)
	}
}

func (c *Coordinator) applyReadLocked(e ConversationRead, batch *changeBatch) {
	conv := e.ConversationID
	c.metrics.incApplied(e.Kind())
	if c.messages.MarkReadUpTo(conv, e.ReaderID, e.ReadAt) > 0 {
		batch.add(ChangeMessages, conv)
	}
	if e.ReaderID != c.cfg.SelfID {
		return
	}
	// read on another device
	if prev, ok := c.dir.SetUnread(conv, 0); ok && prev != 0 {
		batch.add(ChangeConversations, conv)
	}
}

func (c *Coordinator) applyTypingLocked(e TypingChanged, batch *changeBatch) {
	if e.UserID == c.cfg.SelfID {
		return
	}
	c.metrics.incApplied(e.Kind())
	if c.presence.SetTyping(e.ConversationID, e.UserID, e.IsTyping) {
		batch.add(ChangeTyping, e.ConversationID)
	}
}

// applyConnectionLocked reports whether a resync is due.
func (c *Coordinator) applyConnectionLocked(e ConnectionState, batch *changeBatch) bool {
	c.metrics.incApplied(e.Kind())
	if e.IsConnected {
		if c.connected {
			return false
		}
		c.connected = true
		batch.add(ChangeConnection, "")
		c.log.Info("push channel up")
		resync := c.needsResync
		c.needsResync = false
		return resync
	}

	if !c.connected {
		return false
	}
	c.connected = false
	c.needsResync = true
	c.presence.Reset()
	for id, cs := range c.convs {
		if cs.state == LoadSynced {
			cs.state = LoadStale
			batch.add(ChangeLoadState, id)
		}
	}
	// per-conversation typing sets were wiped as well
	batch.add(ChangeTyping, "")
	batch.add(ChangePresence, "")
	batch.add(ChangeConnection, "")
	c.log.Info("push channel down, conversations marked stale", "reason", e.Reason)
	return false
}

func (c *Coordinator) spawnResync() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		ctx := c.runContext()
		if err := c.Resync(ctx); err != nil {
			c.log.Warn("resync after reconnect failed", "error", err)
		}
	}()
}

// ============================================================================
// Fetches
// ============================================================================

// RefreshConversations reloads the conversation list. Concurrent calls share
// one request.
func (c *Coordinator) RefreshConversations(ctx context.Context) error {
	_, err, _ := c.fetches.Do("conversations", func() (interface{}, error) {
		return nil, c.refreshConversations(ctx)
	})
	return err
}

func (c *Coordinator) refreshConversations(ctx context.Context) error {
	start := time.Now()
	convs, err := c.api.ListConversations(ctx)
	c.metrics.observeRequest("list_conversations", start, err)
	if err != nil {
		return &RequestError{Op: "list conversations", Err: err}
	}

	var batch changeBatch
	c.mu.Lock()
	c.dir.SetAll(convs)
	// loaded histories may be ahead of the list snapshot
	for id, cs := range c.convs {
		if cs.state == LoadUnloaded {
			continue
		}
		if latest, ok := c.messages.LatestVisible(id); ok {
			c.dir.OfferLastMessage(id, latest)
		}
	}
	for _, ps := range c.pending {
		if ps.confirmedID == "" {
			c.dir.OfferLastMessage(ps.conversationID, ps.temp)
		}
	}
	batch.add(ChangeConversations, "")
	c.mu.Unlock()

	c.changes.emit(batch.items...)
	return nil
}

// LoadHistory fetches the newest page of a conversation and replaces whatever
// was held. Events arriving meanwhile are applied on top of the result.
func (c *Coordinator) LoadHistory(ctx context.Context, conversationID string) error {
	_, err, _ := c.fetches.Do("history:"+conversationID, func() (interface{}, error) {
		return nil, c.loadHistory(ctx, conversationID)
	})
	return err
}

func (c *Coordinator) loadHistory(ctx context.Context, conversationID string) error {
	var batch changeBatch

	c.mu.Lock()
	cs := c.stateLocked(conversationID)
	prev := cs.state
	cs.state = LoadLoading
	cs.buffer = nil
	batch.add(ChangeLoadState, conversationID)
	c.mu.Unlock()
	c.changes.emit(batch.items...)

	start := time.Now()
	page, err := c.api.ListMessages(ctx, conversationID, 0, c.cfg.PageSize)
	c.metrics.observeRequest("list_messages", start, err)

	batch = changeBatch{}
	c.mu.Lock()
	buffered := cs.buffer
	cs.buffer = nil
	if err != nil {
		cs.state = prev
		for _, ev := range buffered {
			c.applyConversationEventLocked(ev.(conversationEvent), &batch)
		}
		batch.add(ChangeLoadState, conversationID)
		c.mu.Unlock()
		c.changes.emit(batch.items...)
		c.log.Warn("history fetch failed", "conversation_id", conversationID, "error", err)
		return &RequestError{Op: "load history", ConversationID: conversationID, Err: err}
	}

	c.messages.ReplaceAll(conversationID, page.Content)
	for _, ps := range c.pending {
		if ps.conversationID == conversationID && ps.confirmedID == "" {
			c.messages.Append(conversationID, ps.temp)
		}
	}
	cs.state = LoadSynced
	cs.nextPage = 1
	cs.totalPages = page.TotalPages
	for _, ev := range buffered {
		c.applyConversationEventLocked(ev.(conversationEvent), &batch)
	}
	if latest, ok := c.messages.LatestVisible(conversationID); ok {
		if c.dir.OfferLastMessage(conversationID, latest) {
			batch.add(ChangeConversations, conversationID)
		}
	}
	batch.add(ChangeMessages, conversationID)
	batch.add(ChangeLoadState, conversationID)
	c.mu.Unlock()

	c.changes.emit(batch.items...)
	c.log.Debug("history loaded", "conversation_id", conversationID, "messages", len(page.Content), "replayed", len(buffered))
	return nil
}

// LoadOlder fetches the next older page and merges it. It reports whether
// more pages remain. An unloaded conversation gets its newest page instead.
func (c *Coordinator) LoadOlder(ctx context.Context, conversationID string) (bool, error) {
	c.mu.Lock()
	cs := c.stateLocked(conversationID)
	state := cs.state
	c.mu.Unlock()

	if state == LoadUnloaded {
		if err := c.LoadHistory(ctx, conversationID); err != nil {
			return false, err
		}
		return c.HasOlder(conversationID), nil
	}

	_, err, _ := c.fetches.Do("older:"+conversationID, func() (interface{}, error) {
		return nil, c.loadOlder(ctx, conversationID)
	})
	if err != nil {
		return false, err
	}
	return c.HasOlder(conversationID), nil
}

func (c *Coordinator) loadOlder(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	cs := c.stateLocked(conversationID)
	pageNo := cs.nextPage
	done := cs.nextPage >= cs.totalPages
	c.mu.Unlock()
	if done {
		return nil
	}

	start := time.Now()
	page, err := c.api.ListMessages(ctx, conversationID, pageNo, c.cfg.PageSize)
	c.metrics.observeRequest("list_messages", start, err)
	if err != nil {
		return &RequestError{Op: "load older", ConversationID: conversationID, Err: err}
	}

	var batch changeBatch
	c.mu.Lock()
	added := c.messages.Merge(conversationID, page.Content)
	if cs.nextPage == pageNo {
		cs.nextPage++
	}
	cs.totalPages = page.TotalPages
	if added > 0 {
		batch.add(ChangeMessages, conversationID)
	}
	c.mu.Unlock()

	c.changes.emit(batch.items...)
	return nil
}

// Resync reloads the conversation list and every conversation whose history
// was loaded. Used after the push channel comes back.
func (c *Coordinator) Resync(ctx context.Context) error {
	var errs []error
	if err := c.RefreshConversations(ctx); err != nil {
		errs = append(errs, err)
	}

	c.mu.Lock()
	var ids []string
	for id, cs := range c.convs {
		if cs.state == LoadSynced || cs.state == LoadStale {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.LoadHistory(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("resync: %w", errors.Join(errs...))
	}
	c.log.Info("resync complete", "conversations", len(ids))
	return nil
}

func (c *Coordinator) stateLocked(conversationID string) *convState {
	cs, ok := c.convs[conversationID]
	if !ok {
		cs = &convState{state: LoadUnloaded}
		c.convs[conversationID] = cs
	}
	return cs
}
