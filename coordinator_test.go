package chatcore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) ListConversations(ctx context.Context) ([]Conversation, error) {
	args := m.Called(ctx)
	convs, _ := args.Get(0).([]Conversation)
	return convs, args.Error(1)
}

func (m *mockAPI) ListMessages(ctx context.Context, conversationID string, page, size int) (*MessagePage, error) {
	args := m.Called(ctx, conversationID, page, size)
	p, _ := args.Get(0).(*MessagePage)
	return p, args.Error(1)
}

func (m *mockAPI) SendMessage(ctx context.Context, req *SendMessageRequest) (*Message, error) {
	args := m.Called(ctx, req)
	msg, _ := args.Get(0).(*Message)
	return msg, args.Error(1)
}

func (m *mockAPI) EditMessage(ctx context.Context, messageID, content string) (*Message, error) {
	args := m.Called(ctx, messageID, content)
	msg, _ := args.Get(0).(*Message)
	return msg, args.Error(1)
}

func (m *mockAPI) DeleteMessage(ctx context.Context, messageID string) error {
	return m.Called(ctx, messageID).Error(0)
}

func (m *mockAPI) MarkRead(ctx context.Context, conversationID string) error {
	return m.Called(ctx, conversationID).Error(0)
}

type fakePush struct {
	mu    sync.Mutex
	calls []bool
	err   error
}

func (p *fakePush) SendTyping(_ context.Context, _ string, isTyping bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, isTyping)
	return p.err
}

func (p *fakePush) Calls() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.calls...)
}

type changeRecorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *changeRecorder) record(c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *changeRecorder) notices() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Change
	for _, c := range r.changes {
		if c.Kind == ChangeNotice {
			out = append(out, c)
		}
	}
	return out
}

func (r *changeRecorder) has(kind ChangeKind, conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.changes {
		if c.Kind == kind && c.ConversationID == conversationID {
			return true
		}
	}
	return false
}

type harness struct {
	coord   *Coordinator
	api     *mockAPI
	clock   *fakeClock
	metrics *Metrics
	changes *changeRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	api := &mockAPI{}
	clock := newFakeClock()
	metrics := NewMetrics(prometheus.NewRegistry())
	coord := NewCoordinator(api, nil, CoordinatorConfig{
		SelfID:  "u1",
		Clock:   clock.Now,
		Metrics: metrics,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	rec := &changeRecorder{}
	coord.Subscribe(rec.record)
	t.Cleanup(func() {
		coord.Stop()
		api.AssertExpectations(t)
	})
	return &harness{coord: coord, api: api, clock: clock, metrics: metrics, changes: rec}
}

// seed loads c1 with [m1@1, m2@2] and a directory of c1 (preview m2) and c2.
func (h *harness) seed() (Message, Message) {
	m1, m2 := msg("m1", 1), msg("m2", 2)
	h.coord.MessageStore().ReplaceAll("c1", []Message{m1, m2})
	h.coord.Directory().SetAll([]Conversation{conv("c1", 2, &m2, 0), conv("c2", 1, nil, 0)})
	return m1, m2
}

func (h *harness) preview(t *testing.T, conversationID string) *Message {
	t.Helper()
	c, ok := h.coord.Conversation(conversationID)
	require.True(t, ok)
	return c.LastMessage
}

func (h *harness) unread(t *testing.T, conversationID string) int {
	t.Helper()
	c, ok := h.coord.Conversation(conversationID)
	require.True(t, ok)
	return c.UnreadCount
}

var errBoom = errors.New("boom")

// ============================================================================
// Live events
// ============================================================================

func TestCoordinator_ApplyMessageCreated(t *testing.T) {
	t.Run("appends and bumps", func(t *testing.T) {
		h := newHarness(t)
		h.seed()
		m3 := msg("m3", 3)
		m3.ConversationID = "c2"

		h.coord.Apply(MessageCreated{ConversationID: "c2", Message: m3})

		assert.Equal(t, []string{"m3"}, ids(h.coord.Messages("c2")))
		list := h.coord.Conversations()
		assert.Equal(t, "c2", list[0].ID)
		assert.Equal(t, 1, list[0].UnreadCount)
		assert.Equal(t, "m3", list[0].LastMessage.ID)
		assert.True(t, h.changes.has(ChangeMessages, "c2"))
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.eventsApplied.WithLabelValues(string(EventMessageCreated))))
	})

	t.Run("duplicate delivery is absorbed", func(t *testing.T) {
		h := newHarness(t)
		h.seed()
		m3 := msg("m3", 3)

		for i := 0; i < 3; i++ {
			h.coord.Apply(MessageCreated{ConversationID: "c1", Message: m3})
		}

		assert.Equal(t, []string{"m1", "m2", "m3"}, ids(h.coord.Messages("c1")))
		assert.Equal(t, 1, h.unread(t, "c1"))
		assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.eventsDuplicate))
	})

	t.Run("own message from another device keeps unread", func(t *testing.T) {
		h := newHarness(t)
		h.seed()
		mine := msg("m3", 3)
		mine.SenderID = "u1"

		h.coord.Apply(MessageCreated{ConversationID: "c1", Message: mine})
		assert.Equal(t, 0, h.unread(t, "c1"))
		assert.Equal(t, "m3", h.preview(t, "c1").ID)
	})

	t.Run("unknown conversation stores message only", func(t *testing.T) {
		h := newHarness(t)
		h.seed()
		before := h.coord.Conversations()
		m9 := msg("m9", 9)
		m9.ConversationID = "cX"
		h.coord.Apply(MessageCreated{ConversationID: "cX", Message: m9})

		assert.Equal(t, []string{"m9"}, ids(h.coord.Messages("cX")))
		assert.Equal(t, before, h.coord.Conversations(), "directory untouched")
		assert.Zero(t, h.coord.TotalUnread())
		assert.Zero(t, testutil.ToFloat64(h.metrics.eventsDropped.WithLabelValues("malformed")))
	})

	t.Run("missing type defaults to text", func(t *testing.T) {
		h := newHarness(t)
		h.seed()
		m3 := msg("m3", 3)
		m3.Type = ""
		h.coord.Apply(MessageCreated{ConversationID: "c1", Message: m3})

		got, ok := h.coord.MessageStore().Get("c1", "m3")
		require.True(t, ok)
		assert.Equal(t, TypeText, got.Type)

		bad := msg("m4", 4)
		bad.Type = "VIDEO"
		h.coord.Apply(MessageCreated{ConversationID: "c1", Message: bad})
		_, ok = h.coord.MessageStore().Get("c1", "m4")
		assert.False(t, ok)
	})

	t.Run("invalid event dropped", func(t *testing.T) {
		h := newHarness(t)
		h.seed()
		h.coord.Apply(MessageCreated{ConversationID: "c1"})
		assert.Equal(t, 2, len(h.coord.Messages("c1")))
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.eventsDropped.WithLabelValues("malformed")))
	})
}

func TestCoordinator_ApplyUpdatedAndDeleted(t *testing.T) {
	t.Run("patch updates preview", func(t *testing.T) {
		h := newHarness(t)
		h.seed()
		content := "edited"
		edited := true
		h.coord.Apply(MessageUpdated{ConversationID: "c1", MessageID: "m2", Patch: MessagePatch{Content: &content, IsEdited: &edited}})

		m, _ := h.coord.MessageStore().Get("c1", "m2")
		assert.Equal(t, "edited", m.Content)
		assert.True(t, m.IsEdited)
		assert.Equal(t, "edited", h.preview(t, "c1").Content)
	})

	t.Run("patch for unknown message dropped", func(t *testing.T) {
		h := newHarness(t)
		h.seed()
		content := "x"
		h.coord.Apply(MessageUpdated{ConversationID: "c1", MessageID: "m7", Patch: MessagePatch{Content: &content}})
		assert.Equal(t, []string{"m1", "m2"}, ids(h.coord.Messages("c1")))
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.eventsDropped.WithLabelValues("out_of_order")))
	})

	t.Run("tombstoning the last message recomputes preview", func(t *testing.T) {
		h := newHarness(t)
		h.seed()
		h.coord.Apply(MessageDeleted{ConversationID: "c1", MessageID: "m2"})

		m, _ := h.coord.MessageStore().Get("c1", "m2")
		assert.True(t, m.IsDeleted)
		assert.Equal(t, DeletedPlaceholder, m.Content)
		assert.Equal(t, "m1", h.preview(t, "c1").ID)

		h.coord.Apply(MessageDeleted{ConversationID: "c1", MessageID: "m1"})
		assert.Nil(t, h.preview(t, "c1"))
	})
}

func TestCoordinator_ApplyConversationRead(t *testing.T) {
	h := newHarness(t)
	h.seed()
	h.coord.Directory().SetUnread("c1", 4)

	h.coord.Apply(ConversationRead{ConversationID: "c1", ReaderID: "u1", ReadAt: at(5)})
	assert.Equal(t, 0, h.unread(t, "c1"))
	for _, m := range h.coord.Messages("c1") {
		assert.True(t, m.IsRead)
	}

	mine := msg("m3", 3)
	mine.SenderID = "u1"
	h.coord.Apply(MessageCreated{ConversationID: "c1", Message: mine})
	h.coord.Apply(ConversationRead{ConversationID: "c1", ReaderID: "u2", ReadAt: at(5)})
	m, _ := h.coord.MessageStore().Get("c1", "m3")
	assert.True(t, m.IsRead, "read receipt from the peer")
}

func TestCoordinator_TypingAndPresence(t *testing.T) {
	h := newHarness(t)
	h.seed()

	h.coord.Apply(TypingChanged{ConversationID: "5", UserID: "42", IsTyping: true})
	assert.Equal(t, []string{"42"}, h.coord.Typing("5"))
	h.coord.Apply(TypingChanged{ConversationID: "5", UserID: "42", IsTyping: false})
	assert.Empty(t, h.coord.Typing("5"))

	h.coord.Apply(TypingChanged{ConversationID: "5", UserID: "u1", IsTyping: true})
	assert.Empty(t, h.coord.Typing("5"), "own typing is not shown")

	h.coord.Apply(TypingChanged{ConversationID: "c1", UserID: "u2", IsTyping: true})
	h.clock.Advance(4 * time.Second)
	h.coord.SweepTyping()
	assert.Empty(t, h.coord.Typing("c1"))
	assert.True(t, h.changes.has(ChangeTyping, "c1"))

	h.coord.Apply(PresenceChanged{UserID: "u2", IsOnline: true})
	assert.Equal(t, []string{"u2"}, h.coord.Online())
	assert.True(t, h.changes.has(ChangePresence, ""))
}

// ============================================================================
// Fetches
// ============================================================================

func TestCoordinator_LoadHistoryBuffersLiveEvents(t *testing.T) {
	h := newHarness(t)
	m1, m2 := msg("m1", 1), msg("m2", 2)
	h.coord.Directory().SetAll([]Conversation{conv("c1", 2, &m2, 0)})
	m3 := msg("m3", 3)

	h.api.On("ListMessages", mock.Anything, "c1", 0, DefaultPageSize).
		Run(func(mock.Arguments) {
			assert.Equal(t, LoadLoading, h.coord.State("c1"))
			h.coord.Apply(MessageCreated{ConversationID: "c1", Message: m3})
			h.coord.Apply(MessageDeleted{ConversationID: "c1", MessageID: "m1"})
			assert.Empty(t, h.coord.Messages("c1"), "held back while loading")
		}).
		Return(&MessagePage{Content: []Message{m2, m1}, TotalPages: 1, TotalElements: 2}, nil).
		Once()

	require.NoError(t, h.coord.LoadHistory(context.Background(), "c1"))

	got := h.coord.Messages("c1")
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(got))
	assert.True(t, got[0].IsDeleted)
	assert.Equal(t, LoadSynced, h.coord.State("c1"))
	assert.Equal(t, "m3", h.preview(t, "c1").ID)
	assert.Equal(t, 1, h.unread(t, "c1"))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.eventsBuffered))
}

func TestCoordinator_LoadHistoryFailureKeepsEvents(t *testing.T) {
	h := newHarness(t)
	h.coord.Directory().SetAll([]Conversation{conv("c1", 2, nil, 0)})
	m3 := msg("m3", 3)

	h.api.On("ListMessages", mock.Anything, "c1", 0, DefaultPageSize).
		Run(func(mock.Arguments) {
			h.coord.Apply(MessageCreated{ConversationID: "c1", Message: m3})
		}).
		Return(nil, errBoom).
		Once()

	err := h.coord.LoadHistory(context.Background(), "c1")
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, LoadUnloaded, h.coord.State("c1"))
	assert.Equal(t, []string{"m3"}, ids(h.coord.Messages("c1")))
}

func TestCoordinator_LoadOlder(t *testing.T) {
	h := newHarness(t)
	h.coord.Directory().SetAll([]Conversation{conv("c1", 4, nil, 0)})

	h.api.On("ListMessages", mock.Anything, "c1", 0, DefaultPageSize).
		Return(&MessagePage{Content: []Message{msg("m4", 4), msg("m3", 3)}, TotalPages: 2}, nil).Once()
	h.api.On("ListMessages", mock.Anything, "c1", 1, DefaultPageSize).
		Return(&MessagePage{Content: []Message{msg("m3", 3), msg("m2", 2), msg("m1", 1)}, TotalPages: 2}, nil).Once()

	more, err := h.coord.LoadOlder(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, []string{"m3", "m4"}, ids(h.coord.Messages("c1")))

	more, err = h.coord.LoadOlder(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(h.coord.Messages("c1")))

	more, err = h.coord.LoadOlder(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, more)
}

func TestCoordinator_RefreshConversations(t *testing.T) {
	h := newHarness(t)
	h.api.On("ListConversations", mock.Anything).
		Return([]Conversation{conv("c1", 1, nil, 2), conv("c2", 5, nil, 0)}, nil).Once()

	require.NoError(t, h.coord.RefreshConversations(context.Background()))
	assert.Equal(t, []string{"c2", "c1"}, convIDs(h.coord.Conversations()))
	assert.Equal(t, 2, h.coord.TotalUnread())
	assert.True(t, h.changes.has(ChangeConversations, ""))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.requests.WithLabelValues("list_conversations", "ok")))
}

// ============================================================================
// Connection
// ============================================================================

func TestCoordinator_DisconnectAndResync(t *testing.T) {
	h := newHarness(t)
	h.coord.Start(context.Background())
	m1 := msg("m1", 1)
	h.coord.Directory().SetAll([]Conversation{conv("c1", 1, &m1, 0)})
	page := &MessagePage{Content: []Message{m1}, TotalPages: 1}
	h.api.On("ListMessages", mock.Anything, "c1", 0, DefaultPageSize).Return(page, nil).Times(2)
	h.api.On("ListConversations", mock.Anything).Return([]Conversation{conv("c1", 1, &m1, 0)}, nil).Once()

	h.coord.Apply(ConnectionState{IsConnected: true})
	require.True(t, h.coord.IsConnected())
	require.NoError(t, h.coord.LoadHistory(context.Background(), "c1"))

	h.coord.Apply(TypingChanged{ConversationID: "c1", UserID: "u2", IsTyping: true})
	h.coord.Apply(PresenceChanged{UserID: "u2", IsOnline: true})

	h.coord.Apply(ConnectionState{IsConnected: false, Reason: "network"})
	assert.False(t, h.coord.IsConnected())
	assert.Empty(t, h.coord.Typing("c1"))
	assert.Empty(t, h.coord.Online())
	assert.Equal(t, LoadStale, h.coord.State("c1"))
	assert.Equal(t, []string{"m1"}, ids(h.coord.Messages("c1")), "history survives the drop")

	h.coord.Apply(ConnectionState{IsConnected: true})
	require.Eventually(t, func() bool {
		return h.coord.State("c1") == LoadSynced
	}, time.Second, 5*time.Millisecond)
	h.coord.Stop()
}

// ============================================================================
// Intents
// ============================================================================

func TestCoordinator_SendEchoBeforeResponse(t *testing.T) {
	h := newHarness(t)
	h.seed()
	h.clock.Advance(time.Minute)
	server := msg("m9", 60)
	server.SenderID = "u1"
	server.Content = "hello"

	h.api.On("SendMessage", mock.Anything, mock.MatchedBy(func(r *SendMessageRequest) bool {
		return r.ConversationID == "c1" && r.Content == "hello" && r.Type == TypeText && r.CorrelationToken != ""
	})).
		Run(func(args mock.Arguments) {
			req := args.Get(1).(*SendMessageRequest)
			inflight := h.coord.Messages("c1")
			require.Len(t, inflight, 3)
			temp := inflight[2]
			assert.True(t, temp.IsOptimistic())
			assert.True(t, temp.Pending)
			assert.Equal(t, req.CorrelationToken, temp.CorrelationToken)
			assert.Equal(t, temp.ID, h.preview(t, "c1").ID)

			h.coord.Apply(MessageCreated{ConversationID: "c1", Message: server, CorrelationToken: req.CorrelationToken})
		}).
		Return(&server, nil).
		Once()

	got, err := h.coord.Send(context.Background(), "c1", "  hello ", nil)
	require.NoError(t, err)
	assert.Equal(t, "m9", got.ID)

	msgs := h.coord.Messages("c1")
	assert.Equal(t, []string{"m1", "m2", "m9"}, ids(msgs))
	assert.False(t, msgs[2].Pending)
	assert.Equal(t, "m9", h.preview(t, "c1").ID)
	assert.Equal(t, 0, h.unread(t, "c1"))
}

func TestCoordinator_SendResponseBeforeEcho(t *testing.T) {
	h := newHarness(t)
	h.seed()
	h.clock.Advance(time.Minute)
	server := msg("m9", 60)
	server.SenderID = "u1"

	var token string
	h.api.On("SendMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			token = args.Get(1).(*SendMessageRequest).CorrelationToken
		}).
		Return(&server, nil).
		Once()

	_, err := h.coord.Send(context.Background(), "c1", "hello", nil)
	require.NoError(t, err)

	h.coord.Apply(MessageCreated{ConversationID: "c1", Message: server, CorrelationToken: token})
	assert.Equal(t, []string{"m1", "m2", "m9"}, ids(h.coord.Messages("c1")))
	assert.Equal(t, 0, h.unread(t, "c1"))
}

func TestCoordinator_SendFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	_, m2 := h.seed()
	h.clock.Advance(time.Minute)
	c2Before, _ := h.coord.Conversation("c2")

	h.api.On("SendMessage", mock.Anything, mock.Anything).Return(nil, errBoom).Twice()

	_, err := h.coord.Send(context.Background(), "c1", "hello", nil)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "send", reqErr.Op)
	assert.ErrorIs(t, err, errBoom)

	assert.Equal(t, []string{"m1", "m2"}, ids(h.coord.Messages("c1")))
	assert.Equal(t, m2.ID, h.preview(t, "c1").ID)
	require.Len(t, h.changes.notices(), 1)
	assert.ErrorIs(t, h.changes.notices()[0].Err, errBoom)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.rollbacks.WithLabelValues("send")))

	// a failed send to the second conversation leaves the list as it was
	_, err = h.coord.Send(context.Background(), "c2", "hello", nil)
	require.Error(t, err)
	assert.Equal(t, []string{"c1", "c2"}, convIDs(h.coord.Conversations()))
	c2After, _ := h.coord.Conversation("c2")
	assert.Equal(t, c2Before.UpdatedAt, c2After.UpdatedAt)
	assert.Equal(t, c2Before.LastMessageAt, c2After.LastMessageAt)
	assert.Nil(t, c2After.LastMessage)
	assert.Empty(t, h.coord.Messages("c2"))
}

func TestCoordinator_SendSurvivesReload(t *testing.T) {
	h := newHarness(t)
	h.seed()
	h.clock.Advance(time.Minute)
	server := msg("m9", 60)
	server.SenderID = "u1"

	h.api.On("SendMessage", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			require.NoError(t, h.coord.LoadHistory(context.Background(), "c1"))
			inflight := h.coord.Messages("c1")
			require.Len(t, inflight, 2)
			assert.True(t, inflight[1].IsOptimistic(), "pending send kept across replaceAll")
		}).
		Return(&server, nil).Once()
	h.api.On("ListMessages", mock.Anything, "c1", 0, DefaultPageSize).
		Return(&MessagePage{Content: []Message{msg("m1", 1)}, TotalPages: 1}, nil).Once()

	_, err := h.coord.Send(context.Background(), "c1", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m9"}, ids(h.coord.Messages("c1")))
}

func TestCoordinator_SendValidation(t *testing.T) {
	h := newHarness(t)
	h.seed()

	_, err := h.coord.Send(context.Background(), "c1", "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyContent)
	_, err = h.coord.Send(context.Background(), "nope", "hi", nil)
	assert.ErrorIs(t, err, ErrUnknownConversation)
}

func TestCoordinator_SendFileType(t *testing.T) {
	h := newHarness(t)
	h.seed()
	file := &FileInfo{URL: "https://cdn/a.PNG", Name: "a.PNG", Size: 2048}
	server := msg("m9", 60)
	server.Type = TypeImage
	server.File = file

	h.api.On("SendMessage", mock.Anything, mock.MatchedBy(func(r *SendMessageRequest) bool {
		return r.Type == TypeImage && r.File != nil && r.File.Name == "a.PNG"
	})).Return(&server, nil).Once()

	_, err := h.coord.Send(context.Background(), "c1", "", file)
	require.NoError(t, err)
}

func TestCoordinator_Edit(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		h := newHarness(t)
		h.seed()
		editedAt := at(30)
		server := msg("m2", 2)
		server.Content = "fixed"
		server.IsEdited = true
		server.EditedAt = &editedAt

		h.api.On("EditMessage", mock.Anything, "m2", "fixed").
			Run(func(mock.Arguments) {
				m, _ := h.coord.MessageStore().Get("c1", "m2")
				assert.Equal(t, "fixed", m.Content, "applied optimistically")
			}).
			Return(&server, nil).Once()

		got, err := h.coord.Edit(context.Background(), "c1", "m2", "fixed")
		require.NoError(t, err)
		assert.True(t, got.IsEdited)
		assert.Equal(t, editedAt, *got.EditedAt)
		assert.Equal(t, "fixed", h.preview(t, "c1").Content)
	})

	t.Run("failure restores", func(t *testing.T) {
		h := newHarness(t)
		h.seed()
		h.api.On("EditMessage", mock.Anything, "m2", "fixed").Return(nil, errBoom).Once()

		_, err := h.coord.Edit(context.Background(), "c1", "m2", "fixed")
		assert.ErrorIs(t, err, errBoom)
		m, _ := h.coord.MessageStore().Get("c1", "m2")
		assert.Equal(t, "text m2", m.Content)
		assert.False(t, m.IsEdited)
		assert.Equal(t, "text m2", h.preview(t, "c1").Content)
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.rollbacks.WithLabelValues("edit")))
	})

	t.Run("rejected locally", func(t *testing.T) {
		h := newHarness(t)
		h.seed()
		_, err := h.coord.Edit(context.Background(), "c1", "m7", "x")
		assert.ErrorIs(t, err, ErrUnknownMessage)
		_, err = h.coord.Edit(context.Background(), "c1", "m2", "")
		assert.ErrorIs(t, err, ErrEmptyContent)

		h.coord.Apply(MessageDeleted{ConversationID: "c1", MessageID: "m1"})
		_, err = h.coord.Edit(context.Background(), "c1", "m1", "x")
		assert.ErrorIs(t, err, ErrMessageDeleted)

		h.coord.MessageStore().Append("c1", msg("local-123", 9))
		_, err = h.coord.Edit(context.Background(), "c1", "local-123", "x")
		assert.ErrorIs(t, err, ErrPendingMessage)
	})
}

func TestCoordinator_Delete(t *testing.T) {
	t.Run("success recomputes preview", func(t *testing.T) {
		h := newHarness(t)
		h.seed()
		h.api.On("DeleteMessage", mock.Anything, "m2").Return(nil).Once()

		require.NoError(t, h.coord.Delete(context.Background(), "c1", "m2"))
		assert.Equal(t, "m1", h.preview(t, "c1").ID)
		m, _ := h.coord.MessageStore().Get("c1", "m2")
		assert.True(t, m.IsDeleted)

		require.NoError(t, h.coord.Delete(context.Background(), "c1", "m2"), "already deleted")
	})

	t.Run("failure restores message and preview", func(t *testing.T) {
		h := newHarness(t)
		h.seed()
		h.api.On("DeleteMessage", mock.Anything, "m2").Return(errBoom).Once()

		err := h.coord.Delete(context.Background(), "c1", "m2")
		assert.ErrorIs(t, err, errBoom)
		m, _ := h.coord.MessageStore().Get("c1", "m2")
		assert.False(t, m.IsDeleted)
		assert.Equal(t, "text m2", m.Content)
		assert.Equal(t, "m2", h.preview(t, "c1").ID)
	})
}

func TestCoordinator_MarkRead(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		h := newHarness(t)
		h.seed()
		h.coord.Directory().SetUnread("c1", 3)
		h.api.On("MarkRead", mock.Anything, "c1").Return(nil).Once()

		require.NoError(t, h.coord.MarkRead(context.Background(), "c1"))
		assert.Equal(t, 0, h.unread(t, "c1"))
		for _, m := range h.coord.Messages("c1") {
			assert.True(t, m.IsRead)
		}
	})

	t.Run("failure restores count", func(t *testing.T) {
		h := newHarness(t)
		h.seed()
		h.coord.Directory().SetUnread("c1", 3)
		h.api.On("MarkRead", mock.Anything, "c1").
			Run(func(mock.Arguments) {
				assert.Equal(t, 0, h.unread(t, "c1"), "zeroed optimistically")
			}).
			Return(errBoom).Once()

		err := h.coord.MarkRead(context.Background(), "c1")
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, 3, h.unread(t, "c1"))
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.rollbacks.WithLabelValues("mark_read")))
	})

	t.Run("failure keeps messages that arrived meanwhile", func(t *testing.T) {
		h := newHarness(t)
		h.seed()
		h.coord.Directory().SetUnread("c1", 3)
		h.api.On("MarkRead", mock.Anything, "c1").
			Run(func(mock.Arguments) {
				h.coord.Apply(MessageCreated{ConversationID: "c1", Message: msg("m3", 3)})
			}).
			Return(errBoom).Once()

		_ = h.coord.MarkRead(context.Background(), "c1")
		assert.Equal(t, 4, h.unread(t, "c1"))
	})

	t.Run("failure after a list reload keeps the server count", func(t *testing.T) {
		h := newHarness(t)
		h.seed()
		h.coord.Directory().SetUnread("c1", 3)
		m2 := msg("m2", 2)
		h.api.On("ListConversations", mock.Anything).
			Return([]Conversation{conv("c1", 2, &m2, 3), conv("c2", 1, nil, 0)}, nil).Once()
		h.api.On("MarkRead", mock.Anything, "c1").
			Run(func(mock.Arguments) {
				require.NoError(t, h.coord.RefreshConversations(context.Background()))
			}).
			Return(errBoom).Once()

		err := h.coord.MarkRead(context.Background(), "c1")
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, 3, h.unread(t, "c1"))
	})

	t.Run("unknown conversation", func(t *testing.T) {
		h := newHarness(t)
		assert.ErrorIs(t, h.coord.MarkRead(context.Background(), "nope"), ErrUnknownConversation)
	})
}

func TestCoordinator_SetTyping(t *testing.T) {
	h := newHarness(t)
	push := &fakePush{}
	ctx := context.Background()

	assert.ErrorIs(t, h.coord.SetTyping(ctx, "c1", true), ErrNotConnected)

	h.coord.SetPush(push)
	h.coord.Apply(ConnectionState{IsConnected: true})

	require.NoError(t, h.coord.SetTyping(ctx, "c1", true))
	require.NoError(t, h.coord.SetTyping(ctx, "c1", true))
	assert.Equal(t, []bool{true}, push.Calls(), "repeat start throttled")

	h.clock.Advance(DefaultTypingSendInterval)
	require.NoError(t, h.coord.SetTyping(ctx, "c1", true))
	require.NoError(t, h.coord.SetTyping(ctx, "c1", false))
	require.NoError(t, h.coord.SetTyping(ctx, "c1", true))
	assert.Equal(t, []bool{true, true, false, true}, push.Calls())

	push.err = errBoom
	h.clock.Advance(DefaultTypingSendInterval)
	var reqErr *RequestError
	assert.ErrorAs(t, h.coord.SetTyping(ctx, "c1", true), &reqErr)
}

func TestCoordinator_SelectConversation(t *testing.T) {
	h := newHarness(t)
	m1 := msg("m1", 1)
	h.coord.Directory().SetAll([]Conversation{conv("c1", 1, &m1, 2), conv("c2", 0, nil, 0)})
	h.api.On("ListMessages", mock.Anything, "c1", 0, DefaultPageSize).
		Return(&MessagePage{Content: []Message{m1}, TotalPages: 1}, nil).Once()
	h.api.On("MarkRead", mock.Anything, "c1").Return(nil).Once()

	require.NoError(t, h.coord.SelectConversation(context.Background(), "c1"))
	assert.Equal(t, "c1", h.coord.Current())
	assert.Equal(t, LoadSynced, h.coord.State("c1"))
	assert.Equal(t, 0, h.unread(t, "c1"))
	assert.True(t, h.changes.has(ChangeSelection, "c1"))

	// already synced, nothing unread: no requests
	require.NoError(t, h.coord.SelectConversation(context.Background(), "c1"))
	assert.ErrorIs(t, h.coord.SelectConversation(context.Background(), "nope"), ErrUnknownConversation)
}

// ============================================================================
// Subscriptions
// ============================================================================

func TestCoordinator_Subscribe(t *testing.T) {
	h := newHarness(t)
	h.seed()

	var got []Change
	h.coord.Subscribe(func(Change) { panic("bad handler") })
	unsubscribe := h.coord.Subscribe(func(c Change) { got = append(got, c) })

	h.coord.Apply(PresenceChanged{UserID: "u2", IsOnline: true})
	require.Len(t, got, 1)
	assert.Equal(t, ChangePresence, got[0].Kind)

	unsubscribe()
	unsubscribe()
	h.coord.Apply(PresenceChanged{UserID: "u3", IsOnline: true})
	assert.Len(t, got, 1)
}
