package chatcore

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ============================================================================
// Intents
// ============================================================================
//
// Every mutating intent updates the view first and then calls the server. A
// failed call rolls the optimistic change back, notifies subscribers with a
// ChangeNotice and returns a *RequestError.

// Send appends an optimistic message and posts it. The returned message is the
// server's copy. file is optional.
func (c *Coordinator) Send(ctx context.Context, conversationID, content string, file *FileInfo) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" && file == nil {
		return Message{}, ErrEmptyContent
	}
	if !c.dir.Has(conversationID) {
		return Message{}, ErrUnknownConversation
	}

	token := uuid.NewString()
	temp := Message{
		ID:               optimisticPrefix + token,
		ConversationID:   conversationID,
		SenderID:         c.cfg.SelfID,
		Content:          content,
		Type:             messageTypeFor(file),
		File:             file,
		CreatedAt:        c.cfg.Clock(),
		CorrelationToken: token,
		Pending:          true,
	}

	var batch changeBatch
	c.mu.Lock()
	ps := &pendingSend{conversationID: conversationID, temp: temp}
	ps.prev, _ = c.dir.Activity(conversationID)
	c.pending[token] = ps
	c.messages.Append(conversationID, temp)
	c.dir.RecordActivity(conversationID, temp, false)
	batch.add(ChangeMessages, conversationID)
	batch.add(ChangeConversations, conversationID)
	c.mu.Unlock()
	c.changes.emit(batch.items...)

	start := time.Now()
	server, err := c.api.SendMessage(ctx, &SendMessageRequest{
		ConversationID:   conversationID,
		Content:          content,
		Type:             temp.Type,
		File:             file,
		CorrelationToken: token,
	})
	c.metrics.observeRequest("send_message", start, err)

	batch = changeBatch{}
	c.mu.Lock()
	delete(c.pending, token)

	if err != nil {
		if ps.confirmedID != "" {
			// the echo already proved the server accepted it
			confirmed, _ := c.messages.Get(conversationID, ps.confirmedID)
			c.mu.Unlock()
			c.log.Warn("send response failed after echo", "conversation_id", conversationID, "error", err)
			return confirmed, nil
		}
		c.messages.Discard(conversationID, temp.ID)
		c.dir.RestoreActivity(conversationID, temp.ID, ps.prev)
		reqErr := &RequestError{Op: "send", ConversationID: conversationID, Err: err}
		batch.add(ChangeMessages, conversationID)
		batch.add(ChangeConversations, conversationID)
		batch.notice(conversationID, reqErr)
		c.mu.Unlock()

		c.rolledBack("send", conversationID, err)
		c.changes.emit(batch.items...)
		return Message{}, reqErr
	}

	confirmed := *server
	if ps.confirmedID == "" {
		c.confirmSendLocked(token, ps, confirmed, &batch)
	} else if c.messages.Append(conversationID, confirmed) {
		// echo and response disagree on the id; keep both as the server sent them
		batch.add(ChangeMessages, conversationID)
	}
	c.mu.Unlock()

	c.changes.emit(batch.items...)
	if stored, ok := c.messages.Get(conversationID, confirmed.ID); ok {
		return stored, nil
	}
	return confirmed, nil
}

// Edit replaces the content of a confirmed message.
func (c *Coordinator) Edit(ctx context.Context, conversationID, messageID, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyContent
	}

	var batch changeBatch
	c.mu.Lock()
	prev, ok := c.messages.Get(conversationID, messageID)
	switch {
	case !ok:
		c.mu.Unlock()
		return Message{}, ErrUnknownMessage
	case prev.IsDeleted:
		c.mu.Unlock()
		return Message{}, ErrMessageDeleted
	case prev.IsOptimistic():
		c.mu.Unlock()
		return Message{}, ErrPendingMessage
	}
	now := c.cfg.Clock()
	edited := true
	optimistic, _ := c.messages.Patch(conversationID, messageID, MessagePatch{
		Content:  &content,
		IsEdited: &edited,
		EditedAt: &now,
	})
	batch.add(ChangeMessages, conversationID)
	if c.dir.ReplaceLastMessage(conversationID, messageID, optimistic) {
		batch.add(ChangeConversations, conversationID)
	}
	c.mu.Unlock()
	c.changes.emit(batch.items...)

	start := time.Now()
	server, err := c.api.EditMessage(ctx, messageID, content)
	c.metrics.observeRequest("edit_message", start, err)

	batch = changeBatch{}
	c.mu.Lock()
	if err != nil {
		// a concurrent edit or delete from the push channel wins over the rollback
		if cur, ok := c.messages.Get(conversationID, messageID); ok && !cur.IsDeleted && cur.Content == optimistic.Content {
			c.messages.Restore(conversationID, prev)
			c.dir.ReplaceLastMessage(conversationID, messageID, prev)
		}
		reqErr := &RequestError{Op: "edit", ConversationID: conversationID, Err: err}
		batch.add(ChangeMessages, conversationID)
		batch.add(ChangeConversations, conversationID)
		batch.notice(conversationID, reqErr)
		c.mu.Unlock()

		c.rolledBack("edit", conversationID, err)
		c.changes.emit(batch.items...)
		return Message{}, reqErr
	}

	result, ok := c.messages.Patch(conversationID, messageID, patchFrom(server))
	if !ok {
		result = *server
	}
	batch.add(ChangeMessages, conversationID)
	if c.dir.ReplaceLastMessage(conversationID, messageID, result) {
		batch.add(ChangeConversations, conversationID)
	}
	c.mu.Unlock()

	c.changes.emit(batch.items...)
	return result, nil
}

// Delete tombstones a confirmed message. Deleting a tombstone is a no-op.
func (c *Coordinator) Delete(ctx context.Context, conversationID, messageID string) error {
	var batch changeBatch
	c.mu.Lock()
	prev, ok := c.messages.Get(conversationID, messageID)
	switch {
	case !ok:
		c.mu.Unlock()
		return ErrUnknownMessage
	case prev.IsDeleted:
		c.mu.Unlock()
		return nil
	case prev.IsOptimistic():
		c.mu.Unlock()
		return ErrPendingMessage
	}
	c.messages.Tombstone(conversationID, messageID)
	batch.add(ChangeMessages, conversationID)
	if c.dir.ApplyMessageDeletionSideEffect(conversationID, messageID) {
		batch.add(ChangeConversations, conversationID)
	}
	c.mu.Unlock()
	c.changes.emit(batch.items...)

	start := time.Now()
	err := c.api.DeleteMessage(ctx, messageID)
	c.metrics.observeRequest("delete_message", start, err)
	if err == nil {
		return nil
	}

	batch = changeBatch{}
	c.mu.Lock()
	if cur, ok := c.messages.Get(conversationID, messageID); ok && cur.IsDeleted {
		c.messages.Restore(conversationID, prev)
		c.dir.OfferLastMessage(conversationID, prev)
	}
	reqErr := &RequestError{Op: "delete", ConversationID: conversationID, Err: err}
	batch.add(ChangeMessages, conversationID)
	batch.add(ChangeConversations, conversationID)
	batch.notice(conversationID, reqErr)
	c.mu.Unlock()

	c.rolledBack("delete", conversationID, err)
	c.changes.emit(batch.items...)
	return reqErr
}

// MarkRead zeroes the unread counter and acknowledges it on the server. On
// failure the cleared count is added back, keeping any messages that arrived
// while the request was in flight, unless the conversation list was reloaded
// meanwhile.
func (c *Coordinator) MarkRead(ctx context.Context, conversationID string) error {
	var batch changeBatch
	c.mu.Lock()
	prev, ok := c.dir.SetUnread(conversationID, 0)
	if !ok {
		c.mu.Unlock()
		return ErrUnknownConversation
	}
	gen := c.dir.Generation(conversationID)
	if prev != 0 {
		batch.add(ChangeConversations, conversationID)
	}
	c.mu.Unlock()
	c.changes.emit(batch.items...)

	start := time.Now()
	err := c.api.MarkRead(ctx, conversationID)
	c.metrics.observeRequest("mark_read", start, err)

	batch = changeBatch{}
	c.mu.Lock()
	if err != nil {
		// a refresh in between brought the server's count; keep it
		if c.dir.Generation(conversationID) == gen {
			c.dir.AdjustUnread(conversationID, prev)
		}
		reqErr := &RequestError{Op: "mark read", ConversationID: conversationID, Err: err}
		batch.add(ChangeConversations, conversationID)
		batch.notice(conversationID, reqErr)
		c.mu.Unlock()

		c.rolledBack("mark_read", conversationID, err)
		c.changes.emit(batch.items...)
		return reqErr
	}
	if c.messages.MarkReadUpTo(conversationID, c.cfg.SelfID, time.Time{}) > 0 {
		batch.add(ChangeMessages, conversationID)
	}
	c.mu.Unlock()

	c.changes.emit(batch.items...)
	return nil
}

// SetTyping forwards the user's typing state to the push channel. Repeated
// starts within TypingSendInterval are swallowed; a stop always goes out.
func (c *Coordinator) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	c.mu.Lock()
	push := c.push
	if push == nil || !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if isTyping {
		lim, ok := c.limiters[conversationID]
		if !ok {
			lim = rate.NewLimiter(rate.Every(c.cfg.TypingSendInterval), 1)
			c.limiters[conversationID] = lim
		}
		if !lim.AllowN(c.cfg.Clock(), 1) {
			c.mu.Unlock()
			return nil
		}
	} else {
		delete(c.limiters, conversationID)
	}
	c.mu.Unlock()

	if err := push.SendTyping(ctx, conversationID, isTyping); err != nil {
		return &RequestError{Op: "typing", ConversationID: conversationID, Err: err}
	}
	return nil
}

// SelectConversation makes a conversation current, loads its history when it
// is not loaded or stale, and marks it read. Fetches already in flight for the
// previous selection keep running.
func (c *Coordinator) SelectConversation(ctx context.Context, conversationID string) error {
	var batch changeBatch
	c.mu.Lock()
	if !c.dir.Has(conversationID) {
		c.mu.Unlock()
		return ErrUnknownConversation
	}
	changed := c.current != conversationID
	c.current = conversationID
	state := c.stateLocked(conversationID).state
	if changed {
		batch.add(ChangeSelection, conversationID)
	}
	c.mu.Unlock()
	c.changes.emit(batch.items...)

	if state == LoadUnloaded || state == LoadStale {
		if err := c.LoadHistory(ctx, conversationID); err != nil {
			return err
		}
	}
	if conv, ok := c.dir.Get(conversationID); ok && conv.UnreadCount > 0 {
		return c.MarkRead(ctx, conversationID)
	}
	return nil
}

func (c *Coordinator) rolledBack(intent, conversationID string, err error) {
	c.metrics.incRollback(intent)
	c.log.Warn("rolled back optimistic update", "intent", intent, "conversation_id", conversationID, "error", err)
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".bmp": true, ".svg": true,
}

func messageTypeFor(file *FileInfo) MessageType {
	if file == nil {
		return TypeText
	}
	if imageExts[strings.ToLower(filepath.Ext(file.Name))] {
		return TypeImage
	}
	return TypeFile
}
