package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nmtri/vichat/internal/bus"
	"github.com/nmtri/vichat/internal/notify"
	"go.uber.org/zap"
)

// ErrNoActiveConversation is returned by Send when nothing is selected.
var ErrNoActiveConversation = errors.New("no active conversation")

const historyPageSize = 50

// Client keeps the conversation list and the active conversation's message
// list consistent across REST fetch, realtime push and optimistic local
// sends. It exclusively owns both lists; all mutation goes through its
// methods or its push loop, serialized by c.mu.
type Client struct {
	api    API
	ch     Emitter
	bus    *bus.Bus
	notify *notify.Notifier
	logger *zap.Logger
	self   Participant

	mu            sync.Mutex
	conversations []Conversation
	activeID      string
	messages      []Message
	online        map[string]bool
	pending       *pendingRegistry
	selectGen     uint64

	cancel context.CancelFunc
}

// New creates a sync client for the given local identity.
func New(api API, ch Emitter, b *bus.Bus, n *notify.Notifier, self Participant, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		api:     api,
		ch:      ch,
		bus:     b,
		notify:  n,
		logger:  logger,
		self:    self,
		online:  make(map[string]bool),
		pending: newPendingRegistry(),
	}
}

// Start subscribes to decoded channel pushes ("rt.*") and processes them
// until Stop or ctx cancellation. Appends for one conversation are
// serialized by this single loop plus c.mu.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	ch, unsub := c.bus.Subscribe("rt.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				c.handlePush(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the push loop.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// LoadConversations fetches the conversation list, optionally scoped to a
// category such as "shop". The fetched snapshot fully replaces the local
// list; on failure the prior list is left untouched.
func (c *Client) LoadConversations(ctx context.Context, scope string) error {
	convs, err := c.api.ListConversations(ctx, scope)
	if err != nil {
		c.notify.Error("could not load conversations")
		return fmt.Errorf("list conversations: %w", err)
	}

	c.mu.Lock()
	c.conversations = convs
	c.mu.Unlock()

	c.bus.Publish(bus.E("chat.conversations_replaced", len(convs)))
	return nil
}

// Select makes conversationID the active conversation: it emits a leave
// signal for the previous one, clears the message list, zeroes the entered
// conversation's unread counter, fetches page 1 of history, and emits a
// join signal once the history has landed.
//
// Selecting again before the fetch resolves bumps a generation counter;
// the stale response is discarded at completion time so an abandoned
// conversation's history can never be appended to the new one.
func (c *Client) Select(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	prev := c.activeID
	if prev != "" && prev != conversationID {
		c.emit("leave_conversation", map[string]string{"conversation_id": prev})
	}
	c.activeID = conversationID
	c.messages = nil
	c.setUnreadLocked(conversationID, 0)
	c.selectGen++
	gen := c.selectGen
	c.mu.Unlock()

	c.bus.Publish(bus.E("chat.conversation_updated", conversationID))

	history, err := c.api.MessageHistory(ctx, conversationID, 1, historyPageSize)

	c.mu.Lock()
	if gen != c.selectGen || c.activeID != conversationID {
		// The user has moved on; this response belongs to an
		// abandoned selection.
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		c.mu.Unlock()
		c.notify.Error("could not load messages")
		return fmt.Errorf("message history: %w", err)
	}
	c.messages = history
	c.mu.Unlock()

	c.emit("join_conversation", map[string]string{"conversation_id": conversationID})
	c.bus.Publish(bus.E("chat.history_loaded", conversationID))
	return nil
}

// Send performs an optimistic send into the active conversation. The
// message appears immediately as pending; the REST create is the
// authoritative write and the channel emit a best-effort mirror, and
// whichever acknowledgment arrives first settles the entry in place.
func (c *Client) Send(ctx context.Context, content string, msgType MessageType, attachment *Attachment) error {
	c.mu.Lock()
	target := c.activeID
	if target == "" {
		c.mu.Unlock()
		c.notify.Error("select a conversation first")
		return ErrNoActiveConversation
	}

	msg := Message{
		TempID:         uuid.NewString(),
		ConversationID: target,
		Sender:         c.self,
		Content:        content,
		Attachment:     attachment,
		Type:           msgType,
		Timestamp:      time.Now().UnixMilli(),
		Pending:        true,
	}
	c.pending.Add(msg.TempID)

	// Guard against the active conversation changing between capture
	// and append; a send must never land in the wrong thread.
	if c.activeID == target {
		c.messages = append(c.messages, msg)
	}
	c.touchConversationLocked(target, &msg, false)
	c.mu.Unlock()

	c.bus.Publish(bus.E("chat.message_appended", msg))

	// Mirror over the channel; the REST write below is authoritative.
	c.emit("send_message", msg)

	settled, err := c.api.CreateMessage(ctx, CreateMessageRequest{
		ConversationID: target,
		TempID:         msg.TempID,
		Content:        content,
		Type:           msgType,
		Attachment:     attachment,
	})
	if err != nil {
		// The channel mirror may still deliver an ack; keep the entry
		// pending rather than dropping it.
		c.notify.Error("message not delivered")
		return fmt.Errorf("create message: %w", err)
	}

	c.settle(settled)
	return nil
}

// SendAttachments uploads the given files and sends one message per
// resulting descriptor, with the type tag derived from its mime category.
func (c *Client) SendAttachments(ctx context.Context, files []Upload) error {
	descriptors, err := c.api.UploadFiles(ctx, files)
	if err != nil {
		c.notify.Error("upload failed")
		return fmt.Errorf("upload files: %w", err)
	}
	for i := range descriptors {
		att := descriptors[i]
		if err := c.Send(ctx, att.Name, TypeForMime(att.MimeCategory), &att); err != nil {
			return err
		}
	}
	return nil
}

// Conversations returns a snapshot of the conversation list.
func (c *Client) Conversations() []Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Conversation, len(c.conversations))
	copy(out, c.conversations)
	return out
}

// Messages returns a snapshot of the active conversation's messages.
func (c *Client) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// ActiveID returns the currently active conversation id, or "".
func (c *Client) ActiveID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

// Online reports whether the given user is currently online.
func (c *Client) Online(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online[userID]
}

func (c *Client) handlePush(evt bus.Event) {
	raw, ok := evt.Payload.(json.RawMessage)
	if !ok {
		return
	}
	switch evt.Kind {
	case "rt.new_message":
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("bad new_message payload", zap.Error(err))
			return
		}
		c.ingest(msg)
	case "rt.message_saved":
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("bad message_saved payload", zap.Error(err))
			return
		}
		c.settle(msg)
	case "rt.users_online":
		var ids []string
		if err := json.Unmarshal(raw, &ids); err != nil {
			c.logger.Warn("bad users_online payload", zap.Error(err))
			return
		}
		c.mu.Lock()
		c.online = make(map[string]bool, len(ids))
		for _, id := range ids {
			c.online[id] = true
		}
		c.mu.Unlock()
		c.bus.Publish(bus.E("chat.presence_changed", ids))
	}
}

// ingest processes a pushed message: dedup against the active list, append
// if the conversation is active, and update the list entry's preview,
// timestamp and unread counter.
func (c *Client) ingest(msg Message) {
	c.mu.Lock()

	// A push that carries our temp id is an acknowledgment in disguise.
	if msg.TempID != "" && c.pending.IsPending(msg.TempID) {
		c.mu.Unlock()
		c.settle(msg)
		return
	}

	active := msg.ConversationID == c.activeID
	if active {
		dup := false
		for i := range c.messages {
			if c.messages[i].Matches(&msg) {
				dup = true
				break
			}
		}
		if !dup {
			msg.Pending = false
			c.messages = append(c.messages, msg)
		}
	}
	c.touchConversationLocked(msg.ConversationID, &msg, !active)
	c.mu.Unlock()

	if active {
		c.bus.Publish(bus.E("chat.message_appended", msg))
	}
	c.bus.Publish(bus.E("chat.conversation_updated", msg.ConversationID))
}

// settle reconciles a pending entry with its server-acknowledged form,
// in place and exactly once. Late duplicates (the losing completion path)
// are no-ops.
func (c *Client) settle(msg Message) {
	if msg.TempID == "" || !c.pending.Settle(msg.TempID) {
		return
	}

	c.mu.Lock()
	for i := range c.messages {
		if c.messages[i].TempID == msg.TempID {
			settled := msg
			settled.Pending = false
			if settled.Timestamp == 0 {
				settled.Timestamp = c.messages[i].Timestamp
			}
			c.messages[i] = settled
			break
		}
	}
	c.touchConversationLocked(msg.ConversationID, &msg, false)
	c.mu.Unlock()

	c.bus.Publish(bus.E("chat.message_settled", msg))
}

// touchConversationLocked updates a list entry's preview and activity
// timestamp, bumping the unread counter when requested. Callers hold c.mu.
func (c *Client) touchConversationLocked(conversationID string, msg *Message, bumpUnread bool) {
	for i := range c.conversations {
		if c.conversations[i].ID != conversationID {
			continue
		}
		c.conversations[i].LastPreview = msg.Preview()
		if msg.Timestamp > 0 {
			c.conversations[i].LastActivity = msg.Timestamp
		}
		if bumpUnread {
			c.conversations[i].Unread++
		}
		return
	}
}

func (c *Client) setUnreadLocked(conversationID string, n int) {
	for i := range c.conversations {
		if c.conversations[i].ID == conversationID {
			c.conversations[i].Unread = n
			return
		}
	}
}

func (c *Client) emit(event string, payload any) {
	if err := c.ch.Emit(event, payload); err != nil {
		c.logger.Warn("channel emit failed", zap.String("event", event), zap.Error(err))
	}
}
