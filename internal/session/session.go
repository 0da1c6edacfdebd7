package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/civicworks/roadwatch/internal/event"
	"github.com/civicworks/roadwatch/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotConnected  = errors.New("session is not connected")
	ErrEmptyMessage  = errors.New("message needs a body or at least one attachment")
	ErrAttachmentCap = errors.New("attachment limit for this ticket reached")
	ErrSendRejected  = errors.New("message was rejected by the server")
	ErrChannelClosed = errors.New("channel closed")
)

// State is the session lifecycle. There is no automatic reconnecting state:
// after a drop the owner must Close and Connect again.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Channel is the session's view of one open ticket channel: an inbound event
// stream plus a way to publish frames. The events channel closing means the
// subscription is gone.
type Channel interface {
	Events() <-chan event.Envelope
	Send(env event.Envelope) error
	Close() error
}

// Opener establishes a channel subscription for a ticket.
type Opener func(ctx context.Context) (Channel, error)

// Config parameterizes a Controller by participant role. One controller
// serves both the citizen and the admin side of a conversation.
type Config struct {
	Ticket string
	Role   model.Role
	Name   string

	// TypingIdle is how long after the last input change the controller
	// publishes typing=false. Defaults to one second.
	TypingIdle time.Duration

	// SendTimeout bounds how long Send waits for the server acknowledgment.
	SendTimeout time.Duration

	OnMessage  func(model.ChatMessage)
	OnPresence func(map[string]bool)
	OnError    func(event.ErrorPayload)

	Logger *zap.Logger
}

// Controller runs one open chat window: the channel subscription, the local
// message cache, the debounced typing broadcaster, and the attachment-count
// guard.
type Controller struct {
	cfg   Config
	state atomic.Int32

	mu          sync.Mutex
	ch          Channel
	cache       []model.ChatMessage
	seen        map[string]struct{}
	attachments int
	presence    map[string]bool

	typing      bool
	typingTimer *time.Timer

	pending map[string]chan error
	done    chan struct{}
}

func NewController(cfg Config) *Controller {
	if cfg.TypingIdle <= 0 {
		cfg.TypingIdle = time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Ticket = model.NormalizeTicketNumber(cfg.Ticket)

	return &Controller{
		cfg:      cfg,
		seen:     make(map[string]struct{}),
		presence: make(map[string]bool),
		pending:  make(map[string]chan error),
	}
}

// Connect opens the channel and starts consuming events. It is an error to
// connect a session that is not disconnected.
func (c *Controller) Connect(ctx context.Context, open Opener) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("connect in state %s", c.State())
	}

	ch, err := open(ctx)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("open channel for %s: %w", c.cfg.Ticket, err)
	}

	c.mu.Lock()
	c.ch = ch
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.state.Store(int32(StateConnected))
	go c.consume(ch, c.done)
	return nil
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

// Messages returns a snapshot of the local cache in delivery order.
func (c *Controller) Messages() []model.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.ChatMessage, len(c.cache))
	copy(out, c.cache)
	return out
}

// PeerTyping reports the last synced typing signal for a role.
func (c *Controller) PeerTyping(role model.Role) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence[string(role)]
}

// AttachmentsRemaining computes how many attachment slots the conversation
// still has, judged from the loaded cache. This is a UX guard; the store's
// own cap is authoritative.
func (c *Controller) AttachmentsRemaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := model.MaxAttachmentsPerTicket - c.attachments
	if remaining < 0 {
		return 0
	}
	return remaining
}

// GateAttachments rejects a selection of n new attachments when the
// conversation's remaining slots cannot hold them. Nothing reaches the
// server on rejection.
func (c *Controller) GateAttachments(n int) error {
	if n > c.AttachmentsRemaining() {
		return ErrAttachmentCap
	}
	return nil
}

// InputChanged implements the edge-triggered typing broadcast: the first
// non-empty input publishes typing=true, later keystrokes only restart the
// idle timer, and the timer firing publishes typing=false. A burst of
// keystrokes therefore costs at most two presence publishes.
func (c *Controller) InputChanged(text string) {
	if c.State() != StateConnected {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if text == "" {
		c.stopTypingLocked()
		return
	}

	if !c.typing {
		c.typing = true
		c.publishTypingLocked(true)
	}

	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.cfg.TypingIdle, c.typingIdle)
}

func (c *Controller) typingIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTypingLocked()
}

// stopTypingLocked cancels the idle timer and, when the typing edge is up,
// publishes the falling edge.
func (c *Controller) stopTypingLocked() {
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	if c.typing {
		c.typing = false
		c.publishTypingLocked(false)
	}
}

func (c *Controller) publishTypingLocked(typing bool) {
	if c.ch == nil {
		return
	}
	env, err := event.Wrap(event.EventPresenceTyping, c.cfg.Ticket, event.Typing{Typing: typing})
	if err != nil {
		return
	}
	if err := c.ch.Send(env); err != nil {
		c.cfg.Logger.Debug("typing publish failed", zap.Error(err))
	}
}

// Send appends one message to the conversation: composed text, or the
// placeholder when only attachments are present. Attachment URLs must already
// be uploaded. On success the typing flag is force-cleared; on failure the
// caller's compose state stays intact for a retry.
func (c *Controller) Send(ctx context.Context, body string, attachmentURLs []string) (string, error) {
	if c.State() != StateConnected {
		return "", ErrNotConnected
	}
	if body == "" && len(attachmentURLs) == 0 {
		return "", ErrEmptyMessage
	}
	if err := c.GateAttachments(len(attachmentURLs)); err != nil {
		return "", err
	}

	messageID := uuid.New().String()
	ack := make(chan error, 1)

	c.mu.Lock()
	if c.ch == nil {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	ch := c.ch
	done := c.done
	c.pending[messageID] = ack
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, messageID)
		c.mu.Unlock()
	}()

	env, err := event.Wrap(event.EventChatSend, c.cfg.Ticket, event.ChatSend{
		MessageID:   messageID,
		SenderName:  c.cfg.Name,
		Body:        body,
		Attachments: attachmentURLs,
	})
	if err != nil {
		return "", err
	}
	if err := ch.Send(env); err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}

	timer := time.NewTimer(c.cfg.SendTimeout)
	defer timer.Stop()

	select {
	case err := <-ack:
		if err != nil {
			return "", err
		}
	case <-ctx.Done():
		return "", ctx.Err()
	case <-done:
		return "", ErrChannelClosed
	case <-timer.C:
		return "", fmt.Errorf("%w: acknowledgment timeout", ErrSendRejected)
	}

	c.mu.Lock()
	c.stopTypingLocked()
	c.mu.Unlock()

	return messageID, nil
}

// Close releases the subscription and stops all local state updates. In-flight
// operations are not cancelled; their completions land on a dead session and
// are ignored.
func (c *Controller) Close() error {
	c.state.Store(int32(StateDisconnected))

	c.mu.Lock()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.typing = false
	ch := c.ch
	c.ch = nil
	c.mu.Unlock()

	if ch == nil {
		return nil
	}
	return ch.Close()
}

func (c *Controller) consume(ch Channel, done chan struct{}) {
	defer close(done)

	for env := range ch.Events() {
		c.dispatch(env)
	}

	// The feed closing means the subscription dropped. No automatic
	// resubscription: the session degrades to disconnected and the owner
	// reopens explicitly.
	if c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected)) {
		c.cfg.Logger.Warn("channel dropped", zap.String("ticket", c.cfg.Ticket))
	}
}

func (c *Controller) dispatch(env event.Envelope) {
	// Events arriving after Close are stale completions; ignore them.
	if c.State() != StateConnected {
		return
	}

	switch env.Event {
	case event.EventChatHistory:
		var msgs []model.ChatMessage
		if err := json.Unmarshal(env.Payload, &msgs); err != nil {
			c.cfg.Logger.Warn("bad history payload", zap.Error(err))
			return
		}
		for _, m := range msgs {
			c.addToCache(m)
		}
	case event.EventChatMessageNew:
		var m model.ChatMessage
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			c.cfg.Logger.Warn("bad message payload", zap.Error(err))
			return
		}
		c.addToCache(m)
	case event.EventPresenceSync:
		var p event.PresenceSync
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.cfg.Logger.Warn("bad presence payload", zap.Error(err))
			return
		}
		c.mu.Lock()
		c.presence = p.Typing
		cb := c.cfg.OnPresence
		c.mu.Unlock()
		if cb != nil {
			cb(p.Typing)
		}
	case event.EventChatAck:
		var a event.Ack
		if err := json.Unmarshal(env.Payload, &a); err != nil {
			return
		}
		c.resolvePending(a.MessageID, nil)
	case event.EventChatError:
		var e event.ErrorPayload
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return
		}
		if e.MessageID != "" {
			c.resolvePending(e.MessageID, fmt.Errorf("%w: %s", ErrSendRejected, e.Message))
			return
		}
		if c.cfg.OnError != nil {
			c.cfg.OnError(e)
		}
	default:
		c.cfg.Logger.Debug("ignoring event", zap.String("event", env.Event))
	}
}

// addToCache appends a message exactly once, de-duplicating by message id
// against at-least-once redelivery.
func (c *Controller) addToCache(m model.ChatMessage) {
	c.mu.Lock()
	if _, dup := c.seen[m.MessageID]; dup {
		c.mu.Unlock()
		return
	}
	c.seen[m.MessageID] = struct{}{}
	c.cache = append(c.cache, m)
	c.attachments += len(m.Attachments)
	cb := c.cfg.OnMessage
	c.mu.Unlock()

	if cb != nil {
		cb(m)
	}
}

func (c *Controller) resolvePending(messageID string, err error) {
	c.mu.Lock()
	ack, ok := c.pending[messageID]
	c.mu.Unlock()
	if ok {
		ack <- err
	}
}
