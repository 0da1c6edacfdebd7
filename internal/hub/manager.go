package hub

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/civicworks/roadwatch/internal/event"
	"github.com/civicworks/roadwatch/internal/model"
	"github.com/civicworks/roadwatch/internal/repo"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	shardCount = 64 // tune: 16/64/128 depending on load
)

type inboundMessage struct {
	envelope event.Envelope
	client   *Client
}

// channel is one logical ticket channel: the set of local subscribers plus
// the ephemeral presence records. Keyed by normalized ticket number, so every
// connection for the same ticket converges on the same instance.
type channel struct {
	ticket   string
	members  map[string]*Client
	presence *PresenceTracker
}

type channelBucket struct {
	sync.RWMutex
	channels map[string]*channel
}

// TicketResolver answers whether a ticket exists. The hub refuses channel
// subscriptions for unknown tickets.
type TicketResolver interface {
	TicketExists(ctx context.Context, number string) (bool, error)
}

// Hub multiplexes ticket channels: it binds each normalized ticket number to
// one event stream combining durable message inserts and presence updates,
// and fans events out to every local subscriber of that channel.
type Hub struct {
	shards     [shardCount]*channelBucket
	register   chan *Client
	unregister chan *Client
	// one inbound queue per worker, routed by channel shard so events for a
	// ticket are handled and broadcast in append order
	inbound [workerPoolSize]chan inboundMessage

	store   repo.MessageStore
	tickets TicketResolver
	logger  *zap.Logger

	allowedOrigins map[string]struct{}

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub(store repo.MessageStore, tickets TicketResolver, allowedOrigins []string, logger *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		register:   make(chan *Client, 1024),
		unregister: make(chan *Client, 1024),
		store:      store,
		tickets:    tickets,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	h.allowedOrigins = make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		h.allowedOrigins[origin] = struct{}{}
	}

	for i := 0; i < shardCount; i++ {
		h.shards[i] = &channelBucket{
			channels: make(map[string]*channel),
		}
	}

	// run manager loop
	go h.run()

	// start worker loop
	for i := 0; i < workerPoolSize; i++ {
		queue := make(chan inboundMessage, 256)
		h.inbound[i] = queue
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			for {
				select {
				case <-h.ctx.Done():
					return
				case in, ok := <-queue:
					if !ok {
						return
					}
					h.handleEvent(in.envelope, in.client)
				}
			}
		}()
	}

	return h
}

// enqueueInbound routes a client frame to the worker owning the client's
// channel shard. Returns false if the queue stayed full past the timeout.
func (h *Hub) enqueueInbound(in inboundMessage) bool {
	queue := h.inbound[getShard(in.client.Ticket)%workerPoolSize]
	select {
	case queue <- in:
		return true
	case <-time.After(inboundSendTimeout):
		return false
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) handleEvent(env event.Envelope, c *Client) {
	in, err := event.ParseInbound(env)
	if err != nil {
		h.logger.Warn("rejected inbound frame",
			zap.String("client_id", c.ID),
			zap.Error(err),
		)
		return
	}

	switch in.Kind {
	case event.EventChatSend:
		h.handleChatSend(c, in.Send)
	case event.EventPresenceTyping:
		h.handleTyping(c, in.Typing)
	}
}

func (h *Hub) handleChatSend(c *Client, p *event.ChatSend) {
	senderName := p.SenderName
	if senderName == "" {
		senderName = c.Name
	}

	ctx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
	defer cancel()

	stored, err := h.store.Append(ctx, c.Ticket, repo.NewMessage{
		MessageID:   p.MessageID,
		SenderRole:  c.Role,
		SenderName:  senderName,
		Body:        p.Body,
		Attachments: p.Attachments,
	})
	if err != nil {
		h.sendError(c, p.MessageID, err)
		return
	}

	if ack, err := event.Wrap(event.EventChatAck, c.Ticket, event.Ack{MessageID: stored.MessageID}); err == nil {
		c.SafeSend(ack, sendTimeout)
	}

	feed, err := event.Wrap(event.EventChatMessageNew, c.Ticket, stored)
	if err != nil {
		h.logger.Error("encode message feed event", zap.Error(err))
		return
	}
	h.publishToChannel(feed, c.Ticket)
}

func (h *Hub) handleTyping(c *Client, p *event.Typing) {
	ch := h.getChannel(c.Ticket)
	if ch == nil {
		return
	}

	if !ch.presence.Track(c.ID, c.Role, p.Typing) {
		return
	}
	h.broadcastPresence(ch)
}

func (h *Hub) broadcastPresence(ch *channel) {
	sync, err := event.Wrap(event.EventPresenceSync, ch.ticket, event.PresenceSync{Typing: ch.presence.Snapshot()})
	if err != nil {
		h.logger.Error("encode presence sync event", zap.Error(err))
		return
	}
	h.publishToChannel(sync, ch.ticket)
}

func (h *Hub) sendError(c *Client, messageID string, err error) {
	code := "append_failed"
	switch {
	case errors.Is(err, repo.ErrEmptyMessage),
		errors.Is(err, repo.ErrAttachmentCap),
		errors.Is(err, repo.ErrInvalidTicket),
		errors.Is(err, repo.ErrInvalidRole):
		code = "validation"
	}

	payload := event.ErrorPayload{MessageID: messageID, Code: code, Message: err.Error()}
	if env, wrapErr := event.Wrap(event.EventChatError, c.Ticket, payload); wrapErr == nil {
		c.SafeSend(env, sendTimeout)
	}
}

func (h *Hub) publishToChannel(env event.Envelope, ticket string) {
	sh := getShard(ticket)
	b := h.shards[sh]

	// collect clients while holding RLock
	b.RLock()
	ch, ok := b.channels[ticket]
	if !ok || len(ch.members) == 0 {
		b.RUnlock()
		return
	}

	clients := make([]*Client, 0, len(ch.members))
	for _, c := range ch.members {
		clients = append(clients, c)
	}
	b.RUnlock()

	// deliver to clients without holding lock
	for _, c := range clients {
		if !c.SafeSend(env, sendTimeout) {
			h.logger.Warn("egress full",
				zap.String("client_id", c.ID),
				zap.String("ticket", ticket),
			)
			if kickOnFull {
				// Unregister (safe async)
				h.unregister <- c
			}
		}
	}
}

func getShard(ticket string) uint32 {
	if ticket == "" {
		return 0
	}

	h := sha1.Sum([]byte(ticket))
	return binary.BigEndian.Uint32(h[:4]) % shardCount
}

func (h *Hub) getChannel(ticket string) *channel {
	b := h.shards[getShard(ticket)]
	b.RLock()
	defer b.RUnlock()
	return b.channels[ticket]
}

func (h *Hub) addClient(c *Client) {
	sh := getShard(c.Ticket)
	b := h.shards[sh]
	b.Lock()

	ch, ok := b.channels[c.Ticket]
	if !ok {
		ch = &channel{
			ticket:   c.Ticket,
			members:  make(map[string]*Client),
			presence: NewPresenceTracker(),
		}
		b.channels[c.Ticket] = ch
	}
	ch.members[c.ID] = c
	ch.presence.Track(c.ID, c.Role, false)
	b.Unlock()

	h.logger.Info("client joined channel",
		zap.String("client_id", c.ID),
		zap.String("ticket", c.Ticket),
		zap.Uint32("shard", sh),
	)

	// History load happens off the manager loop; any message appended while
	// the read runs also arrives on the feed, and subscribers de-duplicate
	// by message id.
	go h.sendHistory(c)
	h.broadcastPresence(ch)
}

func (h *Hub) sendHistory(c *Client) {
	ctx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
	defer cancel()

	msgs, err := h.store.ListByTicket(ctx, c.Ticket)
	if err != nil {
		h.logger.Error("history read failed",
			zap.String("ticket", c.Ticket),
			zap.Error(err),
		)
		return
	}
	if msgs == nil {
		msgs = []model.ChatMessage{}
	}

	env, err := event.Wrap(event.EventChatHistory, c.Ticket, msgs)
	if err != nil {
		h.logger.Error("encode history event", zap.Error(err))
		return
	}
	c.SafeSend(env, sendTimeout)
}

func (h *Hub) removeClient(c *Client) {
	sh := getShard(c.Ticket)
	b := h.shards[sh]
	b.Lock()

	var survivor *channel
	if ch, ok := b.channels[c.Ticket]; ok {
		delete(ch.members, c.ID)
		ch.presence.Remove(c.ID)

		if len(ch.members) == 0 {
			delete(b.channels, c.Ticket)
		} else {
			survivor = ch
		}
	}
	b.Unlock()

	c.Close()
	h.logger.Info("client left channel",
		zap.String("client_id", c.ID),
		zap.String("ticket", c.Ticket),
		zap.Uint32("shard", sh),
	)

	// The dropped connection's presence record dies with it; tell whoever
	// is left.
	if survivor != nil {
		h.broadcastPresence(survivor)
	}
}

func (h *Hub) Stop() {
	h.cancel()

	// Close all client connections
	for _, shard := range h.shards {
		shard.RLock()
		for _, ch := range shard.channels {
			for _, client := range ch.members {
				client.Close()
			}
		}
		shard.RUnlock()
	}

	for _, queue := range h.inbound {
		close(queue)
	}
	h.wg.Wait()
}

func (h *Hub) run() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		}
	}
}

func (h *Hub) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	_, ok := h.allowedOrigins[origin]
	return ok
}

// ServeWS upgrades an HTTP request into a channel subscription. Expected
// query parameters: ticket, role, name.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ticket := model.NormalizeTicketNumber(r.URL.Query().Get("ticket"))
	if !model.ValidTicketNumber(ticket) {
		http.Error(w, "invalid ticket number", http.StatusBadRequest)
		return
	}

	role := model.Role(r.URL.Query().Get("role"))
	if !role.Valid() {
		http.Error(w, "role must be citizen or admin", http.StatusBadRequest)
		return
	}

	name := r.URL.Query().Get("name")

	exists, err := h.tickets.TicketExists(r.Context(), ticket)
	if err != nil {
		http.Error(w, "ticket lookup failed", http.StatusInternalServerError)
		return
	}
	if !exists {
		http.Error(w, "unknown ticket", http.StatusNotFound)
		return
	}

	upgrader := h.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	RegisterClient(ticket, role, name, conn, h)
}
