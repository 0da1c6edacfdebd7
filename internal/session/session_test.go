package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/civicworks/roadwatch/internal/event"
	"github.com/civicworks/roadwatch/internal/model"
)

type fakeChannel struct {
	events chan event.Envelope

	mu     sync.Mutex
	sent   []event.Envelope
	closed bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan event.Envelope, 64)}
}

func (f *fakeChannel) Events() <-chan event.Envelope { return f.events }

func (f *fakeChannel) Send(env event.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("channel closed")
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// typingPublishes decodes every presence:typing frame sent so far.
func (f *fakeChannel) typingPublishes(t *testing.T) []bool {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []bool
	for _, env := range f.sent {
		if env.Event != event.EventPresenceTyping {
			continue
		}
		var p event.Typing
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("decode typing payload: %v", err)
		}
		out = append(out, p.Typing)
	}
	return out
}

func (f *fakeChannel) chatSends(t *testing.T) []event.ChatSend {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []event.ChatSend
	for _, env := range f.sent {
		if env.Event != event.EventChatSend {
			continue
		}
		var p event.ChatSend
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("decode chat send payload: %v", err)
		}
		out = append(out, p)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connected(t *testing.T, cfg Config) (*Controller, *fakeChannel) {
	t.Helper()
	if cfg.Ticket == "" {
		cfg.Ticket = "SUP-100200"
	}
	if cfg.Role == "" {
		cfg.Role = model.RoleCitizen
	}

	ctrl := NewController(cfg)
	ch := newFakeChannel()
	if err := ctrl.Connect(context.Background(), func(context.Context) (Channel, error) {
		return ch, nil
	}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { ctrl.Close() })
	return ctrl, ch
}

func storedMessage(id, body string, attachments ...string) model.ChatMessage {
	return model.ChatMessage{
		MessageID:    id,
		TicketNumber: "SUP-100200",
		SenderRole:   model.RoleAdmin,
		SenderName:   "Support",
		Body:         body,
		Attachments:  attachments,
		CreatedAt:    time.Now().UTC(),
	}
}

func push(t *testing.T, ch *fakeChannel, eventType string, payload any) {
	t.Helper()
	env, err := event.Wrap(eventType, "SUP-100200", payload)
	if err != nil {
		t.Fatalf("wrap %s: %v", eventType, err)
	}
	ch.events <- env
}

// respond waits for the first chat:send frame and answers it with the frame
// built by reply. Runs off the test goroutine, so no t here.
func (f *fakeChannel) respond(reply func(sent event.ChatSend) event.Envelope) {
	go func() {
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			f.mu.Lock()
			var found *event.ChatSend
			for _, env := range f.sent {
				if env.Event != event.EventChatSend {
					continue
				}
				var p event.ChatSend
				if json.Unmarshal(env.Payload, &p) == nil {
					found = &p
				}
				break
			}
			f.mu.Unlock()
			if found != nil {
				f.events <- reply(*found)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func mustWrap(eventType string, payload any) event.Envelope {
	env, err := event.Wrap(eventType, "SUP-100200", payload)
	if err != nil {
		panic(err)
	}
	return env
}

func TestConnectTransitionsState(t *testing.T) {
	t.Parallel()

	ctrl := NewController(Config{Ticket: "sup-100200", Role: model.RoleCitizen})
	if ctrl.State() != StateDisconnected {
		t.Fatalf("initial state: got %s", ctrl.State())
	}

	ch := newFakeChannel()
	if err := ctrl.Connect(context.Background(), func(context.Context) (Channel, error) {
		return ch, nil
	}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ctrl.State() != StateConnected {
		t.Errorf("state after connect: got %s", ctrl.State())
	}

	// a second connect on a live session is a caller bug
	if err := ctrl.Connect(context.Background(), func(context.Context) (Channel, error) {
		return newFakeChannel(), nil
	}); err == nil {
		t.Error("connect on a connected session should fail")
	}

	if err := ctrl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ctrl.State() != StateDisconnected {
		t.Errorf("state after close: got %s", ctrl.State())
	}
	if !ch.isClosed() {
		t.Error("underlying channel not released")
	}
}

func TestConnectFailure(t *testing.T) {
	t.Parallel()

	ctrl := NewController(Config{Ticket: "SUP-100200", Role: model.RoleCitizen})
	openErr := errors.New("connection refused")
	err := ctrl.Connect(context.Background(), func(context.Context) (Channel, error) {
		return nil, openErr
	})
	if !errors.Is(err, openErr) {
		t.Fatalf("got %v, want wrapped open error", err)
	}
	if ctrl.State() != StateDisconnected {
		t.Errorf("state after failed connect: got %s", ctrl.State())
	}
}

func TestCacheDeduplicatesByMessageID(t *testing.T) {
	t.Parallel()

	ctrl, ch := connected(t, Config{})

	push(t, ch, event.EventChatHistory, []model.ChatMessage{
		storedMessage("m-1", "hello"),
		storedMessage("m-2", "still there?"),
	})
	waitFor(t, "history in cache", func() bool { return len(ctrl.Messages()) == 2 })

	// at-least-once redelivery of m-2, plus a genuinely new message
	push(t, ch, event.EventChatMessageNew, storedMessage("m-2", "still there?"))
	push(t, ch, event.EventChatMessageNew, storedMessage("m-3", "yes"))
	waitFor(t, "new message in cache", func() bool { return len(ctrl.Messages()) == 3 })

	msgs := ctrl.Messages()
	wantIDs := []string{"m-1", "m-2", "m-3"}
	for i, want := range wantIDs {
		if msgs[i].MessageID != want {
			t.Errorf("cache[%d]: got %q, want %q", i, msgs[i].MessageID, want)
		}
	}
}

func TestTypingEdgeTriggered(t *testing.T) {
	t.Parallel()

	ctrl, ch := connected(t, Config{TypingIdle: 100 * time.Millisecond})

	// a burst of keystrokes within the idle window
	ctrl.InputChanged("P")
	ctrl.InputChanged("Po")
	ctrl.InputChanged("Pot")
	ctrl.InputChanged("Poth")

	got := ch.typingPublishes(t)
	if len(got) != 1 || !got[0] {
		t.Fatalf("publishes during burst: got %v, want exactly one typing=true", got)
	}

	// idle timer fires once after the burst ends
	waitFor(t, "falling edge", func() bool { return len(ch.typingPublishes(t)) == 2 })
	got = ch.typingPublishes(t)
	if got[1] {
		t.Errorf("second publish: got typing=true, want typing=false")
	}

	// stay quiet afterwards
	time.Sleep(250 * time.Millisecond)
	if got := ch.typingPublishes(t); len(got) != 2 {
		t.Errorf("publishes after idle: got %v, want no more than 2", got)
	}
}

func TestTypingClearedOnEmptyInput(t *testing.T) {
	t.Parallel()

	ctrl, ch := connected(t, Config{TypingIdle: time.Minute})

	ctrl.InputChanged("draft")
	ctrl.InputChanged("")

	got := ch.typingPublishes(t)
	if len(got) != 2 || !got[0] || got[1] {
		t.Fatalf("publishes: got %v, want [true false]", got)
	}
}

func TestAttachmentGate(t *testing.T) {
	t.Parallel()

	ctrl, ch := connected(t, Config{})

	push(t, ch, event.EventChatHistory, []model.ChatMessage{
		storedMessage("m-1", "photo", "u1", "u2"),
		storedMessage("m-2", "another", "u3"),
	})
	waitFor(t, "history in cache", func() bool { return len(ctrl.Messages()) == 2 })

	if got := ctrl.AttachmentsRemaining(); got != 0 {
		t.Fatalf("remaining: got %d, want 0", got)
	}
	if err := ctrl.GateAttachments(1); !errors.Is(err, ErrAttachmentCap) {
		t.Errorf("GateAttachments: got %v, want ErrAttachmentCap", err)
	}

	// the rejected send never reaches the channel
	_, err := ctrl.Send(context.Background(), "", []string{"u4"})
	if !errors.Is(err, ErrAttachmentCap) {
		t.Errorf("Send: got %v, want ErrAttachmentCap", err)
	}
	if sends := ch.chatSends(t); len(sends) != 0 {
		t.Errorf("chat sends: got %d, want 0", len(sends))
	}
}

func TestSendValidatesLocally(t *testing.T) {
	t.Parallel()

	ctrl, ch := connected(t, Config{})

	if _, err := ctrl.Send(context.Background(), "", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("empty send: got %v, want ErrEmptyMessage", err)
	}
	if sends := ch.chatSends(t); len(sends) != 0 {
		t.Errorf("chat sends: got %d, want 0", len(sends))
	}

	ctrl.Close()
	if _, err := ctrl.Send(context.Background(), "hi", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("send after close: got %v, want ErrNotConnected", err)
	}
}

func TestSendAckClearsTyping(t *testing.T) {
	t.Parallel()

	ctrl, ch := connected(t, Config{Name: "Dana", TypingIdle: time.Minute})

	ctrl.InputChanged("Pothole near Main St")

	// acknowledge the send as the server would
	ch.respond(func(sent event.ChatSend) event.Envelope {
		return mustWrap(event.EventChatAck, event.Ack{MessageID: sent.MessageID})
	})

	id, err := ctrl.Send(context.Background(), "Pothole near Main St", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id == "" {
		t.Fatal("send returned an empty message id")
	}

	sent := ch.chatSends(t)[0]
	if sent.SenderName != "Dana" {
		t.Errorf("sender name: got %q", sent.SenderName)
	}
	if sent.MessageID != id {
		t.Errorf("message id: frame %q, returned %q", sent.MessageID, id)
	}

	// send success force-publishes the falling typing edge
	got := ch.typingPublishes(t)
	if len(got) != 2 || got[1] {
		t.Errorf("typing publishes: got %v, want [true false]", got)
	}
}

func TestSendRejectedByServer(t *testing.T) {
	t.Parallel()

	ctrl, ch := connected(t, Config{})

	ch.respond(func(sent event.ChatSend) event.Envelope {
		return mustWrap(event.EventChatError, event.ErrorPayload{
			MessageID: sent.MessageID,
			Code:      "validation",
			Message:   "attachment limit for this ticket reached",
		})
	})

	_, err := ctrl.Send(context.Background(), "4th photo", []string{"u4"})
	if !errors.Is(err, ErrSendRejected) {
		t.Fatalf("Send: got %v, want ErrSendRejected", err)
	}
	if len(ctrl.Messages()) != 0 {
		t.Error("rejected message must not enter the cache")
	}
}

func TestPresenceSyncUpdatesPeerTyping(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []map[string]bool
	ctrl, ch := connected(t, Config{
		OnPresence: func(p map[string]bool) {
			mu.Lock()
			seen = append(seen, p)
			mu.Unlock()
		},
	})

	push(t, ch, event.EventPresenceSync, event.PresenceSync{Typing: map[string]bool{
		"citizen": false,
		"admin":   true,
	}})

	waitFor(t, "presence sync", func() bool { return ctrl.PeerTyping(model.RoleAdmin) })
	if ctrl.PeerTyping(model.RoleCitizen) {
		t.Error("citizen typing should be false")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Errorf("presence callbacks: got %d, want 1", len(seen))
	}
}

func TestChannelDropDisconnects(t *testing.T) {
	t.Parallel()

	ctrl, ch := connected(t, Config{})

	close(ch.events)
	waitFor(t, "disconnect", func() bool { return ctrl.State() == StateDisconnected })
}

func TestStaleEventsIgnoredAfterClose(t *testing.T) {
	t.Parallel()

	ctrl, ch := connected(t, Config{})

	push(t, ch, event.EventChatMessageNew, storedMessage("m-1", "hello"))
	waitFor(t, "message in cache", func() bool { return len(ctrl.Messages()) == 1 })

	ctrl.Close()

	// a completion arriving after the session ended is a harmless no-op
	push(t, ch, event.EventChatMessageNew, storedMessage("m-2", "late"))
	time.Sleep(50 * time.Millisecond)
	if got := len(ctrl.Messages()); got != 1 {
		t.Errorf("cache after close: got %d messages, want 1", got)
	}
}

func TestSendTimeout(t *testing.T) {
	t.Parallel()

	ctrl, _ := connected(t, Config{SendTimeout: 50 * time.Millisecond})

	_, err := ctrl.Send(context.Background(), "anyone there?", nil)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if !errors.Is(err, ErrSendRejected) {
		t.Errorf("got %v, want ErrSendRejected wrap", err)
	}
}

func TestBurstBound(t *testing.T) {
	t.Parallel()

	ctrl, ch := connected(t, Config{TypingIdle: 80 * time.Millisecond})

	// N keystrokes inside the idle window cost at most 2 presence publishes
	for i := 0; i < 50; i++ {
		ctrl.InputChanged(fmt.Sprintf("draft %d", i))
	}
	waitFor(t, "falling edge", func() bool { return len(ch.typingPublishes(t)) >= 2 })

	if got := ch.typingPublishes(t); len(got) > 2 {
		t.Errorf("publishes: got %d, want at most 2", len(got))
	}
}
