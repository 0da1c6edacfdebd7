package session

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/civicworks/roadwatch/internal/event"
	"github.com/civicworks/roadwatch/internal/model"
	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

// wsChannel adapts one gorilla websocket connection to the Channel interface.
type wsChannel struct {
	conn   *websocket.Conn
	events chan event.Envelope

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial opens a websocket subscription for a ticket channel against the
// socket server. baseURL is the socket endpoint, e.g. "ws://host:8091/ws".
func Dial(ctx context.Context, baseURL, ticket string, role model.Role, name string) (Channel, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse socket url: %w", err)
	}

	q := u.Query()
	q.Set("ticket", model.NormalizeTicketNumber(ticket))
	q.Set("role", string(role))
	q.Set("name", name)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", u.Host, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}

	ch := &wsChannel{
		conn:   conn,
		events: make(chan event.Envelope, 64),
	}
	go ch.readPump()
	return ch, nil
}

func (c *wsChannel) readPump() {
	defer close(c.events)
	for {
		var env event.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		c.events <- env
	}
}

func (c *wsChannel) Events() <-chan event.Envelope {
	return c.events
}

func (c *wsChannel) Send(env event.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(env)
}

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
