package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/hpungsan/fieldsync/internal/errors"
	"github.com/hpungsan/fieldsync/internal/replica"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	welcomeWait    = 10 * time.Second
	maxMessageSize = 1 << 20
)

// Dialer connects to a Relay over WebSocket.
type Dialer struct {
	// URL is the relay endpoint, e.g. ws://localhost:7420/ws.
	URL string
	// WS overrides the websocket dialer; nil uses websocket.DefaultDialer.
	WS *websocket.Dialer
}

// Connect dials the relay, joins document and waits for the relay to assign
// the replica ID.
func (d *Dialer) Connect(ctx context.Context, document string) (Conn, error) {
	if document == "" {
		return nil, errors.NewInvalidRequest("document must not be empty")
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid relay url: %v", err))
	}
	q := u.Query()
	q.Set("doc", document)
	u.RawQuery = q.Encode()

	dialer := d.WS
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.NewTransportUnavailable(err)
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(welcomeWait))
	messageType, data, err := ws.ReadMessage()
	if err != nil {
		return nil, errors.NewTransportUnavailable(err)
	}
	if messageType != websocket.BinaryMessage {
		return nil, errors.NewTransportUnavailable(fmt.Errorf("unexpected welcome frame type %d", messageType))
	}
	welcome, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if welcome.Kind != KindWelcome || welcome.From == replica.None {
		return nil, errors.NewTransportUnavailable(fmt.Errorf("expected welcome, got %q", welcome.Kind))
	}
	ws.SetReadDeadline(time.Time{})

	c := &wsConn{
		id:         welcome.From,
		ws:         ws,
		in:         newMailbox(),
		out:        newMailbox(),
		writerDone: make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()

	success = true
	glog.Infof("[ws]%s connected to %s\n", c.id, u.Redacted())
	return c, nil
}

type wsConn struct {
	id  replica.ID
	ws  *websocket.Conn
	in  *mailbox
	out *mailbox

	closed     atomic.Bool
	closeOnce  sync.Once
	writerDone chan struct{}
}

func (c *wsConn) ID() replica.ID {
	return c.id
}

func (c *wsConn) Send(msg Message) error {
	if c.closed.Load() {
		return errors.NewTransportUnavailable(errClosed)
	}
	msg.From = c.id
	if !c.out.push(msg) {
		return errors.NewTransportUnavailable(errClosed)
	}
	return nil
}

func (c *wsConn) Receive() <-chan Message {
	return c.in.out
}

// Close flushes queued outgoing messages for up to writeWait and then closes
// the socket.
func (c *wsConn) Close() error {
	c.closed.Store(true)
	c.out.close()
	select {
	case <-c.writerDone:
	case <-time.After(writeWait):
	}
	c.shutdown()
	return nil
}

func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.out.abort()
		c.ws.Close()
		c.in.close()
	})
}

func (c *wsConn) readLoop() {
	defer c.shutdown()
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				glog.Warningf("[ws]%s<- error = %s\n", c.id, err)
			}
			return
		}
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		msg, err := Decode(data)
		if err != nil {
			glog.Warningf("[ws]%s<- drop: %s\n", c.id, err)
			continue
		}
		glog.V(2).Infof("[ws]%s<- %s from %s\n", c.id, msg.Kind, msg.From)
		c.in.push(msg)
	}
}

func (c *wsConn) writeLoop() {
	defer close(c.writerDone)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.out.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, Encode(msg)); err != nil {
				glog.Warningf("[ws]%s-> error = %s\n", c.id, err)
				c.shutdown()
				return
			}
			glog.V(2).Infof("[ws]%s-> %s\n", c.id, msg.Kind)
		case <-ticker.C:
			// an empty binary frame keeps intermediaries from idling the socket out
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}
