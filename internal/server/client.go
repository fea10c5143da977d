package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"roomchat/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1024

	sendQueueSize = 256
)

// CloseUnauthenticated is the reserved close code sent when the handshake
// credential is missing or invalid, so clients can distinguish "must
// re-authenticate" from a network error and skip reconnect loops.
const CloseUnauthenticated = 4401

// Connection liveness states.
const (
	stateConnecting int32 = iota
	stateOpen
	stateClosing
	stateClosed
)

// Client owns one websocket connection. The registry holds non-owning
// references to it; the client's read pump drives every state transition and
// cleanup runs exactly once regardless of how the connection ends.
type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	identity   auth.Identity
	send       chan *ServerMessage
	stop       chan struct{}
	state      atomic.Int32
	stopOnce   sync.Once
	removeOnce sync.Once
}

func NewClient(identity auth.Identity, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	c := &Client{
		conn:       conn,
		chatServer: cs,
		log:        l,
		identity:   identity,
		send:       make(chan *ServerMessage, sendQueueSize),
		stop:       make(chan struct{}),
	}
	c.state.Store(stateOpen)

	return c
}

func (c *Client) Identity() auth.Identity {
	return c.identity
}

func (c *Client) isOpen() bool {
	return c.state.Load() == stateOpen
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Println("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Println("read exiting")
	}()

	ctx := context.Background()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// malformed payloads are logged and dropped, never fatal
			c.log.Println("error parsing message:", err)
			continue
		}

		switch msg.Type {
		case TypeJoin:
			c.chatServer.handleJoin(ctx, c, &msg)
		case TypeLeave:
			c.chatServer.handleLeave(c)
		case TypeMessage:
			c.chatServer.handleMessage(ctx, c, &msg)
		case TypeEdit:
			c.chatServer.handleEdit(ctx, c, &msg)
		case TypeDelete:
			c.chatServer.handleDelete(ctx, c, &msg)
		default:
			c.log.Printf("dropping unknown message type %q", msg.Type)
		}
	}
}

// queueMessage enqueues an outbound message. The send buffer is bounded: a
// connection that cannot keep up is disconnected rather than allowed to block
// fan-out to the rest of the room.
func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("send queue full for %q, disconnecting", c.identity.Username)
		c.stopClient()
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		c.state.CompareAndSwap(stateOpen, stateClosing)
		close(c.stop)
	})
}

// cleanup tears down all server-side state for the connection. Registry
// removal runs exactly once even if an explicit leave races the close.
func (c *Client) cleanup() {
	c.state.Store(stateClosed)
	c.removeOnce.Do(func() {
		c.chatServer.removeClient(c)
	})
	c.stopClient()
}
