package websocket

import (
	"sync"
	"time"

	"auction-engine/pkg/utils"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	maxMessageSize = 512
)

// Connection is one subscriber's socket. Writes are serialized; gorilla
// connections allow a single concurrent writer.
type Connection struct {
	conn      *websocket.Conn
	id        string
	userID    string
	auctionID string

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func NewConnection(conn *websocket.Conn, userID, auctionID string) *Connection {
	return &Connection{
		conn:      conn,
		id:        utils.GenerateID("conn"),
		userID:    userID,
		auctionID: auctionID,
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) UserID() string {
	return c.userID
}

func (c *Connection) AuctionID() string {
	return c.auctionID
}

func (c *Connection) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(message)
}

func (c *Connection) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// ReadLoop discards client frames until the socket fails or closes.
// Subscribers only listen; reading is what surfaces a disconnect and
// answers the peer's control frames. Each pong pushes the read deadline
// out by pongWait.
func (c *Connection) ReadLoop(pongWait time.Duration) error {
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return err
		}
	}
}

// CloseWithReason sends a close frame, best effort, and closes the socket.
func (c *Connection) CloseWithReason(code int, reason string) error {
	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.mu.Unlock()
	return c.Close()
}

func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
