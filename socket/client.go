package socket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"livemd/pkg/logger"
)

const (
	// writeWait is the deadline for a single websocket write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before it is
	// treated as disconnected.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 30 * time.Second
	// recheckPeriod is how often a live connection's access is re-evaluated.
	recheckPeriod = 30 * time.Second

	sendBufferSize = 256
)

// Client is one authenticated, authorized WebSocket connection bound to a
// single room.
type Client struct {
	room     *Room
	conn     *websocket.Conn
	username string

	send chan []byte
	done chan struct{}
	once sync.Once

	// recheck re-evaluates access for long-lived connections; false means
	// the connection must be closed. recheckEvery is how often it runs.
	recheck      func() bool
	recheckEvery time.Duration
}

func newClient(room *Room, conn *websocket.Conn, username string, recheck func() bool) *Client {
	return &Client{
		room:         room,
		conn:         conn,
		username:     username,
		send:         make(chan []byte, sendBufferSize),
		done:         make(chan struct{}),
		recheck:      recheck,
		recheckEvery: recheckPeriod,
	}
}

// enqueue hands a frame to the write pump. A full buffer means the consumer
// is lagging badly; the connection is closed rather than blocking the room.
func (c *Client) enqueue(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		logger.Sugar.Warnf("Send buffer full for %s, closing connection", c.username)
		c.conn.Close()
	}
}

func (c *Client) markClosed() {
	c.once.Do(func() { close(c.done) })
}

// readPump owns all reads. It exits on any read error — clean close, abrupt
// close or missed keep-alive — and runs the identical cleanup path each time.
func (c *Client) readPump() {
	defer func() {
		c.room.Leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Sugar.Debugf("Read error for %s: %v", c.username, err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			logger.Sugar.Warnf("Non-binary frame from %s, dropping connection", c.username)
			return
		}
		if err := c.handleFrame(raw); err != nil {
			logger.Sugar.Warnf("Protocol violation from %s on document %s: %v", c.username, c.room.DocumentID, err)
			return
		}
	}
}

func (c *Client) handleFrame(raw []byte) error {
	frame, err := DecodeFrame(raw)
	if err != nil {
		return err
	}
	switch frame.Type {
	case messageSync:
		switch frame.SubType {
		case syncStep1:
			return c.room.HandleSyncStep1(c, frame.Payload)
		case syncStep2, syncUpdate:
			return c.room.ApplyUpdate(c, frame.Payload)
		}
		return ErrProtocol
	case messageAwareness:
		return c.room.SetAwareness(c, frame.Payload)
	}
	return ErrProtocol
}

// writePump owns all writes: relayed frames, keep-alive pings and the
// periodic authorization re-check.
func (c *Client) writePump() {
	pingTicker := time.NewTicker(pingPeriod)
	recheckTicker := time.NewTicker(c.recheckEvery)
	defer func() {
		pingTicker.Stop()
		recheckTicker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-recheckTicker.C:
			// A connect-time check goes stale if the document's
			// visibility changes mid-session.
			if c.recheck != nil && !c.recheck() {
				logger.Sugar.Infof("Access revoked mid-session for %s on document %s", c.username, c.room.DocumentID)
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "access revoked"))
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
