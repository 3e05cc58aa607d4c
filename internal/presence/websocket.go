package presence

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deskrelay/backend/internal/models"
)

var (
	ErrConnClosed   = errors.New("presence: connection closed")
	ErrSlowConsumer = errors.New("presence: send buffer full")
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// WSConn adapts a gorilla websocket to Conn. Writes go through a buffered
// channel drained by WritePump, the only writer on the socket.
type WSConn struct {
	ws        *websocket.Conn
	send      chan models.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func NewWSConn(ws *websocket.Conn, buffer int) *WSConn {
	if buffer <= 0 {
		buffer = 64
	}
	return &WSConn{
		ws:   ws,
		send: make(chan models.Envelope, buffer),
		done: make(chan struct{}),
	}
}

func (c *WSConn) Send(env models.Envelope) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close asks WritePump to flush what is queued and shut the socket.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *WSConn) Done() <-chan struct{} {
	return c.done
}

func (c *WSConn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case env := <-c.send:
			if err := c.write(env); err != nil {
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			for {
				select {
				case env := <-c.send:
					if err := c.write(env); err != nil {
						return
					}
				default:
					_ = c.ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}

func (c *WSConn) write(env models.Envelope) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(env)
}

// ReadPump discards inbound frames and returns when the peer goes away.
// Messages are sent over the HTTP API; the socket is delivery only.
func (c *WSConn) ReadPump() {
	defer c.Close()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}
