package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/edge-telemetry/internal/telemetry"
)

const (
	sendQueueSize = 64
	writeWait     = 10 * time.Second
	maxClientMsg  = 4096
)

var (
	errClientClosed  = errors.New("ws client closed")
	errSendQueueFull = errors.New("ws send queue full")
)

// recentMessage is the first message on every connection.
type recentMessage struct {
	Type   string            `json:"type"`
	Events []telemetry.Event `json:"events"`
}

// wsClient is a hub.Subscriber backed by a WebSocket connection. The hub
// calls Replay and Deliver under its lock, so both only enqueue. A full
// queue fails the delivery and closes the client.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

func (c *wsClient) Replay(events []telemetry.Event) error {
	data, err := json.Marshal(recentMessage{Type: "recent", Events: events})
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *wsClient) Deliver(ev telemetry.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *wsClient) enqueue(data []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.close()
		return errSendQueueFull
	}
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

// writeLoop drains the send queue until the client is closed.
func (c *wsClient) writeLoop() {
	defer c.conn.Close()
	for {
		select {
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("ws upgrade error")
		return
	}
	conn.SetReadLimit(maxClientMsg)

	client := newWSClient(conn)
	go client.writeLoop()

	id, err := s.hub.ConnectSubscriber(client)
	if err != nil {
		s.logger.Warn().Err(err).Msg("ws replay failed")
		client.close()
		return
	}
	s.logger.Info().Str("subscriber", id.String()).Str("remote", r.RemoteAddr).Msg("ws client connected")

	// Reader goroutine; client messages are ignored.
	go func() {
		defer func() {
			s.hub.DisconnectSubscriber(id)
			client.close()
			s.logger.Info().Str("subscriber", id.String()).Msg("ws client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
