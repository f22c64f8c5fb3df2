package http

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	clientOutbox = 64
)

var errSlowClient = errors.New("client outbox full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// TODO: restrict to the web client origin once it is served from a fixed host
	CheckOrigin: func(r *http.Request) bool { return true },
}

type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan domain.SignalingMessage
	done chan struct{}
	once sync.Once
}

func newWSClient(conn *websocket.Conn) *WSClient {
	return &WSClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan domain.SignalingMessage, clientOutbox),
		done: make(chan struct{}),
	}
}

func (c *WSClient) ID() string {
	return c.id
}

// Send queues msg for the write pump without blocking the hub.
func (c *WSClient) Send(msg domain.SignalingMessage) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errSlowClient
	}
}

func (c *WSClient) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *WSClient) writePump(l zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				l.Debug().Err(err).Msg("Write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// ServeWS is the relay endpoint. A connection is anonymous until its first
// identityAnnounce; after that every message it sends carries that identity.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := newWSClient(conn)
	l := log.With().Str("client_id", client.ID()).Logger()
	l.Info().Msg("New client connected")

	h.Hub.Register(client)
	go client.writePump(l)

	defer func() {
		l.Info().Msg("Client disconnected")
		h.Hub.Unregister(client)
		client.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var user domain.UserID
	for {
		var msg domain.SignalingMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if user == "" {
			if msg.Type != domain.MessageIdentityAnnounce || msg.From == "" {
				l.Warn().Str("type", string(msg.Type)).Msg("Message before identity, dropping")
				continue
			}
			user = msg.From
			l = l.With().Str("user_id", user.String()).Logger()
			h.Hub.Identify(client, user)
		}

		msg.From = user
		if msg.To == "" || msg.Type == domain.MessageUndeliverable {
			continue
		}
		l.Debug().Str("type", string(msg.Type)).Str("to", msg.To.String()).Msg("Relaying message")
		h.Hub.Route(msg)
	}
}
