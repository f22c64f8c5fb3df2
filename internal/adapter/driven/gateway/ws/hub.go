package ws

import (
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

type identification struct {
	client Client
	user   domain.UserID
}

// Hub routes signaling messages to every connection of the addressed user.
// It keeps no state across disconnects; clients re-announce on reconnect.
type Hub struct {
	mu         sync.Mutex
	clients    map[Client]domain.UserID
	users      map[domain.UserID]map[Client]bool
	route      chan domain.SignalingMessage
	register   chan Client
	identify   chan identification
	unregister chan Client
	quit       chan struct{}
	clock      clock.Clock
}

func NewHub(clk clock.Clock) *Hub {
	if clk == nil {
		clk = clock.New()
	}
	return &Hub{
		clients:    make(map[Client]domain.UserID),
		users:      make(map[domain.UserID]map[Client]bool),
		route:      make(chan domain.SignalingMessage, 256),
		register:   make(chan Client),
		identify:   make(chan identification),
		unregister: make(chan Client),
		quit:       make(chan struct{}),
		clock:      clk,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.users = make(map[domain.UserID]map[Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = ""
			h.mu.Unlock()
			log.Info().Str("client_id", client.ID()).Msg("Client registered")

		case id := <-h.identify:
			h.bind(id.client, id.user)

		case client := <-h.unregister:
			h.drop(client)

		case msg := <-h.route:
			h.deliver(msg)
		}
	}
}

func (h *Hub) bind(client Client, user domain.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, ok := h.clients[client]
	if !ok || prev == user {
		return
	}
	if prev != "" {
		delete(h.users[prev], client)
	}
	h.clients[client] = user
	if h.users[user] == nil {
		h.users[user] = make(map[Client]bool)
	}
	h.users[user][client] = true
	log.Info().Str("client_id", client.ID()).Str("user_id", user.String()).Msg("Client identified")
}

func (h *Hub) drop(client Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	user, ok := h.clients[client]
	if !ok {
		return
	}
	delete(h.clients, client)
	if conns := h.users[user]; conns != nil {
		delete(conns, client)
		if len(conns) == 0 {
			delete(h.users, user)
		}
	}
	client.Close()
	log.Info().Str("client_id", client.ID()).Str("user_id", user.String()).Msg("Client unregistered")
}

func (h *Hub) deliver(msg domain.SignalingMessage) {
	msg.DeliveredAt = h.clock.Now()

	h.mu.Lock()
	targets := make([]Client, 0, len(h.users[msg.To]))
	for c := range h.users[msg.To] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		log.Debug().Str("type", string(msg.Type)).Str("to", msg.To.String()).Msg("Recipient offline, dropping message")
		if msg.Type != domain.MessageUndeliverable && msg.From != "" {
			h.deliver(domain.NewUndeliverable(msg.To, msg.From, msg.Type))
		}
		return
	}
	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			log.Error().Err(err).Str("client_id", c.ID()).Msg("Error sending message")
			h.drop(c)
		}
	}
}

func (h *Hub) Register(c Client) {
	select {
	case h.register <- c:
	case <-h.quit:
	}
}

// Identify binds c to user. Messages addressed to user reach c from then on.
func (h *Hub) Identify(c Client, user domain.UserID) {
	select {
	case h.identify <- identification{client: c, user: user}:
	case <-h.quit:
	}
}

func (h *Hub) Unregister(c Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

// Route queues msg for delivery to msg.To. It drops the message when the
// hub is saturated.
func (h *Hub) Route(msg domain.SignalingMessage) {
	select {
	case h.route <- msg:
	case <-h.quit:
	default:
		log.Warn().Str("type", string(msg.Type)).Msg("Route channel full, dropping message")
	}
}

// Connections reports how many live connections are bound to user.
func (h *Hub) Connections(user domain.UserID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.users[user])
}

func (h *Hub) Stop() {
	close(h.quit)
}
