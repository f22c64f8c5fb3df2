package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	DefaultOutboxSize     = 64
	DefaultInitialBackoff = 250 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
)

var ErrAlreadyConnected = errors.New("signaling channel already connected")

type Config struct {
	URL            string
	OutboxSize     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type handler struct {
	msgType domain.MessageType
	fn      func(domain.SignalingMessage)
}

// Channel is the client side of the relay connection. It keeps a single
// websocket alive for as long as it is connected, re-announcing the local
// identity on every reconnect.
type Channel struct {
	cfg    Config
	dialer *websocket.Dialer

	mu        sync.Mutex
	local     domain.UserID
	state     domain.ChannelState
	handlers  map[int]handler
	observers map[int]func(domain.ChannelState)
	next      int
	outbox    chan domain.SignalingMessage
	cancel    context.CancelFunc
	done      chan struct{}

	log zerolog.Logger
}

func NewChannel(cfg Config) *Channel {
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = DefaultOutboxSize
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	return &Channel{
		cfg:       cfg,
		dialer:    &websocket.Dialer{HandshakeTimeout: writeWait},
		state:     domain.ChannelDown,
		handlers:  make(map[int]handler),
		observers: make(map[int]func(domain.ChannelState)),
		log:       log.With().Str("component", "signaling").Logger(),
	}
}

// Connect starts the connection loop in the background. It returns once the
// loop is running, not once the relay is reached; watch OnStateChange for that.
func (c *Channel) Connect(ctx context.Context, local domain.UserID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(ctx)
	c.local = local
	c.cancel = cancel
	c.done = make(chan struct{})
	c.outbox = make(chan domain.SignalingMessage, c.cfg.OutboxSize)
	c.log = c.log.With().Str("local_user", local.String()).Logger()

	go c.run(ctx, c.done)
	return nil
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			return
		}
		c.serve(ctx, conn)
		c.setState(domain.ChannelDown)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn().Msg("Relay connection lost, reconnecting")
	}
}

// dial retries with exponential backoff until the relay accepts or ctx ends.
func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	var conn *websocket.Conn
	op := func() error {
		cn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		conn = cn
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.log.Debug().Err(err).Dur("retry_in", next).Msg("Relay unreachable")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// serve runs one connection until it breaks. identityAnnounce is always the
// first frame written.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	local := c.local
	c.mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(domain.NewIdentityAnnounce(local, "", "")); err != nil {
		c.log.Warn().Err(err).Msg("Identity announce failed")
		conn.Close()
		return
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(ctx, conn, stop)
	}()

	c.log.Info().Msg("Connected to relay")
	c.setState(domain.ChannelUp)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var msg domain.SignalingMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				c.log.Debug().Err(err).Msg("Relay read failed")
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(msg)
	}

	close(stop)
	conn.Close()
	wg.Wait()
}

func (c *Channel) writePump(ctx context.Context, conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case msg := <-c.outbox:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				c.log.Warn().Err(err).Str("type", string(msg.Type)).Msg("Send failed, message dropped")
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// Send queues msg without blocking. It is dropped while the relay is
// unreachable or the outbox is full.
func (c *Channel) Send(msg domain.SignalingMessage) {
	c.mu.Lock()
	state, outbox, l := c.state, c.outbox, c.log
	if msg.From == "" {
		msg.From = c.local
	}
	c.mu.Unlock()

	l = l.With().Str("type", string(msg.Type)).Str("to", msg.To.String()).Logger()
	if state != domain.ChannelUp || outbox == nil {
		l.Warn().Msg("Relay unavailable, message dropped")
		return
	}
	select {
	case outbox <- msg:
		l.Debug().Msg("Message queued")
	default:
		l.Warn().Msg("Outbox full, message dropped")
	}
}

func (c *Channel) Subscribe(t domain.MessageType, fn func(domain.SignalingMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.handlers[id] = handler{msgType: t, fn: fn}
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

func (c *Channel) OnStateChange(fn func(domain.ChannelState)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.observers[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

func (c *Channel) State() domain.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close stops the connection loop and waits for it to exit.
func (c *Channel) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (c *Channel) dispatch(msg domain.SignalingMessage) {
	c.mu.Lock()
	fns := make([]func(domain.SignalingMessage), 0, len(c.handlers))
	for _, h := range c.handlers {
		if h.msgType == msg.Type {
			fns = append(fns, h.fn)
		}
	}
	c.mu.Unlock()

	if len(fns) == 0 {
		c.log.Debug().Str("type", string(msg.Type)).Msg("No handler for message")
	}
	for _, fn := range fns {
		fn(msg)
	}
}

func (c *Channel) setState(s domain.ChannelState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fns := make([]func(domain.ChannelState), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	c.log.Debug().Str("state", string(s)).Msg("Channel state changed")
	for _, fn := range fns {
		fn(s)
	}
}
