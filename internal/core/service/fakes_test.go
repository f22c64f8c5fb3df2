package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

// fakeRelay routes messages between fakeSignal instances by recipient.
type fakeRelay struct {
	mu    sync.Mutex
	users map[domain.UserID][]*fakeSignal
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{users: make(map[domain.UserID][]*fakeSignal)}
}

func (r *fakeRelay) join(user domain.UserID) *fakeSignal {
	s := newFakeSignal()
	s.relay = r
	r.mu.Lock()
	r.users[user] = append(r.users[user], s)
	r.mu.Unlock()
	return s
}

func (r *fakeRelay) route(msg domain.SignalingMessage) {
	r.mu.Lock()
	targets := append([]*fakeSignal(nil), r.users[msg.To]...)
	r.mu.Unlock()
	if len(targets) == 0 && msg.Type != domain.MessageUndeliverable {
		r.route(domain.NewUndeliverable(msg.To, msg.From, msg.Type))
		return
	}
	for _, t := range targets {
		t.deliver(msg)
	}
}

type fakeSignal struct {
	mu        sync.Mutex
	state     domain.ChannelState
	handlers  map[domain.MessageType]map[int]func(domain.SignalingMessage)
	observers map[int]func(domain.ChannelState)
	next      int
	sent      []domain.SignalingMessage
	relay     *fakeRelay
}

func newFakeSignal() *fakeSignal {
	return &fakeSignal{
		state:     domain.ChannelUp,
		handlers:  make(map[domain.MessageType]map[int]func(domain.SignalingMessage)),
		observers: make(map[int]func(domain.ChannelState)),
	}
}

func (s *fakeSignal) Connect(context.Context, domain.UserID) error { return nil }
func (s *fakeSignal) Close() error                                 { return nil }

func (s *fakeSignal) Send(msg domain.SignalingMessage) {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	relay := s.relay
	up := s.state == domain.ChannelUp
	s.mu.Unlock()
	if relay != nil && up {
		relay.route(msg)
	}
}

func (s *fakeSignal) Subscribe(t domain.MessageType, h func(domain.SignalingMessage)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers[t] == nil {
		s.handlers[t] = make(map[int]func(domain.SignalingMessage))
	}
	id := s.next
	s.next++
	s.handlers[t][id] = h
	return func() {
		s.mu.Lock()
		delete(s.handlers[t], id)
		s.mu.Unlock()
	}
}

func (s *fakeSignal) OnStateChange(fn func(domain.ChannelState)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *fakeSignal) State() domain.ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSignal) setState(st domain.ChannelState) {
	s.mu.Lock()
	s.state = st
	obs := make([]func(domain.ChannelState), 0, len(s.observers))
	for _, fn := range s.observers {
		obs = append(obs, fn)
	}
	s.mu.Unlock()
	for _, fn := range obs {
		fn(st)
	}
}

func (s *fakeSignal) deliver(msg domain.SignalingMessage) {
	s.mu.Lock()
	hs := make([]func(domain.SignalingMessage), 0, len(s.handlers[msg.Type]))
	for _, h := range s.handlers[msg.Type] {
		hs = append(hs, h)
	}
	s.mu.Unlock()
	for _, h := range hs {
		h(msg)
	}
}

func (s *fakeSignal) sentOf(t domain.MessageType) []domain.SignalingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SignalingMessage
	for _, m := range s.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeStream struct {
	id       string
	video    bool
	local    bool
	closed   atomic.Bool
	audioOff atomic.Bool
	videoOff atomic.Bool
}

func (s *fakeStream) ID() string              { return s.id }
func (s *fakeStream) HasVideo() bool          { return s.video }
func (s *fakeStream) SetAudioEnabled(on bool) { s.audioOff.Store(!on) }
func (s *fakeStream) SetVideoEnabled(on bool) { s.videoOff.Store(!on) }
func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeMedia struct {
	mu       sync.Mutex
	deny     map[domain.CallKind]error
	gate     chan struct{}
	acquired []*fakeStream
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{deny: make(map[domain.CallKind]error)}
}

func (m *fakeMedia) Acquire(ctx context.Context, kind domain.CallKind, _ domain.QualityHints) (port.MediaStream, error) {
	m.mu.Lock()
	gate := m.gate
	err := m.deny[kind]
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s := &fakeStream{id: fmt.Sprintf("local-%d", len(m.acquired)), video: kind == domain.CallVideo, local: true}
	m.acquired = append(m.acquired, s)
	return s, nil
}

func (m *fakeMedia) OutputDevices(context.Context) ([]domain.Device, error) {
	return []domain.Device{{ID: "default", Label: "Default", Kind: domain.DeviceAudioOutput}}, nil
}

func (m *fakeMedia) streams() []*fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakeStream(nil), m.acquired...)
}

// live counts acquired streams that have not been released.
func (m *fakeMedia) live() int {
	n := 0
	for _, s := range m.streams() {
		if !s.closed.Load() {
			n++
		}
	}
	return n
}

// fakeNet connects fakeEndpoints by address.
type fakeNet struct {
	mu        sync.Mutex
	endpoints map[domain.TransportAddress]*fakeEndpoint
}

func newFakeNet() *fakeNet {
	return &fakeNet{endpoints: make(map[domain.TransportAddress]*fakeEndpoint)}
}

func (n *fakeNet) lookup(addr domain.TransportAddress) *fakeEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[addr]
}

type fakeTransport struct {
	net *fakeNet

	mu       sync.Mutex
	opened   []*fakeEndpoint
	tiers    []string
	openErrs []error
	callErrs []error
	open     int
	maxOpen  int
}

func newFakeTransport(net *fakeNet) *fakeTransport {
	if net == nil {
		net = newFakeNet()
	}
	return &fakeTransport{net: net}
}

func (t *fakeTransport) Open(_ context.Context, local domain.UserID, tier domain.TransportTier, h port.TransportHandler) (port.TransportEndpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tiers = append(t.tiers, tier.Name)
	if len(t.openErrs) > 0 {
		err := t.openErrs[0]
		t.openErrs = t.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	ep := &fakeEndpoint{
		transport: t,
		local:     local,
		addr:      domain.TransportAddress(fmt.Sprintf("%s-ep-%d", local, len(t.opened))),
		handler:   h,
	}
	t.opened = append(t.opened, ep)
	t.open++
	if t.open > t.maxOpen {
		t.maxOpen = t.open
	}
	t.net.mu.Lock()
	t.net.endpoints[ep.addr] = ep
	t.net.mu.Unlock()
	return ep, nil
}

func (t *fakeTransport) endpoints() []*fakeEndpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeEndpoint(nil), t.opened...)
}

func (t *fakeTransport) tierNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.tiers...)
}

func (t *fakeTransport) peakOpen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxOpen
}

type fakeEndpoint struct {
	transport *fakeTransport
	local     domain.UserID
	addr      domain.TransportAddress
	handler   port.TransportHandler

	mu      sync.Mutex
	closed  bool
	calls   int
	pending *fakeEndpoint
	stream  port.MediaStream
}

func (e *fakeEndpoint) Address() domain.TransportAddress { return e.addr }

func (e *fakeEndpoint) Call(_ context.Context, _ domain.UserID, addr domain.TransportAddress, stream port.MediaStream) error {
	e.mu.Lock()
	e.calls++
	e.stream = stream
	e.mu.Unlock()

	e.transport.mu.Lock()
	var err error
	if len(e.transport.callErrs) > 0 {
		err = e.transport.callErrs[0]
		e.transport.callErrs = e.transport.callErrs[1:]
	}
	e.transport.mu.Unlock()
	if err != nil {
		return err
	}

	target := e.transport.net.lookup(addr)
	if target == nil || target.isClosed() {
		return nil
	}
	target.mu.Lock()
	target.pending = e
	target.mu.Unlock()
	target.handler(port.TransportEvent{Type: port.TransportInboundCall, Remote: e.local, RemoteAddress: e.addr})
	return nil
}

func (e *fakeEndpoint) Answer(_ context.Context, remote domain.UserID, stream port.MediaStream) error {
	e.mu.Lock()
	caller := e.pending
	e.stream = stream
	e.mu.Unlock()
	if caller == nil || caller.local != remote || caller.isClosed() {
		return domain.ErrNoPendingCall
	}

	caller.handler(port.TransportEvent{Type: port.TransportStreamReceived, Stream: &fakeStream{id: "remote-of-" + string(caller.addr)}})
	e.handler(port.TransportEvent{Type: port.TransportStreamReceived, Stream: &fakeStream{id: "remote-of-" + string(e.addr)}})
	return nil
}

func (e *fakeEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.transport.mu.Lock()
	e.transport.open--
	e.transport.mu.Unlock()
	e.transport.net.mu.Lock()
	delete(e.transport.net.endpoints, e.addr)
	e.transport.net.mu.Unlock()
	return nil
}

func (e *fakeEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *fakeEndpoint) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fakeStore struct {
	mu       sync.Mutex
	intents  map[domain.IntentKind]domain.CallIntent
	watchers map[int]func(port.StoreEvent)
	next     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		intents:  make(map[domain.IntentKind]domain.CallIntent),
		watchers: make(map[int]func(port.StoreEvent)),
	}
}

func (s *fakeStore) Save(ctx context.Context, kind domain.IntentKind, intent domain.CallIntent) (domain.CallIntent, error) {
	if err := ctx.Err(); err != nil {
		return intent, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[kind] = intent
	return intent, nil
}

func (s *fakeStore) Read(ctx context.Context, kind domain.IntentKind) (domain.CallIntent, bool) {
	if ctx.Err() != nil {
		return domain.CallIntent{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.intents[kind]
	return i, ok
}

func (s *fakeStore) Clear(ctx context.Context, kind domain.IntentKind) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.intents, kind)
}

func (s *fakeStore) ReadMostRecent(ctx context.Context) (domain.IntentKind, domain.CallIntent, bool) {
	for _, k := range []domain.IntentKind{domain.IntentCurrent, domain.IntentOutgoing, domain.IntentIncoming} {
		if i, ok := s.Read(ctx, k); ok {
			if k == domain.IntentIncoming {
				i.Role = domain.RoleResponder
			}
			return k, i, true
		}
	}
	return "", domain.CallIntent{}, false
}

func (s *fakeStore) Watch(fn func(port.StoreEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.watchers[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// external simulates a write by another instance of the same user.
func (s *fakeStore) external(ev port.StoreEvent) {
	s.mu.Lock()
	if ev.Intent == nil {
		delete(s.intents, ev.Kind)
	} else {
		s.intents[ev.Kind] = *ev.Intent
	}
	ws := make([]func(port.StoreEvent), 0, len(s.watchers))
	for _, w := range s.watchers {
		ws = append(ws, w)
	}
	s.mu.Unlock()
	for _, w := range ws {
		w(ev)
	}
}

func (s *fakeStore) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.intents) == 0
}

type fakeHistory struct {
	mu      sync.Mutex
	records []domain.CallRecord
}

func (h *fakeHistory) Save(_ context.Context, rec domain.CallRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return nil
}

func (h *fakeHistory) List(_ context.Context, local domain.UserID, limit int) ([]domain.CallRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.CallRecord
	for i := len(h.records) - 1; i >= 0 && len(out) < limit; i-- {
		if h.records[i].LocalUserID == local {
			out = append(out, h.records[i])
		}
	}
	return out, nil
}

func (h *fakeHistory) Get(_ context.Context, local domain.UserID, id domain.RecordID) (domain.CallRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.records {
		if r.ID == id && r.LocalUserID == local {
			return r, nil
		}
	}
	return domain.CallRecord{}, domain.ErrNotFound
}

func (h *fakeHistory) all() []domain.CallRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.CallRecord(nil), h.records...)
}
