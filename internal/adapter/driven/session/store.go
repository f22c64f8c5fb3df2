package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultIncomingTTL = 60 * time.Second
	DefaultOutgoingTTL = 60 * time.Second
	DefaultCurrentTTL  = 4 * time.Hour
)

var kinds = []domain.IntentKind{domain.IntentCurrent, domain.IntentOutgoing, domain.IntentIncoming}

type Config struct {
	IncomingTTL time.Duration
	OutgoingTTL time.Duration
	CurrentTTL  time.Duration
}

func DefaultConfig() Config {
	return Config{
		IncomingTTL: DefaultIncomingTTL,
		OutgoingTTL: DefaultOutgoingTTL,
		CurrentTTL:  DefaultCurrentTTL,
	}
}

// Store implements port.SessionStore over a Backend. When the backend
// fails it degrades to private in-memory storage for the rest of its life.
type Store struct {
	local domain.UserID
	cfg   Config
	clock clock.Clock
	alert port.Alerter
	log   zerolog.Logger

	mu          sync.Mutex
	backend     Backend
	degraded    bool
	stopWatch   func()
	ringing     domain.UserID
	watchers    map[int]func(port.StoreEvent)
	nextWatcher int
}

func New(local domain.UserID, backend Backend, alert port.Alerter, clk clock.Clock, cfg Config) *Store {
	if clk == nil {
		clk = clock.New()
	}
	def := DefaultConfig()
	if cfg.IncomingTTL <= 0 {
		cfg.IncomingTTL = def.IncomingTTL
	}
	if cfg.OutgoingTTL <= 0 {
		cfg.OutgoingTTL = def.OutgoingTTL
	}
	if cfg.CurrentTTL <= 0 {
		cfg.CurrentTTL = def.CurrentTTL
	}

	s := &Store{
		local:    local,
		cfg:      cfg,
		clock:    clk,
		alert:    alert,
		log:      log.With().Str("component", "session-store").Str("local_user", local.String()).Logger(),
		backend:  backend,
		watchers: make(map[int]func(port.StoreEvent)),
	}

	stop, err := backend.Watch(s.observed)
	if err != nil {
		s.degrade(err)
	} else {
		s.stopWatch = stop
	}
	return s
}

func (s *Store) ttl(kind domain.IntentKind) time.Duration {
	switch kind {
	case domain.IntentIncoming:
		return s.cfg.IncomingTTL
	case domain.IntentOutgoing:
		return s.cfg.OutgoingTTL
	default:
		return s.cfg.CurrentTTL
	}
}

// Save writes intent under kind with a fresh expiry. An intent for another
// remote user invalidates every other slot.
func (s *Store) Save(ctx context.Context, kind domain.IntentKind, intent domain.CallIntent) (domain.CallIntent, error) {
	if intent.LocalUserID == "" {
		intent.LocalUserID = s.local
	}
	if !intent.Valid() {
		return intent, fmt.Errorf("save %s: incomplete intent", kind)
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = s.clock.Now()
	}
	ttl := s.ttl(kind)
	intent.ExpiresAt = s.clock.Now().Add(ttl)

	for _, k := range kinds {
		if k == kind {
			continue
		}
		if other, ok := s.Read(ctx, k); ok && other.RemoteUserID != intent.RemoteUserID {
			s.log.Debug().Str("slot", string(k)).Str("remote_user", other.RemoteUserID.String()).Msg("Superseded by new intent")
			s.Clear(ctx, k)
		}
	}

	data, err := json.Marshal(intent)
	if err != nil {
		return intent, err
	}
	if err := s.withBackend(ctx, func(b Backend) error { return b.Set(ctx, string(kind), data, ttl) }); err != nil {
		return intent, err
	}

	if kind == domain.IntentIncoming {
		s.ring(intent.RemoteUserID)
	}
	return intent, nil
}

// Read never fails: missing, expired, malformed or partial records read as absent.
func (s *Store) Read(ctx context.Context, kind domain.IntentKind) (domain.CallIntent, bool) {
	var data []byte
	s.withBackend(ctx, func(b Backend) error {
		v, err := b.Get(ctx, string(kind))
		if errors.Is(err, errNotFound) {
			return nil
		}
		data = v
		return err
	})
	if data == nil {
		return domain.CallIntent{}, false
	}
	return s.decode(kind, data)
}

func (s *Store) decode(kind domain.IntentKind, data []byte) (domain.CallIntent, bool) {
	var intent domain.CallIntent
	if err := json.Unmarshal(data, &intent); err != nil {
		s.log.Debug().Err(err).Str("slot", string(kind)).Msg("Ignoring malformed record")
		return domain.CallIntent{}, false
	}
	if !intent.Valid() || intent.LocalUserID != s.local {
		s.log.Debug().Str("slot", string(kind)).Msg("Ignoring partial record")
		return domain.CallIntent{}, false
	}
	if intent.Expired(s.clock.Now()) {
		return domain.CallIntent{}, false
	}
	return intent, true
}

func (s *Store) Clear(ctx context.Context, kind domain.IntentKind) {
	s.withBackend(ctx, func(b Backend) error { return b.Delete(ctx, string(kind)) })
	if kind == domain.IntentIncoming {
		s.silence()
	}
}

// ReadMostRecent resolves current, then outgoing, then incoming. An incoming
// intent is returned with the responder role.
func (s *Store) ReadMostRecent(ctx context.Context) (domain.IntentKind, domain.CallIntent, bool) {
	for _, k := range kinds {
		intent, ok := s.Read(ctx, k)
		if !ok {
			continue
		}
		if k == domain.IntentIncoming {
			intent.Role = domain.RoleResponder
		}
		return k, intent, true
	}
	return "", domain.CallIntent{}, false
}

func (s *Store) Watch(fn func(port.StoreEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	stop, b := s.stopWatch, s.backend
	s.stopWatch = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	return b.Close()
}

// observed handles a write made by another observer of the same user.
func (s *Store) observed(key string, value []byte) {
	kind := domain.IntentKind(key)
	ev := port.StoreEvent{Kind: kind}
	if value != nil {
		intent, ok := s.decode(kind, value)
		if !ok {
			return
		}
		ev.Intent = &intent
	}

	if kind == domain.IntentIncoming {
		if ev.Intent != nil {
			s.ring(ev.Intent.RemoteUserID)
		} else {
			s.silence()
		}
	}

	s.mu.Lock()
	fns := make([]func(port.StoreEvent), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// ring alerts once per distinct caller until the incoming slot is cleared.
func (s *Store) ring(caller domain.UserID) {
	s.mu.Lock()
	if s.ringing == caller {
		s.mu.Unlock()
		return
	}
	s.ringing = caller
	s.mu.Unlock()
	if s.alert != nil {
		s.alert.Ring(caller)
	}
}

func (s *Store) silence() {
	s.mu.Lock()
	was := s.ringing
	s.ringing = ""
	s.mu.Unlock()
	if was != "" && s.alert != nil {
		s.alert.Silence()
	}
}

// withBackend runs op, switching to memory storage if the backend fails.
// Errors caused by the caller abandoning ctx leave the backend in place.
func (s *Store) withBackend(ctx context.Context, op func(Backend) error) error {
	s.mu.Lock()
	b := s.backend
	s.mu.Unlock()

	err := op(b)
	if err == nil {
		return nil
	}
	if abandoned(ctx, err) {
		s.log.Debug().Err(err).Msg("Storage call abandoned by caller")
		return err
	}
	s.degrade(err)

	s.mu.Lock()
	b = s.backend
	s.mu.Unlock()
	if err := op(b); err != nil {
		s.log.Error().Err(err).Msg("In-memory store failed")
		return err
	}
	return nil
}

func abandoned(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (s *Store) degrade(cause error) {
	s.mu.Lock()
	if s.degraded {
		s.mu.Unlock()
		return
	}
	s.degraded = true
	old, stop := s.backend, s.stopWatch
	s.backend = NewMemoryBus(s.clock).Backend(s.local.String())
	s.stopWatch = nil
	s.mu.Unlock()

	s.log.Warn().Err(cause).Msg("Session storage unavailable, keeping call state in memory only")
	if stop != nil {
		stop()
	}
	if old != nil {
		old.Close()
	}
}
