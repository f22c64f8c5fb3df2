package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRingTimeout = 60 * time.Second
	DefaultIncomingTTL = 60 * time.Second

	subscriberBuffer = 16
)

type CallConfig struct {
	Local       domain.UserID
	RingTimeout time.Duration
	IncomingTTL time.Duration
	Negotiator  NegotiatorConfig
}

type CallDeps struct {
	Store     port.SessionStore
	Signaling port.SignalingChannel
	Media     port.MediaDevices
	Transport port.PeerTransport
	History   port.CallRecordRepository
	Clock     clock.Clock
}

// CallService is the user-facing call state machine. It owns the CallIntent
// lifecycle and drives one Negotiator per active call.
type CallService struct {
	cfg    CallConfig
	deps   CallDeps
	clock  clock.Clock
	log    zerolog.Logger
	loop   *eventLoop
	unsubs []func()

	// owned by loop
	state       domain.CallState
	intent      domain.CallIntent
	neg         *Negotiator
	session     domain.TransportSession
	hasLocal    bool
	hasRemote   bool
	muted       bool
	videoOff    bool
	acceptSent  bool
	diagnostic  string
	lastFailed  *domain.CallIntent
	startedAt   time.Time
	connectedAt time.Time
	timer       *clock.Timer
	gen         uint64
	endedAt     map[domain.UserID]time.Time
	subs        map[int]chan domain.CallView
	nextSub     int
}

func NewCallService(cfg CallConfig, deps CallDeps) *CallService {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.IncomingTTL <= 0 {
		cfg.IncomingTTL = DefaultIncomingTTL
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	s := &CallService{
		cfg:     cfg,
		deps:    deps,
		clock:   deps.Clock,
		log:     log.With().Str("component", "call").Str("local_user", cfg.Local.String()).Logger(),
		loop:    newEventLoop(),
		state:   domain.CallIdle,
		endedAt: make(map[domain.UserID]time.Time),
		subs:    make(map[int]chan domain.CallView),
	}

	handlers := map[domain.MessageType]func(domain.SignalingMessage){
		domain.MessageCallOffer:  s.onOffer,
		domain.MessageCallAccept: s.onAccept,
		domain.MessageCallReject: s.onReject,
		domain.MessageCallEnd:    s.onEnd,
	}
	for t, h := range handlers {
		h := h
		s.unsubs = append(s.unsubs, deps.Signaling.Subscribe(t, func(msg domain.SignalingMessage) {
			if msg.To != cfg.Local || msg.From == cfg.Local {
				return
			}
			s.loop.post(func() { h(msg) })
		}))
	}
	s.unsubs = append(s.unsubs, deps.Store.Watch(func(ev port.StoreEvent) {
		s.loop.post(func() { s.onStoreEvent(ev) })
	}))
	return s
}

// Place starts an outgoing call. The negotiator starts once the callee accepts.
func (s *CallService) Place(ctx context.Context, remote domain.UserID, kind domain.CallKind) error {
	if remote == "" || remote == s.cfg.Local {
		return domain.ErrSelfCall
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidCallKind, kind)
	}
	return s.exec(func() error { return s.place(ctx, remote, kind) })
}

func (s *CallService) Accept(ctx context.Context) error {
	return s.exec(func() error {
		if s.state != domain.CallRingingIncoming {
			return domain.ErrNoPendingCall
		}
		s.accept(ctx)
		return nil
	})
}

func (s *CallService) Reject(ctx context.Context) error {
	return s.exec(func() error {
		if s.state != domain.CallRingingIncoming {
			return domain.ErrNoPendingCall
		}
		s.deps.Signaling.Send(domain.NewCallReject(s.cfg.Local, s.intent.RemoteUserID, "declined"))
		s.finish(ctx, domain.OutcomeRejected, "")
		return nil
	})
}

// End hangs up whatever call is in progress. It is a no-op while idle.
func (s *CallService) End(ctx context.Context) error {
	return s.exec(func() error {
		switch s.state {
		case domain.CallIdle:
			return nil
		case domain.CallRingingIncoming:
			s.deps.Signaling.Send(domain.NewCallReject(s.cfg.Local, s.intent.RemoteUserID, "declined"))
			s.finish(ctx, domain.OutcomeRejected, "")
		default:
			s.deps.Signaling.Send(domain.NewCallEnd(s.cfg.Local, s.intent.RemoteUserID))
			s.finish(ctx, s.hangupOutcome(), "")
		}
		return nil
	})
}

// Retry places the last failed call again.
func (s *CallService) Retry(ctx context.Context) error {
	return s.exec(func() error {
		if s.state != domain.CallIdle || s.lastFailed == nil {
			return domain.ErrNothingToRetry
		}
		prev := *s.lastFailed
		return s.place(ctx, prev.RemoteUserID, prev.Kind)
	})
}

// Reset clears the diagnostic left by a failed call.
func (s *CallService) Reset() {
	s.loop.call(func() {
		s.diagnostic = ""
		s.lastFailed = nil
		s.publish()
	})
}

func (s *CallService) ToggleMute() (bool, error) {
	var muted bool
	err := s.exec(func() error {
		if s.state != domain.CallActive || s.neg == nil {
			return domain.ErrInvalidTransition
		}
		s.muted = s.neg.ToggleMute()
		muted = s.muted
		s.publish()
		return nil
	})
	return muted, err
}

func (s *CallService) ToggleVideo() (bool, error) {
	var off bool
	err := s.exec(func() error {
		if s.state != domain.CallActive || s.neg == nil {
			return domain.ErrInvalidTransition
		}
		s.videoOff = s.neg.ToggleVideo()
		off = s.videoOff
		s.publish()
		return nil
	})
	return off, err
}

func (s *CallService) View() domain.CallView {
	var v domain.CallView
	s.loop.call(func() { v = s.view() })
	return v
}

// Subscribe streams every view change. Slow subscribers miss updates.
func (s *CallService) Subscribe() (<-chan domain.CallView, func()) {
	ch := make(chan domain.CallView, subscriberBuffer)
	var id int
	s.loop.call(func() {
		id = s.nextSub
		s.nextSub++
		s.subs[id] = ch
		ch <- s.view()
	})
	return ch, func() {
		s.loop.post(func() {
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// Resume rehydrates the call found in the session store after a restart.
func (s *CallService) Resume(ctx context.Context) error {
	return s.exec(func() error {
		if s.state != domain.CallIdle {
			return nil
		}
		kind, intent, ok := s.deps.Store.ReadMostRecent(context.WithoutCancel(ctx))
		if !ok {
			return nil
		}
		if intent.LocalUserID != s.cfg.Local {
			return nil
		}

		s.log.Info().Str("slot", string(kind)).Str("remote_user", intent.RemoteUserID.String()).Msg("Resuming call")
		s.intent = intent
		s.startedAt = intent.CreatedAt
		now := s.clock.Now()
		remaining := func(d time.Duration) time.Duration {
			if intent.ExpiresAt.IsZero() {
				return d
			}
			return intent.ExpiresAt.Sub(now)
		}

		switch kind {
		case domain.IntentCurrent:
			s.setState(domain.CallActive)
			s.acceptSent = intent.Role == domain.RoleResponder
			s.startNegotiator()
		case domain.IntentOutgoing:
			s.setState(domain.CallRingingOutgoing)
			s.deps.Signaling.Send(domain.NewCallOffer(s.cfg.Local, intent.RemoteUserID, intent.Kind, ""))
			s.armTimer(remaining(s.cfg.RingTimeout), s.ringTimeout)
		case domain.IntentIncoming:
			s.setState(domain.CallRingingIncoming)
			s.armTimer(remaining(s.cfg.IncomingTTL), s.incomingExpired)
		}
		s.publish()
		return nil
	})
}

// Close releases the running negotiator without notifying the remote, so a
// later Resume can pick the call up again.
func (s *CallService) Close() {
	for _, u := range s.unsubs {
		u()
	}
	s.loop.call(func() {
		s.stopTimer()
		if s.neg != nil {
			s.neg.Close()
			s.neg = nil
		}
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
	})
	s.loop.stop()
}

func (s *CallService) exec(fn func() error) error {
	var err error
	if !s.loop.call(func() { err = fn() }) {
		return domain.ErrInvalidTransition
	}
	return err
}

func (s *CallService) place(ctx context.Context, remote domain.UserID, kind domain.CallKind) error {
	if s.state != domain.CallIdle {
		return fmt.Errorf("%w: call already %s", domain.ErrInvalidTransition, s.state)
	}
	ctx = context.WithoutCancel(ctx)

	now := s.clock.Now()
	intent := domain.NewCallIntent(s.cfg.Local, remote, kind, domain.RoleInitiator, now)
	saved, err := s.deps.Store.Save(ctx, domain.IntentOutgoing, intent)
	if err != nil {
		s.log.Warn().Err(err).Msg("Saving outgoing intent")
		saved = intent
	}

	s.intent = saved
	s.startedAt = now
	s.diagnostic = ""
	s.lastFailed = nil
	s.setState(domain.CallRingingOutgoing)
	s.deps.Signaling.Send(domain.NewCallOffer(s.cfg.Local, remote, kind, ""))
	s.armTimer(s.cfg.RingTimeout, s.ringTimeout)
	s.log.Info().Str("remote_user", remote.String()).Str("kind", string(kind)).Msg("Placing call")
	s.publish()
	return nil
}

func (s *CallService) accept(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	s.stopTimer()
	s.deps.Store.Clear(ctx, domain.IntentIncoming)
	s.intent.Role = domain.RoleResponder
	if saved, err := s.deps.Store.Save(ctx, domain.IntentCurrent, s.intent); err == nil {
		s.intent = saved
	}
	s.setState(domain.CallActive)
	s.acceptSent = false
	s.log.Info().Str("remote_user", s.intent.RemoteUserID.String()).Msg("Accepting call")
	s.startNegotiator()
	s.publish()
}

func (s *CallService) startNegotiator() {
	var neg *Negotiator
	neg = NewNegotiator(s.cfg.Negotiator, s.deps.Media, s.deps.Transport, s.deps.Signaling, s.clock, func(ev NegotiatorEvent) {
		s.loop.post(func() {
			if s.neg == neg {
				s.onNegotiatorEvent(ev)
			}
		})
	})
	s.neg = neg
	s.session = domain.TransportSession{}
	neg.Start(NegotiationParams{
		Local:         s.cfg.Local,
		Remote:        s.intent.RemoteUserID,
		Role:          s.intent.Role,
		Kind:          s.intent.Kind,
		RemoteAddress: s.intent.RemoteAddress,
	})
}

func (s *CallService) onNegotiatorEvent(ev NegotiatorEvent) {
	if s.state != domain.CallActive {
		return
	}
	s.session = ev.Session
	s.hasLocal = ev.HasLocal

	switch ev.Type {
	case EventAddressOpened:
		if s.intent.Role == domain.RoleResponder && !s.acceptSent {
			s.acceptSent = true
			s.deps.Signaling.Send(domain.NewCallAccept(s.cfg.Local, s.intent.RemoteUserID, ev.Session.LocalAddress))
		}
	case EventKindDowngraded:
		s.intent.Kind = domain.CallAudio
		if saved, err := s.deps.Store.Save(context.Background(), domain.IntentCurrent, s.intent); err == nil {
			s.intent = saved
		}
	case EventConnected:
		s.hasRemote = true
		if s.connectedAt.IsZero() {
			s.connectedAt = s.clock.Now()
		}
	case EventDisconnected:
		s.hasRemote = false
	case EventFailed:
		s.deps.Signaling.Send(domain.NewCallEnd(s.cfg.Local, s.intent.RemoteUserID))
		failed := s.intent
		s.finish(context.Background(), domain.OutcomeFailed, ev.Diagnostic)
		s.lastFailed = &failed
		return
	}
	s.publish()
}

func (s *CallService) onOffer(msg domain.SignalingMessage) {
	if s.staleOffer(msg) {
		s.log.Debug().Str("caller", msg.From.String()).Msg("Dropping offer delivered before its callEnd")
		return
	}
	kind := msg.Kind
	if !kind.Valid() {
		kind = domain.CallAudio
	}

	switch s.state {
	case domain.CallIdle:
		s.ringIncoming(msg.From, kind, msg.Address)

	case domain.CallRingingIncoming, domain.CallActive:
		if msg.From == s.intent.RemoteUserID {
			return
		}
		s.busy(msg.From)

	case domain.CallRingingOutgoing:
		if msg.From != s.intent.RemoteUserID {
			s.busy(msg.From)
			return
		}
		// Both sides called each other. The greater identity answers.
		if s.cfg.Local > msg.From {
			s.log.Info().Str("remote_user", msg.From.String()).Msg("Crossed offers, answering")
			ctx := context.Background()
			s.deps.Store.Clear(ctx, domain.IntentOutgoing)
			s.intent.Kind = kind
			s.intent.RemoteAddress = msg.Address
			s.accept(ctx)
		}
	}
}

func (s *CallService) busy(from domain.UserID) {
	s.log.Info().Str("caller", from.String()).Msg("Busy, rejecting offer")
	s.deps.Signaling.Send(domain.NewCallReject(s.cfg.Local, from, "busy"))
}

func (s *CallService) ringIncoming(caller domain.UserID, kind domain.CallKind, addr domain.TransportAddress) {
	now := s.clock.Now()
	intent := domain.NewCallIntent(s.cfg.Local, caller, kind, domain.RoleResponder, now)
	intent.RemoteAddress = addr
	saved, err := s.deps.Store.Save(context.Background(), domain.IntentIncoming, intent)
	if err != nil {
		s.log.Warn().Err(err).Msg("Saving incoming intent")
		saved = intent
	}

	s.intent = saved
	s.startedAt = now
	s.diagnostic = ""
	s.setState(domain.CallRingingIncoming)
	s.armTimer(s.cfg.IncomingTTL, s.incomingExpired)
	s.log.Info().Str("caller", caller.String()).Str("kind", string(kind)).Msg("Incoming call")
	s.publish()
}

func (s *CallService) onAccept(msg domain.SignalingMessage) {
	if msg.From != s.intent.RemoteUserID {
		return
	}

	switch s.state {
	case domain.CallRingingOutgoing:
		s.stopTimer()
		ctx := context.Background()
		s.intent.RemoteAddress = msg.Address
		s.deps.Store.Clear(ctx, domain.IntentOutgoing)
		if saved, err := s.deps.Store.Save(ctx, domain.IntentCurrent, s.intent); err == nil {
			s.intent = saved
		}
		s.setState(domain.CallActive)
		s.log.Info().Str("remote_user", msg.From.String()).Msg("Call accepted")
		s.startNegotiator()
		s.publish()

	case domain.CallActive:
		if msg.Address == "" || msg.Address == s.intent.RemoteAddress {
			return
		}
		s.intent.RemoteAddress = msg.Address
		if s.neg != nil {
			s.neg.UpdateRemoteAddress(msg.From, msg.Address)
		}
	}
}

func (s *CallService) onReject(msg domain.SignalingMessage) {
	if msg.From != s.intent.RemoteUserID {
		return
	}
	if s.state != domain.CallRingingOutgoing && s.state != domain.CallActive {
		return
	}

	diag := "Call declined"
	if msg.Reason == "busy" {
		diag = "User is busy"
	}
	s.finish(context.Background(), domain.OutcomeDeclined, diag)
}

func (s *CallService) onEnd(msg domain.SignalingMessage) {
	s.noteEnd(msg)
	if msg.From != s.intent.RemoteUserID {
		return
	}

	switch s.state {
	case domain.CallRingingIncoming:
		s.finish(context.Background(), domain.OutcomeMissed, "")
	case domain.CallRingingOutgoing:
		s.finish(context.Background(), domain.OutcomeDeclined, "Call declined")
	case domain.CallActive:
		s.finish(context.Background(), s.hangupOutcome(), "")
	}
}

// noteEnd remembers the relay delivery time of the latest callEnd per caller.
// Entries older than an incoming ring are forgotten.
func (s *CallService) noteEnd(msg domain.SignalingMessage) {
	at := msg.DeliveredAt
	if at.IsZero() {
		return
	}
	for caller, t := range s.endedAt {
		if at.Sub(t) > s.cfg.IncomingTTL {
			delete(s.endedAt, caller)
		}
	}
	if at.After(s.endedAt[msg.From]) {
		s.endedAt[msg.From] = at
	}
}

// staleOffer reports an offer the relay delivered before a callEnd from the
// same caller that was processed first.
func (s *CallService) staleOffer(msg domain.SignalingMessage) bool {
	ended, ok := s.endedAt[msg.From]
	return ok && !msg.DeliveredAt.IsZero() && !msg.DeliveredAt.After(ended)
}

// onStoreEvent follows writes made by other instances of the same user.
func (s *CallService) onStoreEvent(ev port.StoreEvent) {
	if s.state != domain.CallRingingIncoming {
		return
	}
	answeredElsewhere := ev.Kind == domain.IntentCurrent && ev.Intent != nil &&
		ev.Intent.RemoteUserID == s.intent.RemoteUserID
	dismissedElsewhere := ev.Kind == domain.IntentIncoming && ev.Intent == nil
	if !answeredElsewhere && !dismissedElsewhere {
		return
	}

	s.log.Info().Str("caller", s.intent.RemoteUserID.String()).Msg("Incoming call handled elsewhere")
	s.stopTimer()
	s.gen++
	s.reset()
	s.publish()
}

func (s *CallService) ringTimeout() {
	if s.state != domain.CallRingingOutgoing {
		return
	}
	s.log.Info().Str("remote_user", s.intent.RemoteUserID.String()).Msg("Outgoing call unanswered")
	s.deps.Signaling.Send(domain.NewCallEnd(s.cfg.Local, s.intent.RemoteUserID))
	s.finish(context.Background(), domain.OutcomeCancelled, "No answer")
}

func (s *CallService) incomingExpired() {
	if s.state != domain.CallRingingIncoming {
		return
	}
	s.log.Info().Str("caller", s.intent.RemoteUserID.String()).Msg("Incoming call expired")
	s.deps.Signaling.Send(domain.NewCallReject(s.cfg.Local, s.intent.RemoteUserID, "no answer"))
	s.finish(context.Background(), domain.OutcomeMissed, "")
}

func (s *CallService) hangupOutcome() domain.Outcome {
	if s.connectedAt.IsZero() {
		return domain.OutcomeCancelled
	}
	return domain.OutcomeCompleted
}

// finish moves through ended back to idle. It runs at most once per call.
// Store and history writes outlive the request that triggered them.
func (s *CallService) finish(ctx context.Context, outcome domain.Outcome, diagnostic string) {
	if s.state == domain.CallIdle || s.state == domain.CallEnded {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.stopTimer()
	if s.neg != nil {
		s.neg.Close()
		s.neg = nil
	}
	s.hasLocal, s.hasRemote = false, false
	for _, k := range []domain.IntentKind{domain.IntentIncoming, domain.IntentOutgoing, domain.IntentCurrent} {
		s.deps.Store.Clear(ctx, k)
	}
	s.record(ctx, outcome, diagnostic)

	s.log.Info().
		Str("remote_user", s.intent.RemoteUserID.String()).
		Str("outcome", string(outcome)).
		Str("diagnostic", diagnostic).
		Msg("Call ended")
	s.diagnostic = diagnostic
	s.setState(domain.CallEnded)
	s.publish()

	s.reset()
	s.diagnostic = diagnostic
	s.publish()
}

func (s *CallService) record(ctx context.Context, outcome domain.Outcome, diagnostic string) {
	if s.deps.History == nil {
		return
	}
	rec := domain.CallRecord{
		ID:           domain.NewRecordID(),
		LocalUserID:  s.cfg.Local,
		RemoteUserID: s.intent.RemoteUserID,
		Kind:         s.intent.Kind,
		Role:         s.intent.Role,
		Outcome:      outcome,
		Attempts:     s.session.AttemptCount,
		Tier:         s.session.Tier,
		Diagnostic:   diagnostic,
		StartedAt:    s.startedAt,
		ConnectedAt:  s.connectedAt,
		EndedAt:      s.clock.Now(),
	}
	if err := s.deps.History.Save(ctx, rec); err != nil {
		s.log.Warn().Err(err).Msg("Saving call record")
	}
}

func (s *CallService) reset() {
	s.state = domain.CallIdle
	s.intent = domain.CallIntent{}
	s.session = domain.TransportSession{}
	s.hasLocal, s.hasRemote = false, false
	s.muted, s.videoOff = false, false
	s.acceptSent = false
	s.diagnostic = ""
	s.startedAt, s.connectedAt = time.Time{}, time.Time{}
}

func (s *CallService) setState(st domain.CallState) {
	s.state = st
	s.gen++
}

func (s *CallService) armTimer(d time.Duration, fn func()) {
	s.stopTimer()
	if d < 0 {
		d = 0
	}
	gen := s.gen
	s.timer = s.clock.AfterFunc(d, func() {
		s.loop.post(func() {
			if s.gen == gen {
				fn()
			}
		})
	})
}

func (s *CallService) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *CallService) view() domain.CallView {
	v := domain.CallView{
		State:           s.state,
		Kind:            s.intent.Kind,
		Role:            s.intent.Role,
		RemoteUserID:    s.intent.RemoteUserID,
		Diagnostic:      s.diagnostic,
		Muted:           s.muted,
		VideoOff:        s.videoOff,
		HasLocalStream:  s.hasLocal,
		HasRemoteStream: s.hasRemote,
	}
	if s.state == domain.CallActive {
		v.ConnectionState = s.session.ConnectionState
		if v.ConnectionState == domain.ConnectionNone {
			v.ConnectionState = domain.ConnectionConnecting
		}
		v.Phase = s.session.Phase
		v.Attempt = s.session.AttemptCount
		v.Tier = s.session.Tier
		v.TierName = s.session.TierName
		if s.session.Kind != "" {
			v.Kind = s.session.Kind
		}
	}
	return v
}

func (s *CallService) publish() {
	v := s.view()
	for _, ch := range s.subs {
		select {
		case ch <- v:
		default:
			s.log.Debug().Msg("Subscriber buffer full, dropping view")
		}
	}
}
