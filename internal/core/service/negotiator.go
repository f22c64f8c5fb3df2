package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultEscalationTimeout = 10 * time.Second
	DefaultMaxAttempts       = 5
)

type NegotiatorConfig struct {
	Tiers             []domain.TransportTier
	EscalationTimeout time.Duration
	MaxAttempts       int
	Hints             domain.QualityHints
	// NudgeOnExhaustion sends a best-effort forceReconnect to the remote
	// before giving up. Nobody confirms the remote is listening for it.
	NudgeOnExhaustion bool
}

func DefaultNegotiatorConfig() NegotiatorConfig {
	return NegotiatorConfig{
		Tiers:             DefaultTiers(),
		EscalationTimeout: DefaultEscalationTimeout,
		MaxAttempts:       DefaultMaxAttempts,
		Hints:             domain.DefaultQualityHints(),
		NudgeOnExhaustion: true,
	}
}

type NegotiationParams struct {
	Local         domain.UserID
	Remote        domain.UserID
	Role          domain.Role
	Kind          domain.CallKind
	RemoteAddress domain.TransportAddress
}

type NegotiatorEventType string

const (
	EventPhase          NegotiatorEventType = "phase"
	EventAddressOpened  NegotiatorEventType = "address-opened"
	EventKindDowngraded NegotiatorEventType = "kind-downgraded"
	EventConnected      NegotiatorEventType = "connected"
	EventDisconnected   NegotiatorEventType = "disconnected"
	EventFailed         NegotiatorEventType = "failed"
)

type NegotiatorEvent struct {
	Type       NegotiatorEventType
	Session    domain.TransportSession
	HasLocal   bool
	Remote     port.MediaStream
	Class      domain.ErrorClass
	Err        error
	Diagnostic string
}

// Negotiator turns a NegotiationParams into a connected media session,
// walking the tier ladder when attempts time out or fail transiently.
// At most one transport endpoint is open at any time.
type Negotiator struct {
	cfg       NegotiatorConfig
	media     port.MediaDevices
	transport port.PeerTransport
	sig       port.SignalingChannel
	clock     clock.Clock
	log       zerolog.Logger
	listener  func(NegotiatorEvent)
	loop      *eventLoop
	unsubs    []func()

	// owned by loop
	running      bool
	params       NegotiationParams
	session      domain.TransportSession
	token        uint64
	ctx          context.Context
	cancel       context.CancelFunc
	local        port.MediaStream
	remote       port.MediaStream
	endpoint     port.TransportEndpoint
	lastAddress  domain.TransportAddress
	timer        *clock.Timer
	signalingUp  bool
	stalled      error
	peerOffline  bool
	reconnecting bool
	forceDial    bool
	muted        bool
	videoOff     bool
}

func NewNegotiator(
	cfg NegotiatorConfig,
	media port.MediaDevices,
	transport port.PeerTransport,
	sig port.SignalingChannel,
	clk clock.Clock,
	listener func(NegotiatorEvent),
) *Negotiator {
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.EscalationTimeout <= 0 {
		cfg.EscalationTimeout = DefaultEscalationTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Hints == (domain.QualityHints{}) {
		cfg.Hints = domain.DefaultQualityHints()
	}
	if clk == nil {
		clk = clock.New()
	}
	if listener == nil {
		listener = func(NegotiatorEvent) {}
	}

	n := &Negotiator{
		cfg:         cfg,
		media:       media,
		transport:   transport,
		sig:         sig,
		clock:       clk,
		log:         log.With().Str("component", "negotiator").Logger(),
		listener:    listener,
		loop:        newEventLoop(),
		signalingUp: sig.State() == domain.ChannelUp,
		session:     domain.TransportSession{Phase: domain.PhaseIdle},
	}

	for _, t := range []domain.MessageType{
		domain.MessageIdentityAnnounce,
		domain.MessagePeerReconnect,
		domain.MessageForceReconnect,
		domain.MessageUndeliverable,
	} {
		n.unsubs = append(n.unsubs, sig.Subscribe(t, func(msg domain.SignalingMessage) {
			n.loop.post(func() { n.onSignal(msg) })
		}))
	}
	n.unsubs = append(n.unsubs, sig.OnStateChange(func(s domain.ChannelState) {
		n.loop.post(func() { n.onChannelState(s) })
	}))
	return n
}

// Start begins negotiating. It is ignored while a negotiation is running.
func (n *Negotiator) Start(p NegotiationParams) {
	n.loop.post(func() { n.start(p) })
}

// End cancels everything in flight, releases devices and the endpoint, and
// when notify is set tells the remote the call is over.
func (n *Negotiator) End(notify bool) {
	n.loop.post(func() { n.end(notify) })
}

// UpdateRemoteAddress records an address learned outside the negotiator, e.g. from callAccept.
func (n *Negotiator) UpdateRemoteAddress(remote domain.UserID, addr domain.TransportAddress) {
	n.loop.post(func() { n.remoteAddressChanged(remote, addr, false) })
}

// ToggleMute flips the local audio and returns true when muted.
func (n *Negotiator) ToggleMute() bool {
	var muted bool
	n.loop.call(func() {
		n.muted = !n.muted
		if n.local != nil {
			n.local.SetAudioEnabled(!n.muted)
		}
		muted = n.muted
	})
	return muted
}

// ToggleVideo flips the local video and returns true when video is off.
func (n *Negotiator) ToggleVideo() bool {
	var off bool
	n.loop.call(func() {
		n.videoOff = !n.videoOff
		if n.local != nil {
			n.local.SetVideoEnabled(!n.videoOff)
		}
		off = n.videoOff
	})
	return off
}

func (n *Negotiator) Session() domain.TransportSession {
	var s domain.TransportSession
	n.loop.call(func() { s = n.session })
	return s
}

func (n *Negotiator) Running() bool {
	var r bool
	n.loop.call(func() { r = n.running })
	return r
}

func (n *Negotiator) Close() {
	for _, u := range n.unsubs {
		u()
	}
	n.loop.call(func() { n.end(false) })
	n.loop.stop()
}

func (n *Negotiator) start(p NegotiationParams) {
	if n.running {
		n.log.Warn().Str("remote_user", p.Remote.String()).Msg("Negotiation already running, ignoring start")
		return
	}
	n.running = true
	n.params = p
	n.reconnecting = false
	n.forceDial = false
	n.stalled = nil
	n.peerOffline = false
	n.lastAddress = ""
	n.muted, n.videoOff = false, false
	tier := TierAt(n.cfg.Tiers, 0)
	n.session = domain.TransportSession{
		Tier:            0,
		TierName:        tier.Name,
		AttemptCount:    1,
		ConnectionState: domain.ConnectionConnecting,
		Kind:            p.Kind,
	}
	n.log = log.With().
		Str("component", "negotiator").
		Str("local_user", p.Local.String()).
		Str("remote_user", p.Remote.String()).
		Str("role", string(p.Role)).
		Logger()
	n.log.Info().Str("kind", string(p.Kind)).Msg("Starting negotiation")
	n.acquire(p.Kind)
}

// current reports whether a completion carrying token still belongs to the live attempt.
func (n *Negotiator) current(token uint64) bool {
	return n.running && token == n.token
}

// beginAttempt invalidates every outstanding completion and returns the new guard token.
func (n *Negotiator) beginAttempt() uint64 {
	if n.cancel != nil {
		n.cancel()
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.token++
	return n.token
}

func (n *Negotiator) acquire(kind domain.CallKind) {
	n.setPhase(domain.PhaseAcquiringMedia)
	if n.local != nil {
		n.openEndpoint()
		return
	}

	token := n.beginAttempt()
	ctx := n.ctx
	hints := n.cfg.Hints
	go func() {
		stream, err := n.media.Acquire(ctx, kind, hints)
		if !n.loop.post(func() {
			if !n.current(token) {
				if stream != nil {
					_ = stream.Close()
				}
				return
			}
			n.acquired(kind, stream, err)
		}) && stream != nil {
			_ = stream.Close()
		}
	}()
}

func (n *Negotiator) acquired(kind domain.CallKind, stream port.MediaStream, err error) {
	if err != nil {
		class := domain.Classify(err)
		if class == domain.ClassPermissionDenied && kind == domain.CallVideo {
			n.log.Warn().Err(err).Msg("Video permission denied, falling back to audio only")
			n.params.Kind = domain.CallAudio
			n.session.Kind = domain.CallAudio
			n.emit(NegotiatorEvent{Type: EventKindDowngraded})
			n.acquire(domain.CallAudio)
			return
		}
		if class != domain.ClassPermissionDenied {
			class = domain.ClassDeviceUnavailable
		}
		n.fail(class, fmt.Errorf("acquire media: %w", err))
		return
	}

	n.local = stream
	n.local.SetAudioEnabled(!n.muted)
	n.local.SetVideoEnabled(!n.videoOff)
	n.openEndpoint()
}

func (n *Negotiator) openEndpoint() {
	token := n.beginAttempt()
	ctx := n.ctx
	tier := TierAt(n.cfg.Tiers, n.session.Tier)
	local := n.params.Local
	n.session.LocalAddress = ""
	n.setPhase(domain.PhaseOpeningLocalEndpoint)

	handler := func(ev port.TransportEvent) {
		n.loop.post(func() {
			if n.current(token) {
				n.onTransportEvent(ev)
			}
		})
	}

	n.log.Debug().Int("attempt", n.session.AttemptCount).Str("tier", tier.Name).Msg("Opening local endpoint")
	go func() {
		ep, err := n.transport.Open(ctx, local, tier, handler)
		if !n.loop.post(func() {
			if !n.current(token) {
				if ep != nil {
					_ = ep.Close()
				}
				return
			}
			n.opened(ep, err)
		}) && ep != nil {
			_ = ep.Close()
		}
	}()
}

func (n *Negotiator) opened(ep port.TransportEndpoint, err error) {
	if err != nil {
		n.handleError("open", err)
		return
	}

	n.endpoint = ep
	n.session.LocalAddress = ep.Address()
	n.lastAddress = ep.Address()
	n.armTimer()
	n.setPhase(domain.PhaseAwaitingRemoteEndpoint)

	if n.reconnecting {
		n.reconnecting = false
		n.sig.Send(domain.NewPeerReconnect(n.params.Local, n.params.Remote, ep.Address()))
	} else {
		n.announce()
	}
	n.emit(NegotiatorEvent{Type: EventAddressOpened})

	switch {
	case n.forceDial && n.params.RemoteAddress != "":
		n.forceDial = false
		n.dial(n.params.RemoteAddress)
	case n.params.Role == domain.RoleInitiator && n.params.RemoteAddress != "":
		n.dial(n.params.RemoteAddress)
	}
}

func (n *Negotiator) announce() {
	if n.session.LocalAddress == "" {
		return
	}
	n.sig.Send(domain.NewIdentityAnnounce(n.params.Local, n.params.Remote, n.session.LocalAddress))
}

func (n *Negotiator) dial(addr domain.TransportAddress) {
	token, ctx, ep := n.token, n.ctx, n.endpoint
	remote, stream := n.params.Remote, n.local
	n.setPhase(domain.PhaseExchangingOffer)
	n.log.Debug().Str("remote_address", addr.String()).Msg("Placing transport call")

	go func() {
		err := ep.Call(ctx, remote, addr, stream)
		n.loop.post(func() {
			if !n.current(token) {
				return
			}
			if err != nil {
				n.handleError("call", err)
				return
			}
			if n.session.Phase == domain.PhaseExchangingOffer {
				n.setPhase(domain.PhaseConnecting)
			}
		})
	}()
}

func (n *Negotiator) answer() {
	token, ctx, ep, stream := n.token, n.ctx, n.endpoint, n.local
	remote := n.params.Remote
	n.setPhase(domain.PhaseExchangingOffer)
	n.log.Debug().Msg("Answering inbound transport call")

	go func() {
		err := ep.Answer(ctx, remote, stream)
		n.loop.post(func() {
			if !n.current(token) {
				return
			}
			if err != nil {
				n.handleError("answer", err)
				return
			}
			if n.session.Phase == domain.PhaseExchangingOffer {
				n.setPhase(domain.PhaseConnecting)
			}
		})
	}()
}

func (n *Negotiator) onTransportEvent(ev port.TransportEvent) {
	switch ev.Type {
	case port.TransportInboundCall:
		if ev.Remote != n.params.Remote {
			n.log.Warn().Str("caller", ev.Remote.String()).Msg("Ignoring inbound call from unexpected user")
			return
		}
		if n.session.Phase == domain.PhaseConnected || n.endpoint == nil {
			n.log.Debug().Msg("Ignoring inbound call on settled attempt")
			return
		}
		n.answer()

	case port.TransportStreamReceived:
		n.received(ev.Stream)

	case port.TransportDisconnected, port.TransportClosed, port.TransportErrored:
		if n.session.Phase == domain.PhaseConnected {
			n.reconnect(ev)
			return
		}
		err := ev.Err
		if err == nil {
			err = fmt.Errorf("%w: %s", domain.ErrTransportClosed, ev.Type)
		}
		n.handleError("transport", err)
	}
}

func (n *Negotiator) received(stream port.MediaStream) {
	if n.session.Phase == domain.PhaseConnected {
		return
	}
	n.stopTimer()
	n.remote = stream
	n.session.ConnectionState = domain.ConnectionConnected
	n.session.Phase = domain.PhaseConnected
	n.log.Info().Int("attempt", n.session.AttemptCount).Str("tier", n.session.TierName).Msg("Remote stream received")
	n.emit(NegotiatorEvent{Type: EventConnected, Remote: stream})
}

func (n *Negotiator) armTimer() {
	n.stopTimer()
	if !n.signalingUp {
		n.log.Debug().Msg("Signaling down, escalation paused")
		return
	}
	token := n.token
	n.timer = n.clock.AfterFunc(n.cfg.EscalationTimeout, func() {
		n.loop.post(func() {
			if n.current(token) {
				n.onTimeout()
			}
		})
	})
}

func (n *Negotiator) stopTimer() {
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}

func (n *Negotiator) onTimeout() {
	n.timer = nil
	if n.session.Phase == domain.PhaseConnected || !n.signalingUp {
		return
	}
	n.log.Warn().
		Int("attempt", n.session.AttemptCount).
		Str("tier", n.session.TierName).
		Dur("timeout", n.cfg.EscalationTimeout).
		Msg("No remote stream before timeout")
	n.escalate(domain.ErrTransportTimeout)
}

func (n *Negotiator) handleError(op string, err error) {
	class := domain.Classify(err)
	switch {
	case class == domain.ClassSignalingUnavailable && n.signalingUp:
		n.log.Warn().Err(err).Str("op", op).Int("attempt", n.session.AttemptCount).Msg("Signaling dropped during attempt")
		n.escalate(err)
	case class == domain.ClassSignalingUnavailable:
		n.log.Warn().Err(err).Str("op", op).Msg("Signaling unavailable, waiting for relay")
		n.stopTimer()
		n.stalled = err
	case class.Terminal():
		n.fail(class, domain.NewCallError(class, op, err))
	default:
		n.log.Warn().Err(err).Str("op", op).Int("attempt", n.session.AttemptCount).Msg("Transient transport failure")
		n.escalate(err)
	}
}

// escalate tears down the current endpoint and retries on the next tier.
// A remote the relay reported offline fails the call instead.
func (n *Negotiator) escalate(cause error) {
	if n.peerOffline {
		err := fmt.Errorf("%w: %v", domain.ErrPeerUnreachable, cause)
		n.fail(domain.ClassPeerUnreachable, domain.NewCallError(domain.ClassPeerUnreachable, "escalate", err))
		return
	}
	n.teardownEndpoint()
	if n.session.AttemptCount >= n.cfg.MaxAttempts {
		n.exhausted(cause)
		return
	}
	n.session.AttemptCount++
	n.session.Tier = (n.session.Tier + 1) % len(n.cfg.Tiers)
	n.session.TierName = TierAt(n.cfg.Tiers, n.session.Tier).Name
	n.session.ConnectionState = domain.ConnectionConnecting
	n.log.Info().Int("attempt", n.session.AttemptCount).Str("tier", n.session.TierName).Msg("Escalating to next tier")
	n.openEndpoint()
}

// reconnect retries a lost session on the same tier before any escalation.
func (n *Negotiator) reconnect(ev port.TransportEvent) {
	n.log.Warn().Err(ev.Err).Str("event", string(ev.Type)).Msg("Transport lost mid-session, reconnecting")
	n.session.ConnectionState = domain.ConnectionDisconnected
	n.remote = nil
	n.emit(NegotiatorEvent{Type: EventDisconnected})

	n.teardownEndpoint()
	if n.session.AttemptCount >= n.cfg.MaxAttempts {
		n.exhausted(fmt.Errorf("%w: %s", domain.ErrTransportClosed, ev.Type))
		return
	}
	n.session.AttemptCount++
	n.session.ConnectionState = domain.ConnectionConnecting
	n.reconnecting = true
	n.openEndpoint()
}

func (n *Negotiator) exhausted(cause error) {
	if n.cfg.NudgeOnExhaustion {
		n.bestEffortNudge()
	}
	err := fmt.Errorf("%w after %d attempts: %v", domain.ErrAttemptsExhausted, n.session.AttemptCount, cause)
	n.fail(domain.ClassTransportExhausted, err)
}

// bestEffortNudge asks the remote to re-dial our last address. Delivery and
// whether the remote acts on it are both unconfirmed.
func (n *Negotiator) bestEffortNudge() {
	if n.lastAddress == "" {
		return
	}
	n.log.Debug().Str("target_address", n.lastAddress.String()).Msg("Sending best-effort reconnect nudge")
	n.sig.Send(domain.NewForceReconnect(n.params.Local, n.params.Remote, n.lastAddress))
}

func (n *Negotiator) teardownEndpoint() {
	n.stopTimer()
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	n.token++
	n.stalled = nil
	n.remote = nil
	n.session.LocalAddress = ""
	if n.endpoint != nil {
		if err := n.endpoint.Close(); err != nil {
			n.log.Debug().Err(err).Msg("Closing endpoint")
		}
		n.endpoint = nil
	}
}

func (n *Negotiator) releaseMedia() {
	if n.local == nil {
		return
	}
	if err := n.local.Close(); err != nil {
		n.log.Warn().Err(err).Msg("Releasing local media")
	}
	n.local = nil
}

func (n *Negotiator) fail(class domain.ErrorClass, err error) {
	n.teardownEndpoint()
	n.releaseMedia()
	n.running = false
	n.session.ConnectionState = domain.ConnectionFailed
	n.session.Phase = domain.PhaseFailed
	n.log.Error().Err(err).Str("class", string(class)).Msg("Negotiation failed")
	n.emit(NegotiatorEvent{
		Type:       EventFailed,
		Class:      class,
		Err:        err,
		Diagnostic: domain.Remediation(class),
	})
}

func (n *Negotiator) end(notify bool) {
	wasRunning := n.running
	n.teardownEndpoint()
	n.releaseMedia()
	n.running = false
	n.reconnecting = false
	n.forceDial = false
	n.session.Phase = domain.PhaseIdle
	n.session.ConnectionState = domain.ConnectionNone
	if notify && n.params.Remote != "" {
		n.sig.Send(domain.NewCallEnd(n.params.Local, n.params.Remote))
	}
	if wasRunning {
		n.log.Info().Msg("Negotiation ended")
	}
}

func (n *Negotiator) onSignal(msg domain.SignalingMessage) {
	if !n.running || msg.From != n.params.Remote {
		return
	}
	if msg.To != "" && msg.To != n.params.Local {
		return
	}

	if msg.Type == domain.MessageUndeliverable {
		if !n.peerOffline {
			n.log.Warn().Str("message", msg.Reason).Msg("Remote offline, giving up after this tier")
		}
		n.peerOffline = true
		return
	}
	n.peerOffline = false

	switch msg.Type {
	case domain.MessageIdentityAnnounce:
		n.remoteAddressChanged(msg.From, msg.Address, false)
	case domain.MessagePeerReconnect:
		n.remoteAddressChanged(msg.From, msg.Address, true)
	case domain.MessageForceReconnect:
		n.forceReconnect(msg.TargetAddress)
	}
}

func (n *Negotiator) remoteAddressChanged(remote domain.UserID, addr domain.TransportAddress, peerReconnecting bool) {
	if !n.running || remote != n.params.Remote || addr == "" || addr == n.params.RemoteAddress {
		return
	}
	n.params.RemoteAddress = addr
	n.log.Debug().Str("remote_address", addr.String()).Msg("Remote address updated")

	if n.session.Phase == domain.PhaseConnected {
		if peerReconnecting {
			n.reconnect(port.TransportEvent{Type: port.TransportDisconnected, Err: errors.New("remote reconnecting")})
		}
		return
	}
	if n.params.Role == domain.RoleInitiator && n.endpoint != nil {
		n.dial(addr)
	}
}

func (n *Negotiator) forceReconnect(target domain.TransportAddress) {
	if target == "" || n.session.Phase == domain.PhaseConnected {
		return
	}
	n.log.Info().Str("target_address", target.String()).Msg("Remote asked us to dial")
	n.params.RemoteAddress = target
	if n.endpoint == nil {
		n.forceDial = true
		return
	}
	n.dial(target)
}

func (n *Negotiator) onChannelState(s domain.ChannelState) {
	up := s == domain.ChannelUp
	if up == n.signalingUp {
		return
	}
	n.signalingUp = up
	if !n.running {
		return
	}
	if !up {
		n.log.Warn().Msg("Signaling lost, pausing escalation")
		n.stopTimer()
		return
	}

	n.log.Info().Msg("Signaling restored")
	if n.stalled != nil {
		n.escalate(n.stalled)
		return
	}
	if n.endpoint != nil && n.session.Phase != domain.PhaseConnected {
		n.armTimer()
	}
	n.announce()
}

func (n *Negotiator) setPhase(p domain.Phase) {
	if n.session.Phase == p {
		return
	}
	n.session.Phase = p
	n.emit(NegotiatorEvent{Type: EventPhase})
}

func (n *Negotiator) emit(ev NegotiatorEvent) {
	ev.Session = n.session
	ev.HasLocal = n.local != nil
	n.listener(ev)
}
