package pion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	gatherTimeout = 5 * time.Second
	pliInterval   = 3 * time.Second
)

type Option func(*Transport)

// WithSettingEngine replaces the default ICE settings.
func WithSettingEngine(se webrtc.SettingEngine) Option {
	return func(t *Transport) { t.settings = &se }
}

// Transport opens WebRTC endpoints. Offers and answers travel as complete
// SDPs in directCallSignal messages over the signaling channel.
type Transport struct {
	api      *webrtc.API
	sig      port.SignalingChannel
	settings *webrtc.SettingEngine
}

func NewTransport(sig port.SignalingChannel, codecs CodecRegistrar, opts ...Option) (*Transport, error) {
	t := &Transport{sig: sig}
	for _, opt := range opts {
		opt(t)
	}
	api, err := newWebRTCAPI(codecs, t.settings)
	if err != nil {
		return nil, fmt.Errorf("build webrtc api: %w", err)
	}
	t.api = api
	return t, nil
}

func (t *Transport) Open(ctx context.Context, local domain.UserID, tier domain.TransportTier, handler port.TransportHandler) (port.TransportEndpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := &Endpoint{
		api:     t.api,
		sig:     t.sig,
		local:   local,
		addr:    domain.NewTransportAddress(),
		config:  configuration(tier),
		handler: handler,
		pending: make(map[domain.UserID]inboundOffer),
	}
	e.log = log.With().
		Str("component", "transport").
		Str("local_user", local.String()).
		Str("address", e.addr.String()).
		Str("tier", tier.Name).
		Logger()
	e.unsubscribe = t.sig.Subscribe(domain.MessageDirectCallSignal, e.onSignal)
	e.log.Debug().Bool("relay_only", tier.RelayOnly).Int("ice_servers", len(tier.ICEServers)).Msg("Endpoint opened")
	return e, nil
}

type inboundOffer struct {
	remote domain.UserID
	addr   domain.TransportAddress
	sdp    string
}

// peer is one peer connection of an endpoint. A re-dial replaces it.
type peer struct {
	pc         *webrtc.PeerConnection
	remote     domain.UserID
	remoteAddr domain.TransportAddress
	stream     *RemoteStream
	done       chan struct{}
	once       sync.Once
}

func (p *peer) close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		err = p.pc.Close()
	})
	return err
}

type Endpoint struct {
	api     *webrtc.API
	sig     port.SignalingChannel
	local   domain.UserID
	addr    domain.TransportAddress
	config  webrtc.Configuration
	handler port.TransportHandler
	log     zerolog.Logger

	unsubscribe func()

	mu      sync.Mutex
	current *peer
	pending map[domain.UserID]inboundOffer
	closed  bool
}

func (e *Endpoint) Address() domain.TransportAddress {
	return e.addr
}

// Call offers to the endpoint at addr. It returns once the offer is sent;
// the answer is applied when it arrives.
func (e *Endpoint) Call(ctx context.Context, remote domain.UserID, addr domain.TransportAddress, stream port.MediaStream) error {
	if e.sig.State() != domain.ChannelUp {
		return domain.ErrSignalingUnavailable
	}
	p, err := e.newPeer(remote, addr, stream)
	if err != nil {
		return err
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	sdp, err := e.describe(ctx, p.pc, offer)
	if err != nil {
		return err
	}

	e.log.Debug().Str("remote_user", remote.String()).Str("remote_address", addr.String()).Msg("Sending offer")
	e.sig.Send(domain.NewDirectCallSignal(e.local, remote, e.addr, addr, domain.SignalOffer, sdp))
	return nil
}

// Answer accepts the latest offer from remote announced by TransportInboundCall.
func (e *Endpoint) Answer(ctx context.Context, remote domain.UserID, stream port.MediaStream) error {
	e.mu.Lock()
	offer, ok := e.pending[remote]
	delete(e.pending, remote)
	e.mu.Unlock()
	if !ok {
		return domain.ErrNoPendingCall
	}

	p, err := e.newPeer(offer.remote, offer.addr, stream)
	if err != nil {
		return err
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.sdp}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	sdp, err := e.describe(ctx, p.pc, answer)
	if err != nil {
		return err
	}

	e.log.Debug().Str("remote_user", offer.remote.String()).Str("remote_address", offer.addr.String()).Msg("Sending answer")
	e.sig.Send(domain.NewDirectCallSignal(e.local, offer.remote, e.addr, offer.addr, domain.SignalAnswer, sdp))
	return nil
}

// describe sets the local description and waits for candidate gathering so
// the SDP is complete.
func (e *Endpoint) describe(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (string, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	timer := time.NewTimer(gatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		e.log.Warn().Msg("Candidate gathering incomplete, sending partial description")
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return pc.LocalDescription().SDP, nil
}

func (e *Endpoint) newPeer(remote domain.UserID, addr domain.TransportAddress, stream port.MediaStream) (*peer, error) {
	pc, err := e.api.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p := &peer{pc: pc, remote: remote, remoteAddr: addr, done: make(chan struct{})}

	if ls, ok := stream.(*LocalStream); ok && len(ls.tracks) > 0 {
		if err := ls.bind(pc); err != nil {
			return nil, closeAll(func() error { return err }, pc.Close)
		}
	} else {
		addRecvOnlyTransceivers(pc)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.onTrack(p, track)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.onConnectionState(p, s)
	})

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		pc.Close()
		return nil, domain.ErrEndpointClosed
	}
	old := e.current
	e.current = p
	e.mu.Unlock()

	if old != nil {
		if err := old.close(); err != nil {
			e.log.Debug().Err(err).Msg("Closing replaced peer connection")
		}
	}
	return p, nil
}

func (e *Endpoint) owns(p *peer) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current == p && !e.closed
}

func (e *Endpoint) onTrack(p *peer, track *webrtc.TrackRemote) {
	e.mu.Lock()
	if e.current != p || e.closed {
		e.mu.Unlock()
		return
	}
	first := p.stream == nil
	if first {
		p.stream = newRemoteStream(track.StreamID())
	}
	rs := p.stream
	e.mu.Unlock()

	e.log.Debug().Str("kind", track.Kind().String()).Str("codec", track.Codec().MimeType).Msg("Received remote track")
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		rs.video.Store(true)
		go requestKeyframes(p, track)
	}
	go rs.consume(track)

	if first {
		e.emit(port.TransportEvent{
			Type:          port.TransportStreamReceived,
			Remote:        p.remote,
			RemoteAddress: p.remoteAddr,
			Stream:        rs,
		})
	}
}

// requestKeyframes sends a PLI right away and then periodically until the
// peer connection goes away.
func requestKeyframes(p *peer, track *webrtc.TrackRemote) {
	send := func() {
		if err := p.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		}); err != nil {
			log.Debug().Err(err).Msg("PLI not sent")
		}
	}
	send()

	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			send()
		}
	}
}

func (e *Endpoint) onConnectionState(p *peer, s webrtc.PeerConnectionState) {
	if !e.owns(p) {
		return
	}
	e.log.Debug().Str("state", s.String()).Msg("Peer connection state changed")

	ev := port.TransportEvent{Remote: p.remote, RemoteAddress: p.remoteAddr}
	switch s {
	case webrtc.PeerConnectionStateDisconnected:
		ev.Type = port.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		ev.Type = port.TransportErrored
		ev.Err = fmt.Errorf("%w: ice failed", domain.ErrTransportClosed)
	case webrtc.PeerConnectionStateClosed:
		ev.Type = port.TransportClosed
	default:
		return
	}
	e.emit(ev)
}

func (e *Endpoint) onSignal(msg domain.SignalingMessage) {
	if msg.TargetAddress != e.addr {
		return
	}
	l := e.log.With().Str("remote_user", msg.From.String()).Str("signal", string(msg.Signal)).Logger()

	switch msg.Signal {
	case domain.SignalOffer:
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		e.pending[msg.From] = inboundOffer{remote: msg.From, addr: msg.Address, sdp: msg.SDP}
		e.mu.Unlock()
		l.Debug().Msg("Inbound offer")
		e.emit(port.TransportEvent{Type: port.TransportInboundCall, Remote: msg.From, RemoteAddress: msg.Address})

	case domain.SignalAnswer:
		e.mu.Lock()
		p := e.current
		e.mu.Unlock()
		if p == nil || p.remoteAddr != msg.Address {
			l.Debug().Msg("Answer for an unknown offer, ignoring")
			return
		}
		if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}); err != nil {
			l.Warn().Err(err).Msg("Failed to apply answer")
			if e.owns(p) {
				e.emit(port.TransportEvent{Type: port.TransportErrored, Remote: msg.From, RemoteAddress: msg.Address, Err: err})
			}
		}
	}
}

func (e *Endpoint) emit(ev port.TransportEvent) {
	if e.handler != nil {
		e.handler(ev)
	}
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	p := e.current
	e.current = nil
	clear(e.pending)
	e.mu.Unlock()

	var closePeer func() error
	if p != nil {
		closePeer = p.close
	}
	return closeAll(func() error {
		e.unsubscribe()
		return nil
	}, closePeer)
}
