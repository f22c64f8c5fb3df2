package pion

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// LocalStream is captured media that can be bound to peer connections.
// Disabling a kind detaches its tracks from every bound sender.
type LocalStream struct {
	id     string
	tracks []webrtc.TrackLocal
	closer func() error

	mu       sync.Mutex
	bindings []binding
	audioOn  bool
	videoOn  bool
	closed   bool
}

type binding struct {
	pc     *webrtc.PeerConnection
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

func NewLocalStream(tracks []webrtc.TrackLocal, closer func() error) *LocalStream {
	return &LocalStream{
		id:      uuid.New().String(),
		tracks:  tracks,
		closer:  closer,
		audioOn: true,
		videoOn: true,
	}
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) HasVideo() bool {
	for _, t := range s.tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			return true
		}
	}
	return false
}

func (s *LocalStream) SetAudioEnabled(enabled bool) {
	s.setEnabled(webrtc.RTPCodecTypeAudio, enabled)
}

func (s *LocalStream) SetVideoEnabled(enabled bool) {
	s.setEnabled(webrtc.RTPCodecTypeVideo, enabled)
}

func (s *LocalStream) enabled(kind webrtc.RTPCodecType) bool {
	if kind == webrtc.RTPCodecTypeVideo {
		return s.videoOn
	}
	return s.audioOn
}

func (s *LocalStream) setEnabled(kind webrtc.RTPCodecType, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == webrtc.RTPCodecTypeVideo {
		s.videoOn = enabled
	} else {
		s.audioOn = enabled
	}
	for _, b := range s.bindings {
		if b.track.Kind() != kind {
			continue
		}
		var next webrtc.TrackLocal
		if enabled {
			next = b.track
		}
		if err := b.sender.ReplaceTrack(next); err != nil {
			log.Debug().Err(err).Str("kind", kind.String()).Msg("Replacing track failed")
		}
	}
}

// bind adds every track to pc, applying the current mute state.
func (s *LocalStream) bind(pc *webrtc.PeerConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.bindings[:0]
	for _, b := range s.bindings {
		if b.pc.ConnectionState() != webrtc.PeerConnectionStateClosed {
			live = append(live, b)
		}
	}
	s.bindings = live

	for _, t := range s.tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			return err
		}
		if !s.enabled(t.Kind()) {
			if err := sender.ReplaceTrack(nil); err != nil {
				return err
			}
		}
		s.bindings = append(s.bindings, binding{pc: pc, sender: sender, track: t})
		go drainRTCP(sender)
	}
	return nil
}

func (s *LocalStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.bindings = nil
	s.mu.Unlock()

	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// drainRTCP reads incoming RTCP so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// RemoteStream is the media received from the peer.
type RemoteStream struct {
	id      string
	video   atomic.Bool
	packets atomic.Uint64
	bytes   atomic.Uint64
	lastSeq atomic.Uint32
}

func newRemoteStream(id string) *RemoteStream {
	return &RemoteStream{id: id}
}

func (r *RemoteStream) ID() string           { return r.id }
func (r *RemoteStream) HasVideo() bool       { return r.video.Load() }
func (r *RemoteStream) SetAudioEnabled(bool) {}
func (r *RemoteStream) SetVideoEnabled(bool) {}
func (r *RemoteStream) Close() error         { return nil }

// Stats returns the received packet and payload byte counts.
func (r *RemoteStream) Stats() (packets, bytes uint64) {
	return r.packets.Load(), r.bytes.Load()
}

func (r *RemoteStream) record(pkt *rtp.Packet) {
	r.packets.Add(1)
	r.bytes.Add(uint64(len(pkt.Payload)))
	r.lastSeq.Store(uint32(pkt.SequenceNumber))
}

func (r *RemoteStream) consume(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		r.record(pkt)
	}
}

func closeAll(closers ...func() error) error {
	var err error
	for _, c := range closers {
		if c != nil {
			err = multierr.Append(err, c())
		}
	}
	return err
}
