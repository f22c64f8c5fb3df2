package pion

import (
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	iceDisconnectedTimeout = 30 * time.Second
	iceFailedTimeout       = 60 * time.Second
	iceKeepalive           = 2 * time.Second
)

// CodecRegistrar fills the media engine with the codecs local capture can
// produce. A nil registrar registers pion's defaults.
type CodecRegistrar interface {
	RegisterCodecs(m *webrtc.MediaEngine) error
}

func newWebRTCAPI(codecs CodecRegistrar, se *webrtc.SettingEngine) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if codecs != nil {
		if err := codecs.RegisterCodecs(m); err != nil {
			return nil, err
		}
	} else if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	if se == nil {
		se = &webrtc.SettingEngine{}
		se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepalive)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(*se),
	), nil
}

// configuration maps a tier onto a peer connection configuration.
func configuration(tier domain.TransportTier) webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(tier.ICEServers))
	for _, s := range tier.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	cfg := webrtc.Configuration{ICEServers: servers}
	if tier.RelayOnly {
		cfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return cfg
}

// addRecvOnlyTransceivers keeps audio and video m-lines in the SDP when
// there is nothing to send.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Error().Err(err).Str("kind", kind.String()).Msg("Failed to add transceiver")
		}
	}
}
