package service

import "github.com/Wyydra/yacall/internal/core/domain"

const (
	openRelayUser       = "openrelayproject"
	openRelayCredential = "openrelayproject"
)

// DefaultTiers is the escalation ladder, ordered from the most direct
// configuration to the most permissive one.
func DefaultTiers() []domain.TransportTier {
	googleSTUN := domain.ICEServer{URLs: []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	}}
	altSTUN := domain.ICEServer{URLs: []string{
		"stun:stun.cloudflare.com:3478",
		"stun:global.stun.twilio.com:3478",
	}}
	turnUDP := domain.ICEServer{
		URLs:       []string{"turn:openrelay.metered.ca:80"},
		Username:   openRelayUser,
		Credential: openRelayCredential,
	}
	turnTCP := domain.ICEServer{
		URLs: []string{
			"turn:openrelay.metered.ca:443?transport=tcp",
			"turns:openrelay.metered.ca:443",
		},
		Username:   openRelayUser,
		Credential: openRelayCredential,
	}

	return []domain.TransportTier{
		{Name: "curated", ICEServers: []domain.ICEServer{googleSTUN, turnUDP}},
		{Name: "alt-assist", ICEServers: []domain.ICEServer{altSTUN, turnTCP}},
		{Name: "relay-only", ICEServers: []domain.ICEServer{turnUDP, turnTCP}, RelayOnly: true},
		{Name: "broad", ICEServers: []domain.ICEServer{googleSTUN, altSTUN, turnUDP, turnTCP}},
	}
}

// TierAt wraps n onto the ladder.
func TierAt(tiers []domain.TransportTier, n int) domain.TransportTier {
	if len(tiers) == 0 {
		return domain.TransportTier{}
	}
	if n < 0 {
		n = 0
	}
	return tiers[n%len(tiers)]
}
