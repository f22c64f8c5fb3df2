package domain

// ICEServer is a STUN or TURN assist server.
type ICEServer struct {
	URLs       []string `json:"urls" mapstructure:"urls"`
	Username   string   `json:"username,omitempty" mapstructure:"username"`
	Credential string   `json:"credential,omitempty" mapstructure:"credential"`
}

// TransportTier is one level of the escalation ladder.
type TransportTier struct {
	Name       string      `json:"name" mapstructure:"name"`
	ICEServers []ICEServer `json:"iceServers" mapstructure:"ice_servers"`
	// RelayOnly restricts candidates to TURN relays.
	RelayOnly bool `json:"relayOnly" mapstructure:"relay_only"`
}
