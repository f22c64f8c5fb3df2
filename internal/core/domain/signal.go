package domain

import "time"

type MessageType string

const (
	MessageIdentityAnnounce MessageType = "identityAnnounce"
	MessageCallOffer        MessageType = "callOffer"
	MessageCallAccept       MessageType = "callAccept"
	MessageCallReject       MessageType = "callReject"
	MessageCallEnd          MessageType = "callEnd"
	MessageForceReconnect   MessageType = "forceReconnect"
	MessageDirectCallSignal MessageType = "directCallSignal"
	MessagePeerReconnect    MessageType = "peerReconnect"
	// MessageUndeliverable is generated by the relay only.
	MessageUndeliverable MessageType = "undeliverable"
)

// SignalType tags the SDP carried by a directCallSignal.
type SignalType string

const (
	SignalOffer  SignalType = "offer"
	SignalAnswer SignalType = "answer"
)

// SignalingMessage is a relay-carried event. The relay guarantees neither
// ordering nor delivery, so every handler must tolerate duplicates.
type SignalingMessage struct {
	Type MessageType `json:"type"`
	From UserID      `json:"from"`
	To   UserID      `json:"to,omitempty"`

	Kind          CallKind         `json:"callKind,omitempty"`
	Address       TransportAddress `json:"transportAddress,omitempty"`
	TargetAddress TransportAddress `json:"targetTransportAddress,omitempty"`
	Reason        string           `json:"reason,omitempty"`

	// directCallSignal payload
	Signal SignalType `json:"signal,omitempty"`
	SDP    string     `json:"sdp,omitempty"`

	DeliveredAt time.Time `json:"deliveredAt,omitempty"`
}

func NewIdentityAnnounce(from, to UserID, addr TransportAddress) SignalingMessage {
	return SignalingMessage{Type: MessageIdentityAnnounce, From: from, To: to, Address: addr}
}

func NewCallOffer(caller, callee UserID, kind CallKind, addr TransportAddress) SignalingMessage {
	return SignalingMessage{Type: MessageCallOffer, From: caller, To: callee, Kind: kind, Address: addr}
}

func NewCallAccept(accepter, caller UserID, addr TransportAddress) SignalingMessage {
	return SignalingMessage{Type: MessageCallAccept, From: accepter, To: caller, Address: addr}
}

func NewCallReject(from, to UserID, reason string) SignalingMessage {
	return SignalingMessage{Type: MessageCallReject, From: from, To: to, Reason: reason}
}

func NewCallEnd(from, to UserID) SignalingMessage {
	return SignalingMessage{Type: MessageCallEnd, From: from, To: to}
}

func NewForceReconnect(from, to UserID, target TransportAddress) SignalingMessage {
	return SignalingMessage{Type: MessageForceReconnect, From: from, To: to, TargetAddress: target}
}

func NewPeerReconnect(from, to UserID, addr TransportAddress) SignalingMessage {
	return SignalingMessage{Type: MessagePeerReconnect, From: from, To: to, Address: addr}
}

// NewUndeliverable tells sender that a message of type original could not
// reach recipient because no connection of recipient is online.
func NewUndeliverable(recipient, sender UserID, original MessageType) SignalingMessage {
	return SignalingMessage{Type: MessageUndeliverable, From: recipient, To: sender, Reason: string(original)}
}

// NewDirectCallSignal carries an SDP between two transport endpoints.
func NewDirectCallSignal(from, to UserID, fromAddr, toAddr TransportAddress, t SignalType, sdp string) SignalingMessage {
	return SignalingMessage{
		Type:          MessageDirectCallSignal,
		From:          from,
		To:            to,
		Address:       fromAddr,
		TargetAddress: toAddr,
		Signal:        t,
		SDP:           sdp,
	}
}

type ChannelState string

const (
	ChannelUp   ChannelState = "up"
	ChannelDown ChannelState = "down"
)
