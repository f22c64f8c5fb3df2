package domain

import "time"

type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

func (k CallKind) Valid() bool {
	return k == CallAudio || k == CallVideo
}

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// IntentKind names a Session Store slot.
type IntentKind string

const (
	IntentOutgoing IntentKind = "outgoing"
	IntentIncoming IntentKind = "incoming"
	IntentCurrent  IntentKind = "current"
)

// CallIntent is the declared desire to be in a call with RemoteUserID.
type CallIntent struct {
	LocalUserID   UserID           `json:"localUserId"`
	RemoteUserID  UserID           `json:"remoteUserId"`
	Kind          CallKind         `json:"callKind"`
	Role          Role             `json:"role"`
	RemoteAddress TransportAddress `json:"remoteTransportAddress,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	ExpiresAt     time.Time        `json:"expiresAt"`
}

func NewCallIntent(local, remote UserID, kind CallKind, role Role, now time.Time) CallIntent {
	return CallIntent{
		LocalUserID:  local,
		RemoteUserID: remote,
		Kind:         kind,
		Role:         role,
		CreatedAt:    now,
	}
}

// Expired reports whether the intent is past its expiry. A zero ExpiresAt never expires.
func (i CallIntent) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// Valid reports whether the record carries the fields every intent needs.
func (i CallIntent) Valid() bool {
	return i.LocalUserID != "" && i.RemoteUserID != "" && i.Kind.Valid() &&
		(i.Role == RoleInitiator || i.Role == RoleResponder)
}

// CallState is the user-facing state of the Controller.
type CallState string

const (
	CallIdle            CallState = "idle"
	CallRingingOutgoing CallState = "ringing-outgoing"
	CallRingingIncoming CallState = "ringing-incoming"
	CallActive          CallState = "active"
	CallEnded           CallState = "ended"
)

type ConnectionState string

const (
	ConnectionNone         ConnectionState = ""
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
)

// Phase is the per-attempt state of the Negotiator.
type Phase string

const (
	PhaseIdle                   Phase = "idle"
	PhaseAcquiringMedia         Phase = "acquiring-media"
	PhaseOpeningLocalEndpoint   Phase = "opening-local-endpoint"
	PhaseAwaitingRemoteEndpoint Phase = "awaiting-remote-endpoint"
	PhaseExchangingOffer        Phase = "exchanging-offer"
	PhaseConnecting             Phase = "connecting"
	PhaseConnected              Phase = "connected"
	PhaseFailed                 Phase = "failed"
)

// TransportSession is one attempt to establish a media path.
type TransportSession struct {
	LocalAddress    TransportAddress `json:"localTransportAddress,omitempty"`
	Tier            int              `json:"configurationTier"`
	TierName        string           `json:"tierName"`
	AttemptCount    int              `json:"attemptCount"`
	ConnectionState ConnectionState  `json:"connectionState"`
	Phase           Phase            `json:"phase"`
	Kind            CallKind         `json:"callKind"`
}

// QualityHints shape the local media request for video calls.
type QualityHints struct {
	Width            int  `json:"width"`
	Height           int  `json:"height"`
	FrameRate        int  `json:"frameRate"`
	EchoCancellation bool `json:"echoCancellation"`
}

func DefaultQualityHints() QualityHints {
	return QualityHints{Width: 640, Height: 480, FrameRate: 30, EchoCancellation: true}
}

type DeviceKind string

const (
	DeviceAudioInput  DeviceKind = "audioinput"
	DeviceAudioOutput DeviceKind = "audiooutput"
	DeviceVideoInput  DeviceKind = "videoinput"
)

type Device struct {
	ID    string     `json:"id"`
	Label string     `json:"label"`
	Kind  DeviceKind `json:"kind"`
}

// CallView is what the presentation layer renders.
type CallView struct {
	State           CallState       `json:"state"`
	ConnectionState ConnectionState `json:"connectionState,omitempty"`
	Phase           Phase           `json:"phase,omitempty"`
	Kind            CallKind        `json:"callKind,omitempty"`
	Role            Role            `json:"role,omitempty"`
	RemoteUserID    UserID          `json:"remoteUserId,omitempty"`
	Attempt         int             `json:"attempt,omitempty"`
	Tier            int             `json:"tier"`
	TierName        string          `json:"tierName,omitempty"`
	Diagnostic      string          `json:"diagnostic,omitempty"`
	Muted           bool            `json:"muted"`
	VideoOff        bool            `json:"videoOff"`
	HasLocalStream  bool            `json:"hasLocalStream"`
	HasRemoteStream bool            `json:"hasRemoteStream"`
}
