package domain

import "time"

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeMissed    Outcome = "missed"
	OutcomeRejected  Outcome = "rejected" // we turned the call down
	OutcomeDeclined  Outcome = "declined" // the remote turned it down
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

type CallRecord struct {
	ID           RecordID  `json:"id"`
	LocalUserID  UserID    `json:"localUserId"`
	RemoteUserID UserID    `json:"remoteUserId"`
	Kind         CallKind  `json:"callKind"`
	Role         Role      `json:"role"`
	Outcome      Outcome   `json:"outcome"`
	Attempts     int       `json:"attempts"`
	Tier         int       `json:"tier"`
	Diagnostic   string    `json:"diagnostic,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	ConnectedAt  time.Time `json:"connectedAt,omitempty"`
	EndedAt      time.Time `json:"endedAt"`
}

func (r CallRecord) Duration() time.Duration {
	if r.ConnectedAt.IsZero() || r.EndedAt.Before(r.ConnectedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.ConnectedAt)
}
