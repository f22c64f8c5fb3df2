package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// StoreEvent reports a write made by another observer. Intent is nil for a clear.
type StoreEvent struct {
	Kind   domain.IntentKind
	Intent *domain.CallIntent
}

type SessionStore interface {
	Save(ctx context.Context, kind domain.IntentKind, intent domain.CallIntent) (domain.CallIntent, error)
	Read(ctx context.Context, kind domain.IntentKind) (domain.CallIntent, bool)
	Clear(ctx context.Context, kind domain.IntentKind)
	ReadMostRecent(ctx context.Context) (domain.IntentKind, domain.CallIntent, bool)
	Watch(fn func(StoreEvent)) (cancel func())
}

type Alerter interface {
	Ring(caller domain.UserID)
	Silence()
}
