package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type SignalingChannel interface {
	Connect(ctx context.Context, local domain.UserID) error
	// Send is fire-and-forget; failures are logged by the channel.
	Send(msg domain.SignalingMessage)
	Subscribe(t domain.MessageType, handler func(domain.SignalingMessage)) (unsubscribe func())
	OnStateChange(fn func(domain.ChannelState)) (unsubscribe func())
	State() domain.ChannelState
	Close() error
}
