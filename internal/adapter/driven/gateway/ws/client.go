package ws

import "github.com/Wyydra/yacall/internal/core/domain"

// Client is one relay connection. A user may hold several at once.
type Client interface {
	ID() string
	Send(msg domain.SignalingMessage) error
	Close() error
}
