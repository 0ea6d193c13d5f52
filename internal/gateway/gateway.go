// Package gateway defines the chat-platform contract the dispatch core
// depends on. Concrete adapters live in subpackages.
package gateway

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotReady is returned while the platform connection is down.
	ErrNotReady = errors.New("gateway not ready")

	// ErrUnknownCommunity is returned when the bot does not belong to the
	// requested community.
	ErrUnknownCommunity = errors.New("unknown community")

	// ErrRecipientUnavailable wraps delivery failures that will never
	// succeed for this recipient (blocked the bot, deactivated account,
	// never opened a private chat). The queue treats these as final
	// instead of retrying.
	ErrRecipientUnavailable = errors.New("recipient unavailable")
)

// Member is a community member as seen by the platform.
type Member struct {
	ID          int64
	Username    string
	DisplayName string
	Roles       []string
	JoinedAt    time.Time
	IsBot       bool
}

// Gateway is the platform surface the dispatcher needs: membership
// resolution for targeting and direct-message delivery.
type Gateway interface {
	// Ready reports whether the platform session is connected.
	Ready() bool

	// ListMembers returns the known members of a community.
	ListMembers(ctx context.Context, communityID int64) ([]Member, error)

	// SendDM delivers text to the user's private chat. Returns
	// ErrNotReady when disconnected and an error wrapping
	// ErrRecipientUnavailable when the recipient can never be reached.
	SendDM(ctx context.Context, userID int64, text string) error
}
