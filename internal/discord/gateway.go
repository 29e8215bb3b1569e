// Package discord wraps the Discord gateway behind the narrow interface
// the reconciliation engines consume, so engines never touch the wire
// library directly and tests can substitute fakes.
package discord

import (
	"context"
	"slices"
	"time"
)

// UserSnapshot is an ephemeral view of a guild member, reconstructed from
// gateway state each time it is needed. Never persisted directly.
type UserSnapshot struct {
	ID        uint64
	Username  string
	Nickname  string
	AvatarURL string
	RoleIDs   []uint64
	JoinedAt  time.Time
	Bot       bool
}

// HasRole reports whether the user holds the given role.
func (u UserSnapshot) HasRole(roleID uint64) bool {
	return slices.Contains(u.RoleIDs, roleID)
}

// HasAnyRole reports whether the user holds at least one of the given roles.
func (u UserSnapshot) HasAnyRole(roleIDs []uint64) bool {
	for _, roleID := range roleIDs {
		if u.HasRole(roleID) {
			return true
		}
	}

	return false
}

// Message is a minimal view of a guild message.
type Message struct {
	ID          uint64
	ChannelID   uint64
	GuildID     uint64
	AuthorID    uint64
	AuthorIsBot bool
	CreatedAt   time.Time
}

// Channel is a minimal view of a guild channel.
type Channel struct {
	ID   uint64
	Name string
}

// EventHandlers is the fixed set of named callbacks an engine registers to
// receive live gateway events. Handlers run on gateway dispatch goroutines
// and must not block.
type EventHandlers struct {
	UserJoined      func(user UserSnapshot)
	UserUpdated     func(before, after UserSnapshot)
	MessageReceived func(msg Message)
	MessageDeleted  func(messageID uint64)
}

// Gateway is the Discord surface the engines consume.
type Gateway interface {
	// GetAllUsers returns a snapshot of every guild member.
	GetAllUsers(ctx context.Context) ([]UserSnapshot, error)
	// GetUser returns a snapshot of one member, or nil if unknown.
	GetUser(ctx context.Context, userID uint64) (*UserSnapshot, error)
	// GetUsersWithRole returns snapshots of members holding the role.
	GetUsersWithRole(ctx context.Context, roleID uint64) ([]UserSnapshot, error)
	// GetChannel fetches a channel by ID.
	GetChannel(ctx context.Context, channelID uint64) (*Channel, error)
	// GetMessages pages backward through channel history. A zero before
	// cursor starts from the newest message.
	GetMessages(ctx context.Context, channelID, before uint64, limit int) ([]Message, error)
	// SendMessage posts a plain content message to a channel.
	SendMessage(ctx context.Context, channelID uint64, content string) error
	// AddRole grants a role to a member.
	AddRole(ctx context.Context, userID, roleID uint64) error
	// RemoveRole revokes a role from a member.
	RemoveRole(ctx context.Context, userID, roleID uint64) error
	// SyncUsers refreshes the full member list from the gateway.
	SyncUsers(ctx context.Context) error
}
