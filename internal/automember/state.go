package automember

import (
	"sync"
	"time"

	"github.com/wardenhq/warden/pkg/utils"
)

// cacheCleanupInterval is how often the activity cache janitor sweeps
// expired message entries.
const cacheCleanupInterval = 5 * time.Minute

// MessageProperties is the cached metadata for one tracked message.
type MessageProperties struct {
	UserID    uint64
	ChannelID uint64
	GuildID   uint64
}

// State is the in-memory working state of the auto member system. It is
// rebuilt from channel history and the moderation feed at startup and kept
// fresh by gateway events between sweeps. All methods are safe for
// concurrent use.
type State struct {
	messages *utils.ExpireMap[uint64, *MessageProperties]

	mu         sync.RWMutex
	introduced map[uint64]struct{}
	punished   map[uint64]struct{}
}

// NewState creates an empty State. Close must be called to stop the
// activity cache janitor.
func NewState(clock utils.Clock) *State {
	return &State{
		messages:   utils.NewExpireMap[uint64, *MessageProperties](clock, cacheCleanupInterval),
		introduced: make(map[uint64]struct{}),
		punished:   make(map[uint64]struct{}),
	}
}

// TrackMessage caches a message until its absolute expiration time.
func (s *State) TrackMessage(messageID uint64, props *MessageProperties, expiresAt time.Time) {
	s.messages.Add(messageID, props, expiresAt)
}

// DropMessage evicts a message from the activity cache, keeping counts
// consistent with deletions.
func (s *State) DropMessage(messageID uint64) {
	s.messages.Remove(messageID)
}

// MessageCounts aggregates live cached messages into per-user counts.
func (s *State) MessageCounts() map[uint64]int {
	counts := make(map[uint64]int)

	s.messages.Range(func(_ uint64, props *MessageProperties) bool {
		counts[props.UserID]++
		return true
	})

	return counts
}

// MessageCount returns the live cached message count for one user.
func (s *State) MessageCount(userID uint64) int {
	count := 0

	s.messages.Range(func(_ uint64, props *MessageProperties) bool {
		if props.UserID == userID {
			count++
		}

		return true
	})

	return count
}

// MarkIntroduced records that a user has posted an introduction.
func (s *State) MarkIntroduced(userID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.introduced[userID] = struct{}{}
}

// ClearIntroduced removes a user from the introduction set, typically
// after promotion when the entry is no longer needed.
func (s *State) ClearIntroduced(userID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.introduced, userID)
}

// HasIntroduced reports whether a user has posted an introduction.
func (s *State) HasIntroduced(userID uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.introduced[userID]

	return ok
}

// ReplacePunished swaps the punished set wholesale, used by the full
// startup rebuild.
func (s *State) ReplacePunished(userIDs []uint64) {
	punished := make(map[uint64]struct{}, len(userIDs))
	for _, id := range userIDs {
		punished[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.punished = punished
}

// AddPunished merges users into the punished set, used by incremental
// refreshes.
func (s *State) AddPunished(userIDs ...uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range userIDs {
		s.punished[id] = struct{}{}
	}
}

// IsPunished reports whether a user has a known active punishment.
func (s *State) IsPunished(userID uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.punished[userID]

	return ok
}

// Close stops the activity cache janitor.
func (s *State) Close() {
	s.messages.Close()
}
