package types

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/wardenhq/warden/internal/database/types/enum"
)

// HistoryEntry is one timestamped value in an append-only history list.
type HistoryEntry struct {
	Value string    `json:"value"`
	SetAt time.Time `json:"setAt"`
}

// AutoMemberHold is an administrative override that unconditionally blocks
// automatic promotion regardless of other eligibility.
type AutoMemberHold struct {
	ModeratorID uint64    `json:"moderatorId"`
	Reason      string    `json:"reason"`
	SetAt       time.Time `json:"setAt"`
}

// UserRecord is the persistent record for a guild member, keyed by
// (guild_id, user_id). History lists are append-only; a new entry is added
// only when the value differs from the most recent one.
type UserRecord struct {
	bun.BaseModel `bun:"table:user_records"`

	GuildID     uint64          `bun:",pk"                 json:"guildId"`
	UserID      uint64          `bun:",pk"                 json:"userId"`
	Position    enum.Position   `bun:",notnull"            json:"position"`
	Joined      time.Time       `bun:",notnull"            json:"joined"`
	Birthday    *time.Time      `bun:",nullzero"           json:"birthday,omitempty"`
	BirthdayKey string          `bun:",nullzero"           json:"birthdayKey,omitempty"`
	Hold        *AutoMemberHold `bun:"type:jsonb,nullzero" json:"hold,omitempty"`
	Usernames   []HistoryEntry  `bun:"type:jsonb"          json:"usernames"`
	Nicknames   []HistoryEntry  `bun:"type:jsonb"          json:"nicknames"`
	Avatars     []HistoryEntry  `bun:"type:jsonb"          json:"avatars"`
	UpdatedAt   time.Time       `bun:",notnull"            json:"updatedAt"`
}

// BirthdayKey derives the sortable MMDDHHmm string used for range-querying
// users by day-of-year birthday regardless of birth year.
func BirthdayKey(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%02d%02d%02d%02d", int(t.Month()), t.Day(), t.Hour(), t.Minute())
}

// SetBirthday stores the birthday and keeps the derived key in sync.
// A nil birthday clears both fields.
func (u *UserRecord) SetBirthday(birthday *time.Time) {
	u.Birthday = birthday

	if birthday == nil {
		u.BirthdayKey = ""
		return
	}

	u.BirthdayKey = BirthdayKey(*birthday)
}

// AppendUsername records a username change. Returns true if the history
// list was modified.
func (u *UserRecord) AppendUsername(value string, at time.Time) bool {
	return appendIfChanged(&u.Usernames, value, at)
}

// AppendNickname records a nickname change. Returns true if the history
// list was modified.
func (u *UserRecord) AppendNickname(value string, at time.Time) bool {
	return appendIfChanged(&u.Nicknames, value, at)
}

// AppendAvatar records an avatar change. Returns true if the history
// list was modified.
func (u *UserRecord) AppendAvatar(value string, at time.Time) bool {
	return appendIfChanged(&u.Avatars, value, at)
}

// LatestUsername returns the most recent username, or empty if none recorded.
func (u *UserRecord) LatestUsername() string {
	return latest(u.Usernames)
}

// LatestNickname returns the most recent nickname, or empty if none recorded.
func (u *UserRecord) LatestNickname() string {
	return latest(u.Nicknames)
}

func appendIfChanged(history *[]HistoryEntry, value string, at time.Time) bool {
	if value == "" {
		return false
	}

	if n := len(*history); n > 0 && (*history)[n-1].Value == value {
		return false
	}

	*history = append(*history, HistoryEntry{Value: value, SetAt: at})

	return true
}

func latest(history []HistoryEntry) string {
	if len(history) == 0 {
		return ""
	}

	return history[len(history)-1].Value
}
