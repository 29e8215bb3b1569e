package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/wardenhq/warden/internal/database/types/enum"
)

func TestBirthdayKey(t *testing.T) {
	tests := []struct {
		name     string
		birthday time.Time
		want     string
	}{
		{
			name:     "single digit month and day",
			birthday: time.Date(1994, 3, 7, 0, 0, 0, 0, time.UTC),
			want:     "03070000",
		},
		{
			name:     "double digit month and day",
			birthday: time.Date(2000, 12, 25, 18, 30, 0, 0, time.UTC),
			want:     "12251830",
		},
		{
			name:     "leap day",
			birthday: time.Date(1996, 2, 29, 0, 0, 0, 0, time.UTC),
			want:     "02290000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BirthdayKey(tt.birthday))
		})
	}
}

func TestUserRecordSetBirthday(t *testing.T) {
	record := &UserRecord{GuildID: 1, UserID: 2}
	birthday := time.Date(1990, 6, 15, 0, 0, 0, 0, time.UTC)

	record.SetBirthday(&birthday)
	assert.Equal(t, "06150000", record.BirthdayKey)

	record.SetBirthday(nil)
	assert.Nil(t, record.Birthday)
	assert.Empty(t, record.BirthdayKey)
}

func TestUserRecordHistory(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("appends only on change", func(t *testing.T) {
		record := &UserRecord{}

		assert.True(t, record.AppendUsername("alpha", now))
		assert.False(t, record.AppendUsername("alpha", now.Add(time.Hour)))
		assert.True(t, record.AppendUsername("beta", now.Add(2*time.Hour)))

		assert.Len(t, record.Usernames, 2)
		assert.Equal(t, "beta", record.LatestUsername())
	})

	t.Run("empty value is ignored", func(t *testing.T) {
		record := &UserRecord{}

		assert.False(t, record.AppendNickname("", now))
		assert.Empty(t, record.Nicknames)
	})

	t.Run("reverting to an earlier value still appends", func(t *testing.T) {
		record := &UserRecord{}
		record.AppendAvatar("a.png", now)
		record.AppendAvatar("b.png", now.Add(time.Hour))

		assert.True(t, record.AppendAvatar("a.png", now.Add(2*time.Hour)))
		assert.Len(t, record.Avatars, 3)
	})
}

func TestPositionRoundTrip(t *testing.T) {
	positions := []enum.Position{
		enum.PositionUnknown,
		enum.PositionNewMember,
		enum.PositionMember,
		enum.PositionModerator,
		enum.PositionAdmin,
		enum.PositionOwner,
	}

	for _, position := range positions {
		assert.Equal(t, position, enum.ParsePosition(position.String()))
	}

	assert.Equal(t, enum.PositionUnknown, enum.ParsePosition("garbage"))
}
