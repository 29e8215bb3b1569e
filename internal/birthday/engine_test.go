package birthday_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wardenhq/warden/internal/birthday"
	"github.com/wardenhq/warden/internal/database"
	"github.com/wardenhq/warden/internal/database/types"
	"github.com/wardenhq/warden/internal/discord"
	"github.com/wardenhq/warden/internal/metrics"
	"github.com/wardenhq/warden/pkg/utils"
	"go.uber.org/zap"
)

const (
	roleBirthday uint64 = 500
	roleAdult    uint64 = 501
	roleSenior   uint64 = 502
	chanAnnounce uint64 = 600
)

type fakeRecordRef struct {
	data  *types.UserRecord
	store *fakeStore
}

func (r *fakeRecordRef) Data() *types.UserRecord { return r.data }

func (r *fakeRecordRef) Commit(context.Context) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	r.store.commits[r.data.UserID]++

	return nil
}

type fakeStore struct {
	mu      sync.Mutex
	records map[uint64]*types.UserRecord
	commits map[uint64]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: make(map[uint64]*types.UserRecord),
		commits: make(map[uint64]int),
	}
}

func (s *fakeStore) GetUserRecord(_ context.Context, _, userID uint64) (database.RecordRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[userID]
	if !ok {
		return nil, database.ErrRecordNotFound
	}

	return &fakeRecordRef{data: record, store: s}, nil
}

func (s *fakeStore) GetOrCreateUserRecord(
	ctx context.Context, template *types.UserRecord,
) (database.RecordRef, error) {
	ref, err := s.GetUserRecord(ctx, template.GuildID, template.UserID)
	if err == nil {
		return ref, nil
	}

	return s.CreateUserRecord(ctx, template)
}

func (s *fakeStore) GetBatchUserRecords(
	_ context.Context, _ uint64, userIDs []uint64,
) (map[uint64]database.RecordRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs := make(map[uint64]database.RecordRef)

	for _, userID := range userIDs {
		if record, ok := s.records[userID]; ok {
			refs[userID] = &fakeRecordRef{data: record, store: s}
		}
	}

	return refs, nil
}

func (s *fakeStore) CreateUserRecord(
	_ context.Context, record *types.UserRecord,
) (database.RecordRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[record.UserID] = record

	return &fakeRecordRef{data: record, store: s}, nil
}

// GetUsersByBirthday mirrors the real store's wraparound key range query
// so the engine's leap day handling is exercised against the same key
// semantics production uses.
func (s *fakeStore) GetUsersByBirthday(
	_ context.Context, _ uint64, at time.Time, tolerance time.Duration,
) ([]database.RecordRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	startKey := types.BirthdayKey(at.Add(-tolerance))
	endKey := types.BirthdayKey(at.Add(tolerance))

	var refs []database.RecordRef

	for _, record := range s.records {
		key := record.BirthdayKey
		if key == "" {
			continue
		}

		var match bool
		if startKey <= endKey {
			match = key >= startKey && key <= endKey
		} else {
			match = key >= startKey || key <= endKey
		}

		if match {
			refs = append(refs, &fakeRecordRef{data: record, store: s})
		}
	}

	return refs, nil
}

type fakeGateway struct {
	mu      sync.Mutex
	users   map[uint64]discord.UserSnapshot
	sent    map[uint64][]string
	addErr  map[uint64]error
	channel discord.Channel
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		users:   make(map[uint64]discord.UserSnapshot),
		sent:    make(map[uint64][]string),
		addErr:  make(map[uint64]error),
		channel: discord.Channel{ID: chanAnnounce, Name: "celebrations"},
	}
}

func (g *fakeGateway) addUser(user discord.UserSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.users[user.ID] = user
}

func (g *fakeGateway) GetAllUsers(context.Context) ([]discord.UserSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	users := make([]discord.UserSnapshot, 0, len(g.users))
	for _, user := range g.users {
		users = append(users, user)
	}

	return users, nil
}

func (g *fakeGateway) GetUser(_ context.Context, userID uint64) (*discord.UserSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	user, ok := g.users[userID]
	if !ok {
		return nil, nil
	}

	return &user, nil
}

func (g *fakeGateway) GetUsersWithRole(_ context.Context, roleID uint64) ([]discord.UserSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var users []discord.UserSnapshot

	for _, user := range g.users {
		if user.HasRole(roleID) {
			users = append(users, user)
		}
	}

	return users, nil
}

func (g *fakeGateway) GetChannel(_ context.Context, channelID uint64) (*discord.Channel, error) {
	if channelID != g.channel.ID {
		return nil, errors.New("unknown channel")
	}

	channel := g.channel

	return &channel, nil
}

func (g *fakeGateway) GetMessages(context.Context, uint64, uint64, int) ([]discord.Message, error) {
	return nil, nil
}

func (g *fakeGateway) SendMessage(_ context.Context, channelID uint64, content string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sent[channelID] = append(g.sent[channelID], content)

	return nil
}

func (g *fakeGateway) AddRole(_ context.Context, userID, roleID uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.addErr[userID]; err != nil {
		return err
	}

	user, ok := g.users[userID]
	if !ok {
		return errors.New("unknown user")
	}

	if !user.HasRole(roleID) {
		user.RoleIDs = append(slices.Clone(user.RoleIDs), roleID)
		g.users[userID] = user
	}

	return nil
}

func (g *fakeGateway) RemoveRole(_ context.Context, userID, roleID uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	user, ok := g.users[userID]
	if !ok {
		return errors.New("unknown user")
	}

	roles := slices.Clone(user.RoleIDs)
	roles = slices.DeleteFunc(roles, func(id uint64) bool { return id == roleID })
	user.RoleIDs = roles
	g.users[userID] = user

	return nil
}

func (g *fakeGateway) SyncUsers(context.Context) error { return nil }

func (g *fakeGateway) roles(userID uint64) []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	return slices.Clone(g.users[userID].RoleIDs)
}

func (g *fakeGateway) announcements() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return slices.Clone(g.sent[chanAnnounce])
}

type engineFixture struct {
	engine  *birthday.Engine
	gateway *fakeGateway
	store   *fakeStore
	clock   *utils.FakeClock
	cfg     birthday.Config
}

func newEngineFixture(t *testing.T, now time.Time) *engineFixture {
	t.Helper()

	f := &engineFixture{
		gateway: newFakeGateway(),
		store:   newFakeStore(),
		clock:   utils.NewFakeClock(now),
		cfg: birthday.Config{
			GuildID:           1,
			RoleID:            roleBirthday,
			AnnounceChannelID: chanAnnounce,
			Window:            10 * time.Minute,
			AgeRoles: []birthday.AgeRole{
				{Age: 18, RoleID: roleAdult},
				{Age: 30, RoleID: roleSenior},
			},
		},
	}

	f.engine = birthday.New(
		f.gateway, f.store, metrics.NewNoopEmitter(), f.clock,
		func() birthday.Config { return f.cfg }, zap.NewNop())

	return f
}

// addBirthdayUser registers a guild member with a stored birthday record.
func (f *engineFixture) addBirthdayUser(userID uint64, born time.Time, roles ...uint64) {
	f.gateway.addUser(discord.UserSnapshot{ID: userID, RoleIDs: roles})

	record := &types.UserRecord{GuildID: f.cfg.GuildID, UserID: userID}
	record.SetBirthday(&born)

	_, _ = f.store.CreateUserRecord(context.Background(), record)
}

func TestSweepGrantsBirthdayRole(t *testing.T) {
	now := time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, now)

	f.addBirthdayUser(42, time.Date(1999, 6, 15, 9, 5, 0, 0, time.UTC))

	require.NoError(t, f.engine.Run(t.Context()))

	roles := f.gateway.roles(42)
	assert.Contains(t, roles, roleBirthday)
	// Turned 25: clamped down to the adult tier.
	assert.Contains(t, roles, roleAdult)

	announcements := f.gateway.announcements()
	require.Len(t, announcements, 1)
	assert.Contains(t, announcements[0], "<@42>")
}

func TestSweepIgnoresBirthdaysOutsideWindow(t *testing.T) {
	now := time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, now)

	f.addBirthdayUser(42, time.Date(1999, 6, 15, 12, 0, 0, 0, time.UTC))

	require.NoError(t, f.engine.Run(t.Context()))

	assert.NotContains(t, f.gateway.roles(42), roleBirthday)
	assert.Empty(t, f.gateway.announcements())
}

func TestSweepAnnouncesOnceForMultipleBirthdays(t *testing.T) {
	now := time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, now)

	f.addBirthdayUser(42, time.Date(1999, 6, 15, 9, 0, 0, 0, time.UTC))
	f.addBirthdayUser(43, time.Date(2001, 6, 15, 9, 5, 0, 0, time.UTC))

	require.NoError(t, f.engine.Run(t.Context()))

	announcements := f.gateway.announcements()
	require.Len(t, announcements, 1)
	assert.Contains(t, announcements[0], "<@42>")
	assert.Contains(t, announcements[0], "<@43>")
}

func TestSweepRevokesExpiredRole(t *testing.T) {
	now := time.Date(2024, 6, 16, 10, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, now)

	// Birthday was over a day ago; the role must come off.
	f.addBirthdayUser(42, time.Date(1999, 6, 15, 9, 0, 0, 0, time.UTC), roleBirthday)

	require.NoError(t, f.engine.Run(t.Context()))

	assert.NotContains(t, f.gateway.roles(42), roleBirthday)
}

func TestSweepKeepsRoleWithinDay(t *testing.T) {
	now := time.Date(2024, 6, 15, 20, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, now)

	f.addBirthdayUser(42, time.Date(1999, 6, 15, 9, 0, 0, 0, time.UTC), roleBirthday)

	require.NoError(t, f.engine.Run(t.Context()))

	assert.Contains(t, f.gateway.roles(42), roleBirthday)
}

func TestSweepRevokesWhenBirthdayCleared(t *testing.T) {
	now := time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, now)

	f.gateway.addUser(discord.UserSnapshot{ID: 42, RoleIDs: []uint64{roleBirthday}})

	record := &types.UserRecord{GuildID: f.cfg.GuildID, UserID: 42}
	_, err := f.store.CreateUserRecord(t.Context(), record)
	require.NoError(t, err)

	require.NoError(t, f.engine.Run(t.Context()))

	assert.NotContains(t, f.gateway.roles(42), roleBirthday)
}

func TestLeapDayBirthdayInNonLeapYear(t *testing.T) {
	// 2025 has no February 29; the birthday is celebrated on the 28th.
	now := time.Date(2025, 2, 28, 12, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, now)

	f.addBirthdayUser(42, time.Date(2000, 2, 29, 12, 0, 0, 0, time.UTC))

	require.NoError(t, f.engine.Run(t.Context()))

	assert.Contains(t, f.gateway.roles(42), roleBirthday)
}

func TestLeapDayBirthdayNotGrantedOnMarchFirst(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, now)

	f.addBirthdayUser(42, time.Date(2000, 2, 29, 12, 0, 0, 0, time.UTC))

	require.NoError(t, f.engine.Run(t.Context()))

	assert.NotContains(t, f.gateway.roles(42), roleBirthday)
}

func TestLeapDayBirthdayNotGrantedAtMarchFirstMidnight(t *testing.T) {
	// Just past midnight on March 1 the grant window straddles the month
	// boundary, and the lexical key range covers the whole phantom
	// February 29 keyspace. No Feb 29 birthday is actually due here.
	now := time.Date(2025, 3, 1, 0, 5, 0, 0, time.UTC)
	f := newEngineFixture(t, now)

	f.addBirthdayUser(42, time.Date(2000, 2, 29, 12, 0, 0, 0, time.UTC))

	require.NoError(t, f.engine.Run(t.Context()))

	assert.NotContains(t, f.gateway.roles(42), roleBirthday)
	assert.Empty(t, f.gateway.announcements())
}

func TestBirthdayGrantAcrossYearBoundary(t *testing.T) {
	// A January 1 birthday minutes away must still be granted from the
	// December 31 side of the wrapped key range.
	now := time.Date(2024, 12, 31, 23, 55, 0, 0, time.UTC)
	f := newEngineFixture(t, now)

	f.addBirthdayUser(42, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, f.engine.Run(t.Context()))

	assert.Contains(t, f.gateway.roles(42), roleBirthday)
}

func TestLeapDayRoleHeldThroughFeb28(t *testing.T) {
	// Granted on the 28th in a non-leap year, the role survives the
	// revocation pass until a full day has passed.
	now := time.Date(2025, 2, 28, 18, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, now)

	f.addBirthdayUser(42, time.Date(2000, 2, 29, 12, 0, 0, 0, time.UTC), roleBirthday)

	require.NoError(t, f.engine.Run(t.Context()))

	assert.Contains(t, f.gateway.roles(42), roleBirthday)
}

func TestAgeTierUpgrade(t *testing.T) {
	now := time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, now)

	// Turning 30 moves the user from the adult tier to the senior tier.
	f.addBirthdayUser(42, time.Date(1994, 6, 15, 9, 0, 0, 0, time.UTC), roleAdult)

	require.NoError(t, f.engine.Run(t.Context()))

	roles := f.gateway.roles(42)
	assert.Contains(t, roles, roleSenior)
	assert.NotContains(t, roles, roleAdult)
}

func TestGrantFailureIsolatedPerUser(t *testing.T) {
	now := time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, now)

	f.addBirthdayUser(42, time.Date(1999, 6, 15, 9, 0, 0, 0, time.UTC))
	f.addBirthdayUser(43, time.Date(2001, 6, 15, 9, 0, 0, 0, time.UTC))
	f.gateway.addErr[42] = errors.New("api unavailable")

	require.NoError(t, f.engine.Run(t.Context()))

	assert.Contains(t, f.gateway.roles(43), roleBirthday)

	announcements := f.gateway.announcements()
	require.Len(t, announcements, 1)
	assert.NotContains(t, announcements[0], "<@42>")
}

func TestSetBirthdayGrantsImmediatelyWhenDue(t *testing.T) {
	now := time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, now)

	f.gateway.addUser(discord.UserSnapshot{ID: 42})

	_, err := f.store.CreateUserRecord(t.Context(), &types.UserRecord{GuildID: 1, UserID: 42})
	require.NoError(t, err)

	// The recorded birthday is happening right now.
	require.NoError(t, f.engine.SetBirthday(t.Context(), 42, time.Date(1999, 6, 15, 8, 0, 0, 0, time.UTC)))

	assert.Contains(t, f.gateway.roles(42), roleBirthday)
	require.Len(t, f.gateway.announcements(), 1)

	record := f.store.records[42]
	require.NotNil(t, record.Birthday)
	assert.Equal(t, "06150800", record.BirthdayKey)
}

func TestSetBirthdayOnlyPersistsWhenNotDue(t *testing.T) {
	now := time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, now)

	f.gateway.addUser(discord.UserSnapshot{ID: 42})

	_, err := f.store.CreateUserRecord(t.Context(), &types.UserRecord{GuildID: 1, UserID: 42})
	require.NoError(t, err)

	require.NoError(t, f.engine.SetBirthday(t.Context(), 42, time.Date(1999, 12, 1, 0, 0, 0, 0, time.UTC)))

	assert.NotContains(t, f.gateway.roles(42), roleBirthday)
	assert.Empty(t, f.gateway.announcements())
	assert.Equal(t, "12010000", f.store.records[42].BirthdayKey)
}

func TestInitializeVerifiesAnnounceChannel(t *testing.T) {
	now := time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)

	t.Run("known channel passes", func(t *testing.T) {
		f := newEngineFixture(t, now)
		require.NoError(t, f.engine.Initialize(t.Context()))
	})

	t.Run("unknown channel fails startup", func(t *testing.T) {
		f := newEngineFixture(t, now)
		f.cfg.AnnounceChannelID = 999

		require.Error(t, f.engine.Initialize(t.Context()))
	})
}
