// Package automember implements the automatic membership system: live
// gateway events keep an in-memory working state fresh, and a scheduled
// sweep promotes every new member who satisfies the configured criteria.
package automember

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"github.com/wardenhq/warden/internal/database"
	"github.com/wardenhq/warden/internal/database/types"
	"github.com/wardenhq/warden/internal/database/types/enum"
	"github.com/wardenhq/warden/internal/discord"
	"github.com/wardenhq/warden/internal/gaius"
	"github.com/wardenhq/warden/internal/metrics"
	"github.com/wardenhq/warden/pkg/utils"
	"go.uber.org/zap"
)

const (
	// punishmentLookback widens the incremental feed refresh past the sweep
	// interval so records issued around a run boundary are never missed.
	punishmentLookback = 90 * time.Minute

	// grantConcurrency bounds parallel promotions so a large eligible batch
	// cannot flood the Discord API.
	grantConcurrency = 4
)

// Engine is the auto member system. It consumes the gateway, the
// persistent store, and the optional moderation feed, and owns the
// in-memory State between sweeps.
type Engine struct {
	gateway discord.Gateway
	store   database.UserStore
	feed    gaius.Feed
	emitter metrics.Emitter
	clock   utils.Clock
	config  func() Config
	state   *State
	logger  *zap.Logger
}

// New creates an engine. The config function is called at the start of
// every sweep and event so reconfiguration takes effect without restart.
// A nil feed disables punishment checking entirely.
func New(
	gateway discord.Gateway,
	store database.UserStore,
	feed gaius.Feed,
	emitter metrics.Emitter,
	clock utils.Clock,
	config func() Config,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		gateway: gateway,
		store:   store,
		feed:    feed,
		emitter: emitter,
		clock:   clock,
		config:  config,
		state:   NewState(clock),
		logger:  logger.Named("automember"),
	}
}

// Name identifies the engine in logs and metrics.
func (e *Engine) Name() string {
	return "auto_member"
}

// State exposes the working state, primarily for administrative surfaces
// and tests.
func (e *Engine) State() *State {
	return e.state
}

// Close releases the working state's resources.
func (e *Engine) Close() {
	e.state.Close()
}

// Handlers returns the gateway event callbacks. Each handler hands off to
// a goroutine immediately so gateway dispatch is never blocked.
func (e *Engine) Handlers() discord.EventHandlers {
	return discord.EventHandlers{
		UserJoined: func(user discord.UserSnapshot) {
			go e.handleUserJoined(context.Background(), user)
		},
		UserUpdated: func(before, after discord.UserSnapshot) {
			go e.handleUserUpdated(context.Background(), before, after)
		},
		MessageReceived: func(msg discord.Message) {
			e.handleMessage(context.Background(), msg)
		},
		MessageDeleted: func(messageID uint64) {
			e.state.DropMessage(messageID)
		},
	}
}

// handleUserJoined reconciles a joining user against the persistent store.
// First-time joiners get a record and the new member role; returning full
// members are re-granted membership immediately.
func (e *Engine) handleUserJoined(ctx context.Context, user discord.UserSnapshot) {
	if user.Bot {
		return
	}

	cfg := e.config()
	now := e.clock.Now()
	logger := e.logger.With(zap.Uint64("userID", user.ID))

	ref, err := e.store.GetUserRecord(ctx, cfg.GuildID, user.ID)

	switch {
	case errors.Is(err, database.ErrRecordNotFound):
		if _, err := e.store.CreateUserRecord(ctx, newUserRecord(cfg, user, now)); err != nil {
			logger.Error("Failed to create record for joining user", zap.Error(err))
			return
		}

		if err := e.gateway.AddRole(ctx, user.ID, cfg.NewMemberRoleID); err != nil {
			logger.Error("Failed to assign new member role", zap.Error(err))
		}

		logger.Info("Created record for joining user")

	case err != nil:
		logger.Error("Failed to load record for joining user", zap.Error(err))

	default:
		data := ref.Data()
		data.AppendUsername(user.Username, now)
		data.AppendNickname(user.Nickname, now)
		data.AppendAvatar(user.AvatarURL, now)
		data.UpdatedAt = now

		if data.Position >= enum.PositionMember {
			// Returning member; restore full membership without making them
			// pass the criteria again.
			if err := e.gateway.AddRole(ctx, user.ID, cfg.MemberRoleID); err != nil {
				logger.Error("Failed to restore member role", zap.Error(err))
			}
		} else {
			data.Position = enum.PositionNewMember

			if err := e.gateway.AddRole(ctx, user.ID, cfg.NewMemberRoleID); err != nil {
				logger.Error("Failed to assign new member role", zap.Error(err))
			}
		}

		if err := ref.Commit(ctx); err != nil {
			logger.Error("Failed to persist record for joining user", zap.Error(err))
			return
		}

		logger.Info("Reconciled returning user", zap.String("position", data.Position.String()))
	}
}

// handleUserUpdated appends changed identity fields to the record's
// history lists. Nothing is persisted when no tracked field changed.
func (e *Engine) handleUserUpdated(ctx context.Context, before, after discord.UserSnapshot) {
	if after.Bot {
		return
	}

	if before.Username == after.Username &&
		before.Nickname == after.Nickname &&
		before.AvatarURL == after.AvatarURL {
		return
	}

	cfg := e.config()
	now := e.clock.Now()

	ref, err := e.store.GetOrCreateUserRecord(ctx, newUserRecord(cfg, after, now))
	if err != nil {
		e.logger.Error("Failed to load record for updated user",
			zap.Uint64("userID", after.ID),
			zap.Error(err))

		return
	}

	data := ref.Data()

	changed := data.AppendUsername(after.Username, now)
	changed = data.AppendNickname(after.Nickname, now) || changed
	changed = data.AppendAvatar(after.AvatarURL, now) || changed

	if !changed {
		return
	}

	data.UpdatedAt = now

	if err := ref.Commit(ctx); err != nil {
		e.logger.Error("Failed to persist record for updated user",
			zap.Uint64("userID", after.ID),
			zap.Error(err))
	}
}

// handleMessage tracks activity and introduction posts. Messages expire
// from the activity cache exactly one window after they were sent.
func (e *Engine) handleMessage(ctx context.Context, msg discord.Message) {
	if msg.AuthorIsBot {
		return
	}

	cfg := e.config()

	if e.inActivityScope(cfg, msg.ChannelID) {
		e.state.TrackMessage(msg.ID, &MessageProperties{
			UserID:    msg.AuthorID,
			ChannelID: msg.ChannelID,
			GuildID:   msg.GuildID,
		}, msg.CreatedAt.Add(cfg.MessageWindow))
	}

	if msg.ChannelID != cfg.IntroductionChannelID {
		return
	}

	// Only non-members need their introductions tracked; full members
	// already passed the criteria.
	user, err := e.gateway.GetUser(ctx, msg.AuthorID)
	if err != nil {
		e.logger.Warn("Failed to look up introduction author",
			zap.Uint64("userID", msg.AuthorID),
			zap.Error(err))

		return
	}

	if user == nil || !user.HasRole(cfg.MemberRoleID) {
		e.state.MarkIntroduced(msg.AuthorID)
	}
}

// inActivityScope reports whether messages in the channel count toward
// activity. An empty channel list means every channel counts.
func (e *Engine) inActivityScope(cfg Config, channelID uint64) bool {
	if len(cfg.ActivityChannelIDs) == 0 {
		return true
	}

	return slices.Contains(cfg.ActivityChannelIDs, channelID)
}

// Initialize rebuilds the working state from channel history and the
// moderation feed before the schedule is armed.
func (e *Engine) Initialize(ctx context.Context) error {
	return e.preload(ctx)
}

// Run executes one membership sweep. Failures are logged and contained
// here; a bad cycle never propagates beyond this method.
func (e *Engine) Run(ctx context.Context) error {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("Membership sweep panicked", zap.Any("panic", rec))
		}
	}()

	if err := e.sweep(ctx); err != nil {
		e.logger.Error("Membership sweep failed", zap.Error(err))
	}

	return nil
}

// sweep evaluates every new member and promotes the eligible ones.
func (e *Engine) sweep(ctx context.Context) error {
	cfg := e.config()
	now := e.clock.Now()
	logger := e.logger.With(zap.String("runID", uuid.New().String()))

	if e.punishmentsEnabled(cfg) {
		e.refreshPunishments(ctx, now)
	}

	counts := e.state.MessageCounts()

	candidates, err := e.gateway.GetUsersWithRole(ctx, cfg.NewMemberRoleID)
	if err != nil {
		return fmt.Errorf("failed to list new members: %w", err)
	}

	refs := e.loadCandidateRecords(ctx, cfg, candidates, now, logger)

	var eligible []discord.UserSnapshot

	for _, user := range candidates {
		if user.Bot {
			continue
		}

		input := EvalInput{
			Now:          now,
			MessageCount: counts[user.ID],
			Introduced:   e.state.HasIntroduced(user.ID),
			Punished:     e.state.IsPunished(user.ID),
		}

		if ref, ok := refs[user.ID]; ok {
			input.OnHold = ref.Data().Hold != nil
		}

		result := Evaluate(cfg, user, input)
		if result.Has(Eligible) {
			eligible = append(eligible, user)
		} else {
			logger.Debug("User not yet eligible",
				zap.Uint64("userID", user.ID),
				zap.Stringer("eligibility", result))
		}
	}

	granted := e.grantAll(ctx, cfg, eligible, refs, now, logger)

	e.emitter.Count(ctx, "automember.candidates", float64(len(candidates)))
	e.emitter.Count(ctx, "automember.eligible", float64(len(eligible)))
	e.emitter.Count(ctx, "automember.granted", float64(granted))

	logger.Info("Membership sweep complete",
		zap.Int("candidates", len(candidates)),
		zap.Int("eligible", len(eligible)),
		zap.Int64("granted", granted))

	return nil
}

// loadCandidateRecords batch-loads candidate records and creates missing
// ones one at a time so a single failed insert cannot abort the sweep.
func (e *Engine) loadCandidateRecords(
	ctx context.Context,
	cfg Config,
	candidates []discord.UserSnapshot,
	now time.Time,
	logger *zap.Logger,
) map[uint64]database.RecordRef {
	userIDs := make([]uint64, 0, len(candidates))
	for _, user := range candidates {
		userIDs = append(userIDs, user.ID)
	}

	refs, err := e.store.GetBatchUserRecords(ctx, cfg.GuildID, userIDs)
	if err != nil {
		logger.Error("Failed to batch-load candidate records", zap.Error(err))
		refs = make(map[uint64]database.RecordRef)
	}

	for _, user := range candidates {
		if _, ok := refs[user.ID]; ok {
			continue
		}

		ref, err := e.store.CreateUserRecord(ctx, newUserRecord(cfg, user, now))
		if err != nil {
			logger.Warn("Failed to create missing candidate record",
				zap.Uint64("userID", user.ID),
				zap.Error(err))
			e.emitter.Count(ctx, "automember.record_create_failures", 1)

			continue
		}

		refs[user.ID] = ref
	}

	return refs
}

// grantAll promotes eligible users with bounded concurrency. Each grant is
// fully isolated; one failure or panic never affects the others.
func (e *Engine) grantAll(
	ctx context.Context,
	cfg Config,
	eligible []discord.UserSnapshot,
	refs map[uint64]database.RecordRef,
	now time.Time,
	logger *zap.Logger,
) int64 {
	var granted atomic.Int64

	p := pool.New().WithMaxGoroutines(grantConcurrency)

	for _, user := range eligible {
		ref, ok := refs[user.ID]
		if !ok {
			continue
		}

		p.Go(func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Promotion panicked",
						zap.Uint64("userID", user.ID),
						zap.Any("panic", rec))
				}
			}()

			if err := e.promote(ctx, cfg, user, ref, now); err != nil {
				logger.Error("Failed to promote user",
					zap.Uint64("userID", user.ID),
					zap.Error(err))
				e.emitter.Count(ctx, "automember.grant_failures", 1)

				return
			}

			granted.Add(1)
			logger.Info("Promoted user to member", zap.Uint64("userID", user.ID))
		})
	}

	p.Wait()

	return granted.Load()
}

// promote grants full membership to one user: roles first, then the
// persistent position, then the now-redundant introduction entry.
func (e *Engine) promote(
	ctx context.Context, cfg Config, user discord.UserSnapshot, ref database.RecordRef, now time.Time,
) error {
	if err := e.gateway.AddRole(ctx, user.ID, cfg.MemberRoleID); err != nil {
		return fmt.Errorf("failed to add member role: %w", err)
	}

	if err := e.gateway.RemoveRole(ctx, user.ID, cfg.NewMemberRoleID); err != nil {
		return fmt.Errorf("failed to remove new member role: %w", err)
	}

	data := ref.Data()
	data.Position = enum.PositionMember
	data.UpdatedAt = now

	if err := ref.Commit(ctx); err != nil {
		return fmt.Errorf("failed to persist promotion: %w", err)
	}

	e.state.ClearIntroduced(user.ID)

	return nil
}

// CheckEligibility evaluates one user on demand without promoting them.
func (e *Engine) CheckEligibility(ctx context.Context, user discord.UserSnapshot) (Eligibility, error) {
	cfg := e.config()

	input := EvalInput{
		Now:          e.clock.Now(),
		MessageCount: e.state.MessageCount(user.ID),
		Introduced:   e.state.HasIntroduced(user.ID),
		Punished:     e.state.IsPunished(user.ID),
	}

	ref, err := e.store.GetUserRecord(ctx, cfg.GuildID, user.ID)

	switch {
	case errors.Is(err, database.ErrRecordNotFound):
	case err != nil:
		return 0, fmt.Errorf("failed to load record: %w", err)
	default:
		input.OnHold = ref.Data().Hold != nil
	}

	return Evaluate(cfg, user, input), nil
}

// SetHold places an administrative hold on a user, blocking automatic
// promotion until cleared.
func (e *Engine) SetHold(ctx context.Context, userID, moderatorID uint64, reason string) error {
	cfg := e.config()
	now := e.clock.Now()

	ref, err := e.store.GetUserRecord(ctx, cfg.GuildID, userID)
	if err != nil {
		return fmt.Errorf("failed to load record: %w", err)
	}

	ref.Data().Hold = &types.AutoMemberHold{
		ModeratorID: moderatorID,
		Reason:      reason,
		SetAt:       now,
	}
	ref.Data().UpdatedAt = now

	return ref.Commit(ctx)
}

// ClearHold removes an administrative hold.
func (e *Engine) ClearHold(ctx context.Context, userID uint64) error {
	cfg := e.config()

	ref, err := e.store.GetUserRecord(ctx, cfg.GuildID, userID)
	if err != nil {
		return fmt.Errorf("failed to load record: %w", err)
	}

	ref.Data().Hold = nil
	ref.Data().UpdatedAt = e.clock.Now()

	return ref.Commit(ctx)
}

// punishmentsEnabled reports whether the punishment check can run at all.
func (e *Engine) punishmentsEnabled(cfg Config) bool {
	return cfg.PunishmentCheckEnabled && e.feed != nil
}

// refreshPunishments merges recently issued warnings and caselogs into the
// punished set. Feed unavailability is fail open: nothing is added and
// nothing is blocked.
func (e *Engine) refreshPunishments(ctx context.Context, now time.Time) {
	after := now.Add(-punishmentLookback)

	warnings, err := e.feed.GetWarningsAfter(ctx, after)
	if err == nil {
		e.addPunishments(warnings)
	}

	caselogs, err := e.feed.GetCaselogsAfter(ctx, after)
	if err == nil {
		e.addPunishments(caselogs)
	}
}

func (e *Engine) addPunishments(records []gaius.Punishment) {
	for _, record := range records {
		e.state.AddPunished(record.UserID)
	}
}

// newUserRecord builds a fresh record for a user, seeding the history
// lists from the current snapshot.
func newUserRecord(cfg Config, user discord.UserSnapshot, now time.Time) *types.UserRecord {
	record := &types.UserRecord{
		GuildID:   cfg.GuildID,
		UserID:    user.ID,
		Position:  enum.PositionNewMember,
		Joined:    user.JoinedAt,
		UpdatedAt: now,
	}

	record.AppendUsername(user.Username, now)
	record.AppendNickname(user.Nickname, now)
	record.AppendAvatar(user.AvatarURL, now)

	return record
}
