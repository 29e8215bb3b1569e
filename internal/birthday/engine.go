// Package birthday grants and revokes a birthday role on a short-interval
// reconciliation loop, announces new birthdays, and keeps age tier roles
// current as members age.
package birthday

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wardenhq/warden/internal/database"
	"github.com/wardenhq/warden/internal/discord"
	"github.com/wardenhq/warden/internal/metrics"
	"github.com/wardenhq/warden/pkg/utils"
	"go.uber.org/zap"
)

// roleDuration is how long the birthday role is held once granted.
const roleDuration = 24 * time.Hour

// AgeRole maps a minimum age to the tier role granted at that age.
type AgeRole struct {
	Age    int
	RoleID uint64
}

// Config is the birthday system configuration, re-read each cycle.
type Config struct {
	GuildID           uint64
	RoleID            uint64
	AnnounceChannelID uint64
	// Window is the grant tolerance around each sweep, sized to cover the
	// sweep interval so no birthday minute falls between two runs.
	Window time.Duration
	// AgeRoles must be sorted by ascending age. Ages below the first tier
	// clamp to it; ages above the last tier clamp to the last.
	AgeRoles []AgeRole
}

// Engine reconciles birthday state against the configured guild.
type Engine struct {
	gateway discord.Gateway
	store   database.UserStore
	emitter metrics.Emitter
	clock   utils.Clock
	config  func() Config
	logger  *zap.Logger
}

// New creates an engine.
func New(
	gateway discord.Gateway,
	store database.UserStore,
	emitter metrics.Emitter,
	clock utils.Clock,
	config func() Config,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		gateway: gateway,
		store:   store,
		emitter: emitter,
		clock:   clock,
		config:  config,
		logger:  logger.Named("birthday"),
	}
}

// Name identifies the engine in logs and metrics.
func (e *Engine) Name() string {
	return "birthday"
}

// Initialize verifies the announcement channel before the schedule is
// armed, so a misconfigured channel surfaces at startup rather than on
// the first birthday.
func (e *Engine) Initialize(ctx context.Context) error {
	cfg := e.config()

	if cfg.AnnounceChannelID == 0 {
		return nil
	}

	channel, err := e.gateway.GetChannel(ctx, cfg.AnnounceChannelID)
	if err != nil {
		return fmt.Errorf("failed to verify announcement channel: %w", err)
	}

	e.logger.Info("Birthday announcements configured", zap.String("channel", channel.Name))

	return nil
}

// Run executes one reconciliation pass: revoke expired roles first, then
// grant and announce new birthdays. Failures are contained per user.
func (e *Engine) Run(ctx context.Context) error {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("Birthday sweep panicked", zap.Any("panic", rec))
		}
	}()

	cfg := e.config()
	now := e.clock.Now()
	logger := e.logger.With(zap.String("runID", uuid.New().String()))

	revoked := e.revokeExpired(ctx, cfg, now, logger)
	granted := e.grantCurrent(ctx, cfg, now, logger)

	e.emitter.Count(ctx, "birthday.revoked", float64(revoked))
	e.emitter.Count(ctx, "birthday.granted", float64(granted))

	if revoked > 0 || granted > 0 {
		logger.Info("Birthday sweep complete",
			zap.Int("granted", granted),
			zap.Int("revoked", revoked))
	}

	return nil
}

// revokeExpired removes the birthday role from every holder whose most
// recent birthday occurrence is over a day old, or who has no recorded
// birthday at all.
func (e *Engine) revokeExpired(ctx context.Context, cfg Config, now time.Time, logger *zap.Logger) int {
	holders, err := e.gateway.GetUsersWithRole(ctx, cfg.RoleID)
	if err != nil {
		logger.Error("Failed to list birthday role holders", zap.Error(err))
		return 0
	}

	revoked := 0

	for _, user := range holders {
		expired, err := e.roleExpired(ctx, cfg, user.ID, now)
		if err != nil {
			logger.Error("Failed to check birthday expiry",
				zap.Uint64("userID", user.ID),
				zap.Error(err))

			continue
		}

		if !expired {
			continue
		}

		if err := e.gateway.RemoveRole(ctx, user.ID, cfg.RoleID); err != nil {
			logger.Error("Failed to revoke birthday role",
				zap.Uint64("userID", user.ID),
				zap.Error(err))

			continue
		}

		revoked++
	}

	return revoked
}

// roleExpired reports whether a holder's birthday role has run out. Users
// without a record or birthday lose the role immediately.
func (e *Engine) roleExpired(ctx context.Context, cfg Config, userID uint64, now time.Time) (bool, error) {
	ref, err := e.store.GetUserRecord(ctx, cfg.GuildID, userID)
	if err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			return true, nil
		}

		return false, err
	}

	birthday := ref.Data().Birthday
	if birthday == nil {
		return true, nil
	}

	occurrence := lastOccurrence(*birthday, now)

	return now.Sub(occurrence) >= roleDuration, nil
}

// grantCurrent grants the role to every user whose birthday falls inside
// the sweep window, updates their age tier, and posts one combined
// announcement.
func (e *Engine) grantCurrent(ctx context.Context, cfg Config, now time.Time, logger *zap.Logger) int {
	refs, err := e.store.GetUsersByBirthday(ctx, cfg.GuildID, now, cfg.Window)
	if err != nil {
		logger.Error("Failed to query birthdays", zap.Error(err))
		return 0
	}

	// In non-leap years a February 29 birthday is celebrated on the 28th,
	// which the plain key range can never match. One extra query against
	// the leap day key covers those users.
	if now.Month() == time.February && now.Day() == 28 && !isLeapYear(now.Year()) {
		leapAt := time.Date(2000, time.February, 29,
			now.Hour(), now.Minute(), now.Second(), 0, time.UTC)

		extra, err := e.store.GetUsersByBirthday(ctx, cfg.GuildID, leapAt, cfg.Window)
		if err != nil {
			logger.Error("Failed to query leap day birthdays", zap.Error(err))
		} else {
			refs = append(refs, extra...)
		}
	}

	granted := 0
	seen := make(map[uint64]struct{}, len(refs))

	var mentions []string

	for _, ref := range refs {
		data := ref.Data()

		if _, ok := seen[data.UserID]; ok {
			continue
		}

		seen[data.UserID] = struct{}{}

		if data.Birthday == nil {
			continue
		}

		// The key range match is lexical; around month boundaries it can
		// cover keys far outside the window, most notably the phantom
		// February 29 keyspace when the window straddles midnight into
		// March 1 of a non-leap year. The actual occurrence distance is
		// authoritative.
		if absDuration(now.Sub(nearestOccurrence(*data.Birthday, now))) > cfg.Window {
			continue
		}

		user, err := e.gateway.GetUser(ctx, data.UserID)
		if err != nil {
			logger.Error("Failed to look up birthday user",
				zap.Uint64("userID", data.UserID),
				zap.Error(err))

			continue
		}

		// Departed members keep their record but get nothing granted.
		if user == nil {
			continue
		}

		if user.HasRole(cfg.RoleID) {
			continue
		}

		if err := e.grantOne(ctx, cfg, *user, *data.Birthday, now); err != nil {
			logger.Error("Failed to grant birthday role",
				zap.Uint64("userID", data.UserID),
				zap.Error(err))

			continue
		}

		granted++

		mentions = append(mentions, mention(data.UserID))
	}

	e.announce(ctx, cfg, mentions, logger)

	return granted
}

// grantOne grants the birthday role and brings the user's age tier role
// up to date.
func (e *Engine) grantOne(
	ctx context.Context, cfg Config, user discord.UserSnapshot, birthday, now time.Time,
) error {
	if err := e.gateway.AddRole(ctx, user.ID, cfg.RoleID); err != nil {
		return fmt.Errorf("failed to add birthday role: %w", err)
	}

	if err := e.applyAgeTier(ctx, cfg, user, birthday, now); err != nil {
		return err
	}

	return nil
}

// applyAgeTier grants the tier role for the user's new age and removes
// any other tier role they hold.
func (e *Engine) applyAgeTier(
	ctx context.Context, cfg Config, user discord.UserSnapshot, birthday, now time.Time,
) error {
	if len(cfg.AgeRoles) == 0 {
		return nil
	}

	tier := tierFor(cfg.AgeRoles, ageAt(birthday, now))

	for _, ageRole := range cfg.AgeRoles {
		if ageRole.RoleID == tier.RoleID {
			continue
		}

		if !user.HasRole(ageRole.RoleID) {
			continue
		}

		if err := e.gateway.RemoveRole(ctx, user.ID, ageRole.RoleID); err != nil {
			return fmt.Errorf("failed to remove age tier role: %w", err)
		}
	}

	if user.HasRole(tier.RoleID) {
		return nil
	}

	if err := e.gateway.AddRole(ctx, user.ID, tier.RoleID); err != nil {
		return fmt.Errorf("failed to add age tier role: %w", err)
	}

	return nil
}

// announce posts one combined message for every birthday granted this
// pass. Announcement failure never fails the sweep.
func (e *Engine) announce(ctx context.Context, cfg Config, mentions []string, logger *zap.Logger) {
	if len(mentions) == 0 || cfg.AnnounceChannelID == 0 {
		return
	}

	content := fmt.Sprintf("Happy birthday %s! 🎂", strings.Join(mentions, " "))

	if err := e.gateway.SendMessage(ctx, cfg.AnnounceChannelID, content); err != nil {
		logger.Error("Failed to announce birthdays", zap.Error(err))
	}
}

// SetBirthday records a user's birthday and, when it falls inside the
// current window, grants the role and announces immediately instead of
// waiting for the next sweep.
func (e *Engine) SetBirthday(ctx context.Context, userID uint64, birthday time.Time) error {
	cfg := e.config()
	now := e.clock.Now()

	ref, err := e.store.GetUserRecord(ctx, cfg.GuildID, userID)
	if err != nil {
		return fmt.Errorf("failed to load record: %w", err)
	}

	birthday = birthday.UTC()
	ref.Data().SetBirthday(&birthday)
	ref.Data().UpdatedAt = now

	if err := ref.Commit(ctx); err != nil {
		return fmt.Errorf("failed to persist birthday: %w", err)
	}

	occurrence := lastOccurrence(birthday, now)
	if now.Sub(occurrence) >= roleDuration {
		return nil
	}

	user, err := e.gateway.GetUser(ctx, userID)
	if err != nil || user == nil || user.HasRole(cfg.RoleID) {
		return err
	}

	if err := e.grantOne(ctx, cfg, *user, birthday, now); err != nil {
		return err
	}

	e.announce(ctx, cfg, []string{mention(userID)}, e.logger)

	return nil
}

// ClearBirthday removes a user's recorded birthday. The role, if held,
// falls off on the next sweep.
func (e *Engine) ClearBirthday(ctx context.Context, userID uint64) error {
	cfg := e.config()

	ref, err := e.store.GetUserRecord(ctx, cfg.GuildID, userID)
	if err != nil {
		return fmt.Errorf("failed to load record: %w", err)
	}

	ref.Data().SetBirthday(nil)
	ref.Data().UpdatedAt = e.clock.Now()

	return ref.Commit(ctx)
}

// lastOccurrence returns the most recent calendar occurrence of the
// birthday at or before now, normalizing February 29 to the 28th in
// non-leap years.
func lastOccurrence(birthday, now time.Time) time.Time {
	occurrence := occurrenceInYear(birthday, now.Year())
	if occurrence.After(now) {
		occurrence = occurrenceInYear(birthday, now.Year()-1)
	}

	return occurrence
}

// occurrenceInYear maps a birthday onto a specific year, keeping the
// recorded time of day.
func occurrenceInYear(birthday time.Time, year int) time.Time {
	birthday = birthday.UTC()

	month, day := birthday.Month(), birthday.Day()
	if month == time.February && day == 29 && !isLeapYear(year) {
		day = 28
	}

	return time.Date(year, month, day, birthday.Hour(), birthday.Minute(), 0, 0, time.UTC)
}

// nearestOccurrence returns the calendar occurrence of the birthday
// closest to now, looking one year in each direction so grants minutes
// before or after the recorded minute resolve to the right occurrence.
func nearestOccurrence(birthday, now time.Time) time.Time {
	best := occurrenceInYear(birthday, now.Year()-1)

	for _, year := range []int{now.Year(), now.Year() + 1} {
		occurrence := occurrenceInYear(birthday, year)
		if absDuration(now.Sub(occurrence)) < absDuration(now.Sub(best)) {
			best = occurrence
		}
	}

	return best
}

// ageAt returns the age turned on the birthday occurrence nearest to now.
func ageAt(birthday, now time.Time) int {
	return nearestOccurrence(birthday, now).Year() - birthday.UTC().Year()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}

	return d
}

// tierFor picks the tier for an age, clamping below the first tier and
// above the last.
func tierFor(tiers []AgeRole, age int) AgeRole {
	tier := tiers[0]

	for _, candidate := range tiers[1:] {
		if age >= candidate.Age {
			tier = candidate
		}
	}

	return tier
}

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

func mention(userID uint64) string {
	return fmt.Sprintf("<@%d>", userID)
}
