package automember

import (
	"context"
	"fmt"
	"time"

	"github.com/wardenhq/warden/internal/discord"
	"go.uber.org/zap"
)

// historyPageSize is the page size used when walking channel history
// backward during preloads.
const historyPageSize = 100

// preload rebuilds the working state at startup: the member list, the
// introduction poster set, the activity cache, and the punished set. All
// of it must complete before the first sweep is armed.
func (e *Engine) preload(ctx context.Context) error {
	cfg := e.config()

	if err := e.gateway.SyncUsers(ctx); err != nil {
		return fmt.Errorf("failed to sync member list: %w", err)
	}

	if err := e.preloadIntroductions(ctx, cfg); err != nil {
		return err
	}

	if err := e.preloadActivity(ctx, cfg); err != nil {
		return err
	}

	if e.punishmentsEnabled(cfg) {
		e.preloadPunishments(ctx)
	}

	return nil
}

// preloadIntroductions walks the full introduction channel history and
// marks every non-member author as introduced.
func (e *Engine) preloadIntroductions(ctx context.Context, cfg Config) error {
	if cfg.IntroductionChannelID == 0 {
		return nil
	}

	marked := 0

	err := e.walkHistory(ctx, cfg.IntroductionChannelID, time.Time{}, func(msg discord.Message) error {
		if msg.AuthorIsBot {
			return nil
		}

		user, err := e.gateway.GetUser(ctx, msg.AuthorID)
		if err != nil {
			return err
		}

		if user == nil || !user.HasRole(cfg.MemberRoleID) {
			e.state.MarkIntroduced(msg.AuthorID)
			marked++
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to preload introductions: %w", err)
	}

	e.logger.Info("Preloaded introduction posters", zap.Int("count", marked))

	return nil
}

// preloadActivity walks each activity channel backward until messages fall
// outside the activity window, caching everything inside it.
func (e *Engine) preloadActivity(ctx context.Context, cfg Config) error {
	cutoff := e.clock.Now().Add(-cfg.MessageWindow)
	cached := 0

	for _, channelID := range cfg.ActivityChannelIDs {
		err := e.walkHistory(ctx, channelID, cutoff, func(msg discord.Message) error {
			if msg.AuthorIsBot {
				return nil
			}

			e.state.TrackMessage(msg.ID, &MessageProperties{
				UserID:    msg.AuthorID,
				ChannelID: msg.ChannelID,
				GuildID:   msg.GuildID,
			}, msg.CreatedAt.Add(cfg.MessageWindow))
			cached++

			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to preload activity for channel %d: %w", channelID, err)
		}
	}

	e.logger.Info("Preloaded activity cache", zap.Int("messages", cached))

	return nil
}

// preloadPunishments rebuilds the punished set from the full feed. The
// rebuild replaces the set wholesale; incremental refreshes only merge.
func (e *Engine) preloadPunishments(ctx context.Context) {
	var userIDs []uint64

	warnings, err := e.feed.GetAllWarnings(ctx)
	if err == nil {
		for _, record := range warnings {
			userIDs = append(userIDs, record.UserID)
		}
	}

	caselogs, err := e.feed.GetAllCaselogs(ctx)
	if err == nil {
		for _, record := range caselogs {
			userIDs = append(userIDs, record.UserID)
		}
	}

	e.state.ReplacePunished(userIDs)

	e.logger.Info("Preloaded punishment records", zap.Int("count", len(userIDs)))
}

// walkHistory pages backward through a channel, invoking fn for every
// message created at or after cutoff. A zero cutoff walks the full
// history. Pages arrive newest first, so the walk stops at the first
// message older than the cutoff.
func (e *Engine) walkHistory(
	ctx context.Context, channelID uint64, cutoff time.Time, fn func(msg discord.Message) error,
) error {
	var before uint64

	for {
		page, err := e.gateway.GetMessages(ctx, channelID, before, historyPageSize)
		if err != nil {
			return err
		}

		if len(page) == 0 {
			return nil
		}

		for _, msg := range page {
			if !cutoff.IsZero() && msg.CreatedAt.Before(cutoff) {
				return nil
			}

			if err := fn(msg); err != nil {
				return err
			}
		}

		if len(page) < historyPageSize {
			return nil
		}

		before = page[len(page)-1].ID
	}
}
