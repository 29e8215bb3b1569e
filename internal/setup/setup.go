// Package setup assembles the application's shared dependencies in the
// right order and tears them down in reverse.
package setup

import (
	"context"
	"fmt"
	"time"

	"github.com/wardenhq/warden/internal/automember"
	"github.com/wardenhq/warden/internal/birthday"
	"github.com/wardenhq/warden/internal/database"
	"github.com/wardenhq/warden/internal/discord"
	"github.com/wardenhq/warden/internal/gaius"
	"github.com/wardenhq/warden/internal/metrics"
	"github.com/wardenhq/warden/internal/redis"
	"github.com/wardenhq/warden/internal/setup/config"
	"github.com/wardenhq/warden/pkg/utils"
	"go.uber.org/zap"
)

// App bundles the shared dependencies the bot needs.
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	DB           database.Client
	RedisManager *redis.Manager
	Metrics      metrics.Emitter
	Discord      *discord.Client
	Feed         gaius.Feed
	Clock        utils.Clock
}

// InitializeApp loads the configuration and sets up all shared
// dependencies. Any failure aborts startup.
func InitializeApp(ctx context.Context) (*App, error) {
	cfg, configPath, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := NewLogger(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Configuration loaded", zap.String("path", configPath))

	db, err := database.NewConnection(ctx, &cfg.PostgreSQL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	redisManager := redis.NewManager(&cfg.Redis, logger)

	var emitter metrics.Emitter = metrics.NewNoopEmitter()

	if metricsClient, err := redisManager.GetClient(redis.MetricsDBIndex); err != nil {
		// Metrics are fire-and-forget; a missing sink degrades, never blocks.
		logger.Warn("Metrics sink unavailable, continuing without metrics", zap.Error(err))
	} else {
		emitter = metrics.NewRedisEmitter(metricsClient, logger)
	}

	discordClient, err := discord.NewClient(cfg.Discord.Token, cfg.Discord.GuildID, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord client: %w", err)
	}

	var feed gaius.Feed
	if cfg.Gaius.Enabled {
		feed = gaius.NewClient(&cfg.Gaius, logger)
	}

	return &App{
		Config:       cfg,
		Logger:       logger,
		DB:           db,
		RedisManager: redisManager,
		Metrics:      emitter,
		Discord:      discordClient,
		Feed:         feed,
		Clock:        utils.NewSystemClock(),
	}, nil
}

// Cleanup releases all resources in reverse initialization order.
func (a *App) Cleanup(ctx context.Context) {
	a.Discord.Close(ctx)
	a.RedisManager.Close()

	if err := a.DB.Close(); err != nil {
		a.Logger.Error("Failed to close database connection", zap.Error(err))
	}

	_ = a.Logger.Sync()
}

// AutoMemberConfig derives the engine configuration from the loaded file.
// Durations live in the file as plain integers; they are converted here at
// the edge.
func (a *App) AutoMemberConfig() automember.Config {
	section := a.Config.AutoMember

	return automember.Config{
		GuildID:                a.Config.Discord.GuildID,
		MinimumJoinAge:         time.Duration(section.MinimumJoinAgeHours) * time.Hour,
		MinimumMessages:        section.MinimumMessages,
		MessageWindow:          time.Duration(section.MessageWindowHours) * time.Hour,
		RequiredRoleGroups:     section.RequiredRoleGroups,
		HoldRoleID:             section.HoldRoleID,
		MemberRoleID:           section.MemberRoleID,
		NewMemberRoleID:        section.NewMemberRoleID,
		IntroductionChannelID:  section.IntroductionChannelID,
		ActivityChannelIDs:     section.ActivityChannelIDs,
		PunishmentCheckEnabled: a.Config.Gaius.Enabled,
	}
}

// BirthdayConfig derives the birthday engine configuration.
func (a *App) BirthdayConfig() birthday.Config {
	section := a.Config.Birthday

	ageRoles := make([]birthday.AgeRole, 0, len(section.AgeRoles))
	for _, ageRole := range section.AgeRoles {
		ageRoles = append(ageRoles, birthday.AgeRole{Age: ageRole.Age, RoleID: ageRole.RoleID})
	}

	return birthday.Config{
		GuildID:           a.Config.Discord.GuildID,
		RoleID:            section.RoleID,
		AnnounceChannelID: section.AnnounceChannelID,
		Window:            time.Duration(section.WindowMinutes) * time.Minute,
		AgeRoles:          ageRoles,
	}
}
