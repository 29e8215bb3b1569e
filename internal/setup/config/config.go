package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

var (
	ErrConfigFileNotFound    = errors.New("could not find config file in any config path")
	ErrConfigVersionMismatch = errors.New("config file version mismatch")
	ErrInvalidConfig         = errors.New("invalid configuration")
)

// CurrentVersion is the expected version of the config file.
const CurrentVersion = 1

// Config represents the entire application configuration.
type Config struct {
	// Version of the config file.
	Version    int        `koanf:"version"`
	Logging    Logging    `koanf:"logging"`
	Discord    Discord    `koanf:"discord"`
	PostgreSQL PostgreSQL `koanf:"postgresql"`
	Redis      Redis      `koanf:"redis"`
	Gaius      Gaius      `koanf:"gaius"`
	AutoMember AutoMember `koanf:"auto_member"`
	Birthday   Birthday   `koanf:"birthday"`
}

// Logging contains logging configuration.
type Logging struct {
	// Log level (debug, info, warn, error).
	Level string `koanf:"level"`
}

// Discord contains Discord gateway configuration.
type Discord struct {
	// Bot token.
	Token string `koanf:"token"`
	// Guild the bot manages.
	GuildID uint64 `koanf:"guild_id"`
}

// PostgreSQL contains database connection configuration.
type PostgreSQL struct {
	Host         string `koanf:"host"`
	Port         int    `koanf:"port"`
	User         string `koanf:"user"`
	Password     string `koanf:"password"`
	DBName       string `koanf:"db_name"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	// Connection max lifetime in minutes.
	MaxLifetime int `koanf:"max_lifetime"`
	// Connection max idle time in minutes.
	MaxIdleTime int `koanf:"max_idle_time"`
}

// Redis contains Redis connection configuration.
type Redis struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// Gaius contains moderation feed configuration. When disabled the
// punishment check is skipped entirely.
type Gaius struct {
	Enabled  bool   `koanf:"enabled"`
	BaseURL  string `koanf:"base_url"`
	APIToken string `koanf:"api_token"`
}

// AutoMember contains the auto member system configuration.
type AutoMember struct {
	// Cron schedule for the reconciliation sweep.
	Schedule string `koanf:"schedule"`
	// Minimum tenure before promotion, in hours.
	MinimumJoinAgeHours int `koanf:"minimum_join_age_hours"`
	// Minimum recent messages required for promotion.
	MinimumMessages int `koanf:"minimum_messages"`
	// Rolling window for counting recent messages, in hours.
	MessageWindowHours int `koanf:"message_window_hours"`
	// Role groups; a candidate needs at least one role from every group.
	RequiredRoleGroups [][]uint64 `koanf:"required_role_groups"`
	// Role that unconditionally blocks promotion.
	HoldRoleID uint64 `koanf:"hold_role_id"`
	// Role granted on promotion.
	MemberRoleID uint64 `koanf:"member_role_id"`
	// Role held before promotion.
	NewMemberRoleID uint64 `koanf:"new_member_role_id"`
	// Channel where candidates must introduce themselves.
	IntroductionChannelID uint64 `koanf:"introduction_channel_id"`
	// Channels walked at startup to rebuild the activity cache.
	ActivityChannelIDs []uint64 `koanf:"activity_channel_ids"`
}

// AgeRole maps an age to the tier role granted at that age.
type AgeRole struct {
	Age    int    `koanf:"age"`
	RoleID uint64 `koanf:"role_id"`
}

// Birthday contains the birthday system configuration.
type Birthday struct {
	// Cron schedule for the birthday sweep.
	Schedule string `koanf:"schedule"`
	// Role granted on a user's birthday.
	RoleID uint64 `koanf:"role_id"`
	// Channel for birthday announcements.
	AnnounceChannelID uint64 `koanf:"announce_channel_id"`
	// Grant window around the birthday occurrence, in minutes.
	WindowMinutes int `koanf:"window_minutes"`
	// Age tier roles, lowest age first.
	AgeRoles []AgeRole `koanf:"age_roles"`
}

// LoadConfig loads the configuration from the first warden.toml found in
// the search paths. Missing or invalid configuration is a startup error.
func LoadConfig() (*Config, string, error) {
	k := koanf.New(".")

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get home directory: %w", err)
	}

	configPaths := []string{
		".warden",
		homeDir + "/.warden/config",
		"/etc/warden/config",
		"/app/config",
		"config",
		".",
	}

	var usedConfigPath string

	for _, path := range configPaths {
		configPath := fmt.Sprintf("%s/warden.toml", path)
		if err := k.Load(file.Provider(configPath), toml.Parser()); err == nil {
			usedConfigPath = path
			break
		}
	}

	if usedConfigPath == "" {
		return nil, "", fmt.Errorf("%w: warden.toml", ErrConfigFileNotFound)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, "", fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.Version != CurrentVersion {
		return nil, "", fmt.Errorf("%w: expected version %d, got %d",
			ErrConfigVersionMismatch, CurrentVersion, config.Version)
	}

	if err := config.Validate(); err != nil {
		return nil, "", err
	}

	return &config, usedConfigPath, nil
}

// Validate checks required fields. Invalid configuration is fatal at
// startup, not a runtime condition.
func (c *Config) Validate() error {
	switch {
	case c.Discord.Token == "":
		return fmt.Errorf("%w: discord.token is required", ErrInvalidConfig)
	case c.Discord.GuildID == 0:
		return fmt.Errorf("%w: discord.guild_id is required", ErrInvalidConfig)
	case c.AutoMember.Schedule == "":
		return fmt.Errorf("%w: auto_member.schedule is required", ErrInvalidConfig)
	case c.AutoMember.MemberRoleID == 0:
		return fmt.Errorf("%w: auto_member.member_role_id is required", ErrInvalidConfig)
	case c.AutoMember.NewMemberRoleID == 0:
		return fmt.Errorf("%w: auto_member.new_member_role_id is required", ErrInvalidConfig)
	case c.AutoMember.MinimumJoinAgeHours < 0 || c.AutoMember.MinimumMessages < 0:
		return fmt.Errorf("%w: auto_member thresholds must not be negative", ErrInvalidConfig)
	case c.Birthday.Schedule == "":
		return fmt.Errorf("%w: birthday.schedule is required", ErrInvalidConfig)
	case c.Gaius.Enabled && c.Gaius.BaseURL == "":
		return fmt.Errorf("%w: gaius.base_url is required when gaius is enabled", ErrInvalidConfig)
	}

	return nil
}
