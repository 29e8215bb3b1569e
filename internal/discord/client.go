package discord

import (
	"context"
	"fmt"
	"sync"

	"github.com/disgoorg/disgo"
	"github.com/disgoorg/disgo/bot"
	disc "github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/snowflake/v2"
	"go.uber.org/zap"
)

// memberPageSize is the REST page size used when syncing the member list.
const memberPageSize = 1000

// Client implements Gateway on top of disgo. It keeps its own member map,
// populated by SyncUsers and kept fresh by gateway events, so member reads
// never hit the REST API.
type Client struct {
	client   bot.Client
	guildID  snowflake.ID
	logger   *zap.Logger
	mu       sync.RWMutex
	members  map[snowflake.ID]disc.Member
	handlers EventHandlers
}

// NewClient configures a disgo client with the gateway intents and event
// listeners the engines need. Handlers may be registered before Open via
// OnEvents.
func NewClient(token string, guildID uint64, logger *zap.Logger) (*Client, error) {
	c := &Client{
		guildID: snowflake.ID(guildID),
		logger:  logger.Named("discord"),
		members: make(map[snowflake.ID]disc.Member),
	}

	client, err := disgo.New(token,
		bot.WithGatewayConfigOpts(
			gateway.WithIntents(
				gateway.IntentGuilds,
				gateway.IntentGuildMembers,
				gateway.IntentGuildMessages,
			),
		),
		bot.WithEventListeners(&events.ListenerAdapter{
			OnGuildMemberJoin:    c.onMemberJoin,
			OnGuildMemberUpdate:  c.onMemberUpdate,
			OnGuildMemberLeave:   c.onMemberLeave,
			OnGuildMessageCreate: c.onMessageCreate,
			OnGuildMessageDelete: c.onMessageDelete,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord client: %w", err)
	}

	c.client = client

	return c, nil
}

// OnEvents registers the engine's event callbacks. Must be called before
// Open so no events are dropped.
func (c *Client) OnEvents(handlers EventHandlers) {
	c.handlers = handlers
}

// Open connects to the gateway.
func (c *Client) Open(ctx context.Context) error {
	if err := c.client.OpenGateway(ctx); err != nil {
		return fmt.Errorf("failed to open gateway: %w", err)
	}

	c.logger.Info("Gateway connection established", zap.Uint64("guildID", uint64(c.guildID)))

	return nil
}

// Close disconnects from the gateway.
func (c *Client) Close(ctx context.Context) {
	c.client.Close(ctx)
}

// SyncUsers refreshes the full member list through paged REST calls.
func (c *Client) SyncUsers(ctx context.Context) error {
	members := make(map[snowflake.ID]disc.Member)

	var after snowflake.ID

	for {
		page, err := c.client.Rest().GetMembers(c.guildID, memberPageSize, after, withContext(ctx)...)
		if err != nil {
			return fmt.Errorf("failed to fetch members: %w", err)
		}

		for _, member := range page {
			members[member.User.ID] = member
		}

		if len(page) < memberPageSize {
			break
		}

		after = page[len(page)-1].User.ID
	}

	c.mu.Lock()
	c.members = members
	c.mu.Unlock()

	c.logger.Info("Synced guild members", zap.Int("count", len(members)))

	return nil
}

// GetAllUsers returns a snapshot of every known guild member.
func (c *Client) GetAllUsers(context.Context) ([]UserSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	users := make([]UserSnapshot, 0, len(c.members))
	for _, member := range c.members {
		users = append(users, snapshotMember(member))
	}

	return users, nil
}

// GetUser returns a snapshot of one member, or nil if unknown.
func (c *Client) GetUser(_ context.Context, userID uint64) (*UserSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	member, ok := c.members[snowflake.ID(userID)]
	if !ok {
		return nil, nil
	}

	snapshot := snapshotMember(member)

	return &snapshot, nil
}

// GetUsersWithRole returns snapshots of members holding the role.
func (c *Client) GetUsersWithRole(_ context.Context, roleID uint64) ([]UserSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var users []UserSnapshot

	for _, member := range c.members {
		snapshot := snapshotMember(member)
		if snapshot.HasRole(roleID) {
			users = append(users, snapshot)
		}
	}

	return users, nil
}

// GetChannel fetches a channel by ID.
func (c *Client) GetChannel(ctx context.Context, channelID uint64) (*Channel, error) {
	channel, err := c.client.Rest().GetChannel(snowflake.ID(channelID), withContext(ctx)...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch channel %d: %w", channelID, err)
	}

	return &Channel{ID: uint64(channel.ID()), Name: channel.Name()}, nil
}

// GetMessages pages backward through channel history.
func (c *Client) GetMessages(ctx context.Context, channelID, before uint64, limit int) ([]Message, error) {
	page, err := c.client.Rest().GetMessages(
		snowflake.ID(channelID), 0, snowflake.ID(before), 0, limit, withContext(ctx)...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages for channel %d: %w", channelID, err)
	}

	messages := make([]Message, 0, len(page))
	for _, msg := range page {
		messages = append(messages, snapshotMessage(msg))
	}

	return messages, nil
}

// SendMessage posts a plain content message to a channel.
func (c *Client) SendMessage(ctx context.Context, channelID uint64, content string) error {
	_, err := c.client.Rest().CreateMessage(
		snowflake.ID(channelID),
		disc.NewMessageCreateBuilder().SetContent(content).Build(),
		withContext(ctx)...)
	if err != nil {
		return fmt.Errorf("failed to send message to channel %d: %w", channelID, err)
	}

	return nil
}

// AddRole grants a role to a member.
func (c *Client) AddRole(ctx context.Context, userID, roleID uint64) error {
	err := c.client.Rest().AddMemberRole(
		c.guildID, snowflake.ID(userID), snowflake.ID(roleID), withContext(ctx)...)
	if err != nil {
		return fmt.Errorf("failed to add role %d to user %d: %w", roleID, userID, err)
	}

	c.applyRoleChange(snowflake.ID(userID), snowflake.ID(roleID), true)

	return nil
}

// RemoveRole revokes a role from a member.
func (c *Client) RemoveRole(ctx context.Context, userID, roleID uint64) error {
	err := c.client.Rest().RemoveMemberRole(
		c.guildID, snowflake.ID(userID), snowflake.ID(roleID), withContext(ctx)...)
	if err != nil {
		return fmt.Errorf("failed to remove role %d from user %d: %w", roleID, userID, err)
	}

	c.applyRoleChange(snowflake.ID(userID), snowflake.ID(roleID), false)

	return nil
}

func (c *Client) applyRoleChange(userID, roleID snowflake.ID, add bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	member, ok := c.members[userID]
	if !ok {
		return
	}

	roles := make([]snowflake.ID, 0, len(member.RoleIDs)+1)

	for _, id := range member.RoleIDs {
		if id != roleID {
			roles = append(roles, id)
		}
	}

	if add {
		roles = append(roles, roleID)
	}

	member.RoleIDs = roles
	c.members[userID] = member
}

func (c *Client) onMemberJoin(e *events.GuildMemberJoin) {
	if e.GuildID != c.guildID || e.Member.User.Bot {
		return
	}

	c.mu.Lock()
	c.members[e.Member.User.ID] = e.Member
	c.mu.Unlock()

	if c.handlers.UserJoined != nil {
		c.handlers.UserJoined(snapshotMember(e.Member))
	}
}

func (c *Client) onMemberUpdate(e *events.GuildMemberUpdate) {
	if e.GuildID != c.guildID || e.Member.User.Bot {
		return
	}

	c.mu.Lock()
	before, hadBefore := c.members[e.Member.User.ID]
	c.members[e.Member.User.ID] = e.Member
	c.mu.Unlock()

	if !hadBefore {
		before = e.Member
	}

	if c.handlers.UserUpdated != nil {
		c.handlers.UserUpdated(snapshotMember(before), snapshotMember(e.Member))
	}
}

func (c *Client) onMemberLeave(e *events.GuildMemberLeave) {
	if e.GuildID != c.guildID {
		return
	}

	c.mu.Lock()
	delete(c.members, e.User.ID)
	c.mu.Unlock()
}

func (c *Client) onMessageCreate(e *events.GuildMessageCreate) {
	if e.GuildID != c.guildID || e.Message.Author.Bot {
		return
	}

	if c.handlers.MessageReceived != nil {
		c.handlers.MessageReceived(snapshotMessage(e.Message))
	}
}

func (c *Client) onMessageDelete(e *events.GuildMessageDelete) {
	if e.GuildID != c.guildID {
		return
	}

	if c.handlers.MessageDeleted != nil {
		c.handlers.MessageDeleted(uint64(e.MessageID))
	}
}

func snapshotMember(member disc.Member) UserSnapshot {
	roles := make([]uint64, 0, len(member.RoleIDs))
	for _, id := range member.RoleIDs {
		roles = append(roles, uint64(id))
	}

	nickname := ""
	if member.Nick != nil {
		nickname = *member.Nick
	}

	return UserSnapshot{
		ID:        uint64(member.User.ID),
		Username:  member.User.Username,
		Nickname:  nickname,
		AvatarURL: member.User.EffectiveAvatarURL(),
		RoleIDs:   roles,
		JoinedAt:  member.JoinedAt,
		Bot:       member.User.Bot,
	}
}

func snapshotMessage(msg disc.Message) Message {
	guildID := uint64(0)
	if msg.GuildID != nil {
		guildID = uint64(*msg.GuildID)
	}

	return Message{
		ID:          uint64(msg.ID),
		ChannelID:   uint64(msg.ChannelID),
		GuildID:     guildID,
		AuthorID:    uint64(msg.Author.ID),
		AuthorIsBot: msg.Author.Bot,
		CreatedAt:   msg.ID.Time(),
	}
}
