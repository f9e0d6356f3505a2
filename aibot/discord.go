package aibot

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Discord represents the Discord integration for the bot.
//
// It manages the gateway session, tracks connection state and guild
// membership, and provides the mockable session surface the rest of
// the bot talks to Discord through.
//
// Fields:
//   - session: The Discord session handler.
//   - config: Configuration for Discord integration.
//   - logger: Logger for Discord-related events.
//   - metricConnects: Counter for Discord connection events.
//   - metricDisconnects: Counter for Discord disconnection events.
//   - connected: Atomic boolean indicating if the Discord connection is active.
//   - discordgoRemoveHandlerFuncs: Slice of functions to remove Discord event handlers.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()

	// botUserID is set from the Ready payload. SyncEvents serializes
	// gateway handlers, so by the time any MessageCreate fires, the
	// ID has been written.
	botUserID   string
	botUsername string

	// protecc the map
	guildsMu sync.Mutex
	guilds   map[string]struct{}
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config == nil {
		return nil, fmt.Errorf("nil discord config")
	}
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
		guilds:                      map[string]struct{}{},
	}, nil
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}

	return session, nil
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.botUserID = r.User.ID
			d.botUsername = r.User.Username
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"user_id", d.botUserID,
			"username", d.botUsername,
		)
		if d.config.ListeningStatus != "" {
			if err := d.session.UpdateListeningStatus(
				d.config.ListeningStatus,
			); err != nil {
				d.logger.Error("unable to set listening status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", d.botUserID, "username", d.botUsername),
		)
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info(
			"disconnected",
			"session_id", sessionID,
			slog.Group("user", "id", d.botUserID, "username", d.botUsername),
		)
	}
}

// handlerGuildCreate tracks guild membership by ID. Guilds are keyed
// rather than counted, since the gateway re-sends GuildCreate for
// every guild after a resume.
func (d *Discord) handlerGuildCreate() func(
	s *discordgo.Session,
	g *discordgo.GuildCreate,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		if g.Guild == nil || g.ID == "" {
			return
		}
		d.guildsMu.Lock()
		d.guilds[g.ID] = struct{}{}
		count := len(d.guilds)
		d.guildsMu.Unlock()
		d.logger.Debug("guild available", "guild_id", g.ID, "guilds", count)
	}
}

func (d *Discord) handlerGuildDelete() func(
	s *discordgo.Session,
	g *discordgo.GuildDelete,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildDelete) {
		if g.Guild == nil || g.ID == "" {
			return
		}
		// Unavailable guilds are outages, not removals.
		if g.Unavailable {
			return
		}
		d.guildsMu.Lock()
		delete(d.guilds, g.ID)
		count := len(d.guilds)
		d.guildsMu.Unlock()
		d.logger.Info("removed from guild", "guild_id", g.ID, "guilds", count)
	}
}

func (d *Discord) guildCount() int {
	d.guildsMu.Lock()
	defer d.guildsMu.Unlock()
	return len(d.guilds)
}

// DiscordSessionHandler is the slice of the Discord session API the
// bot uses. It exists so tests can substitute a mock session.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message with full control over
	// the payload, such as reply references and mention behavior.
	//
	// Parameters:
	//   - channelID: The ID of the channel where the message will be sent.
	//   - data: The full message payload.
	//   - options: Optional request options for the message send operation.
	//
	// Returns:
	//   - *discordgo.Message: The sent message object.
	//   - error: An error if the message could not be sent.
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendEmbed sends an embed to a specified channel
	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageDelete deletes a message from a channel
	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// ChannelTyping shows a typing indicator on the given channel
	ChannelTyping(
		channelID string,
		options ...discordgo.RequestOption,
	) error

	// GuildMemberTimeout times a guild member out until the given
	// time. A nil time removes an existing timeout.
	GuildMemberTimeout(
		guildID string,
		userID string,
		until *time.Time,
		options ...discordgo.RequestOption,
	) error

	// UserChannelPermissions returns the permission bits for the given
	// user in the given channel
	UserChannelPermissions(
		userID string,
		channelID string,
		fetchOptions ...discordgo.RequestOption,
	) (int64, error)

	// UpdateListeningStatus sets the bot's activity to
	// "Listening to ...". An empty string clears the activity.
	UpdateListeningStatus(name string) error

	// HeartbeatLatency returns the round-trip time of the last gateway
	// heartbeat
	HeartbeatLatency() time.Duration

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
			"content", data.Content,
		)
	} else {
		d.logger.Info(
			"sent message",
			"channel_id", channelID,
			"content", data.Content,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendEmbed(channelID, embed, options...)
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, options...)
}

func (d DiscordSession) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d DiscordSession) GuildMemberTimeout(
	guildID string,
	userID string,
	until *time.Time,
	options ...discordgo.RequestOption,
) error {
	err := d.session.GuildMemberTimeout(guildID, userID, until, options...)
	if err != nil {
		d.logger.Error(
			"error timing out member",
			tint.Err(err),
			"guild_id", guildID,
			"user_id", userID,
		)
	} else {
		d.logger.Info(
			"timed out member",
			"guild_id", guildID,
			"user_id", userID,
			"until", until,
		)
	}
	return err
}

func (d DiscordSession) UserChannelPermissions(
	userID string,
	channelID string,
	fetchOptions ...discordgo.RequestOption,
) (int64, error) {
	return d.session.UserChannelPermissions(userID, channelID, fetchOptions...)
}

func (d DiscordSession) UpdateListeningStatus(name string) error {
	return d.session.UpdateListeningStatus(name)
}

func (d DiscordSession) HeartbeatLatency() time.Duration {
	return d.session.HeartbeatLatency()
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

// messageMentionsUser checks if a given discord message mentions the
// given user ID (does not indicate if the message content itself contains
// the user, just if the message mentions the user via @).
// Returns true if the message mentions the user, otherwise false.
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil {
		return false
	}
	if len(m.Mentions) == 0 {
		return false
	}
	for _, mention := range m.Mentions {
		if mention.ID == userID {
			return true
		}
	}
	return false
}

// messageAuthor returns the author of the given message. The author
// doesn't always appear in the same place in the message object, so
// this checks known areas.
func messageAuthor(m *discordgo.Message) *discordgo.User {
	if m == nil {
		return nil
	}
	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	return user
}

// displayName returns the name the bot should address the author by,
// preferring the guild nickname, then the global display name, then
// the account username.
func displayName(m *discordgo.Message, user *discordgo.User) string {
	if m != nil && m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if user == nil {
		return ""
	}
	if user.GlobalName != "" {
		return user.GlobalName
	}
	return user.Username
}

// stripBotMention removes mentions of the bot from message content,
// covering both the plain <@id> and legacy nickname <@!id> forms, and
// trims surrounding whitespace.
func stripBotMention(content string, botID string) string {
	if botID != "" {
		content = strings.ReplaceAll(content, "<@"+botID+">", "")
		content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	}
	return strings.TrimSpace(content)
}

// newInboundMessage maps a gateway message to the dispatcher's view of
// it.
func newInboundMessage(m *discordgo.Message, botID string) InboundMessage {
	msg := InboundMessage{
		Content:         m.Content,
		ChannelID:       m.ChannelID,
		MessageID:       m.ID,
		GuildID:         m.GuildID,
		IsMention:       messageMentionsUser(m, botID),
		IsDirectMessage: m.GuildID == "",
	}
	if user := messageAuthor(m); user != nil {
		msg.UserID = user.ID
		msg.DisplayName = displayName(m, user)
	}
	return msg
}
