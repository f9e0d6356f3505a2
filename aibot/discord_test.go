package aibot

import (
	"log/slog"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDiscord(t testing.TB) (*Discord, *mockDiscordSession) {
	t.Helper()

	cfg := DefaultTestConfig(t)
	d, err := newDiscord(cfg.Discord)
	require.NoError(t, err)
	d.logger = slog.Default()

	session := &mockDiscordSession{}
	d.session = session
	return d, session
}

func TestNewDiscordNilConfig(t *testing.T) {
	t.Parallel()
	_, err := newDiscord(nil)
	require.Error(t, err)
}

func TestMessageMentionsUser(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		message  *discordgo.Message
		expected bool
	}{
		{
			name: "nil message",
		},
		{
			name:    "no mentions",
			message: &discordgo.Message{Content: "hello"},
		},
		{
			name: "mentions someone else",
			message: &discordgo.Message{
				Mentions: []*discordgo.User{{ID: "someone-else"}},
			},
		},
		{
			name: "mentions the bot",
			message: &discordgo.Message{
				Mentions: []*discordgo.User{
					{ID: "someone-else"},
					{ID: testBotUserID},
				},
			},
			expected: true,
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				assert.Equal(
					t,
					tc.expected,
					messageMentionsUser(tc.message, testBotUserID),
				)
			},
		)
	}
}

func TestMessageAuthor(t *testing.T) {
	t.Parallel()

	author := &discordgo.User{ID: "user-1"}
	assert.Equal(t, author, messageAuthor(&discordgo.Message{Author: author}))

	memberUser := &discordgo.User{ID: "user-2"}
	assert.Equal(
		t,
		memberUser,
		messageAuthor(
			&discordgo.Message{Member: &discordgo.Member{User: memberUser}},
		),
	)

	assert.Nil(t, messageAuthor(&discordgo.Message{}))
	assert.Nil(t, messageAuthor(nil))
}

func TestDisplayName(t *testing.T) {
	t.Parallel()

	user := &discordgo.User{Username: "username", GlobalName: "Global Name"}

	withNick := &discordgo.Message{Member: &discordgo.Member{Nick: "Nickname"}}
	assert.Equal(t, "Nickname", displayName(withNick, user))

	assert.Equal(t, "Global Name", displayName(&discordgo.Message{}, user))

	assert.Equal(
		t,
		"username",
		displayName(&discordgo.Message{}, &discordgo.User{Username: "username"}),
	)

	assert.Equal(t, "", displayName(nil, nil))
}

func TestStripBotMention(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		content  string
		expected string
	}{
		{
			name:     "leading mention",
			content:  "<@" + testBotUserID + "> what's up?",
			expected: "what's up?",
		},
		{
			name:     "legacy nickname mention",
			content:  "<@!" + testBotUserID + "> hello",
			expected: "hello",
		},
		{
			name:     "mention mid-sentence",
			content:  "hey <@" + testBotUserID + "> how are you",
			expected: "hey  how are you",
		},
		{
			name:     "mention only",
			content:  "<@" + testBotUserID + ">",
			expected: "",
		},
		{
			name:     "someone else's mention is kept",
			content:  "<@12345> hi",
			expected: "<@12345> hi",
		},
		{
			name:     "no mention",
			content:  "  plain text  ",
			expected: "plain text",
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				assert.Equal(
					t,
					tc.expected,
					stripBotMention(tc.content, testBotUserID),
				)
			},
		)
	}
}

func TestNewInboundMessage(t *testing.T) {
	t.Parallel()

	m := &discordgo.Message{
		ID:        "message-1",
		ChannelID: "channel-1",
		GuildID:   "guild-1",
		Content:   "<@" + testBotUserID + "> hi",
		Author: &discordgo.User{
			ID:       "user-1",
			Username: "somebody",
		},
		Mentions: []*discordgo.User{{ID: testBotUserID}},
	}

	msg := newInboundMessage(m, testBotUserID)
	assert.Equal(t, "user-1", msg.UserID)
	assert.Equal(t, "somebody", msg.DisplayName)
	assert.Equal(t, "<@"+testBotUserID+"> hi", msg.Content)
	assert.Equal(t, "channel-1", msg.ChannelID)
	assert.Equal(t, "message-1", msg.MessageID)
	assert.Equal(t, "guild-1", msg.GuildID)
	assert.True(t, msg.IsMention)
	assert.False(t, msg.IsDirectMessage)

	m.GuildID = ""
	m.Mentions = nil
	dm := newInboundMessage(m, testBotUserID)
	assert.False(t, dm.IsMention)
	assert.True(t, dm.IsDirectMessage)
}

func TestHandlerReady(t *testing.T) {
	t.Parallel()
	d, session := newTestDiscord(t)

	handler := d.handlerReady()
	handler(
		nil, &discordgo.Ready{
			SessionID: "session-1",
			User: &discordgo.User{
				ID:       testBotUserID,
				Username: "aibot",
			},
		},
	)

	assert.Equal(t, testBotUserID, d.botUserID)
	assert.Equal(t, "aibot", d.botUsername)

	session.mu.Lock()
	defer session.mu.Unlock()
	require.Len(t, session.statuses, 1)
	assert.Equal(t, d.config.ListeningStatus, session.statuses[0])
}

func TestHandlerConnectDisconnect(t *testing.T) {
	t.Parallel()
	d, _ := newTestDiscord(t)

	connect := d.handlerConnect()
	disconnect := d.handlerDisconnect()

	connect(nil, &discordgo.Connect{})
	assert.True(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricConnects.Load())

	disconnect(nil, &discordgo.Disconnect{})
	assert.False(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricDisconnects.Load())
}

func TestGuildTracking(t *testing.T) {
	t.Parallel()
	d, _ := newTestDiscord(t)

	create := d.handlerGuildCreate()
	remove := d.handlerGuildDelete()

	create(nil, &discordgo.GuildCreate{Guild: &discordgo.Guild{ID: "guild-1"}})
	create(nil, &discordgo.GuildCreate{Guild: &discordgo.Guild{ID: "guild-2"}})
	assert.Equal(t, 2, d.guildCount())

	// a resume re-sends GuildCreate for guilds we're already in
	create(nil, &discordgo.GuildCreate{Guild: &discordgo.Guild{ID: "guild-1"}})
	assert.Equal(t, 2, d.guildCount())

	// an unavailable guild is an outage, not a removal
	remove(
		nil, &discordgo.GuildDelete{
			Guild: &discordgo.Guild{ID: "guild-1", Unavailable: true},
		},
	)
	assert.Equal(t, 2, d.guildCount())

	remove(nil, &discordgo.GuildDelete{Guild: &discordgo.Guild{ID: "guild-1"}})
	assert.Equal(t, 1, d.guildCount())

	create(nil, &discordgo.GuildCreate{})
	assert.Equal(t, 1, d.guildCount())
}

func TestDiscordSessionSetLogLevel(t *testing.T) {
	t.Parallel()

	session := DiscordSession{session: &discordgo.Session{}}

	require.NoError(t, session.SetLogLevel(slog.LevelDebug))
	assert.Equal(t, discordgo.LogDebug, session.session.LogLevel)

	require.NoError(t, session.SetLogLevel(slog.LevelWarn))
	assert.Equal(t, discordgo.LogWarning, session.session.LogLevel)

	assert.Error(t, session.SetLogLevel(slog.Level(42)))
}
