package aibot

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructToSlogValueRedaction(t *testing.T) {
	t.Parallel()

	cfg := DefaultTestConfig(t)
	rendered := structToSlogValue(cfg).String()

	assert.Contains(t, rendered, "[redacted]")
	assert.NotContains(t, rendered, cfg.Discord.Token)
	assert.NotContains(t, rendered, cfg.AI.APIKey)
	assert.Contains(t, rendered, cfg.AI.Model)
}

func TestStructToSlogValueSkipsEmpty(t *testing.T) {
	t.Parallel()

	msg := InboundMessage{UserID: "user-1", Content: "hi"}
	rendered := structToSlogValue(msg).String()

	assert.Contains(t, rendered, "user_id")
	assert.NotContains(t, rendered, "guild_id")
	assert.NotContains(t, rendered, "channel_id")
}

func TestStructToSlogValueNil(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.AnyValue(nil).String(), structToSlogValue(nil).String())

	var cfg *Config
	assert.Equal(t, slog.AnyValue(nil).String(), structToSlogValue(cfg).String())
}

func TestContextLogger(t *testing.T) {
	t.Parallel()

	logger, ok := ContextLogger(context.Background())
	assert.False(t, ok)
	assert.Nil(t, logger)

	withLogger := WithLogger(context.Background(), slog.Default())
	logger, ok = ContextLogger(withLogger)
	assert.True(t, ok)
	require.NotNil(t, logger)

	// nil loggers fall back to the default
	fallback := WithLogger(context.Background(), nil)
	logger, ok = ContextLogger(fallback)
	assert.True(t, ok)
	assert.Equal(t, slog.Default(), logger)
}

func TestMessageLogAttrs(t *testing.T) {
	t.Parallel()

	guildMsg := commandMessage("hello")
	attrs := messageLogAttrs(guildMsg)
	assert.Equal(
		t,
		[]any{
			"user_id", "user-1",
			"channel_id", "channel-1",
			"message_id", "message-1",
			"guild_id", "guild-1",
		},
		attrs,
	)

	dm := commandMessage("hello")
	dm.GuildID = ""
	dm.IsDirectMessage = true
	attrs = messageLogAttrs(dm)
	assert.Equal(
		t,
		[]any{
			"user_id", "user-1",
			"channel_id", "channel-1",
			"message_id", "message-1",
			"direct_message", true,
		},
		attrs,
	)
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		length   int
		expected string
	}{
		{
			name:     "short string unchanged",
			input:    "hello",
			length:   10,
			expected: "hello",
		},
		{
			name:     "exact length unchanged",
			input:    "hello",
			length:   5,
			expected: "hello",
		},
		{
			name:     "multibyte runes",
			input:    strings.Repeat("héllo", 3),
			length:   7,
			expected: "héllohé",
		},
		{
			name:     "trimmed",
			input:    "hello world",
			length:   5,
			expected: "hello",
		},
		{
			name:   "zero length",
			input:  "hello",
			length: 0,
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				assert.Equal(t, tc.expected, truncate(tc.input, tc.length))
			},
		)
	}
}
