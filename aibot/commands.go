package aibot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	commandHelp = "help"
	commandPing = "ping"
	commandInfo = "info"
	commandChat = "chat"

	helpEmbedTitle       = "🤖 AI Discord Bot Help"
	helpEmbedDescription = "I'm an AI assistant that can chat with you!"
	helpEmbedColor       = 0x00ff00
	helpEmbedFooter      = "Developed by georgi_4230"

	infoEmbedTitle = "🤖 Bot Information"
	infoEmbedColor = 0x0099ff

	pingReplyFormat = "🏓 Pong! Latency: %dms"

	chatCommandUsageFormat = "❌ Please provide a message to chat with " +
		"the AI. Example: `%schat Hello there!`"

	unknownCommandFormat = "❌ Command not found. Use `%shelp` to see " +
		"available commands."
)

// parseCommand splits prefixed message content into a lowercase
// command name and its argument string. The prefix must already be
// known to match.
func parseCommand(content string, prefix string) (string, string) {
	rest := strings.TrimSpace(strings.TrimPrefix(content, prefix))
	if rest == "" {
		return "", ""
	}
	name, args, _ := strings.Cut(rest, " ")
	return strings.ToLower(name), strings.TrimSpace(args)
}

// handleCommand routes a prefixed message to its command handler,
// reporting whether the message was consumed. Messages starting with
// the command prefix never reach the AI dispatch path, even when they
// mention the bot.
func (b *AIBot) handleCommand(ctx context.Context, msg InboundMessage) bool {
	prefix := b.config.Discord.Prefix
	if prefix == "" || !strings.HasPrefix(msg.Content, prefix) {
		return false
	}

	name, args := parseCommand(msg.Content, prefix)
	if name == "" {
		return true
	}
	b.metricCommandsHandled.Add(1)

	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
	}
	logger.InfoContext(
		ctx,
		"command received",
		"command", name,
		slog.Group("message", messageLogAttrs(msg)...),
	)

	switch name {
	case commandHelp:
		b.commandHelpReply(ctx, msg)
	case commandPing:
		b.commandPingReply(ctx, msg)
	case commandInfo:
		b.commandInfoReply(ctx, msg)
	case commandChat:
		b.commandChatReply(ctx, msg, args)
	default:
		b.sendText(
			ctx,
			msg.ChannelID,
			fmt.Sprintf(unknownCommandFormat, prefix),
		)
	}
	return true
}

func (b *AIBot) commandHelpReply(ctx context.Context, msg InboundMessage) {
	prefix := b.config.Discord.Prefix
	maxRequests, window := b.limiter.Limits()

	embed := &discordgo.MessageEmbed{
		Title:       helpEmbedTitle,
		Description: helpEmbedDescription,
		Color:       helpEmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name: "💬 How to Chat",
				Value: fmt.Sprintf(
					"• Mention me in a message: `@bot your message`\n"+
						"• Send me a direct message\n"+
						"• Use commands with `%s`",
					prefix,
				),
			},
			{
				Name: "🔧 Commands",
				Value: fmt.Sprintf(
					"`%[1]shelp` - Show this help message\n"+
						"`%[1]sping` - Check bot latency\n"+
						"`%[1]sinfo` - Bot information\n"+
						"`%[1]schat [message]` - Chat with AI using command",
					prefix,
				),
			},
			{
				Name: "⚡ Rate Limits",
				Value: fmt.Sprintf(
					"Maximum %d requests per %s per user",
					maxRequests,
					windowText(window),
				),
			},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: helpEmbedFooter},
	}
	b.sendEmbed(ctx, msg.ChannelID, embed)
}

func (b *AIBot) commandPingReply(ctx context.Context, msg InboundMessage) {
	latency := b.discord.session.HeartbeatLatency()
	b.sendText(
		ctx,
		msg.ChannelID,
		fmt.Sprintf(pingReplyFormat, latency.Milliseconds()),
	)
}

func (b *AIBot) commandInfoReply(ctx context.Context, msg InboundMessage) {
	latency := b.discord.session.HeartbeatLatency()
	uptime := time.Since(b.startedAt).Round(time.Second)

	embed := &discordgo.MessageEmbed{
		Title: infoEmbedTitle,
		Color: infoEmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "Guilds",
				Value:  strconv.Itoa(b.discord.guildCount()),
				Inline: true,
			},
			{
				Name:   "Latency",
				Value:  fmt.Sprintf("%dms", latency.Milliseconds()),
				Inline: true,
			},
			{
				Name:   "AI Model",
				Value:  b.config.AI.Model,
				Inline: true,
			},
			{
				Name:   "Version",
				Value:  Version,
				Inline: true,
			},
			{
				Name:   "Uptime",
				Value:  uptime.String(),
				Inline: true,
			},
		},
	}
	b.sendEmbed(ctx, msg.ChannelID, embed)
}

// commandChatReply runs the argument text through the same dispatch
// path as a mention, so rate limits and formatting apply equally.
func (b *AIBot) commandChatReply(
	ctx context.Context,
	msg InboundMessage,
	args string,
) {
	if args == "" {
		b.sendText(
			ctx,
			msg.ChannelID,
			fmt.Sprintf(chatCommandUsageFormat, b.config.Discord.Prefix),
		)
		return
	}

	chatMsg := msg
	chatMsg.Content = args
	result := b.dispatcher.Handle(ctx, chatMsg)
	b.recordOutcome(result.Outcome)
	b.sendText(ctx, msg.ChannelID, result.Message.Text)
}

// windowText renders a rate limit window for the help text, preferring
// plain words for round durations.
func windowText(window time.Duration) string {
	switch window {
	case time.Minute:
		return "minute"
	case time.Hour:
		return "hour"
	case time.Second:
		return "second"
	default:
		return window.String()
	}
}
