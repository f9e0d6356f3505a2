package aibot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// inviteLinkPatterns are the URL fragments treated as Discord invite
// links, matched case-insensitively anywhere in message content.
var inviteLinkPatterns = []string{
	"discord.gg/",
	"discord.com/invite/",
	"discordapp.com/invite/",
}

const (
	// inviteTimeoutDuration is how long invite posters are muted.
	inviteTimeoutDuration = 7 * 24 * time.Hour

	inviteTimeoutNoticeFormat = "🚫 %s has been timed out for 7 days " +
		"for sharing an invite link."
)

func containsInviteLink(content string) bool {
	lowered := strings.ToLower(content)
	for _, pattern := range inviteLinkPatterns {
		if strings.Contains(lowered, pattern) {
			return true
		}
	}
	return false
}

// screenInviteLinks deletes guild messages containing Discord invite
// links and times the author out. Administrators are exempt from
// enforcement, but their invite messages are still consumed, so they
// never reach the command or AI dispatch paths. Reports whether the
// message was consumed.
func (b *AIBot) screenInviteLinks(ctx context.Context, msg InboundMessage) bool {
	if msg.GuildID == "" {
		return false
	}
	if !containsInviteLink(msg.Content) {
		return false
	}

	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
	}
	logger = logger.With(slog.Group("message", messageLogAttrs(msg)...))

	perms, err := b.discord.session.UserChannelPermissions(
		msg.UserID,
		msg.ChannelID,
	)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"unable to check author permissions",
			tint.Err(err),
		)
	} else if perms&discordgo.PermissionAdministrator != 0 {
		logger.InfoContext(ctx, "ignoring invite link from administrator")
		return true
	}

	if err = b.discord.session.ChannelMessageDelete(
		msg.ChannelID,
		msg.MessageID,
	); err != nil {
		logger.WarnContext(ctx, "failed to delete invite message", tint.Err(err))
		return true
	}

	until := time.Now().Add(inviteTimeoutDuration)
	if err = b.discord.session.GuildMemberTimeout(
		msg.GuildID,
		msg.UserID,
		&until,
	); err != nil {
		logger.WarnContext(ctx, "failed to timeout user", tint.Err(err))
		return true
	}
	b.metricTimeoutsIssued.Add(1)

	b.sendText(
		ctx,
		msg.ChannelID,
		fmt.Sprintf(inviteTimeoutNoticeFormat, "<@"+msg.UserID+">"),
	)
	return true
}
