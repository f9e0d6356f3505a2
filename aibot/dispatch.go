package aibot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/lmittmann/tint"
)

const (
	// throttleNoticeFormat is sent when a user exceeds their rate
	// limit. The single verb slot takes a rendering of the time until
	// a slot frees up.
	throttleNoticeFormat = "⏰ You're sending messages too quickly! " +
		"Please wait %s before trying again."

	// backendErrorNotice is sent when the AI backend fails. Details
	// stay in the logs.
	backendErrorNotice = "Sorry, I'm having trouble responding right now. " +
		"Please try again later."

	// dispatchErrorNotice is sent when a reply fails for any reason
	// other than the AI backend.
	dispatchErrorNotice = "Sorry, I encountered an error while processing " +
		"your message. Please try again."

	// emptyPromptGreeting is sent when a message addressed to the bot
	// contains nothing beyond the mention itself.
	emptyPromptGreeting = "Hi! What would you like to talk about?"
)

// Outcome is the terminal state of dispatching one inbound message.
type Outcome string

const (
	// OutcomeReplied indicates a reply was produced, either from the
	// AI backend or the empty-prompt greeting.
	OutcomeReplied Outcome = "replied"

	// OutcomeThrottled indicates the rate limiter denied the request,
	// and the reply is a throttle notice. The AI backend was not
	// called.
	OutcomeThrottled Outcome = "throttled"

	// OutcomeFailed indicates the request was admitted but no reply
	// could be generated, and the reply is a generic error notice.
	OutcomeFailed Outcome = "failed"
)

func (o Outcome) String() string {
	return string(o)
}

// InboundMessage is a chat message addressed to the bot, either by
// mentioning it in a guild channel or by messaging it directly.
type InboundMessage struct {
	// UserID is the author's Discord user ID, used as the rate limit
	// key.
	UserID string `json:"user_id"`

	// DisplayName is the author's display name, included in the
	// prompt sent to the model.
	DisplayName string `json:"display_name"`

	// Content is the raw message content, possibly still containing
	// the bot mention token.
	Content string `json:"content"`

	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	GuildID   string `json:"guild_id"`

	IsMention       bool `json:"is_mention"`
	IsDirectMessage bool `json:"is_direct_message"`
}

// DispatchResult is the terminal outcome of Dispatcher.Handle along
// with the reply to deliver. Message.Text is always non-empty.
type DispatchResult struct {
	Outcome Outcome

	// Message is the reply to send to the originating channel.
	Message OutboundMessage

	// RetryAfter is the duration until the user's oldest admitted
	// request ages out of the window. Set only when Outcome is
	// OutcomeThrottled.
	RetryAfter time.Duration

	// Err is the underlying cause when Outcome is OutcomeFailed.
	Err error
}

// Dispatcher turns inbound messages into replies. Each message runs
// through the same sequence: strip the bot mention from the prompt,
// check the rate limiter, call the AI backend at most once, format the
// completion for Discord. The rate limiter is the only shared mutable
// state, and no lock is held across the backend call.
//
// Handle is safe to call from any number of goroutines.
type Dispatcher struct {
	limiter   *UserRateLimiter
	formatter *ResponseFormatter
	ai        *AI
	logger    *slog.Logger

	// now is the clock used for rate limit checks.
	now func() time.Time

	// botID returns the bot's own user ID once the gateway session is
	// ready, so mention tokens can be stripped from prompts.
	botID func() string

	// typing, when set, is called after admission and before the
	// backend call to show a typing indicator on the channel.
	typing func(ctx context.Context, channelID string)
}

func newDispatcher(
	limiter *UserRateLimiter,
	formatter *ResponseFormatter,
	ai *AI,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		limiter:   limiter,
		formatter: formatter,
		ai:        ai,
		logger:    logger,
		now:       time.Now,
		botID:     func() string { return "" },
	}
}

// Handle dispatches one inbound message and returns the reply to send.
func (d *Dispatcher) Handle(ctx context.Context, msg InboundMessage) DispatchResult {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = d.logger
	}
	logger = logger.With(slog.Group("message", messageLogAttrs(msg)...))
	ctx = WithLogger(ctx, logger)

	prompt := stripBotMention(msg.Content, d.botID())

	decision := d.limiter.Check(msg.UserID, d.now())
	if !decision.Allowed {
		logger.InfoContext(
			ctx,
			"rate limited",
			"retry_after", decision.RetryAfter,
		)
		return DispatchResult{
			Outcome:    OutcomeThrottled,
			RetryAfter: decision.RetryAfter,
			Message: OutboundMessage{
				Text: fmt.Sprintf(
					throttleNoticeFormat,
					retryAfterText(decision.RetryAfter),
				),
			},
		}
	}

	if d.typing != nil {
		d.typing(ctx, msg.ChannelID)
	}

	if prompt == "" {
		return DispatchResult{
			Outcome: OutcomeReplied,
			Message: OutboundMessage{Text: emptyPromptGreeting},
		}
	}

	text, err := d.ai.Generate(ctx, msg.DisplayName, prompt)
	if err != nil {
		notice := backendErrorNotice
		var backendErr *BackendError
		if !errors.As(err, &backendErr) {
			// Generate only returns *BackendError. Anything else is
			// an internal invariant violation.
			notice = dispatchErrorNotice
		}
		logger.ErrorContext(ctx, "reply failed", tint.Err(err))
		return DispatchResult{
			Outcome: OutcomeFailed,
			Err:     err,
			Message: OutboundMessage{Text: notice},
		}
	}

	reply := d.formatter.Format(text)
	if reply.Truncated {
		logger.WarnContext(
			ctx,
			"reply truncated",
			"limit", d.formatter.Limit(),
			"original_length", len(text),
		)
	}
	return DispatchResult{Outcome: OutcomeReplied, Message: reply}
}

// retryAfterText renders a retry hint in whole seconds, rounded up so
// users never retry before a slot is actually free.
func retryAfterText(retryAfter time.Duration) string {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds <= 1 {
		return "1 second"
	}
	return fmt.Sprintf("%d seconds", seconds)
}
