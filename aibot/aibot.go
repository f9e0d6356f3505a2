package aibot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/4o4ko67/discord-ai-bot/aibot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// AIBot is the main application struct. It owns the Discord gateway
// integration, the AI backend client, the per-user rate limiter and
// the status HTTP API, and routes inbound messages between them.
type AIBot struct {
	config *Config

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Handles the AI backend integration
	ai *AI

	// Provides the status/health HTTP API
	api *API

	// Per-user sliding window admission for AI-backed replies
	limiter *UserRateLimiter

	// Trims replies to Discord's message length limit
	formatter *ResponseFormatter

	// Routes admitted messages through the AI backend
	dispatcher *Dispatcher

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it when Run is called. This happens
	// after:
	// - starting the API
	// - opening a discord session
	signalReady chan struct{}

	// A signal is sent on this channel when the
	// [AIBot.shutdown] function finished
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time

	metricMessagesSeen    atomic.Int64
	metricRepliesSent     atomic.Int64
	metricThrottled       atomic.Int64
	metricFailed          atomic.Int64
	metricCommandsHandled atomic.Int64
	metricTimeoutsIssued  atomic.Int64
}

func (b *AIBot) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

func New(config *Config) (*AIBot, error) {
	var errs []error

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &AIBot{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.LogLevel,
			AddSource: true,
		},
	)

	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	b.ai = newAI(b, b.config.HTTPClient)

	b.config.Discord.httpClient = b.config.HTTPClient

	disc, err := newDiscord(b.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	b.discord = disc

	b.limiter = NewUserRateLimiter(
		config.RateLimit.MaxRequests,
		config.RateLimit.Window,
	)
	b.formatter = NewResponseFormatter(discordMaxMessageLength)
	b.dispatcher = newDispatcher(
		b.limiter,
		b.formatter,
		b.ai,
		b.logger.With(loggerNameKey, "dispatcher"),
	)
	b.dispatcher.botID = func() string {
		return b.discord.botUserID
	}
	b.dispatcher.typing = func(ctx context.Context, channelID string) {
		if typingErr := b.discord.session.ChannelTyping(channelID); typingErr != nil {
			b.logger.WarnContext(
				ctx,
				"error sending typing indicator",
				tint.Err(typingErr),
			)
		}
	}

	api, err := newAPI(b, config.API)
	errs = append(errs, err)
	b.api = api

	return b, errors.Join(errs...)
}

func (b *AIBot) ValidateConfig() error {
	err := structValidator.Struct(b.config)
	if err != nil {
		return err
	}

	return nil
}

// Run starts the bot and blocks until the given context is canceled,
// then attempts a graceful shutdown bounded by
// [Config.ShutdownTimeout].
func (b *AIBot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)

	// anything spawned from a gateway event registers here, so
	// shutdown can wait on in-flight replies
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))
	if b.signalReady == nil {
		b.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			b.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			b.logger.Warn("context canceled, sending stop signal")
			b.signalStop <- struct{}{}
			return
		}
	}()

	// the API server runs for the bot's whole lifetime. If the listener
	// fails, the derived context cancels and takes the bot down with it.
	serveGroup, serveCtx := errgroup.WithContext(ctx)
	serveGroup.Go(
		func() error {
			httpErr := b.api.Serve(serveCtx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				b.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
				return httpErr
			}
			return nil
		},
	)

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(ctx, runtimeWG)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if b.api != nil && b.api.listener != nil {
				go func() {
					if e := b.api.listener.Close(); e != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
					}
				}()
			}
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	b.signalReady <- struct{}{}
	b.logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context, generally
	// from an interrupt. serveCtx also ends if the API server fails.
	stopCh := make(chan struct{}, 1)
	go func() {
		<-serveCtx.Done()
		stopCh <- struct{}{}
	}()
	<-stopCh

	// Commence shutdown
	shutdownErr := b.shutdown(ctx, runtimeWG)
	if serveErr := serveGroup.Wait(); serveErr != nil {
		return errors.Join(serveErr, shutdownErr)
	}
	return shutdownErr
}

// initRun creates the gateway session, registers handlers and opens
// the websocket connection. Run abandons it if it outlives
// [Config.StartupTimeout].
func (b *AIBot) initRun(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if err := b.initDiscordSession(ctx, runtimeWG); err != nil {
		return err
	}

	b.logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

func (b *AIBot) initDiscordSession(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	logger := b.logger.With(loggerNameKey, "discord_session")

	if b.discord.session == nil {
		disc, discErr := b.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		b.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	if len(b.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range b.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	b.discord.session.SetIdentify(
		discordgo.Identify{Intents: b.config.Discord.GatewayIntents},
	)

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(b.discord.handlerGuildCreate()),
		b.discord.session.AddHandler(b.discord.handlerGuildDelete()),
		b.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleDiscordMessage(ctx, m)
				}()
			},
		),
	}
	return nil
}

// handleDiscordMessage processes one incoming Discord message.
//
// This method is called as a goroutine for each new message received
// through the Discord gateway.
//
// Messages from bots (including this one) are ignored. The remaining
// messages are screened for invite links, then checked for a command
// prefix. Anything left is answered with an AI-generated reply, but
// only when the message mentions the bot or arrives via DM.
func (b *AIBot) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	ctx, logger := b.getLogger(ctx)

	logger.DebugContext(ctx, "saw message", "message", structToSlogValue(m))

	user := messageAuthor(m.Message)
	if user == nil {
		logger.WarnContext(ctx, "couldn't find user in discord message")
		return
	}

	if user.Bot || user.ID == b.discord.botUserID {
		logger.DebugContext(ctx, "ignoring message from bot", "user", user)
		return
	}

	b.metricMessagesSeen.Add(1)

	msg := newInboundMessage(m.Message, b.discord.botUserID)

	if b.screenInviteLinks(ctx, msg) {
		return
	}

	if b.handleCommand(ctx, msg) {
		return
	}

	// only respond when directly addressed
	if !msg.IsMention && !msg.IsDirectMessage {
		logger.DebugContext(ctx, "no mention and not a DM, ignoring")
		return
	}

	result := b.dispatcher.Handle(ctx, msg)
	b.recordOutcome(result.Outcome)
	b.sendReply(ctx, m.Message, result.Message.Text)
}

func (b *AIBot) recordOutcome(outcome Outcome) {
	switch outcome {
	case OutcomeReplied:
		b.metricRepliesSent.Add(1)
	case OutcomeThrottled:
		b.metricThrottled.Add(1)
	case OutcomeFailed:
		b.metricFailed.Add(1)
	}
}

// sendReply sends content as a Discord reply to the given message,
// with mentions suppressed so reply pings don't stack on busy
// channels.
func (b *AIBot) sendReply(
	ctx context.Context,
	m *discordgo.Message,
	content string,
) {
	ctx, logger := b.getLogger(ctx)
	_, err := b.discord.session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Content:         content,
			Reference:       m.Reference(),
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error sending reply", tint.Err(err))
	}
}

func (b *AIBot) sendText(ctx context.Context, channelID string, content string) {
	ctx, logger := b.getLogger(ctx)
	if _, err := b.discord.session.ChannelMessageSend(channelID, content); err != nil {
		logger.ErrorContext(ctx, "error sending message", tint.Err(err))
	}
}

func (b *AIBot) sendEmbed(
	ctx context.Context,
	channelID string,
	embed *discordgo.MessageEmbed,
) {
	ctx, logger := b.getLogger(ctx)
	if _, err := b.discord.session.ChannelMessageSendEmbed(channelID, embed); err != nil {
		logger.ErrorContext(ctx, "error sending embed", tint.Err(err))
	}
}

func (b *AIBot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	b.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if b.eventShutdown != nil {
			go func() {
				b.eventShutdown <- struct{}{}
			}()
		}
	}()
	shutdownStart := time.Now()
	shutdownTimeout := b.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		b.logger.Warn("immediate shutdown")
		go func() {
			_ = b.api.httpServer.Close()
		}()
		return fmt.Errorf("in-flight replies did not stop in time")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	shutdownAnnouncementInterval := 10 * time.Second

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	b.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", b.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	// Graceful shutdown - at least until closeCtx is closed
	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait() // wait for in-flight message handlers
		runtimeStopEnd := time.Now()
		b.logger.InfoContext(
			ctx,
			"finished handling in-flight messages",
			"shutdown_started", shutdownStart,
			"runtime_stopped", runtimeStopEnd,
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)
		stopWG := &sync.WaitGroup{}

		if b.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				b.logger.InfoContext(ctx, "stopping http server")
				_ = b.api.httpServer.Shutdown(closeCtx)
				b.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if b.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				b.logger.InfoContext(ctx, "closing discord session")
				_ = b.discord.session.Close()
				b.logger.InfoContext(ctx, "discord session closed")
				if len(b.discord.discordgoRemoveHandlerFuncs) > 0 {
					b.logger.InfoContext(
						ctx,
						fmt.Sprintf(
							"removing %d discord handlers",
							len(b.discord.discordgoRemoveHandlerFuncs),
						),
					)
					for _, h := range b.discord.discordgoRemoveHandlerFuncs {
						h()
					}
					b.logger.InfoContext(ctx, "finished removing handlers")
				}
			}()
		}

		// wait on the above, then send a signal that we're done
		go func() {
			b.logger.InfoContext(ctx, "waiting graceful shutdown")
			stopWG.Wait()
			gracefulShutdownCh <- struct{}{}
			b.logger.InfoContext(ctx, "stopped http/discord")
		}()
	}()

	// if we get a signal on gracefulShutdownCh, everything stopped and
	// cleaned up normally.
	// otherwise, burn it all down!
	for {
		select {
		case <-gracefulShutdownCh:
			closeCancel()
			shutdownEnded := time.Now()
			b.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			remaining := time.Until(shutdownDeadline)
			b.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					remaining.String(),
				),
			)
		case <-closeCtx.Done(): // timed out, enqueue closing stuff
			b.logger.Warn("in-flight replies did not stop in time, forcing close")

			go func() {
				_ = b.api.httpServer.Close()
			}()

			return fmt.Errorf("in-flight replies did not stop in time")
		}
	}
}
