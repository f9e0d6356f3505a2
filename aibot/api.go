package aibot

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const (
	pprofPrefix    = "/debug"
	apiPrefix      = "/api"
	apiHealthCheck = "/healthz"
	apiPathStatus  = "/status"
	apiPathMetrics = "/metrics"
)

const xRequestIDHeader = "X-Request-ID"

var structValidator = validator.New()

// API serves the bot's HTTP status endpoints.
//
// It wraps a gin engine and an http.Server, exposing a health check,
// a bot status snapshot, and per-route request counters. The server
// is plain HTTP unless an SSL certificate is configured.
//
// Usage:
//
//	api, err := newAPI(bot, config)
//	if err != nil {
//	    // Handle error
//	}
//	err = api.Serve(ctx)
type API struct {
	config           *APIConfig     // Configuration for the API server
	httpServer       *http.Server   // The underlying HTTP server
	listener         net.Listener   // Network listener for the HTTP server.
	engine           *gin.Engine    // Gin engine for routing HTTP requests
	requestMetrics   map[string]int // Per-route request counters
	requestMetricsMu sync.Mutex     // Mutex for synchronizing access to request metrics
	logger           *slog.Logger   // Logger for API-related events

	bot *AIBot
}

// newAPI initializes and returns a new instance of the API struct.
//
// This sets up the logger, configures the Gin engine, loads TLS
// certificates when configured, and registers middleware and routes.
func newAPI(b *AIBot, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		bot:            b,
	}

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" {
		cfg, e := tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		tlsCfg = cfg
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer
	api.logger = setupLogger.With(loggerNameKey, "api")

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && api.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, api.healthCheck)

	status := r.Group(apiPrefix)
	status.GET(apiPathStatus, api.botStatus)
	status.GET(apiPathMetrics, api.requestCounts)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
		runtime.SetMutexProfileFraction(1)
		runtime.SetBlockProfileRate(1)
	}
	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)

	if e != nil {
		panic(e)
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

// healthCheck handles the HTTP GET request for the health check endpoint.
//
// Responses:
//   - 200 OK: Always, with the current gateway connection state.
func (a *API) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			DiscordGatewayConnected: a.bot.discord.connected.Load(),
		},
	)
}

// botStatus handles the HTTP GET request for the bot status endpoint.
//
// It reports build information, uptime, gateway state and the bot's
// message counters.
func (a *API) botStatus(c *gin.Context) {
	b := a.bot
	c.JSON(
		http.StatusOK, botStatusResponse{
			Version:                 Version,
			Model:                   b.config.AI.Model,
			StartedAt:               b.startedAt,
			Uptime:                  time.Since(b.startedAt).Round(time.Second).String(),
			DiscordGatewayConnected: b.discord.connected.Load(),
			Guilds:                  b.discord.guildCount(),
			TrackedUsers:            b.limiter.TrackedUsers(),
			MessagesSeen:            b.metricMessagesSeen.Load(),
			RepliesSent:             b.metricRepliesSent.Load(),
			Throttled:               b.metricThrottled.Load(),
			Failed:                  b.metricFailed.Load(),
			CommandsHandled:         b.metricCommandsHandled.Load(),
			TimeoutsIssued:          b.metricTimeoutsIssued.Load(),
		},
	)
}

// requestCounts handles the HTTP GET request for per-route API
// request counters.
func (a *API) requestCounts(c *gin.Context) {
	a.requestMetricsMu.Lock()
	counts := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		counts[k] = v
	}
	a.requestMetricsMu.Unlock()
	c.JSON(http.StatusOK, counts)
}

// healthCheckResponse represents the response structure for the
// health check endpoint.
type healthCheckResponse struct {
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
}

// botStatusResponse represents the response structure for the bot
// status endpoint.
type botStatusResponse struct {
	Version                 string    `json:"version"`
	Model                   string    `json:"model"`
	StartedAt               time.Time `json:"started_at"`
	Uptime                  string    `json:"uptime"`
	DiscordGatewayConnected bool      `json:"discord_gateway_connected"`
	Guilds                  int       `json:"guilds"`
	TrackedUsers            int       `json:"tracked_users"`
	MessagesSeen            int64     `json:"messages_seen"`
	RepliesSent             int64     `json:"replies_sent"`
	Throttled               int64     `json:"throttled"`
	Failed                  int64     `json:"failed"`
	CommandsHandled         int64     `json:"commands_handled"`
	TimeoutsIssued          int64     `json:"timeouts_issued"`
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.New().String()
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()

	requestID, _ := c.Get(xRequestIDHeader)
	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path+c.Request.URL.RawQuery,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request on completion, including its
// duration and response status.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestLogger := ginContextLogger(c)

		start := time.Now()
		c.Next()
		latency := time.Since(start)

		ginErrs := c.Errors.ByType(gin.ErrorTypePrivate)
		if len(ginErrs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", ginErrs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware returns a Gin middleware function for tracking API request
// metrics.
//
// It increments the request count for each unique combination of HTTP
// method and URL path.
// The metrics are stored in the API's requestMetrics map, which is protected
// by a mutex.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		_, ok := a.requestMetrics[key]
		if !ok {
			a.requestMetrics[key] = 1
			return
		}
		a.requestMetrics[key]++
	}
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterCustomTypeFunc(
		validateRateLimitConfig,
		RateLimitConfig{},
	)
}
