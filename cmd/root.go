package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/4o4ko67/discord-ai-bot/aibot"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = aibot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "discord-ai-bot [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names like "INFO" into
// *slog.LevelVar config fields.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	fmt.Println(err)
	if err != nil {
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("log_level", aibot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", aibot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", aibot.DefaultShutdownTimeout)

	// Per-user rate limit
	viper.SetDefault("rate_limit.max_requests", aibot.DefaultRateLimitMaxRequests)
	viper.SetDefault("rate_limit.window", aibot.DefaultRateLimitWindow)

	// AI backend config
	viper.SetDefault("ai.api_key", "")
	viper.SetDefault("ai.base_url", aibot.DefaultAIBaseURL)
	viper.SetDefault("ai.model", aibot.DefaultAIModel)
	viper.SetDefault("ai.request_timeout", aibot.DefaultAIRequestTimeout)
	viper.SetDefault(
		"ai.max_requests_per_second",
		aibot.DefaultAIMaxRequestsPerSecond,
	)
	viper.SetDefault("ai.log_level", aibot.DefaultAILogLevel.String())

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.prefix", aibot.DefaultBotPrefix)
	viper.SetDefault(
		"discord.listening_status",
		aibot.DefaultDiscordListeningStatus,
	)
	viper.SetDefault(
		"discord.gateway_intents",
		aibot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.log_level",
		aibot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		aibot.DefaultDiscordgoLogLevel.String(),
	)

	// API config
	viper.SetDefault("api.listen", aibot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", aibot.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.read_timeout", aibot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		aibot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", aibot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", aibot.DefaultIdleTimeout)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", aibot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", aibot.DefaultCORSAllowMethods)
	viper.SetDefault(
		"api.cors.expose_headers",
		aibot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", aibot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		aibot.DefaultAPICORSAllowCredentials,
	)

	// Credentials and the command prefix also resolve from their
	// conventional unprefixed names, so an environment that already
	// carries DISCORD_TOKEN and GEMINI_API_KEY works as-is.
	fatalErr(viper.BindEnv("discord.token", "DISCORD_TOKEN"))
	fatalErr(viper.BindEnv("ai.api_key", "GEMINI_API_KEY"))
	fatalErr(viper.BindEnv("discord.prefix", "BOT_PREFIX"))

	envPrefix := os.Getenv(aibot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = aibot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for k, v := range viper.AllSettings() {
		log.Printf("config: %s: %v", k, v)
	}
	logLevelVar, err := levelStringToLevelVar(viper.GetString("log_level"))
	if err != nil {
		log.Fatalf("error parsing log_level: %v", err)
	}
	viper.Set("log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("discord.log_level"))
	if err != nil {
		log.Fatalf("error parsing discord log level: %v", err)
	}
	viper.Set("discord.log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("discord.discordgo_log_level"))
	if err != nil {
		log.Fatalf("error parsing discordgo log level: %v", err)
	}
	viper.Set("discord.discordgo_log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("ai.log_level"))
	if err != nil {
		log.Fatalf("error parsing ai log level: %v", err)
	}
	viper.Set("ai.log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("api.log_level"))
	if err != nil {
		log.Fatalf("error parsing api log level: %v", err)
	}
	viper.Set("api.log_level", logLevelVar)
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
