package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"horsebot/internal/bus"
	"horsebot/internal/channel"
	"horsebot/internal/config"
	"horsebot/internal/domain"
	"horsebot/internal/mention"
	"horsebot/internal/prompt"
	"horsebot/internal/provider"
	"horsebot/internal/relay"
	"horsebot/internal/store"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "horsebot",
		Short:   "horsebot: a conversational relay for Discord and Telegram",
		Long:    "horsebot listens on chat gateways, keeps durable per-conversation history, and relays replies from a completion service.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.horsebot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(personaCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyLogLevel(cfg.General.LogLevel)
	return cfg, nil
}

func applyLogLevel(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the relay (all enabled channels)",
		Long:  "Connects to all enabled gateways and relays replies until interrupted.",
		RunE:  runRelay,
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(100, logger)

	convStore, err := store.New(cfg.General.DBPath, logger)
	if err != nil {
		return fmt.Errorf("conversation store: %w", err)
	}
	defer convStore.Close()

	openai := provider.NewOpenAI(provider.OpenAIConfig{
		APIKey:  cfg.OpenAI.APIKey,
		APIBase: cfg.OpenAI.APIBase,
		Timeout: time.Duration(cfg.OpenAI.TimeoutSeconds) * time.Second,
		Logger:  logger,
	})

	replier := relay.New(relay.Config{
		Store:     convStore,
		Completer: openai,
		Moderator: openai,
		Mentions:  mention.New(logger),
		Functions: relay.Declarations(),
		Timeout:   time.Duration(cfg.OpenAI.TimeoutSeconds) * time.Second,
		Logger:    logger,
	})

	var channels []domain.Channel
	if cfg.Channels.Discord.Enabled {
		channels = append(channels, channel.NewDiscord(channel.DiscordConfig{
			Token:   cfg.Channels.Discord.Token,
			GuildID: cfg.Channels.Discord.GuildID,
			Logger:  logger,
		}))
	}
	if cfg.Channels.Telegram.Enabled {
		channels = append(channels, channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			Logger:    logger,
		}))
	}
	if len(channels) == 0 {
		return fmt.Errorf("no channels enabled, nothing to do")
	}

	loop := relay.NewLoop(relay.LoopConfig{
		Replier:     replier,
		Bus:         messageBus,
		Channels:    channels,
		Concurrency: cfg.General.MaxConcurrentMessages,
		Logger:      logger,
	})

	go loop.Run(ctx)

	for _, ch := range channels {
		ch := ch
		go func() {
			if err := ch.Start(ctx, messageBus); err != nil {
				logger.Error("channel error", "channel", ch.Name(), "err", err)
			}
		}()
		logger.Info("channel enabled", "channel", ch.Name())
	}

	logger.Info("relay started. Press Ctrl+C to stop.")
	<-ctx.Done()
	logger.Info("shutting down...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ch := range channels {
			if err := ch.Stop(); err != nil {
				logger.Warn("channel stop", "channel", ch.Name(), "err", err)
			}
		}
		messageBus.Close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [message]",
		Short: "Send one message through the pipeline locally",
		Long:  "Runs the full reply pipeline against a local conversation without connecting any gateway. Useful for trying out prompts.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			convStore, err := store.New(cfg.General.DBPath, logger)
			if err != nil {
				return fmt.Errorf("conversation store: %w", err)
			}
			defer convStore.Close()

			openai := provider.NewOpenAI(provider.OpenAIConfig{
				APIKey:  cfg.OpenAI.APIKey,
				APIBase: cfg.OpenAI.APIBase,
				Timeout: time.Duration(cfg.OpenAI.TimeoutSeconds) * time.Second,
				Logger:  logger,
			})

			replier := relay.New(relay.Config{
				Store:     convStore,
				Completer: openai,
				Moderator: openai,
				Functions: relay.Declarations(),
				Logger:    logger,
			})

			reply, err := replier.Reply(ctx, domain.Event{
				Channel:   "local",
				ChatID:    "local",
				AuthorID:  "local",
				Content:   args[0],
				Timestamp: time.Now(),
				Meta:      localMeta{},
			})
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}

// localMeta backs the chat subcommand: a fixed terminal conversation with no
// gateway to look anything up in.
type localMeta struct{}

func (localMeta) ConversationName(context.Context) (string, error) {
	return "local", nil
}

func (localMeta) PromptContext(context.Context) (domain.PromptContext, error) {
	return domain.PromptContext{
		ChannelName: "terminal",
		UserNick:    "@you",
		BotNick:     "@horsebot",
	}, nil
}

func (localMeta) ResolveMention(_ context.Context, token string) (string, error) {
	return "", &domain.GatewayError{Op: "resolve mention", Err: fmt.Errorf("no gateway in local chat")}
}

func personaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "persona",
		Short: "Manage conversation personas",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List personas available in the persona directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			personas, err := prompt.LoadPersonas(cfg.General.PersonaDir, logger)
			if err != nil {
				return err
			}
			if len(personas) == 0 {
				fmt.Println("no personas found in", cfg.General.PersonaDir)
				return nil
			}
			for _, p := range personas {
				fmt.Printf("%s\t%s\n", p.Name, p.Description)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [conversation] [persona]",
		Short: "Set a conversation's system prompt to a persona's template",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			personas, err := prompt.LoadPersonas(cfg.General.PersonaDir, logger)
			if err != nil {
				return err
			}
			p, ok := prompt.FindPersona(personas, args[1])
			if !ok {
				return fmt.Errorf("unknown persona: %s", args[1])
			}

			convStore, err := store.New(cfg.General.DBPath, logger)
			if err != nil {
				return fmt.Errorf("conversation store: %w", err)
			}
			defer convStore.Close()

			ctx := context.Background()
			conv, err := convStore.FindOrCreate(ctx, args[0])
			if err != nil {
				return err
			}
			if err := convStore.SetPromptOverride(ctx, conv, p.Template); err != nil {
				return err
			}
			logger.Info("persona set", "conversation", args[0], "persona", p.Name)
			return nil
		},
	})

	return cmd
}
