package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DBPath:                "~/.horsebot/horsebot.db",
			LogLevel:              "info",
			PersonaDir:            "~/.horsebot/personas",
			MaxConcurrentMessages: 5,
		},
		OpenAI: OpenAIConfig{
			APIKey:         "${OPENAI_KEY}",
			TimeoutSeconds: 60,
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				Enabled: true,
				Token:   "${DISCORD_TOKEN}",
			},
			Telegram: TelegramConfig{
				Enabled: false,
				Token:   "${TELEGRAM_TOKEN}",
			},
		},
	}
}
