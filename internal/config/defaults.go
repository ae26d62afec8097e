package config

import "time"

const (
	DefaultMaxConnectionAttempts = 10
	DefaultInitialReconnectDelay = time.Second
	DefaultMaxReconnectDelay     = 60 * time.Second
	DefaultReconnectJitter       = 0.3
	DefaultHeartbeatInterval     = 60 * time.Second
)

func Defaults() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Providers: map[string]ProviderConfig{
			"ollama": {
				Enabled:      true,
				Kind:         "openai",
				APIBase:      "http://localhost:11434/v1",
				DefaultModel: "llama3.1:8b",
			},
		},
		Agent: AgentConfig{
			DefaultProvider:       "ollama",
			MaxToolTurns:          8,
			MaxTurns:              20,
			MaxTokens:             4096,
			Temperature:           0.7,
			Workspace:             "~/.chanbridge/workspace",
			MaxConcurrentMessages: 5,
			RateLimitPerMinute:    30,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "~/.chanbridge/sessions.db",
		},
		Memory: MemoryConfig{
			Root:     "~/.chanbridge/memory",
			MaxBytes: 16 * 1024,
		},
		Media: MediaConfig{
			Dir:            "",
			MaxBytes:       20 << 20,
			TimeoutSeconds: 30,
		},
		Transcription: TranscriptionConfig{
			Model: "whisper-1",
		},
		Archive: ArchiveConfig{
			Region: "us-east-1",
			Prefix: "attachments",
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "chanbridge:dedup:",
		},
		AMQP: AMQPConfig{
			Queue: "chanbridge.events",
		},
		Admin: AdminConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9190",
		},
	}
}

// ApplyConnectionDefaults fills unset per-connection fields.
func ApplyConnectionDefaults(c *ConnectionConfig) {
	if c.DMPolicy == "" {
		c.DMPolicy = "open"
	}
	if c.GroupPolicy == "" {
		c.GroupPolicy = "open"
	}
	if c.MaxConnectionAttempts == 0 {
		c.MaxConnectionAttempts = DefaultMaxConnectionAttempts
	}
	if c.InitialReconnectDelay == 0 {
		c.InitialReconnectDelay = Duration(DefaultInitialReconnectDelay)
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = Duration(DefaultMaxReconnectDelay)
	}
	if c.ReconnectJitter == nil {
		j := DefaultReconnectJitter
		c.ReconnectJitter = &j
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = Duration(DefaultHeartbeatInterval)
	}
	if c.Credentials == nil {
		c.Credentials = map[string]string{}
	}
}
