package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the bridge daemon.
type Config struct {
	Logging       LoggingConfig             `json:"logging"`
	Providers     map[string]ProviderConfig `json:"providers"`
	Agent         AgentConfig               `json:"agent"`
	Store         StoreConfig               `json:"store"`
	Memory        MemoryConfig              `json:"memory"`
	Media         MediaConfig               `json:"media"`
	Transcription TranscriptionConfig       `json:"transcription"`
	Archive       ArchiveConfig             `json:"archive"`
	Redis         RedisConfig               `json:"redis"`
	AMQP          AMQPConfig                `json:"amqp"`
	Admin         AdminConfig               `json:"admin"`
	Connections   []ConnectionConfig        `json:"connections"`
	Schedules     []ScheduleConfig          `json:"schedules,omitempty"`
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug | info | warn | error
	Format string `json:"format"` // text | json
}

type ProviderConfig struct {
	Enabled        bool   `json:"enabled"`
	Kind           string `json:"kind"` // "openai" (any OpenAI-compatible API) | "claude"
	APIBase        string `json:"apiBase,omitempty"`
	APIKey         string `json:"apiKey,omitempty"`
	DefaultModel   string `json:"defaultModel,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

type AgentConfig struct {
	DefaultProvider       string   `json:"defaultProvider"`
	FailoverChain         []string `json:"failoverChain,omitempty"`
	MaxToolTurns          int      `json:"maxToolTurns"`
	MaxTurns              int      `json:"maxTurns"`
	MaxTokens             int      `json:"maxTokens,omitempty"`
	Temperature           float64  `json:"temperature,omitempty"`
	Workspace             string   `json:"workspace"`
	MaxConcurrentMessages int      `json:"maxConcurrentMessages"`
	RateLimitPerMinute    int      `json:"rateLimitPerMinute"`
	Tools                 []string `json:"tools,omitempty"` // enabled built-in tools; empty enables all
}

type StoreConfig struct {
	Driver string `json:"driver"` // sqlite | mysql | postgres
	DSN    string `json:"dsn"`
}

type MemoryConfig struct {
	Root     string `json:"root"`
	MaxBytes int    `json:"maxBytes,omitempty"`
}

type MediaConfig struct {
	Dir            string `json:"dir"`
	MaxBytes       int64  `json:"maxBytes"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type TranscriptionConfig struct {
	Enabled  bool   `json:"enabled"`
	APIBase  string `json:"apiBase,omitempty"`
	APIKey   string `json:"apiKey,omitempty"`
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
}

type ArchiveConfig struct {
	Enabled   bool   `json:"enabled"`
	Bucket    string `json:"bucket,omitempty"`
	Region    string `json:"region,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	AccessKey string `json:"accessKey,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`
	PathStyle bool   `json:"pathStyle,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	PublicURL string `json:"publicUrl,omitempty"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type AMQPConfig struct {
	Enabled bool     `json:"enabled"`
	URL     string   `json:"url,omitempty"`
	Queue   string   `json:"queue,omitempty"`
	Events  []string `json:"events,omitempty"` // empty forwards every event
}

type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
	Token   string `json:"token,omitempty"`
}

// ConnectionConfig is the per-(assistant, platform) surface.
type ConnectionConfig struct {
	AssistantID string            `json:"assistantId"`
	Platform    string            `json:"platform"` // wsgateway | telegram | slack | discord
	Disabled    bool              `json:"disabled,omitempty"`
	Credentials map[string]string `json:"credentials"`

	Persona      string   `json:"persona,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	BotNames     []string `json:"botNames,omitempty"`
	Provider     string   `json:"provider,omitempty"` // overrides agent.defaultProvider
	Cwd          string   `json:"cwd,omitempty"`
	Streaming    bool     `json:"streaming"`

	DMPolicy    string         `json:"dmPolicy"`
	GroupPolicy string         `json:"groupPolicy"`
	AllowFrom   FlexStringList `json:"allowFrom,omitempty"`

	MaxConnectionAttempts int      `json:"maxConnectionAttempts"`
	InitialReconnectDelay Duration `json:"initialReconnectDelay"`
	MaxReconnectDelay     Duration `json:"maxReconnectDelay"`
	ReconnectJitter       *float64 `json:"reconnectJitter,omitempty"` // nil means the default; 0 disables jitter
	HeartbeatInterval     Duration `json:"heartbeatInterval"`

	OwnerTargets []string `json:"ownerTargets,omitempty"`
}

// Jitter returns the reconnect jitter fraction.
func (c ConnectionConfig) Jitter() float64 {
	if c.ReconnectJitter == nil {
		return DefaultReconnectJitter
	}
	return *c.ReconnectJitter
}

// Key is the pool key for this connection.
func (c ConnectionConfig) Key() string {
	return c.AssistantID + ":" + c.Platform
}

// ScheduleConfig drives a cron-triggered proactive send.
type ScheduleConfig struct {
	ID          string   `json:"id"`
	AssistantID string   `json:"assistantId"`
	Platform    string   `json:"platform"`
	Cron        string   `json:"cron"`
	Message     string   `json:"message"`
	Targets     []string `json:"targets,omitempty"`
	Enabled     bool     `json:"enabled"`
}

// Duration unmarshals from a Go duration string ("1.5s") or a number of
// milliseconds, and marshals back to the string form.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ms float64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %s", string(data))
	}
	*d = Duration(time.Duration(ms * float64(time.Millisecond)))
	return nil
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.chanbridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chanbridge"
	}
	return filepath.Join(home, ".chanbridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON, YAML or TOML file (by extension), expands environment
// variables and keyring references, applies defaults and validates.
func Load(path string) (*Config, error) {
	return load(path, KeyringLookup)
}

// LoadUnresolved is Load without keyring resolution, so a config can be
// edited and saved back without writing secrets to disk.
func LoadUnresolved(path string) (*Config, error) {
	return load(path, func(name string) (string, error) { return keyringPrefix + name, nil })
}

func load(path string, secrets SecretLookup) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	data, err = toJSON(path, data)
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Agent.Workspace = ExpandPath(cfg.Agent.Workspace)
	cfg.Memory.Root = ExpandPath(cfg.Memory.Root)
	cfg.Media.Dir = ExpandPath(cfg.Media.Dir)
	if cfg.Store.Driver == "" || cfg.Store.Driver == "sqlite" {
		cfg.Store.DSN = ExpandPath(cfg.Store.DSN)
	}
	for i := range cfg.Connections {
		ApplyConnectionDefaults(&cfg.Connections[i])
	}

	if err := ResolveSecrets(cfg, secrets); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// toJSON converts YAML and TOML documents to JSON so a single set of struct
// tags drives every format.
func toJSON(path string, data []byte) ([]byte, error) {
	var doc map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	case ".toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		return data, nil
	}
	return json.Marshal(doc)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes cfg as indented JSON.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

var knownPlatforms = map[string]bool{"wsgateway": true, "telegram": true, "slack": true, "discord": true}

// requiredCredentials lists the credential keys each platform needs.
var requiredCredentials = map[string][]string{
	"wsgateway": {"endpoint", "clientId", "clientSecret"},
	"telegram":  {"token"},
	"slack":     {"botToken", "appToken"},
	"discord":   {"token"},
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Agent.MaxToolTurns < 1 || cfg.Agent.MaxToolTurns > 32 {
		errs = append(errs, "agent.maxToolTurns must be between 1 and 32")
	}
	if cfg.Agent.MaxTurns < 1 {
		errs = append(errs, "agent.maxTurns must be >= 1")
	}
	if cfg.Agent.MaxConcurrentMessages < 1 || cfg.Agent.MaxConcurrentMessages > 100 {
		errs = append(errs, "agent.maxConcurrentMessages must be between 1 and 100")
	}
	if _, ok := cfg.Providers[cfg.Agent.DefaultProvider]; !ok {
		errs = append(errs, fmt.Sprintf("agent.defaultProvider references unknown provider: %s", cfg.Agent.DefaultProvider))
	}
	for _, name := range cfg.Agent.FailoverChain {
		if _, ok := cfg.Providers[name]; !ok {
			errs = append(errs, fmt.Sprintf("agent.failoverChain references unknown provider: %s", name))
		}
	}
	for name, pc := range cfg.Providers {
		switch pc.Kind {
		case "openai", "claude":
		default:
			errs = append(errs, fmt.Sprintf("providers.%s.kind must be openai or claude", name))
		}
	}

	switch cfg.Store.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		errs = append(errs, "store.driver must be one of: sqlite, mysql, postgres")
	}
	if cfg.Store.DSN == "" {
		errs = append(errs, "store.dsn is required")
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, "logging.format must be text or json")
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when redis is enabled")
	}
	if cfg.AMQP.Enabled && cfg.AMQP.URL == "" {
		errs = append(errs, "amqp.url is required when amqp is enabled")
	}
	if cfg.Archive.Enabled && cfg.Archive.Bucket == "" {
		errs = append(errs, "archive.bucket is required when archive is enabled")
	}

	seen := make(map[string]bool)
	for i, c := range cfg.Connections {
		prefix := fmt.Sprintf("connections.%d", i)
		if c.AssistantID == "" {
			errs = append(errs, prefix+".assistantId is required")
		}
		if !knownPlatforms[c.Platform] {
			errs = append(errs, fmt.Sprintf("%s.platform %q is not supported", prefix, c.Platform))
		}
		if seen[c.Key()] {
			errs = append(errs, fmt.Sprintf("%s duplicates connection %s", prefix, c.Key()))
		}
		seen[c.Key()] = true
		for _, k := range requiredCredentials[c.Platform] {
			if c.Credentials[k] == "" {
				errs = append(errs, fmt.Sprintf("%s.credentials.%s is required for %s", prefix, k, c.Platform))
			}
		}
		for _, p := range []string{c.DMPolicy, c.GroupPolicy} {
			if p != "open" && p != "allowlist" {
				errs = append(errs, fmt.Sprintf("%s policy %q must be open or allowlist", prefix, p))
			}
		}
		if j := c.Jitter(); j < 0 || j >= 1 {
			errs = append(errs, prefix+".reconnectJitter must be in [0, 1)")
		}
		if c.MaxReconnectDelay < c.InitialReconnectDelay {
			errs = append(errs, prefix+".maxReconnectDelay must be >= initialReconnectDelay")
		}
		if c.Provider != "" {
			if _, ok := cfg.Providers[c.Provider]; !ok {
				errs = append(errs, fmt.Sprintf("%s.provider references unknown provider: %s", prefix, c.Provider))
			}
		}
	}

	for i, s := range cfg.Schedules {
		prefix := fmt.Sprintf("schedules.%d", i)
		if s.Cron == "" || s.Message == "" {
			errs = append(errs, prefix+" requires cron and message")
		}
		if !seen[s.AssistantID+":"+s.Platform] {
			errs = append(errs, fmt.Sprintf("%s references unknown connection %s:%s", prefix, s.AssistantID, s.Platform))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
