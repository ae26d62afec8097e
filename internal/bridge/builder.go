package bridge

import (
	"fmt"
	"log/slog"

	"chanbridge/internal/agent"
	"chanbridge/internal/bus"
	"chanbridge/internal/config"
	"chanbridge/internal/content"
	"chanbridge/internal/domain"
	"chanbridge/internal/registry"
	"chanbridge/internal/security"
	"chanbridge/internal/session"
	"chanbridge/internal/tool"
)

// TransportFactory creates the platform transport for a connection config.
type TransportFactory func(cc config.ConnectionConfig, logger *slog.Logger) (domain.Transport, error)

// ProviderResolver returns the model backend for a provider name, with the
// configured failover applied. An empty name selects the default.
type ProviderResolver interface {
	Resolve(name string) (domain.Provider, error)
}

// BuilderConfig holds the process-wide collaborators every connection shares.
type BuilderConfig struct {
	Agent      config.AgentConfig
	MediaDir   string
	Registries *registry.Registries
	Tracker    *session.Tracker
	Providers  ProviderResolver
	Content    content.ExtractorConfig // BotNames is filled per connection
	Memory     domain.ContextProvider  // optional
	Transports TransportFactory
	Events     bus.Emitter
	Logger     *slog.Logger
}

// Builder assembles a Connection, its Handler and its agent loop from one
// connection config.
type Builder struct {
	cfg BuilderConfig
}

func NewBuilder(cfg BuilderConfig) *Builder {
	if cfg.Events == nil {
		cfg.Events = bus.Discard
	}
	return &Builder{cfg: cfg}
}

// Build creates a stopped Connection for cc.
func (b *Builder) Build(cc config.ConnectionConfig) (*Connection, error) {
	logger := b.cfg.Logger.With("assistant", cc.AssistantID, "platform", cc.Platform)

	transport, err := b.cfg.Transports(cc, logger)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	prov, err := b.cfg.Providers.Resolve(cc.Provider)
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}

	dm, err := security.ParsePolicyMode(cc.DMPolicy)
	if err != nil {
		return nil, fmt.Errorf("dmPolicy: %w", err)
	}
	group, err := security.ParsePolicyMode(cc.GroupPolicy)
	if err != nil {
		return nil, fmt.Errorf("groupPolicy: %w", err)
	}

	root := cc.Cwd
	if root == "" {
		root = b.cfg.Agent.Workspace
	}
	ws := tool.Workspace{Root: root}
	if b.cfg.MediaDir != "" {
		ws.ReadRoots = []string{b.cfg.MediaDir}
	}
	builtins, err := tool.Builtins(b.cfg.Agent.Tools, ws)
	if err != nil {
		return nil, err
	}
	tools, err := tool.NewRegistry(logger, builtins...)
	if err != nil {
		return nil, err
	}

	loop := agent.NewLoop(agent.LoopConfig{
		Provider:     prov,
		Tools:        tools,
		Logger:       logger,
		MaxToolTurns: b.cfg.Agent.MaxToolTurns,
		MaxTokens:    b.cfg.Agent.MaxTokens,
		Temperature:  b.cfg.Agent.Temperature,
	})
	prompt := agent.NewPromptBuilder(agent.PromptConfig{
		AssistantID:  cc.AssistantID,
		Platform:     cc.Platform,
		Persona:      cc.Persona,
		Instructions: cc.SystemPrompt,
		Cwd:          cc.Cwd,
		Memory:       b.cfg.Memory,
		Logger:       logger,
	})

	ec := b.cfg.Content
	ec.BotNames = cc.BotNames
	ec.Logger = logger

	var conn *Connection
	handlerCfg := HandlerConfig{
		Sender:        transport,
		Registries:    b.cfg.Registries,
		Access:        security.NewAccessPolicy(dm, group, cc.AllowFrom),
		Extractor:     content.NewExtractor(ec),
		Conversations: b.cfg.Tracker,
		Agent:         loop,
		Prompt:        prompt,
		Commands:      agent.NewCommands(b.cfg.Tracker, prov.Name(), tools.Names()),
		Status:        func() Status { return conn.Status() },
		Streaming:     cc.Streaming,
		Events:        b.cfg.Events,
		Logger:        logger,
	}
	if rate := b.cfg.Agent.RateLimitPerMinute; rate > 0 {
		handlerCfg.Limiter = agent.NewConversationLimiter(max(rate/6, 3), float64(rate))
	}

	conn = NewConnection(ConnectionConfig{
		AssistantID: cc.AssistantID,
		Transport:   transport,
		Handler:     NewHandler(handlerCfg),
		Backoff: Backoff{
			Initial: cc.InitialReconnectDelay.Std(),
			Max:     cc.MaxReconnectDelay.Std(),
			Jitter:  cc.Jitter(),
		},
		MaxAttempts:       cc.MaxConnectionAttempts,
		HeartbeatInterval: cc.HeartbeatInterval.Std(),
		MaxConcurrent:     b.cfg.Agent.MaxConcurrentMessages,
		Events:            b.cfg.Events,
		Logger:            b.cfg.Logger,
	})
	return conn, nil
}
