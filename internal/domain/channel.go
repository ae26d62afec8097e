package domain

import "context"

// Sender is the outbound half of a platform integration.
type Sender interface {
	// Send posts text to the conversation behind h and returns the platform
	// message id (empty when the platform does not expose one).
	Send(ctx context.Context, h ReplyHandle, text string) (string, error)
	// ChunkLimit is the largest text a single message may carry.
	ChunkLimit() int
}

// DraftEditor is implemented by senders that can edit and delete their own
// messages, which is what streaming delivery needs.
type DraftEditor interface {
	Edit(ctx context.Context, h ReplyHandle, messageID, text string) error
	Delete(ctx context.Context, h ReplyHandle, messageID string) error
}

// MediaResolver turns a platform file reference into a fetchable URL plus
// any headers the download needs (auth tokens and the like).
type MediaResolver interface {
	ResolveMedia(ctx context.Context, ref MediaRef) (url string, header map[string]string, err error)
}

// Transport is one platform gateway binding. A ChannelConnection owns exactly
// one Transport and drives it through the methods below in order:
// Handshake, Open, Serve, and Close when torn down.
type Transport interface {
	Sender

	// Platform names the integration ("telegram", "slack", ...).
	Platform() string
	// Handshake negotiates credentials and a transport endpoint. Errors are
	// treated as fatal by the connection.
	Handshake(ctx context.Context) error
	// Open establishes the transport (socket dial or poll registration).
	Open(ctx context.Context) error
	// Serve blocks delivering messages until the transport drops or ctx ends.
	// It returns nil only when ctx was cancelled.
	Serve(ctx context.Context, deliver func(InboundMessage)) error
	// Probe is a liveness check independent of the transport's own keepalive.
	Probe(ctx context.Context) error
	// Close releases the live transport handle. It must be safe to call twice.
	Close() error
}
