package domain

import "errors"

var (
	// ErrHandshake marks a failed handshake/auth exchange. Never retried automatically.
	ErrHandshake = errors.New("handshake failed")
	// ErrTransportClosed marks a post-connect transport failure that should trigger reconnect.
	ErrTransportClosed = errors.New("transport closed")
	// ErrPermission marks a send rejected because the bot may not message the target.
	ErrPermission = errors.New("permission denied by platform")
)
