package connector

import "context"

// Connector is the interface for chat front ends (Telegram, Slack, etc.)
// through which feedback reaches the dispatcher and ticket notifications
// reach the operations group.
type Connector interface {
	// Name returns the connector type (e.g., "telegram", "slack").
	Name() string
	// Start begins listening for inbound traffic. Blocks until context is
	// cancelled.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the connector.
	Stop() error
}
