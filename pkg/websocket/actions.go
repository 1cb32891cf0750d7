package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Subscription actions (client -> server). The payload names a subject:
	// agent:{agentId}, session:{sessionId}, or village:{villageId}.
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"

	// Notification actions (server -> client)
	ActionEvent = "event"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
