package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"
	FieldHost      = "host"

	// Actor
	FieldUserID = "user_id"

	// Service
	FieldService = "service"

	// Conversation view
	FieldConversationID = "conversation_id"
	FieldMessageID      = "message_id"
	FieldViewID         = "view_id"
	FieldEventType      = "event_type"

	// Connection manager
	FieldSessionID = "session_id"
	FieldState     = "state"
	FieldRetry     = "retry"
	FieldDelay     = "delay_ms"

	// Log type (for audit log)
	FieldLogType = "log_type"
	LogTypeAudit = "audit"
)
