package domain

// Stream event types carried on the NDJSON wire. Every substantive event
// has a type; a bare newline with no JSON body is a heartbeat.
const (
	EventStart          = "start"
	EventData           = "data"
	EventProgress       = "progress"
	EventChunk          = "chunk"
	EventPartial        = "partial"
	EventAIStart        = "ai_start"
	EventAIComplete     = "ai_complete"
	EventComplete       = "complete"
	EventError          = "error"
	EventServerShutdown = "server_shutdown"
	EventConnection     = "connection"
	EventTest           = "test"
	EventBroadcast      = "broadcast"
)

// StreamEvent is one NDJSON line on a streaming response.
type StreamEvent struct {
	Type         string `json:"type"`
	Message      string `json:"message,omitempty"`
	Content      string `json:"content,omitempty"`
	Data         any    `json:"data,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
	Recoverable  *bool  `json:"recoverable,omitempty"`
}

// ErrorEvent builds an in-band error event. Non-recoverable errors end the
// stream; recoverable ones are advisory.
func ErrorEvent(message string, recoverable bool) StreamEvent {
	return StreamEvent{
		Type:        EventError,
		Message:     message,
		Recoverable: &recoverable,
	}
}
