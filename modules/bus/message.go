package bus

import (
	"time"
)

// MessageType discriminates the payloads pushed to subscribers.
type MessageType string

const (
	MessageAnalysisStart    MessageType = "analysis-start"
	MessageAnalysisChunk    MessageType = "analysis-chunk"
	MessageAnalysisComplete MessageType = "analysis-complete"
	MessageAlert            MessageType = "alert"
	MessageHeartbeat        MessageType = "heartbeat"
)

// Message is the wire format of the subscriber channel.
type Message struct {
	Type       MessageType `json:"type"`
	Data       any         `json:"data,omitempty"`
	AnomalyIDs []string    `json:"anomalyIds,omitempty"`
	Timestamp  string      `json:"timestamp"`
}

// AlertData is the payload of alert messages.
type AlertData struct {
	Severity string         `json:"severity"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
}

// HeartbeatData is the payload of heartbeat messages.
type HeartbeatData struct {
	Clients int `json:"clients"`
}

func newMessage(t MessageType) Message {
	return Message{
		Type:      t,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// AnalysisStart brackets the beginning of an LLM dispatch for the given
// anomaly ids.
func AnalysisStart(ids []string) Message {
	m := newMessage(MessageAnalysisStart)
	m.AnomalyIDs = ids
	return m
}

// AnalysisChunk carries one streamed chunk of analysis text.
func AnalysisChunk(chunk string, ids []string) Message {
	m := newMessage(MessageAnalysisChunk)
	m.Data = chunk
	m.AnomalyIDs = ids
	return m
}

// AnalysisComplete carries the full accumulated analysis text.
func AnalysisComplete(ids []string, text string) Message {
	m := newMessage(MessageAnalysisComplete)
	m.Data = text
	m.AnomalyIDs = ids
	return m
}

// Alert is pushed out of band, ahead of any batching.
func Alert(severity, message string, context map[string]any) Message {
	m := newMessage(MessageAlert)
	m.Data = AlertData{
		Severity: severity,
		Message:  message,
		Context:  context,
	}
	return m
}

// Heartbeat reports liveness and the current subscriber count.
func Heartbeat(clients int) Message {
	m := newMessage(MessageHeartbeat)
	m.Data = HeartbeatData{Clients: clients}
	return m
}
