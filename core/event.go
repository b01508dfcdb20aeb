package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType tags the variant carried by a StreamEvent.
type EventType string

// Stream event variants. Complete and Error are terminal.
const (
	EventThinking     EventType = "thinking"
	EventToolCall     EventType = "tool_call"
	EventDelta        EventType = "delta"
	EventNotification EventType = "notification"
	EventComplete     EventType = "complete"
	EventError        EventType = "error"
)

// ToolCallStatus is the lifecycle stage reported by a tool_call event.
type ToolCallStatus string

// Tool call stages.
const (
	ToolStarted   ToolCallStatus = "started"
	ToolCompleted ToolCallStatus = "completed"
	ToolFailed    ToolCallStatus = "failed"
)

// EventData is the closed set of payloads a StreamEvent may carry.
type EventData interface{ isEventData() }

// ThinkingData reports progress before the first tool call or delta.
type ThinkingData struct {
	Step     string  `json:"step"`
	Progress float64 `json:"progress"`
}

// ToolCallData reports a tool invocation stage.
type ToolCallData struct {
	ToolName string         `json:"toolName"`
	Status   ToolCallStatus `json:"status"`
	CallID   string         `json:"callId,omitempty"`
}

// DeltaData is an incremental chunk of assistant text.
type DeltaData struct {
	Content string `json:"content"`
}

// NotificationData is a human readable observability message.
type NotificationData struct {
	Message string `json:"message"`
}

// CompleteMetadata accompanies the final answer.
type CompleteMetadata struct {
	ProcessingTimeMs int64           `json:"processingTimeMs"`
	ModelID          string          `json:"modelId"`
	ToolsUsed        []string        `json:"toolsUsed,omitempty"`
	Sources          []Source        `json:"sources,omitempty"`
	AgentID          string          `json:"agentId,omitempty"`
	Handoffs         []string        `json:"handoffs,omitempty"`
	ConversationID   string          `json:"conversationId,omitempty"`
	AuthStep         *StepDescriptor `json:"authStep,omitempty"`
}

// CompleteData terminates a successful turn.
type CompleteData struct {
	Content  string           `json:"content"`
	Metadata CompleteMetadata `json:"metadata"`
}

// ErrorData terminates a failed turn.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ThinkingData) isEventData()     {}
func (ToolCallData) isEventData()     {}
func (DeltaData) isEventData()        {}
func (NotificationData) isEventData() {}
func (CompleteData) isEventData()     {}
func (ErrorData) isEventData()        {}

// StreamEvent is one unit of the ordered, push based response protocol.
// It serializes as {"type": ..., "data": ...}. Events are transient and never
// persisted.
type StreamEvent struct {
	Type      EventType `json:"type"`
	Data      EventData `json:"data"`
	Timestamp time.Time `json:"-"`
}

// NewThinkingEvent builds a thinking event. Progress is clamped to [0,1].
func NewThinkingEvent(step string, progress float64) StreamEvent {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	return newEvent(EventThinking, ThinkingData{Step: step, Progress: progress})
}

// NewToolCallEvent builds a tool_call event.
func NewToolCallEvent(toolName string, status ToolCallStatus, callID string) StreamEvent {
	return newEvent(EventToolCall, ToolCallData{ToolName: toolName, Status: status, CallID: callID})
}

// NewDeltaEvent builds a delta event.
func NewDeltaEvent(content string) StreamEvent {
	return newEvent(EventDelta, DeltaData{Content: content})
}

// NewNotificationEvent builds a notification event.
func NewNotificationEvent(message string) StreamEvent {
	return newEvent(EventNotification, NotificationData{Message: message})
}

// NewCompleteEvent builds a complete event.
func NewCompleteEvent(content string, md CompleteMetadata) StreamEvent {
	return newEvent(EventComplete, CompleteData{Content: content, Metadata: md})
}

// NewErrorEvent builds an error event.
func NewErrorEvent(code, message string) StreamEvent {
	return newEvent(EventError, ErrorData{Code: code, Message: message})
}

func newEvent(t EventType, data EventData) StreamEvent {
	return StreamEvent{Type: t, Data: data, Timestamp: time.Now().UTC()}
}

// IsTerminal reports whether the event ends its turn.
func (e StreamEvent) IsTerminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// UnmarshalJSON decodes the payload according to the type tag.
func (e *StreamEvent) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type EventType       `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	var data EventData
	var err error

	switch raw.Type {
	case EventThinking:
		data, err = decodeData[ThinkingData](raw.Data)
	case EventToolCall:
		data, err = decodeData[ToolCallData](raw.Data)
	case EventDelta:
		data, err = decodeData[DeltaData](raw.Data)
	case EventNotification:
		data, err = decodeData[NotificationData](raw.Data)
	case EventComplete:
		data, err = decodeData[CompleteData](raw.Data)
	case EventError:
		data, err = decodeData[ErrorData](raw.Data)
	default:
		return fmt.Errorf("unknown stream event type %q", raw.Type)
	}
	if err != nil {
		return err
	}

	e.Type = raw.Type
	e.Data = data

	return nil
}

func decodeData[T EventData](b json.RawMessage) (EventData, error) {
	var v T
	if len(b) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// NewID generates a new unique identifier for conversations, sessions and turns.
func NewID() string { return uuid.NewString() }
