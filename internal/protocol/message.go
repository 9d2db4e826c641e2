package protocol

import (
	"encoding/json"
	"fmt"
)

// Server → Client event types.
const (
	TypeReady      = "ready"
	TypeUsage      = "usage"
	TypeText       = "text"
	TypeToolUse    = "tool_use"
	TypeToolResult = "tool_result"
	TypeError      = "error"
	TypeSystem     = "system"
	TypeCancelled  = "cancelled"
	TypeDone       = "done"
)

// Client → Server command types.
const (
	TypeMessage   = "message"
	TypeCancel    = "cancel"
	TypeForceSend = "force_send"
)

// System event subtypes emitted by the server.
const (
	SubtypeInterrupting = "interrupting"
)

// Event is one server → client protocol event. The set of implementations is
// closed; see the type switch in MarshalEvent.
type Event interface {
	Type() string
	// CountsAsOutput reports whether the event proves the agent produced
	// output during a run.
	CountsAsOutput() bool
	isEvent()
}

// Ready is the first event every connection receives.
type Ready struct {
	ThreadID string `json:"threadId"`
}

// Usage reports token consumption and estimated cost for the current run.
type Usage struct {
	ContextPercent float64 `json:"contextPercent"`
	InputTokens    int64   `json:"inputTokens"`
	OutputTokens   int64   `json:"outputTokens"`
	MaxTokens      int64   `json:"maxTokens"`
	EstimatedCost  float64 `json:"estimatedCost"`
}

// Text is a chunk of assistant prose.
type Text struct {
	Content string `json:"content"`
}

// ToolUse announces a tool invocation by the agent.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult carries the outcome of the ToolUse with the same ID.
type ToolResult struct {
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Success bool            `json:"success"`
}

// Error is a human-readable failure, from the agent or the server.
type Error struct {
	Content string `json:"content"`
}

// System is a status notice such as SubtypeInterrupting.
type System struct {
	Subtype string `json:"subtype"`
}

// Cancelled confirms that an interrupted process has exited.
type Cancelled struct{}

// Done ends every run. Code is the process exit code, or -1 when it was
// killed or never started.
type Done struct {
	Code int `json:"code"`
}

func (Ready) Type() string      { return TypeReady }
func (Usage) Type() string      { return TypeUsage }
func (Text) Type() string       { return TypeText }
func (ToolUse) Type() string    { return TypeToolUse }
func (ToolResult) Type() string { return TypeToolResult }
func (Error) Type() string      { return TypeError }
func (System) Type() string     { return TypeSystem }
func (Cancelled) Type() string  { return TypeCancelled }
func (Done) Type() string       { return TypeDone }

func (Ready) CountsAsOutput() bool      { return true }
func (Usage) CountsAsOutput() bool      { return true }
func (Text) CountsAsOutput() bool       { return true }
func (ToolUse) CountsAsOutput() bool    { return true }
func (ToolResult) CountsAsOutput() bool { return true }
func (Error) CountsAsOutput() bool      { return false }
func (System) CountsAsOutput() bool     { return true }
func (Cancelled) CountsAsOutput() bool  { return true }
func (Done) CountsAsOutput() bool       { return false }

func (Ready) isEvent()      {}
func (Usage) isEvent()      {}
func (Text) isEvent()       {}
func (ToolUse) isEvent()    {}
func (ToolResult) isEvent() {}
func (Error) isEvent()      {}
func (System) isEvent()     {}
func (Cancelled) isEvent()  {}
func (Done) isEvent()       {}

// MarshalEvent encodes e as a flat JSON object discriminated by "type".
func MarshalEvent(e Event) ([]byte, error) {
	var v interface{}
	switch ev := e.(type) {
	case Ready:
		v = struct {
			Type string `json:"type"`
			Ready
		}{TypeReady, ev}
	case Usage:
		v = struct {
			Type string `json:"type"`
			Usage
		}{TypeUsage, ev}
	case Text:
		v = struct {
			Type string `json:"type"`
			Text
		}{TypeText, ev}
	case ToolUse:
		if len(ev.Input) == 0 {
			ev.Input = json.RawMessage("{}")
		}
		v = struct {
			Type string `json:"type"`
			ToolUse
		}{TypeToolUse, ev}
	case ToolResult:
		if len(ev.Result) == 0 {
			ev.Result = json.RawMessage("null")
		}
		v = struct {
			Type string `json:"type"`
			ToolResult
		}{TypeToolResult, ev}
	case Error:
		v = struct {
			Type string `json:"type"`
			Error
		}{TypeError, ev}
	case System:
		v = struct {
			Type string `json:"type"`
			System
		}{TypeSystem, ev}
	case Cancelled:
		v = struct {
			Type string `json:"type"`
		}{TypeCancelled}
	case Done:
		v = struct {
			Type string `json:"type"`
			Done
		}{TypeDone, ev}
	default:
		return nil, fmt.Errorf("unknown event %T", e)
	}
	return json.Marshal(v)
}

// UnmarshalEvent decodes a flat JSON event object.
func UnmarshalEvent(data []byte) (Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	var (
		ev  Event
		err error
	)
	switch head.Type {
	case TypeReady:
		var e Ready
		err = json.Unmarshal(data, &e)
		ev = e
	case TypeUsage:
		var e Usage
		err = json.Unmarshal(data, &e)
		ev = e
	case TypeText:
		var e Text
		err = json.Unmarshal(data, &e)
		ev = e
	case TypeToolUse:
		var e ToolUse
		err = json.Unmarshal(data, &e)
		ev = e
	case TypeToolResult:
		var e ToolResult
		err = json.Unmarshal(data, &e)
		ev = e
	case TypeError:
		var e Error
		err = json.Unmarshal(data, &e)
		ev = e
	case TypeSystem:
		var e System
		err = json.Unmarshal(data, &e)
		ev = e
	case TypeCancelled:
		ev = Cancelled{}
	case TypeDone:
		var e Done
		err = json.Unmarshal(data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("unknown event type: %q", head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s event: %w", head.Type, err)
	}
	return ev, nil
}

// Image is a media blob attached to a client message.
type Image struct {
	Data      string `json:"data"` // base64
	MediaType string `json:"mediaType"`
}

// Command is one client → server command.
type Command interface {
	Type() string
	isCommand()
}

// MessageCommand asks for content to be sent to the agent, queued behind any
// run in flight.
type MessageCommand struct {
	Content string `json:"content"`
	Image   *Image `json:"image,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

// CancelCommand interrupts the run in flight.
type CancelCommand struct{}

// ForceSendCommand interrupts the run in flight and dispatches its content as
// soon as the process has exited.
type ForceSendCommand struct {
	MessageCommand
}

func (MessageCommand) Type() string   { return TypeMessage }
func (CancelCommand) Type() string    { return TypeCancel }
func (ForceSendCommand) Type() string { return TypeForceSend }

func (MessageCommand) isCommand()   {}
func (CancelCommand) isCommand()    {}
func (ForceSendCommand) isCommand() {}
