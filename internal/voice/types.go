package voice

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// DefaultNudge asks the remote agent to open the conversation.
const DefaultNudge = "The call has started. Please greet the customer now."

type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ParameterSchema describes one argument of a declared tool.
type ParameterSchema struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// ToolDeclaration is an operation the remote agent may invoke.
type ToolDeclaration struct {
	Name        string                     `json:"name"`
	Description string                     `json:"description,omitempty"`
	Parameters  map[string]ParameterSchema `json:"parameters"`
	Required    []string                   `json:"required,omitempty"`
}

// SessionConfig is fixed for the lifetime of a session.
type SessionConfig struct {
	SystemPrompt string
	Voice        string
	Tools        []ToolDeclaration
	// Nudge is the text sent when the session becomes active. Empty means
	// DefaultNudge.
	Nudge string
}

var errInvalidConfig = errors.New("invalid session config")

// Validate checks tool declarations for empty, duplicate or dangling names.
func (c SessionConfig) Validate() error {
	seen := make(map[string]struct{}, len(c.Tools))
	for _, tool := range c.Tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return fmt.Errorf("%w: tool with empty name", errInvalidConfig)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: tool %q declared twice", errInvalidConfig, name)
		}
		seen[name] = struct{}{}
		for _, req := range tool.Required {
			if _, ok := tool.Parameters[req]; !ok {
				return fmt.Errorf("%w: tool %q requires undeclared parameter %q", errInvalidConfig, name, req)
			}
		}
	}
	return nil
}

// Declares reports whether name is one of the configured tools.
func (c SessionConfig) Declares(name string) bool {
	return slices.ContainsFunc(c.Tools, func(t ToolDeclaration) bool { return t.Name == name })
}

func (c SessionConfig) nudge() string {
	if strings.TrimSpace(c.Nudge) == "" {
		return DefaultNudge
	}
	return c.Nudge
}

// Clone returns a deep copy.
func (c SessionConfig) Clone() SessionConfig {
	out := c
	out.Tools = make([]ToolDeclaration, len(c.Tools))
	for i, tool := range c.Tools {
		tool.Parameters = maps.Clone(tool.Parameters)
		for k, p := range tool.Parameters {
			p.Enum = slices.Clone(p.Enum)
			tool.Parameters[k] = p
		}
		tool.Required = slices.Clone(tool.Required)
		out.Tools[i] = tool
	}
	return out
}

// ToolInvocation is a remote request to run a declared tool.
type ToolInvocation struct {
	ID        string
	Name      string
	Arguments map[string]any
}

type ToolStatus string

const (
	ToolStatusOK    ToolStatus = "ok"
	ToolStatusError ToolStatus = "error"
)

// ToolResult acknowledges one ToolInvocation.
type ToolResult struct {
	ID     string
	Name   string
	Status ToolStatus
}

type InboundKind string

const (
	InboundOutputTranscription InboundKind = "output_transcription"
	InboundInputTranscription  InboundKind = "input_transcription"
	InboundTurnComplete        InboundKind = "turn_complete"
	InboundToolCall            InboundKind = "tool_call"
	InboundAudio               InboundKind = "audio"
	InboundInterrupted         InboundKind = "interrupted"
)

// Inbound is one message from the remote service. Exactly one kind applies.
type Inbound struct {
	Kind InboundKind
	Text string
	// Cumulative marks a transcription that repeats the whole turn so far
	// instead of adding a delta.
	Cumulative bool
	Calls      []ToolInvocation
	// Audio is base64 PCM16LE mono at SampleRate.
	Audio      string
	SampleRate int
}

type OutboundKind string

const (
	OutboundAudio      OutboundKind = "audio"
	OutboundText       OutboundKind = "text_nudge"
	OutboundToolResult OutboundKind = "tool_result"
)

// Outbound is one message to the remote service.
type Outbound struct {
	Kind OutboundKind
	// Audio is base64 PCM16LE mono at 16 kHz.
	Audio  string
	Text   string
	Result ToolResult
}
