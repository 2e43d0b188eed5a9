package domain

import (
	"encoding/json"
	"fmt"

	"github.com/satriahrh/eon-voice/domain/entities"
)

// CommandType is the `type` tag of a client-facing JSON command
type CommandType string

// Client -> bridge
const (
	CommandConfigure      CommandType = "configure"
	CommandAudio          CommandType = "audio"
	CommandText           CommandType = "text"
	CommandFunctionResult CommandType = "function_result"
	CommandMute           CommandType = "mute"
)

// Bridge -> client
const (
	CommandConnected     CommandType = "connected"
	CommandTranscript    CommandType = "transcript"
	CommandStatus        CommandType = "status"
	CommandFunctionCall  CommandType = "function_call"
	CommandSpeechStarted CommandType = "speech_started"
	CommandSpeechStopped CommandType = "speech_stopped"
	CommandError         CommandType = "error"
)

// Envelope is the first-pass decode used to route a command by its tag
type Envelope struct {
	Type CommandType `json:"type"`
}

// ConfigureCommand must be the first message of every session
type ConfigureCommand struct {
	Type         CommandType                `json:"type"`
	Instructions *string                    `json:"instructions,omitempty"`
	Tools        []entities.ToolDeclaration `json:"tools"`
	GreetingCue  *string                    `json:"greeting_cue,omitempty"`
}

type AudioCommand struct {
	Type CommandType `json:"type"`
	Data string      `json:"data"`
}

type TextCommand struct {
	Type CommandType `json:"type"`
	Text string      `json:"text"`
}

// FunctionResultCommand carries a tool result. Result is forwarded verbatim.
type FunctionResultCommand struct {
	Type   CommandType     `json:"type"`
	CallID string          `json:"call_id"`
	Result json.RawMessage `json:"result,omitempty"`
}

// OutboundCommand is the bridge -> client wire shape. Fields not used by a
// given type are omitted.
type OutboundCommand struct {
	Type      CommandType    `json:"type"`
	Data      string         `json:"data,omitempty"`
	Text      string         `json:"text,omitempty"`
	State     Status         `json:"state,omitempty"`
	Name      string         `json:"name,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// MarshalJSON keeps `arguments` present (as `{}`) on function calls even when
// no arguments were supplied.
func (c OutboundCommand) MarshalJSON() ([]byte, error) {
	type plain OutboundCommand
	if c.Type != CommandFunctionCall {
		return json.Marshal(plain(c))
	}
	args := c.Arguments
	if args == nil {
		args = map[string]any{}
	}
	return json.Marshal(struct {
		Type      CommandType    `json:"type"`
		Name      string         `json:"name"`
		CallID    string         `json:"call_id"`
		Arguments map[string]any `json:"arguments"`
	}{c.Type, c.Name, c.CallID, args})
}

// CommandFromEvent re-encodes a vocabulary event as a client command
func CommandFromEvent(ev Event) (OutboundCommand, error) {
	switch ev.Type {
	case EventAudioDelta:
		return OutboundCommand{Type: CommandAudio, Data: ev.Audio}, nil
	case EventTranscriptDelta:
		return OutboundCommand{Type: CommandTranscript, Text: ev.Text}, nil
	case EventSpeechStarted:
		return OutboundCommand{Type: CommandSpeechStarted}, nil
	case EventSpeechStopped:
		return OutboundCommand{Type: CommandSpeechStopped}, nil
	case EventStatus:
		return StatusCommand(ev.Status), nil
	case EventFunctionCall:
		if ev.Call == nil {
			return OutboundCommand{}, fmt.Errorf("function call event without payload")
		}
		return OutboundCommand{
			Type:      CommandFunctionCall,
			Name:      ev.Call.Name,
			CallID:    ev.Call.CallID,
			Arguments: ev.Call.Arguments,
		}, nil
	case EventError:
		return ErrorCommand(ev.Message), nil
	case EventConnected:
		return OutboundCommand{Type: CommandConnected}, nil
	default:
		return OutboundCommand{}, fmt.Errorf("unsupported event type: %s", ev.Type)
	}
}

func StatusCommand(state Status) OutboundCommand {
	return OutboundCommand{Type: CommandStatus, State: state}
}

func ErrorCommand(message string) OutboundCommand {
	return OutboundCommand{Type: CommandError, Message: message}
}
