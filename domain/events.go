package domain

// EventType tags a provider-agnostic event emitted by a voice adapter
type EventType string

const (
	EventAudioDelta      EventType = "audio-delta"
	EventTranscriptDelta EventType = "transcript-delta"
	EventSpeechStarted   EventType = "speech-started"
	EventSpeechStopped   EventType = "speech-stopped"
	EventStatus          EventType = "status"
	EventFunctionCall    EventType = "function-call"
	EventError           EventType = "error"
	EventConnected       EventType = "connected"
)

// Status is the conversational state reported to the client
type Status string

const (
	StatusReady      Status = "ready"
	StatusListening  Status = "listening"
	StatusProcessing Status = "processing"
)

// FunctionCall is a tool invocation requested by the provider. CallID is
// opaque and must be echoed back with the result.
type FunctionCall struct {
	Name      string
	CallID    string
	Arguments map[string]any
}

// Event is the only vocabulary that crosses the adapter boundary. Exactly one
// payload field is meaningful, selected by Type.
type Event struct {
	Type EventType

	// Audio is a base64 payload passed through unmodified
	Audio string
	// Text carries transcript deltas
	Text   string
	Status Status
	Call   *FunctionCall
	// Message carries the provider's error text
	Message string
}

func AudioDelta(data string) Event {
	return Event{Type: EventAudioDelta, Audio: data}
}

func TranscriptDelta(text string) Event {
	return Event{Type: EventTranscriptDelta, Text: text}
}

func SpeechStarted() Event {
	return Event{Type: EventSpeechStarted}
}

func SpeechStopped() Event {
	return Event{Type: EventSpeechStopped}
}

func StatusChanged(state Status) Event {
	return Event{Type: EventStatus, Status: state}
}

func FunctionCallRequested(name, callID string, args map[string]any) Event {
	return Event{Type: EventFunctionCall, Call: &FunctionCall{Name: name, CallID: callID, Arguments: args}}
}

func ErrorOccurred(message string) Event {
	return Event{Type: EventError, Message: message}
}

func Connected() Event {
	return Event{Type: EventConnected}
}
