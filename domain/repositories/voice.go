package repositories

import (
	"context"
	"encoding/json"

	"github.com/satriahrh/eon-voice/domain"
)

// VoiceAdapter owns one live connection to a realtime speech provider.
// An adapter is used for a single session and never reused.
type VoiceAdapter interface {
	// Name returns the registry name of the provider
	Name() string

	// Connect dials the provider, runs the session handshake and starts the
	// event loop. Calling it on a connected adapter is a no-op.
	Connect(ctx context.Context) error

	// Disconnect stops the event loop, waits for it to exit and closes the
	// provider connection. Safe to call more than once.
	Disconnect() error

	// SendAudio appends a base64 audio chunk to the provider input buffer
	SendAudio(data string) error

	// SendText adds a user message and asks for a response
	SendText(text string) error

	// SendFunctionResult returns a tool result for callID and asks for a
	// response. callID is not checked against earlier calls.
	SendFunctionResult(callID string, result json.RawMessage) error

	// Events delivers provider events in arrival order. The channel is
	// closed once the event loop has exited.
	Events() <-chan domain.Event
}
