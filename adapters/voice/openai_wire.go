package voice

import "encoding/json"

// Realtime API message tags
const (
	rtSessionCreated            = "session.created"
	rtSessionUpdate             = "session.update"
	rtSessionUpdated            = "session.updated"
	rtConversationItemCreate    = "conversation.item.create"
	rtConversationItemCreated   = "conversation.item.created"
	rtResponseCreate            = "response.create"
	rtResponseDone              = "response.done"
	rtInputAudioAppend          = "input_audio_buffer.append"
	rtSpeechStarted             = "input_audio_buffer.speech_started"
	rtSpeechStopped             = "input_audio_buffer.speech_stopped"
	rtAudioDelta                = "response.audio.delta"
	rtOutputAudioDelta          = "response.output_audio.delta"
	rtAudioTranscriptDelta      = "response.audio_transcript.delta"
	rtOutputTranscriptDelta     = "response.output_audio_transcript.delta"
	rtInputTranscriptionDone    = "conversation.item.input_audio_transcription.completed"
	rtFunctionCallArgumentsDone = "response.function_call_arguments.done"
	rtError                     = "error"
)

// Outbound

type rtSessionUpdateMessage struct {
	Type    string            `json:"type"`
	Session rtSessionSettings `json:"session"`
}

type rtSessionSettings struct {
	Voice                   string               `json:"voice"`
	Instructions            string               `json:"instructions"`
	InputAudioTranscription rtTranscriptionModel `json:"input_audio_transcription"`
	Tools                   []rtTool             `json:"tools,omitempty"`
	ToolChoice              string               `json:"tool_choice,omitempty"`
}

type rtTranscriptionModel struct {
	Model string `json:"model"`
}

type rtTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type rtItemCreateMessage struct {
	Type string             `json:"type"`
	Item rtConversationItem `json:"item"`
}

type rtConversationItem struct {
	Type    string          `json:"type"`
	Role    string          `json:"role,omitempty"`
	Content []rtContentPart `json:"content,omitempty"`
	CallID  string          `json:"call_id,omitempty"`
	Output  string          `json:"output,omitempty"`
}

type rtContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type rtResponseCreateMessage struct {
	Type     string              `json:"type"`
	Response *rtResponseSettings `json:"response,omitempty"`
}

type rtResponseSettings struct {
	Modalities []string `json:"modalities"`
}

type rtAudioAppendMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// Inbound

type rtEnvelope struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

type rtSessionEvent struct {
	Session struct {
		ID    string `json:"id"`
		Voice string `json:"voice"`
	} `json:"session"`
}

type rtDeltaEvent struct {
	Delta string `json:"delta"`
}

type rtTranscriptionEvent struct {
	Transcript string `json:"transcript"`
}

type rtResponseDoneEvent struct {
	Response struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Output []struct {
			Type    string `json:"type"`
			Content []struct {
				Type       string `json:"type"`
				Transcript string `json:"transcript"`
			} `json:"content"`
		} `json:"output"`
	} `json:"response"`
}

type rtFunctionCallEvent struct {
	Name      string `json:"name"`
	CallID    string `json:"call_id"`
	Arguments string `json:"arguments"`
}

// rtErrorEvent also decodes Gemini Live error bodies, whose code is numeric
type rtErrorEvent struct {
	Error *struct {
		Type    string          `json:"type"`
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
}

func newUserTextItem(text string) rtItemCreateMessage {
	return rtItemCreateMessage{
		Type: rtConversationItemCreate,
		Item: rtConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []rtContentPart{{Type: "input_text", Text: text}},
		},
	}
}

func newSystemTextItem(text string) rtItemCreateMessage {
	return rtItemCreateMessage{
		Type: rtConversationItemCreate,
		Item: rtConversationItem{
			Type:    "message",
			Role:    "system",
			Content: []rtContentPart{{Type: "input_text", Text: text}},
		},
	}
}

func newFunctionOutputItem(callID string, output string) rtItemCreateMessage {
	return rtItemCreateMessage{
		Type: rtConversationItemCreate,
		Item: rtConversationItem{Type: "function_call_output", CallID: callID, Output: output},
	}
}
