package entities

import (
	"encoding/json"
	"errors"
)

// ToolDeclaration describes a function the model may call. Parameters is a
// JSON schema forwarded to the provider as-is.
type ToolDeclaration struct {
	Type        string          `json:"type,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	// UserScoped overrides the service-wide user scope policy for this tool
	UserScoped *bool `json:"user_scoped,omitempty"`
}

// IsFunction reports whether the declaration should be offered to the model
func (t ToolDeclaration) IsFunction() bool {
	return t.Name != "" && (t.Type == "" || t.Type == "function")
}

// SessionConfig is fixed when a session starts. The bridge owns it and hands
// a copy to the adapter it constructs.
type SessionConfig struct {
	Endpoint     string
	Credential   string
	Model        string
	Voice        string
	Instructions string
	UserID       string
	Tools        []ToolDeclaration
	// GreetingCue is empty when the client did not ask for a specific opener
	GreetingCue string
}

// FunctionTools returns the declarations that are forwarded to the provider,
// in declaration order.
func (c SessionConfig) FunctionTools() []ToolDeclaration {
	tools := make([]ToolDeclaration, 0, len(c.Tools))
	for _, tool := range c.Tools {
		if tool.IsFunction() {
			tools = append(tools, tool)
		}
	}
	return tools
}

// Validate checks the process-level fields every provider needs
func (c SessionConfig) Validate() error {
	if c.Endpoint == "" && c.Credential == "" {
		return errors.New("endpoint and credential are required")
	}
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if c.Credential == "" {
		return errors.New("credential is required")
	}
	return nil
}
