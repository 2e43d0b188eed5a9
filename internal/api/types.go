package api

// VoiceHealthResponse is returned by the voice service health check
type VoiceHealthResponse struct {
	Status         string `json:"status"`
	Adapter        string `json:"adapter"`
	Model          string `json:"model"`
	ActiveSessions int    `json:"activeSessions"`
}

// HealthResponse is returned by the gateway health check
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
