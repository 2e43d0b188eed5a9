package voice

import "fmt"

// GreetingInstruction builds the system message that makes the model open the
// conversation. It goes into the conversation context rather than the
// response request, since providers treat response-time instructions as hints.
func GreetingInstruction(cue string) string {
	if cue == "" {
		return "IMPORTANT: Greet the user warmly. Be natural and friendly. " +
			"Do NOT say generic phrases like 'How can I help you today?' or 'How can I assist you?'"
	}
	return fmt.Sprintf("IMPORTANT: Your very first message MUST check in about: '%s'. "+
		"For example, if the cue is 'Check in about the presentation', say something like "+
		"'Hey! How's the presentation prep going?' "+
		"Be warm and natural. Do NOT say generic phrases like 'How can I help you today?'", cue)
}
