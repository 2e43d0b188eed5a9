package voice

import (
	"strings"

	"github.com/satriahrh/eon-voice/domain/entities"
)

// UserIDArgument is the argument key that carries the session user into
// user-scoped tool calls.
const UserIDArgument = "user_id"

// UserScopePolicy is the service-wide default for which tools act on behalf
// of the session user.
type UserScopePolicy struct {
	Names    []string
	Prefixes []string
}

// DefaultUserScopePolicy covers the memory tools and the calendar integration
func DefaultUserScopePolicy() UserScopePolicy {
	return UserScopePolicy{
		Names:    []string{"search_memory", "add_memory", "get_user_context", "forget_memory"},
		Prefixes: []string{"GoogleCalendar_"},
	}
}

// UserScope decides, for one session, whether a tool call needs the user id
type UserScope struct {
	names    map[string]bool
	prefixes []string
}

// Resolve combines the policy with per-declaration overrides. A declaration
// with user_scoped set wins over both the name list and the prefixes.
func (p UserScopePolicy) Resolve(tools []entities.ToolDeclaration) UserScope {
	scope := UserScope{
		names:    make(map[string]bool, len(p.Names)+len(tools)),
		prefixes: make([]string, 0, len(p.Prefixes)),
	}
	for _, name := range p.Names {
		if name = strings.TrimSpace(name); name != "" {
			scope.names[name] = true
		}
	}
	for _, prefix := range p.Prefixes {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			scope.prefixes = append(scope.prefixes, prefix)
		}
	}
	for _, tool := range tools {
		if tool.UserScoped != nil && tool.Name != "" {
			scope.names[tool.Name] = *tool.UserScoped
		}
	}
	return scope
}

// Matches reports whether calls to name carry the user id
func (s UserScope) Matches(name string) bool {
	if scoped, ok := s.names[name]; ok {
		return scoped
	}
	for _, prefix := range s.prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// Apply sets the user id on args when name is user scoped. It reports whether
// the arguments were changed. args must not be nil.
func (s UserScope) Apply(name string, args map[string]any, userID string) bool {
	if !s.Matches(name) {
		return false
	}
	args[UserIDArgument] = userID
	return true
}
