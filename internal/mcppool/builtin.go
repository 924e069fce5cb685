package mcppool

import "strings"

// Built-in backend names.
const (
	BuiltinScreen     = "builtin:screen"
	BuiltinMemory     = "builtin:memory"
	BuiltinPatterns   = "builtin:patterns"
	BuiltinOnboarding = "builtin:onboarding"
)

// OnboardingTool is the namespaced onboarding tool on the onboarding backend.
const OnboardingTool = BuiltinOnboarding + Separator + "onboarding"

// DefaultBuiltins returns the built-in backend set. Each is expected on PATH
// as mcpbrowser-<short name>; config may override or disable any of them.
func DefaultBuiltins() []Definition {
	return []Definition{
		{Name: BuiltinScreen, Command: "mcpbrowser-screen", Description: "GNU screen session management"},
		{Name: BuiltinMemory, Command: "mcpbrowser-memory", Description: "Persistent memory and context management"},
		{Name: BuiltinPatterns, Command: "mcpbrowser-patterns", Description: "Auto-response pattern management"},
		{Name: BuiltinOnboarding, Command: "mcpbrowser-onboarding", Description: "Identity-aware onboarding management"},
	}
}

// ShortName strips the "builtin:" prefix.
func ShortName(name string) string {
	return strings.TrimPrefix(name, "builtin:")
}

// IsBuiltin reports whether name is one of the built-in backends.
func IsBuiltin(name string) bool {
	switch name {
	case BuiltinScreen, BuiltinMemory, BuiltinPatterns, BuiltinOnboarding:
		return true
	}
	return false
}
