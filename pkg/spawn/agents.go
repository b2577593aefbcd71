package spawn

import "sort"

// AgentConfigPath is the credential record shared by agents that route
// through OpenRouter, relative to the spawn home directory.
const AgentConfigPath = "openrouter.json"

var openRouterKey = SingleCredential("OPENROUTER_API_KEY", "OpenRouter API key")

// BuiltinAgents are the agents known without a run file.
var BuiltinAgents = map[string]Agent{
	"claude": {
		Name:    "claude",
		Install: "curl -fsSL https://claude.ai/install.sh | bash",
		Launch:  "claude",
		Env: []EnvPair{
			{Key: "ANTHROPIC_BASE_URL", Value: "https://openrouter.ai/api"},
			{Key: "ANTHROPIC_AUTH_TOKEN", Value: "$OPENROUTER_API_KEY"},
			{Key: "ANTHROPIC_API_KEY", Value: ""},
		},
		Credentials: []CredentialSpec{openRouterKey},
	},
	"aider": {
		Name:    "aider",
		Install: "curl -LsSf https://aider.chat/install.sh | sh",
		Launch:  "aider --model openrouter/anthropic/claude-sonnet-4",
		Env: []EnvPair{
			{Key: "OPENROUTER_API_KEY", Value: "$OPENROUTER_API_KEY"},
		},
		Credentials: []CredentialSpec{openRouterKey},
	},
	"codex": {
		Name:    "codex",
		Install: "npm install -g @openai/codex",
		Launch:  "codex",
		Env: []EnvPair{
			{Key: "OPENAI_BASE_URL", Value: "https://openrouter.ai/api/v1"},
			{Key: "OPENAI_API_KEY", Value: "$OPENROUTER_API_KEY"},
		},
		Credentials: []CredentialSpec{openRouterKey},
	},
	"shell": {
		Name:   "shell",
		Launch: "exec $SHELL -l",
	},
}

// LookupAgent finds an agent by name, preferring extra definitions (from a
// run file) over the builtin ones.
func LookupAgent(name string, extra ...Agent) (Agent, error) {
	for _, a := range extra {
		if a.Name == name {
			return a, nil
		}
	}
	if a, ok := BuiltinAgents[name]; ok {
		return a, nil
	}
	return Agent{}, ErrNotFound("agent", name)
}

// AgentNames returns the builtin agent names, sorted.
func AgentNames() []string {
	names := make([]string, 0, len(BuiltinAgents))
	for n := range BuiltinAgents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
