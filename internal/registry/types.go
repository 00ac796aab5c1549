// Package registry holds the per-agent-kind data the rest of the engine
// treats as a tagged variant plus a small function table (spec.md §9
// "Per-agent variance as data, not code"): command templates, environment
// variable names, parser selection, and auth file layout. No per-agent
// control flow lives outside this package — CommandSpec is flat data and
// RenderCommand is the single function that interprets it for every agent
// kind.
package registry

import (
	"fmt"

	"github.com/kandev/kandev-core/pkg/agent"
)

// CommandArgs is the input to RenderCommand for one invocation.
type CommandArgs struct {
	Prompt          string
	Model           string
	IsResume        bool
	ReasoningEffort string
	IsDirectMode    bool
	Skills          []string
}

// CommandSpec is the flat, JSON-serializable description of how an agent
// CLI is invoked. RenderCommand is the one place that turns it plus a
// CommandArgs into an argv.
type CommandSpec struct {
	Binary               string   `json:"binary"`
	BaseArgs             []string `json:"base_args,omitempty"`
	PromptIsPositional   bool     `json:"prompt_is_positional"`
	PromptFlag           string   `json:"prompt_flag,omitempty"`
	ModelFlag            string   `json:"model_flag,omitempty"`
	ResumeFlag           string   `json:"resume_flag,omitempty"`
	ResumeArgs           []string `json:"resume_args,omitempty"` // extra args appended only when IsResume
	ReasoningEffortFlag  string   `json:"reasoning_effort_flag,omitempty"`
	DirectModeFlag       string   `json:"direct_mode_flag,omitempty"`
	SkillsFlag           string   `json:"skills_flag,omitempty"` // repeated once per skill if set
}

// RenderCommand builds the argv for one run, given the agent's CommandSpec
// and the per-call CommandArgs. It is the single polymorphic function the
// spec allows (spec.md §9): everything it branches on is data carried in
// CommandSpec, never an agent-kind switch statement.
func RenderCommand(spec CommandSpec, args CommandArgs) []string {
	cmd := append([]string{spec.Binary}, spec.BaseArgs...)

	if args.IsResume && spec.ResumeFlag != "" {
		cmd = append(cmd, spec.ResumeFlag)
	}
	if args.IsResume {
		cmd = append(cmd, spec.ResumeArgs...)
	}
	if args.Model != "" && spec.ModelFlag != "" {
		cmd = append(cmd, spec.ModelFlag, args.Model)
	}
	if args.ReasoningEffort != "" && spec.ReasoningEffortFlag != "" {
		cmd = append(cmd, spec.ReasoningEffortFlag, args.ReasoningEffort)
	}
	if args.IsDirectMode && spec.DirectModeFlag != "" {
		cmd = append(cmd, spec.DirectModeFlag)
	}
	if spec.SkillsFlag != "" {
		for _, skill := range args.Skills {
			cmd = append(cmd, spec.SkillsFlag, skill)
		}
	}

	switch {
	case args.Prompt == "":
		// no prompt for this invocation (e.g. a bare resume)
	case spec.PromptIsPositional:
		cmd = append(cmd, args.Prompt)
	case spec.PromptFlag != "":
		cmd = append(cmd, spec.PromptFlag, args.Prompt)
	default:
		cmd = append(cmd, args.Prompt)
	}

	return cmd
}

// EnvKeys names the environment variables an Entry's authentication shapes
// populate. Exactly one source of truth per key, selected by the
// AgentConfig's auth shape (spec.md §4.1.2).
type EnvKeys struct {
	APIKey           string            `json:"api_key,omitempty"`
	BaseURL          string            `json:"base_url,omitempty"`
	OAuthToken       string            `json:"oauth_token,omitempty"`
	OAuthFile        string            `json:"oauth_file,omitempty"`
	Activation       string            `json:"activation,omitempty"`
	ProviderEnvMap   map[string]string `json:"provider_env_map,omitempty"`
	GatewayConfigEnv string            `json:"gateway_config_env,omitempty"`
	CustomHeadersEnv string            `json:"custom_headers_env,omitempty"`
}

// MCPConfigLayout describes where and how an agent's MCP client config file
// is written.
type MCPConfigLayout struct {
	SettingsDir string `json:"settings_dir"` // directory (may contain {home}) the config file lives in
	FileName    string `json:"file_name"`
	KeyShape    string `json:"key_shape"` // "stdio-servers" | "flat-servers" — how the file nests the server map
}

// SkillsLayout describes where skill files are copied from/to.
type SkillsLayout struct {
	SourcePath string `json:"source_path"`
	TargetPath string `json:"target_path"`
}

// Entry is the static, immutable-for-process-lifetime record for one agent
// kind (spec.md §3 AgentRegistryEntry).
type Entry struct {
	ID               string          `json:"id"`
	SystemPromptFile string          `json:"system_prompt_file"`
	Command          CommandSpec     `json:"command"`
	Env              EnvKeys         `json:"env"`
	ParserID         string          `json:"parser_id"`
	MCPConfig        MCPConfigLayout `json:"mcp_config"`
	Skills           SkillsLayout    `json:"skills"`
	SetupCommand     []string        `json:"setup_command,omitempty"`
	WorkspaceMode    string          `json:"workspace_mode"` // "knowledge" | "swe"
	DefaultModel     string          `json:"default_model,omitempty"`
	SupportsOAuth    bool            `json:"supports_oauth"`
	SupportsDirect   bool            `json:"supports_direct_mode"`
	Protocol         agent.Protocol  `json:"protocol"`
}

// Validate checks the invariants the engine relies on when resolving a
// Session against this entry.
func (e *Entry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("registry entry: id is required")
	}
	if e.Command.Binary == "" {
		return fmt.Errorf("registry entry %q: command binary is required", e.ID)
	}
	if e.ParserID == "" {
		return fmt.Errorf("registry entry %q: parser id is required", e.ID)
	}
	if e.WorkspaceMode != "knowledge" && e.WorkspaceMode != "swe" {
		return fmt.Errorf("registry entry %q: workspace mode must be knowledge or swe, got %q", e.ID, e.WorkspaceMode)
	}
	if !e.Protocol.IsValid() {
		return fmt.Errorf("registry entry %q: invalid protocol %q", e.ID, e.Protocol)
	}
	return nil
}
