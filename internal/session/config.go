package session

// AuthConfig is one of the four authentication shapes spec.md §3 names.
// Exactly one of the four should be populated, selected by the
// constructor used (NewGatewayAuth, NewDirectAuth, NewOAuthBearerAuth,
// NewOAuthFileAuth) — kept as one flat struct rather than an interface
// because every shape is plain data and the env-construction logic in
// env.go is the only place that branches on it.
type AuthConfig struct {
	APIKey          string
	IsDirectMode    bool
	BaseURL         string
	IsOAuth         bool
	OAuthFileContent string
}

func NewGatewayAuth(apiKey string) AuthConfig {
	return AuthConfig{APIKey: apiKey, IsDirectMode: false}
}

func NewDirectAuth(apiKey, baseURL string) AuthConfig {
	return AuthConfig{APIKey: apiKey, IsDirectMode: true, BaseURL: baseURL}
}

func NewOAuthBearerAuth(token string) AuthConfig {
	return AuthConfig{APIKey: token, IsOAuth: true}
}

func NewOAuthFileAuth(fileContent string) AuthConfig {
	return AuthConfig{OAuthFileContent: fileContent}
}

// IsFileOAuth reports whether this shape writes an OAuth file instead of
// setting any API-key environment variable.
func (a AuthConfig) IsFileOAuth() bool {
	return a.OAuthFileContent != ""
}

// MCPServerConfig describes one server entry written into the agent's MCP
// client config file at bring-up (spec.md §4.1.2's "MCP configuration").
// Transport selects which fields are rendered: "stdio" (Command/Args/Env),
// "http" (URL/Headers, written with "type":"http"), or "sse" (URL only).
type MCPServerConfig struct {
	Transport string
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Headers   map[string]string
}

// Config is everything the Session Engine needs to bring up one agent
// run: the resolved agent kind, auth shape, and optional per-run knobs.
type Config struct {
	AgentKind       string
	Auth            AuthConfig
	Model           string
	ReasoningEffort string
	BetaHeaders     map[string]string

	// MCPServers are merged into the agent's MCP config file at bring-up,
	// keyed by server name. ComposioURL/ComposioHeaders, if set, are
	// resolved from an external Composio setup call and merged in as an
	// additional HTTP-transport entry named "composio" (spec.md §4.1.2,
	// §5 "Composio integration").
	MCPServers      map[string]MCPServerConfig
	ComposioURL     string
	ComposioHeaders map[string]string

	// GatewayURL and GatewayMode select the spend-tracking / gateway
	// config-env behavior described in spec.md §4.1.2. GatewayMode is
	// orthogonal to AuthConfig.IsDirectMode: a registry entry can use a
	// gateway-config-env style agent (OpenCode) while still being
	// "direct" from the billing system's point of view.
	GatewayURL  string
	GatewayMode bool

	// SessionTag identifies this Session across its lifetime (rotated on
	// kill) and is used as the spend-tracking customer id and as the
	// checkpoint tag.
	SessionTag string

	// ContextFiles/WorkspaceFiles/Skills are copied into the workspace at
	// bring-up; keys are destination-relative paths.
	ContextFiles   map[string][]byte
	WorkspaceFiles map[string][]byte
	Skills         []string

	// Prompt/Schema configure the system prompt envelope. A restore skips
	// rewriting the system prompt unless one of these is set (spec.md
	// §4.1.2's restore rule).
	SystemPromptIntro string
	ResultSchema      []byte
}
