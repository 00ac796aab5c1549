package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kandev/kandev-core/internal/registry"
)

// BuildEnv derives the sandbox environment map from cfg and the agent's
// registry entry. There is exactly one source of truth per key (spec.md
// §4.1.2): the branches below are mutually exclusive by construction,
// never layered.
func BuildEnv(entry *registry.Entry, cfg Config, runID string) (map[string]string, error) {
	env := make(map[string]string)

	switch {
	case cfg.Auth.IsFileOAuth():
		// No key env; the caller writes the OAuth file into the
		// registry-declared settings dir separately (see bringUpWorkspace
		// in session.go).
		if entry.Env.Activation != "" {
			env[entry.Env.Activation] = "1"
		}

	case len(entry.Env.ProviderEnvMap) > 0 && cfg.GatewayMode:
		for _, keyEnv := range entry.Env.ProviderEnvMap {
			env[keyEnv] = cfg.Auth.APIKey
		}

	default:
		if entry.Env.APIKey == "" {
			return nil, fmt.Errorf("session: agent %q has no api_key env declared", entry.ID)
		}
		env[entry.Env.APIKey] = cfg.Auth.APIKey
		if cfg.Auth.IsDirectMode && cfg.Auth.BaseURL != "" && entry.Env.BaseURL != "" {
			env[entry.Env.BaseURL] = cfg.Auth.BaseURL
		}
		if cfg.Auth.IsOAuth && entry.Env.OAuthToken != "" {
			env[entry.Env.OAuthToken] = cfg.Auth.APIKey
		}
	}

	if entry.Env.GatewayConfigEnv != "" && cfg.GatewayMode {
		literal, err := gatewayConfigLiteral(cfg)
		if err != nil {
			return nil, err
		}
		env[entry.Env.GatewayConfigEnv] = literal
	}

	if entry.Env.CustomHeadersEnv != "" {
		headers, err := mergeHeaders(env[entry.Env.CustomHeadersEnv], cfg, runID)
		if err != nil {
			return nil, err
		}
		if headers != "" {
			env[entry.Env.CustomHeadersEnv] = headers
		}
	}

	return env, nil
}

func gatewayConfigLiteral(cfg Config) (string, error) {
	payload := map[string]interface{}{
		"provider": "openai-compatible",
		"baseUrl":  cfg.GatewayURL,
		"apiKey":   cfg.Auth.APIKey,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("session: marshal gateway config: %w", err)
	}
	return string(data), nil
}

// mergeHeaders folds the spend-tracking headers into any pre-existing
// custom-headers JSON literal, preserving user-supplied keys by
// case-insensitive match (spec.md §4.1.2 / §4.2.7).
func mergeHeaders(existing string, cfg Config, runID string) (string, error) {
	merged := make(map[string]string)
	lower := make(map[string]string) // lowercase key -> canonical key actually stored

	set := func(key, value string) {
		lk := strings.ToLower(key)
		if canon, ok := lower[lk]; ok {
			merged[canon] = value
			return
		}
		merged[key] = value
		lower[lk] = key
	}

	if existing != "" {
		var userHeaders map[string]string
		if err := json.Unmarshal([]byte(existing), &userHeaders); err != nil {
			return "", fmt.Errorf("session: parse existing custom headers: %w", err)
		}
		for k, v := range userHeaders {
			set(k, v)
		}
	}

	for k, v := range cfg.BetaHeaders {
		set(k, v)
	}

	if cfg.GatewayMode {
		set("x-litellm-customer-id", cfg.SessionTag)
		if runID != "" {
			set("x-litellm-trace-id", runID)
		}
	}

	if len(merged) == 0 {
		return "", nil
	}

	// Stable key order makes the resulting literal deterministic for tests.
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]string, len(merged))
	for _, k := range keys {
		ordered[k] = merged[k]
	}

	data, err := json.Marshal(ordered)
	if err != nil {
		return "", fmt.Errorf("session: marshal custom headers: %w", err)
	}
	return string(data), nil
}
