package session

import "fmt"

// workspaceLayoutKnowledge and workspaceLayoutSWE describe the directory
// skeleton spec.md §4.1.2 assigns to each workspace mode.
var (
	workspaceLayoutKnowledge = []string{"context/", "scripts/", "temp/", "output/"}
	workspaceLayoutSWE       = append(append([]string{}, workspaceLayoutKnowledge...), "repo/")
)

// WorkspaceDirs returns the directory skeleton for mode ("knowledge" or
// "swe").
func WorkspaceDirs(mode string) []string {
	if mode == "swe" {
		return workspaceLayoutSWE
	}
	return workspaceLayoutKnowledge
}

// BuildSystemPrompt renders the envelope the engine writes into the
// registry-declared system prompt file: a description of the working
// directory layout plus, if a result schema is configured, the expected
// output/result.json shape. intro is the caller-supplied prompt text
// (spec.md's SystemPromptIntro); it is prepended verbatim.
func BuildSystemPrompt(workspaceMode string, intro string, resultSchema []byte) string {
	dirs := WorkspaceDirs(workspaceMode)

	out := ""
	if intro != "" {
		out += intro + "\n\n"
	}

	out += "Working directory layout:\n"
	for _, d := range dirs {
		out += fmt.Sprintf("  %s\n", d)
	}

	if len(resultSchema) > 0 {
		out += "\nWrite your final output to output/result.json. It must validate against this schema:\n\n"
		out += string(resultSchema) + "\n"
	}

	return out
}
