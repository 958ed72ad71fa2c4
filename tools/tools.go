// Package tools defines tool identities, definitions, and the named-pack
// registry the runtime resolves agent tool sets from. Tools are pure in the
// sense that no hidden state leaks across calls; identity is by name and the
// last registration of a name wins during resolution.
package tools

import (
	"context"
	"strings"
)

type (
	// Ident is a tool identifier. Tools are identified by name; two definitions
	// with the same Ident are the same tool as far as the runtime is concerned.
	Ident string

	// RunFunc executes a tool against its decoded JSON input and returns the
	// textual result. A returned error, or a result string beginning with the
	// token "Error", signals tool-level failure; the runtime feeds either back
	// to the model as an error tool result.
	RunFunc func(ctx context.Context, input map[string]any) (string, error)

	// Tool bundles a tool definition with its executor. InputSchema is the
	// JSON Schema for the tool's input; when non-nil the runtime validates
	// arguments against it before invoking Run.
	Tool struct {
		// Name is the unique tool identifier presented to the model.
		Name Ident
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is the JSON Schema describing the tool input, typically a
		// map[string]any with "type": "object" and "properties".
		InputSchema any
		// Run executes the tool.
		Run RunFunc
	}
)

// IsErrorResult reports whether a tool result string signals tool-level
// failure without an error return. Per the tool contract, a result beginning
// with the token "Error" is treated as an error.
func IsErrorResult(result string) bool {
	return strings.HasPrefix(result, "Error")
}

// Dedupe flattens the given tool lists in order, keeping the last occurrence
// of each name. Earlier lists are lower priority: a tool in a later list
// replaces a same-named tool from an earlier one while retaining the position
// of its first appearance.
func Dedupe(lists ...[]Tool) []Tool {
	index := make(map[Ident]int)
	var out []Tool
	for _, list := range lists {
		for _, tool := range list {
			if tool.Name == "" {
				continue
			}
			if at, ok := index[tool.Name]; ok {
				out[at] = tool
				continue
			}
			index[tool.Name] = len(out)
			out = append(out, tool)
		}
	}
	return out
}

// Names returns the tool names in order.
func Names(list []Tool) []Ident {
	names := make([]Ident, 0, len(list))
	for _, tool := range list {
		names = append(names, tool.Name)
	}
	return names
}

// Find returns the tool with the given name and whether it was found.
func Find(list []Tool, name Ident) (Tool, bool) {
	for _, tool := range list {
		if tool.Name == name {
			return tool, true
		}
	}
	return Tool{}, false
}
