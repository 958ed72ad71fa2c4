// Package spawn exposes recursive child-agent construction as a tool. The
// spawn tool checks depth against both the runtime cap and the agent type's
// isolation limit, escalates policy to the stricter of parent and type, and
// derives the child session from the parent so all activity lands under one
// session tree.
package spawn

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ssenrah/harness/agent"
	"github.com/ssenrah/harness/model"
	"github.com/ssenrah/harness/policy"
	"github.com/ssenrah/harness/telemetry"
	"github.com/ssenrah/harness/tools"
)

type (
	// Isolation bounds a child agent type.
	Isolation struct {
		// MaxDepth caps spawn recursion for this type. Nil means 1.
		MaxDepth *int `yaml:"maxDepth" json:"maxDepth,omitempty"`
	}

	// AgentType describes a spawnable child agent.
	AgentType struct {
		// Name identifies the type.
		Name string `yaml:"name" json:"name"`
		// Model is the child's model id. Empty inherits the parent's.
		Model string `yaml:"model" json:"model,omitempty"`
		// SystemPrompt is the child's system prompt.
		SystemPrompt string `yaml:"systemPrompt" json:"systemPrompt,omitempty"`
		// ToolPacks names the registry packs the child resolves. The spawn pack
		// is excluded unless listed explicitly.
		ToolPacks []string `yaml:"toolPacks" json:"toolPacks,omitempty"`
		// Profile is the type's policy profile floor.
		Profile policy.Profile `yaml:"profile" json:"profile,omitempty"`
		// Isolation bounds recursion.
		Isolation Isolation `yaml:"isolation" json:"isolation"`
	}

	// Options configures the spawn tool.
	Options struct {
		// Types is the agent type registry.
		Types map[string]AgentType
		// Provider is the LLM client children run against. Required.
		Provider model.Client
		// Registry resolves child tool packs. Required when types name packs.
		Registry *tools.Registry
		// ParentModel is the model children inherit when their type names none.
		ParentModel string
		// ParentProfile is the parent's policy profile.
		ParentProfile policy.Profile
		// ParentSessionID is the parent session children derive theirs from.
		ParentSessionID string
		// CurrentDepth is the spawn depth of the calling agent, starting at 0.
		CurrentDepth int
		// MaxDepth is the runtime spawn depth cap.
		MaxDepth int
		// BaseDir is the session base directory for children.
		BaseDir string
		// Logger reports child construction problems. Noop when nil.
		Logger telemetry.Logger
	}
)

// PackName is the registry pack the spawn tool lives in.
const PackName = "spawn"

// ToolName is the spawn tool's identifier.
const ToolName tools.Ident = "spawn_agent"

// inputSchema is the spawn tool's input contract.
var inputSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"agentType": map[string]any{
			"type":        "string",
			"description": "Registered agent type to spawn.",
		},
		"prompt": map[string]any{
			"type":        "string",
			"description": "Goal for the child agent.",
		},
		"context": map[string]any{
			"type":        "string",
			"description": "Optional extra context appended to the prompt.",
		},
	},
	"required": []string{"agentType", "prompt"},
}

// Pack builds the spawn tool pack for the given parent configuration.
func Pack(opts Options) []tools.Tool {
	return []tools.Tool{NewTool(opts)}
}

// NewTool builds the spawn tool.
func NewTool(opts Options) tools.Tool {
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	return tools.Tool{
		Name:        ToolName,
		Description: "Spawn a registered child agent to work on a sub-goal and return its response.",
		InputSchema: inputSchema,
		Run: func(ctx context.Context, input map[string]any) (string, error) {
			return run(ctx, opts, input)
		},
	}
}

func run(ctx context.Context, opts Options, input map[string]any) (string, error) {
	typeName, _ := input["agentType"].(string)
	prompt, _ := input["prompt"].(string)
	extra, _ := input["context"].(string)

	agentType, ok := opts.Types[typeName]
	if !ok {
		return fmt.Sprintf("Error: unknown agent type %q", typeName), nil
	}

	limit := opts.MaxDepth
	typeLimit := 1
	if agentType.Isolation.MaxDepth != nil {
		typeLimit = *agentType.Isolation.MaxDepth
	}
	if typeLimit < limit {
		limit = typeLimit
	}
	if opts.CurrentDepth >= limit {
		return fmt.Sprintf("Error: spawn depth %d reached the limit %d for agent type %q",
			opts.CurrentDepth, limit, typeName), nil
	}

	effective := policy.Stricter(opts.ParentProfile, agentType.Profile)
	childSession := deriveSessionID(opts.ParentSessionID)

	childTools, err := childToolSet(opts, agentType, effective, childSession)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}

	childModel := agentType.Model
	if childModel == "" {
		childModel = opts.ParentModel
	}

	child, err := agent.New(agent.Options{
		Provider:     opts.Provider,
		Model:        childModel,
		SystemPrompt: agentType.SystemPrompt,
		Tools:        childTools,
		Profile:      effective,
		SessionID:    childSession,
		BaseDir:      opts.BaseDir,
		AgentID:      typeName,
		Logger:       opts.Logger,
	})
	if err != nil {
		return fmt.Sprintf("Error: construct child agent: %v", err), nil
	}
	defer func() {
		if err := child.Close(); err != nil {
			opts.Logger.Warn(ctx, "spawn: close child agent", "session", childSession, "err", err)
		}
	}()

	goal := prompt
	if extra != "" {
		goal = prompt + "\n\nContext:\n" + extra
	}
	result, err := child.Run(ctx, goal)
	if err != nil {
		return fmt.Sprintf("Error: child agent failed: %v", err), nil
	}
	if result.Status != agent.StatusCompleted {
		return fmt.Sprintf("Error: child agent ended %s (%s): %s", result.Status, result.Reason, result.Response), nil
	}
	return result.Response, nil
}

// childToolSet resolves the child's tool packs, excluding the spawn pack
// unless the type lists it, in which case a fresh spawn tool one level deeper
// under the effective policy is included.
func childToolSet(opts Options, agentType AgentType, effective policy.Profile, childSession string) ([]tools.Tool, error) {
	var packNames []string
	includeSpawn := false
	for _, name := range agentType.ToolPacks {
		if name == PackName {
			includeSpawn = true
			continue
		}
		packNames = append(packNames, name)
	}
	var resolved []tools.Tool
	if len(packNames) > 0 {
		if opts.Registry == nil {
			return nil, fmt.Errorf("agent type %q names tool packs but no registry is configured", agentType.Name)
		}
		var err error
		resolved, err = opts.Registry.Resolve(packNames)
		if err != nil {
			return nil, err
		}
	}
	if includeSpawn {
		childOpts := opts
		childOpts.CurrentDepth = opts.CurrentDepth + 1
		childOpts.ParentProfile = effective
		childOpts.ParentSessionID = childSession
		resolved = append(resolved, NewTool(childOpts))
	}
	return resolved, nil
}

// deriveSessionID appends a child segment to the parent session id.
func deriveSessionID(parent string) string {
	suffix := "child-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if parent == "" {
		return suffix
	}
	return parent + "." + suffix
}
