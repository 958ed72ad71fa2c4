// Package team implements the coordinator that decomposes a goal into a task
// graph and executes it across a supervised worker pool: planner call, batched
// parallel workers with timeout and restart, verification, reconcile
// invocation, synthesis, and regression gates.
package team

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ssenrah/harness/model"
	"github.com/ssenrah/harness/taskgraph"
)

// MaxPlanTasks caps the number of tasks the planner may emit.
const MaxPlanTasks = 5

// plannedTask is the planner wire format for one task.
type plannedTask struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	BlockedBy   []string `json:"blockedBy,omitempty"`
	Priority    float64  `json:"priority,omitempty"`
}

// plan asks the planner model to decompose the goal into tasks and validates
// the result: ids unique and safe, references resolving, at most MaxPlanTasks
// entries.
func (c *Coordinator) plan(ctx context.Context, goal string) ([]taskgraph.Task, error) {
	resp, err := c.planner.Chat(ctx, &model.Request{
		Model: c.plannerModel,
		SystemPrompt: fmt.Sprintf("You are a planning agent. Decompose the user's goal into at most %d tasks. "+
			`Respond with a JSON array and nothing else: [{"id": "<short-id>", "description": "<what to do>", `+
			`"blockedBy": ["<id>", ...], "priority": <number>}]. `+
			"Use blockedBy only for hard orderings; higher priority runs earlier.", MaxPlanTasks),
		Messages:  []model.Message{model.NewUserText(goal)},
		MaxTokens: 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("team: planner call: %w", err)
	}
	text := strings.Join(resp.Texts, "\n")
	var planned []plannedTask
	if err := json.Unmarshal([]byte(extractJSONArray(text)), &planned); err != nil {
		return nil, fmt.Errorf("team: parse plan: %w", err)
	}
	if len(planned) == 0 {
		return nil, fmt.Errorf("team: planner produced no tasks")
	}
	if len(planned) > MaxPlanTasks {
		return nil, fmt.Errorf("team: planner produced %d tasks, max %d", len(planned), MaxPlanTasks)
	}
	tasks := make([]taskgraph.Task, 0, len(planned))
	for _, p := range planned {
		tasks = append(tasks, taskgraph.Task{
			ID:          p.ID,
			Description: p.Description,
			BlockedBy:   p.BlockedBy,
			Priority:    p.Priority,
		})
	}
	return tasks, nil
}

// synthesize asks the planner model to summarize the run outcome.
func (c *Coordinator) synthesize(ctx context.Context, goal string, tasks []taskgraph.Task) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nTask outcomes:\n", goal)
	for _, t := range tasks {
		fmt.Fprintf(&b, "- [%s] %s: %s", t.Status, t.ID, t.Description)
		if t.Result != "" {
			fmt.Fprintf(&b, " -> %s", t.Result)
		}
		if t.Error != "" {
			fmt.Fprintf(&b, " (error: %s)", t.Error)
		}
		b.WriteString("\n")
	}
	resp, err := c.planner.Chat(ctx, &model.Request{
		Model: c.plannerModel,
		SystemPrompt: "Summarize what the team accomplished for the user in a short paragraph. " +
			"Mention failures plainly; do not invent results.",
		Messages:  []model.Message{model.NewUserText(b.String())},
		MaxTokens: 1024,
	})
	if err != nil {
		return "", fmt.Errorf("team: synthesis call: %w", err)
	}
	return strings.Join(resp.Texts, "\n"), nil
}

// reviewVerdict is the verifier wire format.
type reviewVerdict struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// verifyInline asks the orchestrator model to review a deferred task outcome
// when no dedicated verifier is registered.
func (c *Coordinator) verifyInline(ctx context.Context, task taskgraph.Task) (bool, string, error) {
	prompt := fmt.Sprintf("Task: %s\nDescription: %s\nResult:\n%s\n\nDoes the result satisfy the task?",
		task.ID, task.Description, task.Result)
	resp, err := c.planner.Chat(ctx, &model.Request{
		Model: c.plannerModel,
		SystemPrompt: "You verify task results. " +
			`Respond with a single JSON object {"approved": true|false, "reason": "<short>"} and nothing else.`,
		Messages:  []model.Message{model.NewUserText(prompt)},
		MaxTokens: 256,
	})
	if err != nil {
		return false, "", err
	}
	var verdict reviewVerdict
	if err := json.Unmarshal([]byte(extractJSONObject(strings.Join(resp.Texts, "\n"))), &verdict); err != nil {
		return false, "", fmt.Errorf("parse verdict: %w", err)
	}
	return verdict.Approved, verdict.Reason, nil
}

// BaselineScore is the result of keyword-scoring responses against tasks.
type BaselineScore struct {
	// Matched counts required keywords found in their task's response.
	Matched int
	// Total counts required keywords across all tasks.
	Total int
	// NormalizedScore is Matched/Total, or 1.0 when nothing is required.
	NormalizedScore float64
}

// ScoreBaselineResponses scores worker responses against the required
// keywords recorded in each task's metadata under "requiredKeywords". A
// response set containing every required keyword scores 1.0.
func ScoreBaselineResponses(tasks []taskgraph.Task, responses map[string]string) BaselineScore {
	var score BaselineScore
	for _, t := range tasks {
		keywords := requiredKeywords(t)
		if len(keywords) == 0 {
			continue
		}
		response := strings.ToLower(responses[t.ID])
		for _, kw := range keywords {
			score.Total++
			if strings.Contains(response, strings.ToLower(kw)) {
				score.Matched++
			}
		}
	}
	if score.Total == 0 {
		score.NormalizedScore = 1.0
		return score
	}
	score.NormalizedScore = float64(score.Matched) / float64(score.Total)
	return score
}

func requiredKeywords(t taskgraph.Task) []string {
	raw, ok := t.Metadata["requiredKeywords"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func extractJSONArray(text string) string {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}

func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}
