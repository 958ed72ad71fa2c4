// Package intent extracts declared intents from assistant text and matches
// them one-to-one against tool calls. The turn loop uses it as a gate: tool
// calls with no matching declaration are rejected before execution, and each
// matched declaration supplies the risk level the policy engine evaluates.
package intent

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/ssenrah/harness/model"
)

type (
	// RiskLevel classifies the declared blast radius of a tool call.
	RiskLevel string

	// Declaration is a single parsed intent block. The assistant declares one
	// per planned tool call inside <intent>...</intent> markup.
	Declaration struct {
		// ToolName names the tool the declaration covers.
		ToolName string `json:"toolName"`
		// Purpose states why the tool is being invoked.
		Purpose string `json:"purpose"`
		// ExpectedOutcome states what the assistant expects the call to produce.
		ExpectedOutcome string `json:"expectedOutcome"`
		// RiskLevel is one of read, write, exec, destructive.
		RiskLevel RiskLevel `json:"riskLevel"`
		// Timestamp records when the declaration was parsed. Defaults to now.
		Timestamp time.Time `json:"timestamp"`
	}

	// Match pairs a tool call with the declaration consumed for it.
	Match struct {
		Call        model.ToolCall
		Declaration Declaration
	}

	// Validation is the result of matching declarations against tool calls.
	// A validation is valid only when no unmatched calls remain.
	Validation struct {
		// Matched pairs each tool call with its consumed declaration, in call order.
		Matched []Match
		// Unmatched lists tool calls with no matching declaration, in call order.
		Unmatched []model.ToolCall
	}
)

const (
	// RiskRead covers read-only operations.
	RiskRead RiskLevel = "read"
	// RiskWrite covers operations that modify state.
	RiskWrite RiskLevel = "write"
	// RiskExec covers operations that execute code or commands.
	RiskExec RiskLevel = "exec"
	// RiskDestructive covers irreversible or broadly damaging operations.
	RiskDestructive RiskLevel = "destructive"
)

// Instructions is the instructional block appended to the system prompt when
// intent declarations are required. It tells the model to emit one <intent>
// block per planned tool call.
const Instructions = `Before each tool call, declare your intent in a block of the form:
<intent>{"toolName": "<tool>", "purpose": "<why>", "expectedOutcome": "<what you expect>", "riskLevel": "read|write|exec|destructive"}</intent>
Emit exactly one intent block per tool call. Tool calls without a matching intent declaration are rejected.`

var blockRE = regexp.MustCompile(`(?s)<intent>(.*?)</intent>`)

// Valid reports whether the risk level is one of the recognized values.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskRead, RiskWrite, RiskExec, RiskDestructive:
		return true
	}
	return false
}

// Parse scans assistant text for <intent>...</intent> blocks and decodes each
// body as a declaration. Malformed blocks (invalid JSON, missing fields,
// unrecognized risk level) are silently skipped. Timestamps default to the
// current time when the payload does not carry one.
func Parse(text string) []Declaration {
	var decls []Declaration
	for _, match := range blockRE.FindAllStringSubmatch(text, -1) {
		var decl Declaration
		if err := json.Unmarshal([]byte(match[1]), &decl); err != nil {
			continue
		}
		if decl.ToolName == "" || decl.Purpose == "" || decl.ExpectedOutcome == "" {
			continue
		}
		if !decl.RiskLevel.Valid() {
			continue
		}
		if decl.Timestamp.IsZero() {
			decl.Timestamp = time.Now()
		}
		decls = append(decls, decl)
	}
	return decls
}

// Validate matches declared intents against tool calls one-to-one. It builds
// a multiset of declarations keyed by tool name and, for each call in order,
// consumes one declaration of the matching name. Calls that cannot consume a
// declaration are returned as unmatched.
func Validate(decls []Declaration, calls []model.ToolCall) Validation {
	pool := make(map[string][]Declaration, len(decls))
	for _, d := range decls {
		pool[d.ToolName] = append(pool[d.ToolName], d)
	}
	var v Validation
	for _, call := range calls {
		queue := pool[call.Name]
		if len(queue) == 0 {
			v.Unmatched = append(v.Unmatched, call)
			continue
		}
		v.Matched = append(v.Matched, Match{Call: call, Declaration: queue[0]})
		pool[call.Name] = queue[1:]
	}
	return v
}

// Valid reports whether every tool call consumed a declaration.
func (v Validation) Valid() bool {
	return len(v.Unmatched) == 0
}
