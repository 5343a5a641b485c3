// Package permission implements the tool-call permission gate: allow/deny
// pattern matching, dangerous-command heuristics, workspace path
// sandboxing, and JSON-schema argument validation. Generalized from an
// ApprovalChecker/ApprovalPolicy pair down to an
// Allow/AllowWithWarnings/Block decision instead of a three-way
// Allowed/Denied/Pending verdict plus separate request-queue lifecycle
// (the pending/queueing workflow belongs to a UI layer outside this
// module's scope).
package permission

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/majiayu000/sage/internal/message"
)

func unmarshalLenient(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Decision is the gate's verdict for one tool call.
type Decision string

const (
	Allow             Decision = "allow"
	AllowWithWarnings Decision = "allow_with_warnings"
	Block             Decision = "block"
)

// Verdict is the gate's full answer: a decision plus any warnings or the
// blocking reason.
type Verdict struct {
	Decision Decision
	Warnings []string
	Reason   string
}

// Policy configures the gate's allow/deny lists and sandbox root.
type Policy struct {
	// Allowlist and Denylist hold glob patterns matched against tool
	// names (e.g. "read_*", "mcp:*").
	Allowlist []string
	Denylist  []string

	// RequireWarning lists tool names that are always allowed but flagged
	// (e.g. destructive-looking but explicitly permitted commands).
	RequireWarning []string

	// SandboxRoot, if set, confines any "path"-shaped argument to this
	// directory subtree.
	SandboxRoot string

	// Schemas holds a compiled JSON schema per tool name, used to
	// validate arguments before execution.
	Schemas map[string]*jsonschema.Schema
}

// DefaultPolicy returns a permissive policy with no restrictions beyond
// the built-in dangerous-pattern check.
func DefaultPolicy() *Policy {
	return &Policy{Schemas: make(map[string]*jsonschema.Schema)}
}

// dangerousPatterns are syntactic substrings that, if found anywhere in a
// call's raw arguments (for any tool), block the call outright, the same
// class of check a tool_policy gate applies before a command ever reaches
// the sandbox.
var dangerousPatterns = []string{
	"rm -rf /",
	":(){:|:&};:",
	"mkfs.",
	"dd if=/dev/zero",
	"> /dev/sda",
	"chmod -R 777 /",
}

// Gate evaluates tool calls against a Policy.
type Gate struct {
	policy *Policy
}

// NewGate creates a Gate from policy, applying DefaultPolicy if nil.
func NewGate(policy *Policy) *Gate {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Gate{policy: policy}
}

// Check evaluates one tool call and returns a Verdict.
func (g *Gate) Check(call message.ToolCall) Verdict {
	if matchesAny(g.policy.Denylist, call.Name) {
		return Verdict{Decision: Block, Reason: fmt.Sprintf("tool %q is denylisted", call.Name)}
	}

	var warnings []string

	argStr := string(call.Arguments)
	for _, pattern := range dangerousPatterns {
		if strings.Contains(argStr, pattern) {
			return Verdict{Decision: Block, Reason: fmt.Sprintf("argument contains dangerous pattern %q", pattern)}
		}
	}

	if g.policy.SandboxRoot != "" {
		if path, ok := extractPathArg(call.Arguments); ok {
			if !withinSandbox(g.policy.SandboxRoot, path) {
				return Verdict{Decision: Block, Reason: fmt.Sprintf("path %q escapes sandbox root %q", path, g.policy.SandboxRoot)}
			}
		}
	}

	if schema, ok := g.policy.Schemas[call.Name]; ok {
		if err := validateArgs(schema, call.Arguments); err != nil {
			return Verdict{Decision: Block, Reason: "argument schema validation failed: " + err.Error()}
		}
	}

	if matchesAny(g.policy.RequireWarning, call.Name) {
		warnings = append(warnings, fmt.Sprintf("tool %q is flagged for review", call.Name))
	}

	if len(g.policy.Allowlist) > 0 && !matchesAny(g.policy.Allowlist, call.Name) {
		warnings = append(warnings, fmt.Sprintf("tool %q is not on the allowlist", call.Name))
	}

	if len(warnings) > 0 {
		return Verdict{Decision: AllowWithWarnings, Warnings: warnings}
	}
	return Verdict{Decision: Allow}
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// extractPathArg pulls a "path" field out of a tool call's JSON arguments,
// if present. Most filesystem tools in this module's domain use this
// field name for the target path.
func extractPathArg(raw []byte) (string, bool) {
	var args struct {
		Path string `json:"path"`
	}
	if err := unmarshalLenient(raw, &args); err != nil || args.Path == "" {
		return "", false
	}
	return args.Path, true
}

func withinSandbox(root, path string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(absRoot, target)
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, absTarget)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// CompileSchema compiles a JSON schema document for a tool's arguments.
func CompileSchema(toolName string, schemaJSON []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := "mem://" + toolName + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(schemaJSON))); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

func validateArgs(schema *jsonschema.Schema, raw []byte) error {
	var v any
	if err := unmarshalLenient(raw, &v); err != nil {
		return err
	}
	return schema.Validate(v)
}
