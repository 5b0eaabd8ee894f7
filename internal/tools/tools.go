// Package tools defines the callable surface the agent exposes to the
// oracle: tool definitions with permission levels, a registry with
// allowlist filtering, schema generation and argument validation, and an
// execution wrapper that retries transient failures.
package tools

import (
	"context"
	"encoding/json"

	"github.com/roshni-ai/roshni/internal/llm"
)

// Permission classifies a tool's side-effect level.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionSend  Permission = "send"
	PermissionAdmin Permission = "admin"
)

// Handler executes a tool call with parsed JSON arguments and returns a
// string result for the transcript.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is one callable the agent may invoke.
type Tool struct {
	Name        string
	Description string

	// Parameters is the JSON schema for the tool's arguments.
	Parameters map[string]any

	Handler    Handler
	Permission Permission

	// RequiresApproval overrides the permission-derived approval policy
	// when non-nil.
	RequiresApproval *bool

	// MaxAttempts bounds transient-error retries (default 3).
	MaxAttempts int

	// Timeout bounds one execution; 0 means no timeout.
	Timeout int
}

// NeedsApproval reports whether invoking the tool requires an explicit
// user grant: the override when set, otherwise true for write, send, and
// admin permissions.
func (t Tool) NeedsApproval() bool {
	if t.RequiresApproval != nil {
		return *t.RequiresApproval
	}
	switch t.Permission {
	case PermissionWrite, PermissionSend, PermissionAdmin:
		return true
	default:
		return false
	}
}

// Schema returns the tool's wire description for the oracle.
func (t Tool) Schema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.Parameters,
	}
}
