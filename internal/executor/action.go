// Package executor defines the tagged-union action embedded in every
// execution process and the Spawner contract that turns one into a running
// child. It knows nothing about the Store or the Supervisor: it spawns
// processes and hands back a handle, nothing more.
package executor

// Kind discriminates the three ExecutorAction variants.
type Kind string

const (
	KindCodingAgentInitial  Kind = "coding_agent_initial_request"
	KindCodingAgentFollowUp Kind = "coding_agent_follow_up_request"
	KindScript              Kind = "script_request"
)

// RunReason classifies why an execution process was started, independent of
// the action kind (a ScriptRequest can be a SetupScript, a CleanupScript,
// or a DevServer; the reason governs post-exit policy in the supervisor).
type RunReason string

const (
	RunReasonCodingAgent   RunReason = "coding_agent"
	RunReasonSetupScript   RunReason = "setup_script"
	RunReasonCleanupScript RunReason = "cleanup_script"
	RunReasonDevServer     RunReason = "dev_server"
)

// Action is one node in the next_action chain an ExecutionProcess carries.
// Exactly one of the per-kind fields is populated, selected by Kind.
type Action struct {
	Kind Kind `json:"kind"`

	CodingAgentInitial  *CodingAgentInitialRequest  `json:"coding_agent_initial_request,omitempty"`
	CodingAgentFollowUp *CodingAgentFollowUpRequest `json:"coding_agent_follow_up_request,omitempty"`
	Script              *ScriptRequest              `json:"script_request,omitempty"`

	// NextAction continues the chain; nil terminates it.
	NextAction *Action `json:"next_action,omitempty"`
}

// RunReason infers the run reason for this action, used when the supervisor
// starts a next_action whose own reason isn't explicit (spec §4.I step 5c:
// "start it with run_reason inferred from its kind").
func (a *Action) RunReason() RunReason {
	switch a.Kind {
	case KindCodingAgentInitial, KindCodingAgentFollowUp:
		return RunReasonCodingAgent
	case KindScript:
		if a.Script != nil {
			return a.Script.Reason
		}
	}
	return RunReasonSetupScript
}

// ExecutorProfile identifies which coding-agent backend (registered via
// Register) an action targets, e.g. "claude-code", "codex".
type ExecutorProfile = string

// CodingAgentInitialRequest starts a fresh coding-agent session against a
// task's prompt.
type CodingAgentInitialRequest struct {
	Profile ExecutorProfile `json:"profile"`
	Prompt  string          `json:"prompt"`
}

// CodingAgentFollowUpRequest resumes a prior session (identified by the
// executor's own session id) with an additional prompt.
type CodingAgentFollowUpRequest struct {
	Profile   ExecutorProfile `json:"profile"`
	SessionID string          `json:"session_id,omitempty"`
	Prompt    string          `json:"prompt"`
}

// ScriptRequest runs an arbitrary shell command (setup, cleanup, or a dev
// server) inside the worktree.
type ScriptRequest struct {
	Reason  RunReason `json:"reason"`
	Command string    `json:"command"`
}
