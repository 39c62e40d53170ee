package fold

import (
	"context"
	"fmt"

	"ralphd/internal/logging"
	"ralphd/internal/store"
	"ralphd/internal/types"
)

// SpawnSignals are the observations the spawn decision runs on.
type SpawnSignals struct {
	ContextUsage  float64  `json:"context_usage"`
	TaskProgress  int      `json:"task_progress"` // percent, 0-100
	RecentOutputs []string `json:"recent_outputs"`
	ErrorCount    int      `json:"error_count"`
}

// SpawnDecision says whether to hand off and what to carry over.
// Preserve uses the wire vocabulary ("decisions", "files", "errors");
// preserveForReason translates it to memory categories for the copy.
type SpawnDecision struct {
	ShouldSpawn bool     `json:"should_spawn"`
	Reason      string   `json:"reason"`
	Preserve    []string `json:"preserve"`
}

// ShouldSpawn applies the handoff rules in order. A task near
// completion always finishes in place; otherwise a critically full
// window, a repeating output loop, or an error cascade each force a
// handoff with their own preservation set.
func ShouldSpawn(sig SpawnSignals) SpawnDecision {
	if sig.TaskProgress >= 90 {
		return SpawnDecision{Reason: "task nearly complete, finish in place"}
	}
	if sig.ContextUsage >= 0.90 && sig.TaskProgress < 80 {
		return SpawnDecision{
			ShouldSpawn: true,
			Reason:      "context_critical",
			Preserve:    []string{"decisions", "files", "errors"},
		}
	}
	if lastThreeIdentical(sig.RecentOutputs) {
		return SpawnDecision{
			ShouldSpawn: true,
			Reason:      "loop_detected",
			Preserve:    []string{"decisions", "files"},
		}
	}
	if sig.ErrorCount > 5 {
		return SpawnDecision{
			ShouldSpawn: true,
			Reason:      "error_cascade",
			Preserve:    []string{"errors", "decisions"},
		}
	}
	return SpawnDecision{Reason: "no spawn condition met"}
}

func lastThreeIdentical(outputs []string) bool {
	if len(outputs) < 3 {
		return false
	}
	last := outputs[len(outputs)-3:]
	return last[0] == last[1] && last[1] == last[2]
}

// handoffSystemPrompt shapes the child's opening instruction.
const handoffSystemPrompt = `You write handoff prompts for AI coding agents. Given a parent agent's task and the reason its session ended, write a concise prompt (2-4 sentences) telling a fresh agent what to continue working on. Mention the handoff reason only if it changes how the child should proceed.`

// ExecuteSpawn performs the full handoff: generate the child's opening
// prompt (LLM, falling back to the parent's task prefix), then run the
// transactional store protocol. The database steps are atomic; a prompt
// generation failure never aborts the spawn.
func (e *Engine) ExecuteSpawn(ctx context.Context, parentID, reason string) (*store.SpawnResult, error) {
	timer := logging.StartTimer(logging.CategoryFold, "ExecuteSpawn")
	defer timer.Stop()

	parent, err := e.store.GetSession(parentID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "manual"
	}

	preserve := preserveForReason(reason)

	handoff := e.handoffPrompt(ctx, parent, reason)
	childTask := fmt.Sprintf("%s (handoff: %s)", truncateRunes(parent.TaskDescription, 200), reason)

	result, err := e.store.SpawnChild(parentID, reason, handoff, childTask, preserve)
	if err != nil {
		return nil, err
	}

	logging.Fold("Spawn executed: parent=%s child=%s reason=%s", parentID, result.Child.ID, reason)
	return result, nil
}

// preserveForReason maps a spawn reason to the memory categories to
// copy. The wire name "files" lands in the context category, where
// file-state fold sections are stored. Unrecognized reasons keep
// decisions and errors.
func preserveForReason(reason string) []types.MemoryCategory {
	switch reason {
	case "context_critical":
		return []types.MemoryCategory{types.CategoryDecision, types.CategoryContext, types.CategoryError}
	case "loop_detected":
		return []types.MemoryCategory{types.CategoryDecision, types.CategoryContext}
	case "error_cascade":
		return []types.MemoryCategory{types.CategoryError, types.CategoryDecision}
	default:
		return []types.MemoryCategory{types.CategoryDecision, types.CategoryError}
	}
}

// handoffPrompt asks the LLM for a handoff summary, falling back to the
// first 200 characters of the parent's task description.
func (e *Engine) handoffPrompt(ctx context.Context, parent *types.Session, reason string) string {
	fallback := truncateRunes(parent.TaskDescription, 200)
	if e.llm == nil {
		return fallback
	}

	prompt := fmt.Sprintf("Parent task: %s\nHandoff reason: %s\n\nWrite the handoff prompt.", parent.TaskDescription, reason)
	handoff, err := e.llm.Complete(ctx, handoffSystemPrompt, prompt, 300)
	if err != nil || handoff == "" {
		logging.FoldDebug("handoff prompt generation failed, using task prefix: %v", err)
		return fallback
	}
	return handoff
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
