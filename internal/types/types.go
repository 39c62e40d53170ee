// Package types defines the canonical records shared between the store,
// the watcher and the HTTP surface. The watcher speaks in plain snapshots,
// the store speaks in rows; both project into these types so the two
// surfaces cannot drift apart.
package types

import (
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusActive     SessionStatus = "active"
	StatusCompleted  SessionStatus = "completed"
	StatusTerminated SessionStatus = "terminated"
	StatusInactive   SessionStatus = "inactive"
)

// Terminal reports whether the status is write-once. Completed and
// terminated sessions reject further mutation.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusTerminated
}

// DefaultMaxTokens is the context window assumed for auto-detected
// sessions (Claude's 200k window).
const DefaultMaxTokens = 200_000

// Session is one tracked assistant conversation.
type Session struct {
	ID              string        `json:"session_id"`
	TaskDescription string        `json:"task_description"`
	MaxTokens       int           `json:"max_tokens"`
	CurrentTokens   int           `json:"current_tokens"`
	Status          SessionStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// ContextUsage returns current/max as a ratio in [0,1].
func (s *Session) ContextUsage() float64 {
	if s.MaxTokens <= 0 {
		return 0
	}
	return float64(s.CurrentTokens) / float64(s.MaxTokens)
}

// MemoryCategory classifies a memory for retrieval and curation.
type MemoryCategory string

const (
	CategoryDecision MemoryCategory = "decision"
	CategoryAction   MemoryCategory = "action"
	CategoryError    MemoryCategory = "error"
	CategoryProgress MemoryCategory = "progress"
	CategoryContext  MemoryCategory = "context"
	CategoryOther    MemoryCategory = "other"
)

// ValidCategory reports whether c is one of the known categories.
func ValidCategory(c MemoryCategory) bool {
	switch c {
	case CategoryDecision, CategoryAction, CategoryError, CategoryProgress, CategoryContext, CategoryOther:
		return true
	}
	return false
}

// MemoryPriority orders memories for retrieval: high > normal > low.
type MemoryPriority string

const (
	PriorityHigh   MemoryPriority = "high"
	PriorityNormal MemoryPriority = "normal"
	PriorityLow    MemoryPriority = "low"
)

// ValidPriority reports whether p is one of the known priorities.
func ValidPriority(p MemoryPriority) bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Rank maps a priority to a sortable weight (higher wins).
func (p MemoryPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// Memory is a single remembered fact attached to a session.
type Memory struct {
	ID             string                 `json:"id"`
	SessionID      string                 `json:"session_id"`
	Content        string                 `json:"content"`
	Category       MemoryCategory         `json:"category"`
	Priority       MemoryPriority         `json:"priority"`
	Embedding      []float32              `json:"-"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	AccessCount    int                    `json:"access_count"`
	LastAccessedAt *time.Time             `json:"last_accessed_at,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Checkpoint is a named snapshot of session state plus the memory ids
// that existed at creation time. Later memory deletion does not
// invalidate the checkpoint.
type Checkpoint struct {
	ID              string                 `json:"id"`
	SessionID       string                 `json:"session_id"`
	Label           string                 `json:"label"`
	State           map[string]interface{} `json:"state"`
	ContextUsage    float64                `json:"context_usage"` // percent, 0-100
	MemoriesSnapshot []string              `json:"memories_snapshot"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Lineage links a drained parent session to its spawned child.
// Exactly one lineage row exists per child.
type Lineage struct {
	ID              string    `json:"id"`
	ParentSessionID string    `json:"parent_session_id"`
	ChildSessionID  string    `json:"child_session_id"`
	HandoffReason   string    `json:"handoff_reason"`
	HandoffPrompt   string    `json:"handoff_prompt"`
	CheckpointID    string    `json:"checkpoint_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// PatternSource records how a pattern was learned.
type PatternSource string

const (
	PatternManual  PatternSource = "manual"
	PatternLLM     PatternSource = "llm"
	PatternGeneric PatternSource = "generic"
)

// Pattern is a learned code pattern persisted for the MCP tools.
type Pattern struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	Name        string        `json:"pattern_name"`
	Description string        `json:"pattern_description"`
	CodeExample string        `json:"code_example"`
	Tags        []string      `json:"tags"`
	SourceMode  PatternSource `json:"source_mode"`
	SourceFiles []string      `json:"source_files"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Provider names the LLM vendor a config row belongs to.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderMistral   Provider = "mistral"
	ProviderGoogle    Provider = "google"
	ProviderGLM       Provider = "glm"
)

// ValidProvider reports whether p is a known provider.
func ValidProvider(p Provider) bool {
	switch p {
	case ProviderAnthropic, ProviderOpenAI, ProviderMistral, ProviderGoogle, ProviderGLM:
		return true
	}
	return false
}

// LlmConfig is the store contract for provider credentials. The key is
// stored as the opaque ciphertext handed to us; encryption lives with an
// external collaborator.
type LlmConfig struct {
	ID              string    `json:"id"`
	Provider        Provider  `json:"provider"`
	EncryptedAPIKey []byte    `json:"-"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
