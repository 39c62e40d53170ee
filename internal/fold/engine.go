// Package fold decides when a session's context window needs action
// and carries out the two escape hatches: compressing the transcript
// into memories (fold) and handing off to a fresh child session
// (spawn). The decision core is a pure function over (context_usage,
// provider); the side-effecting paths compose it with the store and an
// optional LLM provider.
package fold

import (
	"fmt"

	"ralphd/internal/types"
)

// Urgency grades how soon the caller should act.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Rank orders urgencies: low < medium < high < critical.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyMedium:
		return 1
	case UrgencyHigh:
		return 2
	case UrgencyCritical:
		return 3
	default:
		return 0
	}
}

// Action is the recommended next step.
type Action string

const (
	ActionContinue   Action = "continue"
	ActionCheckpoint Action = "checkpoint"
	ActionCompress   Action = "compress"
	ActionSpawn      Action = "spawn"
)

// thresholds are the context-usage ratios at which each action fires.
// safety is a second, more urgent checkpoint band before compression.
type thresholds struct {
	checkpoint float64
	safety     float64
	compress   float64
	spawn      float64
}

// providerThresholds: GLM's effective window degrades earlier so its
// bands sit lower; Gemini holds up longer so its bands sit higher.
var providerThresholds = map[types.Provider]thresholds{
	types.ProviderAnthropic: {0.60, 0.75, 0.85, 0.95},
	types.ProviderOpenAI:    {0.60, 0.75, 0.85, 0.95},
	types.ProviderMistral:   {0.60, 0.75, 0.85, 0.95},
	types.ProviderGLM:       {0.50, 0.65, 0.75, 0.85},
	types.ProviderGoogle:    {0.70, 0.80, 0.90, 0.97},
}

// Decision is the fold recommendation for one point in time.
type Decision struct {
	ShouldFold        bool           `json:"should_fold"`
	Urgency           Urgency        `json:"urgency"`
	Reason            string         `json:"reason"`
	RecommendedAction Action         `json:"recommended_action"`
	Provider          types.Provider `json:"provider"`
	ContextUsage      float64        `json:"context_usage"`
	MemoryCount       int            `json:"memory_count"`
}

// Evaluate maps a context-usage ratio onto a fold recommendation.
// Pure and stateless: the highest matching threshold band wins, and
// urgency is monotonic in usage for a fixed provider. memoryCount is
// informational only.
func Evaluate(contextUsage float64, memoryCount int, provider types.Provider) Decision {
	if !types.ValidProvider(provider) {
		provider = types.ProviderAnthropic
	}
	t := providerThresholds[provider]

	d := Decision{
		Provider:     provider,
		ContextUsage: contextUsage,
		MemoryCount:  memoryCount,
	}

	switch {
	case contextUsage >= t.spawn:
		d.ShouldFold = true
		d.Urgency = UrgencyCritical
		d.RecommendedAction = ActionSpawn
		d.Reason = fmt.Sprintf("context at %.0f%%, window nearly exhausted: hand off to a fresh session", contextUsage*100)
	case contextUsage >= t.compress:
		d.ShouldFold = true
		d.Urgency = UrgencyHigh
		d.RecommendedAction = ActionCompress
		d.Reason = fmt.Sprintf("context at %.0f%%: compress the transcript into memories", contextUsage*100)
	case contextUsage >= t.safety:
		d.ShouldFold = true
		d.Urgency = UrgencyHigh
		d.RecommendedAction = ActionCheckpoint
		d.Reason = fmt.Sprintf("context at %.0f%%: take a safety checkpoint before it degrades", contextUsage*100)
	case contextUsage >= t.checkpoint:
		d.ShouldFold = true
		d.Urgency = UrgencyMedium
		d.RecommendedAction = ActionCheckpoint
		d.Reason = fmt.Sprintf("context at %.0f%%: checkpoint recommended", contextUsage*100)
	default:
		d.ShouldFold = false
		d.Urgency = UrgencyLow
		d.RecommendedAction = ActionContinue
		d.Reason = fmt.Sprintf("context at %.0f%%: headroom remaining", contextUsage*100)
	}
	return d
}
