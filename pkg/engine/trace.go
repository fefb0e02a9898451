package engine

import "time"

// Default caps on recorded reasoning entries.
const (
	DefaultMaxStepReasoning = 8
	DefaultMaxPlanReasoning = 32
)

// ReasoningStep is one recorded thought in a reasoning trace.
type ReasoningStep struct {
	// Thought is what the agent considered.
	Thought string `json:"thought"`

	// Reasoning is the justification.
	Reasoning string `json:"reasoning"`

	// Confidence is in [0,1].
	Confidence float64 `json:"confidence"`

	// Alternatives lists other approaches considered.
	Alternatives []string `json:"alternatives,omitempty"`

	// Evidence lists supporting snippets.
	Evidence []string `json:"evidence,omitempty"`

	// Decision is the decision taken, if any.
	Decision string `json:"decision,omitempty"`

	// Timestamp is when the step was recorded.
	Timestamp time.Time `json:"timestamp"`
}

// ReasoningTrace is an ordered, bounded list of reasoning steps. It is purely
// observational and never drives control flow.
type ReasoningTrace struct {
	// AgentName is the agent that produced the trace.
	AgentName string `json:"agent_name"`

	// Context describes the situation being reasoned about.
	Context string `json:"context"`

	// Steps are the recorded entries, oldest first.
	Steps []ReasoningStep `json:"steps"`

	// Conclusion is the final conclusion.
	Conclusion string `json:"conclusion,omitempty"`

	// OverallConfidence is in [0,1].
	OverallConfidence float64 `json:"overall_confidence"`

	// Dropped counts entries discarded because the trace was full.
	Dropped int `json:"dropped,omitempty"`

	// Limit is the maximum number of retained steps. Zero means unbounded.
	Limit int `json:"limit,omitempty"`

	// CreatedAt is when the trace was started.
	CreatedAt time.Time `json:"created_at"`
}

// NewReasoningTrace starts a trace that retains at most limit steps.
func NewReasoningTrace(agent, context string, limit int) *ReasoningTrace {
	return &ReasoningTrace{
		AgentName:         agent,
		Context:           context,
		Steps:             make([]ReasoningStep, 0),
		OverallConfidence: 0.5,
		Limit:             limit,
		CreatedAt:         time.Now().UTC(),
	}
}

// Add appends a step. When the trace is full the oldest entry after the
// first is evicted, so the opening context and the latest entries survive.
func (t *ReasoningTrace) Add(step ReasoningStep) {
	if t == nil {
		return
	}
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now().UTC()
	}
	step.Confidence = clampConfidence(step.Confidence)
	if t.Limit > 0 && len(t.Steps) >= t.Limit {
		if t.Limit == 1 {
			t.Steps = t.Steps[:0]
		} else {
			t.Steps = append(t.Steps[:1], t.Steps[2:]...)
		}
		t.Dropped++
	}
	t.Steps = append(t.Steps, step)
}

// Conclude records the conclusion and overall confidence.
func (t *ReasoningTrace) Conclude(conclusion string, confidence float64) {
	if t == nil {
		return
	}
	t.Conclusion = conclusion
	t.OverallConfidence = clampConfidence(confidence)
}

// Len returns the number of retained steps.
func (t *ReasoningTrace) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Steps)
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
