package hitl

import (
	"fmt"
	"slices"

	"github.com/stewardhq/steward/pkg/models"
)

// OversightLevel controls how eagerly step results are routed to a human.
type OversightLevel string

const (
	// OversightAutonomous requires approval only on safety violations.
	OversightAutonomous OversightLevel = "autonomous"
	// OversightSupervised requires approval on low confidence, flagged error
	// types, budget pressure, or safety violations.
	OversightSupervised OversightLevel = "supervised"
	// OversightStrict requires approval after every step.
	OversightStrict OversightLevel = "strict"
)

// TriggerPolicy decides whether a step result must be gated by a human before
// the workflow may continue.
type TriggerPolicy struct {
	Level                OversightLevel
	ConfidenceThreshold  float64
	BudgetWarningPercent float64
	ApprovalErrorTypes   []string
}

// DefaultTriggerPolicy returns the supervised policy used when a deployment
// configures nothing.
func DefaultTriggerPolicy() *TriggerPolicy {
	return &TriggerPolicy{
		Level:                OversightSupervised,
		ConfidenceThreshold:  0.7,
		BudgetWarningPercent: 80,
		ApprovalErrorTypes:   []string{"safety", "permission", "destructive"},
	}
}

// TriggerInput carries the step outcome and ambient signals the policy reads.
type TriggerInput struct {
	Result            *models.StepResult
	BudgetUsedPercent float64
}

// TriggerDecision is the policy verdict.
type TriggerDecision struct {
	Required    bool
	Reason      string
	RequestType string
}

// Evaluate applies the policy to one step result. It returns an error only for
// malformed input; callers treat evaluation errors as "no trigger fired"
// (fail-open), so a monitoring fault never blocks all progress.
func (p *TriggerPolicy) Evaluate(input TriggerInput) (TriggerDecision, error) {
	if input.Result == nil {
		return TriggerDecision{}, fmt.Errorf("trigger evaluation requires a step result")
	}

	result := input.Result

	if result.SafetyViolation {
		return TriggerDecision{
			Required:    true,
			Reason:      fmt.Sprintf("safety violation reported by step %d", result.StepIndex),
			RequestType: "safety_review",
		}, nil
	}

	switch p.Level {
	case OversightStrict:
		return TriggerDecision{
			Required:    true,
			Reason:      fmt.Sprintf("strict oversight: step %d requires review", result.StepIndex),
			RequestType: "step_review",
		}, nil

	case OversightSupervised:
		if result.Confidence > 0 && result.Confidence < p.ConfidenceThreshold {
			return TriggerDecision{
				Required:    true,
				Reason:      fmt.Sprintf("step %d confidence %.2f below threshold %.2f", result.StepIndex, result.Confidence, p.ConfidenceThreshold),
				RequestType: "low_confidence_review",
			}, nil
		}

		if result.ErrorType != "" && slices.Contains(p.ApprovalErrorTypes, result.ErrorType) {
			return TriggerDecision{
				Required:    true,
				Reason:      fmt.Sprintf("step %d error type %q requires review", result.StepIndex, result.ErrorType),
				RequestType: "error_review",
			}, nil
		}

		if p.BudgetWarningPercent > 0 && input.BudgetUsedPercent >= p.BudgetWarningPercent {
			return TriggerDecision{
				Required:    true,
				Reason:      fmt.Sprintf("budget usage %.0f%% at or above %.0f%%", input.BudgetUsedPercent, p.BudgetWarningPercent),
				RequestType: "budget_review",
			}, nil
		}

	case OversightAutonomous:
		// Safety violations handled above; everything else proceeds.
	}

	return TriggerDecision{}, nil
}
