package guardrail

import (
	"context"
	"fmt"

	"github.com/sagepilot/sagepilot/pkg/policy"
)

// OPAChecker adapts a policy.Engine to PolicyChecker.
type OPAChecker struct {
	engine *policy.Engine
	dryRun bool
}

// NewOPAChecker wraps eng. dryRun is passed to policies as context.dry_run.
func NewOPAChecker(eng *policy.Engine, dryRun bool) *OPAChecker {
	return &OPAChecker{engine: eng, dryRun: dryRun}
}

// Check implements PolicyChecker. Evaluation failures of single policies
// are reported as warnings.
func (c *OPAChecker) Check(ctx context.Context, req CheckRequest) ([]string, []string, error) {
	cfg := req.Config
	constraints := req.Constraints

	result, err := c.engine.Evaluate(ctx, &policy.PolicyInput{
		Config:           &cfg,
		EstimatedCostUSD: req.EstimatedCostUSD,
		Constraints:      &constraints,
		Context: &policy.PolicyContext{
			Environment: string(req.Environment),
			Operation:   "validate",
			DryRun:      c.dryRun,
		},
	})
	if err != nil {
		return nil, nil, err
	}

	var errs, warnings []string
	for _, v := range result.Violations {
		errs = append(errs, fmt.Sprintf("Policy %s: %s", v.Policy, v.Message))
	}
	for _, v := range result.Warnings {
		warnings = append(warnings, fmt.Sprintf("Policy %s: %s", v.Policy, v.Message))
	}
	warnings = append(warnings, result.EvaluationErrors...)

	return errs, warnings, nil
}
