package guardrail

import (
	"github.com/sagepilot/sagepilot/pkg/engine"
)

// EnvironmentPolicy holds the per-environment limits.
type EnvironmentPolicy struct {
	// AllowedInstanceTypes restricts instance types. Empty allows any type.
	AllowedInstanceTypes []string `json:"allowed_instance_types,omitempty" yaml:"allowed_instance_types,omitempty"`

	// MaxBudgetUSDPerHour caps the estimated hourly cost. Zero means no cap.
	MaxBudgetUSDPerHour float64 `json:"max_budget_usd_per_hour" yaml:"max_budget_usd_per_hour"`

	// MinInstanceCount is the lowest allowed instance count.
	MinInstanceCount int `json:"min_instance_count" yaml:"min_instance_count"`

	// MaxInstanceCount is the highest allowed instance count.
	MaxInstanceCount int `json:"max_instance_count" yaml:"max_instance_count"`
}

func (p EnvironmentPolicy) allows(instanceType string) bool {
	if len(p.AllowedInstanceTypes) == 0 {
		return true
	}
	for _, t := range p.AllowedInstanceTypes {
		if t == instanceType {
			return true
		}
	}
	return false
}

// DefaultEnvironmentPolicies returns the built-in policy table.
func DefaultEnvironmentPolicies() map[engine.Environment]EnvironmentPolicy {
	return map[engine.Environment]EnvironmentPolicy{
		engine.EnvironmentDev: {
			AllowedInstanceTypes: []string{"ml.m5.large"},
			MaxBudgetUSDPerHour:  15.0,
			MinInstanceCount:     1,
			MaxInstanceCount:     2,
		},
		engine.EnvironmentStaging: {
			AllowedInstanceTypes: []string{"ml.m5.large", "ml.m5.xlarge"},
			MaxBudgetUSDPerHour:  15.0,
			MinInstanceCount:     1,
			MaxInstanceCount:     4,
		},
		engine.EnvironmentProd: {
			MaxBudgetUSDPerHour: 50.0,
			MinInstanceCount:    2,
			MaxInstanceCount:    4,
		},
	}
}
