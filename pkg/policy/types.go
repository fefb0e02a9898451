package policy

import (
	"time"

	"github.com/sagepilot/sagepilot/pkg/engine"
)

// Severity grades a finding. Error and critical findings block a deployment;
// info and warning findings are reported as guardrail warnings.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity blocks deployment.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one Rego module and the metadata shown by "policy list".
type Policy struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`

	// Rego holds the module source. Its package must define a deny set.
	Rego string `json:"rego" yaml:"rego"`

	// Severity applies to deny members that do not carry their own.
	Severity Severity `json:"severity" yaml:"severity"`

	Enabled  bool                   `json:"enabled" yaml:"enabled"`
	Tags     []string               `json:"tags,omitempty" yaml:"tags,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Builtin is true for policies shipped with the binary. They survive
	// reloads of the policy paths.
	Builtin bool `json:"builtin" yaml:"-"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// PolicyViolation is one deny member.
type PolicyViolation struct {
	Policy string `json:"policy"`

	// Resource is the endpoint or model name the finding concerns.
	Resource string `json:"resource,omitempty"`

	Message     string    `json:"message"`
	Severity    Severity  `json:"severity"`
	Remediation string    `json:"remediation,omitempty"`
	DetectedAt  time.Time `json:"detected_at"`
}

// PolicyResult is the outcome of evaluating every enabled policy against
// one input.
type PolicyResult struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations holds blocking findings, Warnings the rest.
	Violations []PolicyViolation `json:"violations,omitempty"`
	Warnings   []PolicyViolation `json:"warnings,omitempty"`

	// EvaluationErrors names policies whose query failed. They do not
	// change Allowed.
	EvaluationErrors []string `json:"evaluation_errors,omitempty"`

	EvaluatedAt       time.Time     `json:"evaluated_at"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// PolicyInput is the document policies see as input.
type PolicyInput struct {
	Config           *engine.DeploymentConfiguration `json:"config"`
	EstimatedCostUSD float64                         `json:"estimated_cost_usd"`
	Constraints      *engine.Constraints             `json:"constraints,omitempty"`
	Context          *PolicyContext                  `json:"context"`
}

// PolicyContext describes the request being evaluated, available to
// policies as input.context.
type PolicyContext struct {
	User string `json:"user,omitempty"`

	// Environment is dev, staging or prod.
	Environment string    `json:"environment"`
	Timestamp   time.Time `json:"timestamp"`

	// Operation is the calling operation, such as "validate".
	Operation string `json:"operation,omitempty"`

	// DryRun is true when provisioning is simulated.
	DryRun   bool                   `json:"dry_run"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// PolicyBundle is a versioned YAML file of policies.
type PolicyBundle struct {
	Name        string   `json:"name" yaml:"name"`
	Version     string   `json:"version" yaml:"version"`
	Description string   `json:"description" yaml:"description"`
	Policies    []Policy `json:"policies" yaml:"policies"`
}
