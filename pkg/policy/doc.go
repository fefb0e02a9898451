// Package policy evaluates Open Policy Agent (Rego) policies against
// inference endpoint deployment configurations.
//
// Each policy is a Rego module defining a deny set. Members are either a
// message string or an object with message, severity, resource and
// remediation keys. Error and critical findings make the result disallowed;
// info and warning findings are reported as warnings.
//
// Creating an engine and evaluating a configuration:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//
//	result, err := eng.Evaluate(ctx, &policy.PolicyInput{
//	    Config:           &cfg,
//	    EstimatedCostUSD: 0.115,
//	    Context:          &policy.PolicyContext{Environment: "dev"},
//	})
//
// # Built-in Policies
//
//   - endpoint-naming: endpoint names use letters, digits and hyphens, max 63 chars
//   - payload-limit: max_payload_mb above the real-time limit
//   - autoscaling-range: instance_count outside the autoscaling bounds
//   - accelerator-usage: GPU families outside prod
//
// # Custom Policies
//
// Custom policies load from .rego files, single-policy .json files and YAML
// bundles:
//
//	name: team-policies
//	version: "1"
//	policies:
//	  - name: budget-required
//	    severity: error
//	    rego: |
//	      package team.budget
//
//	      import rego.v1
//
//	      deny contains msg if {
//	        input.config.budget_usd_per_hour <= 0
//	        msg := "budget required"
//	      }
//
// Engine.Watch reloads the loaded set when files change. The built-ins are
// always kept.
package policy
