package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	now := time.Now()
	policies := []Policy{
		endpointNamingPolicy(),
		payloadLimitPolicy(),
		autoscalingRangePolicy(),
		acceleratorUsagePolicy(),
	}
	for i := range policies {
		policies[i].Enabled = true
		policies[i].Builtin = true
		policies[i].CreatedAt = now
		policies[i].UpdatedAt = now
	}
	return policies
}

// endpointNamingPolicy enforces SageMaker endpoint naming rules.
func endpointNamingPolicy() Policy {
	return Policy{
		Name:        "endpoint-naming",
		Description: "Endpoint names must be alphanumeric with hyphens, at most 63 characters",
		Severity:    SeverityError,
		Tags:        []string{"naming", "sagemaker"},
		Rego: `package sagepilot.policies.naming

import rego.v1

deny contains violation if {
	name := input.config.endpoint_name
	not regex.match("^[a-zA-Z0-9](-*[a-zA-Z0-9])*$", name)
	violation := {
		"message": sprintf("Endpoint name '%s' must contain only letters, digits and hyphens, and must not start or end with a hyphen", [name]),
		"remediation": "Rename the endpoint, e.g. replace dots and underscores with hyphens",
	}
}

deny contains violation if {
	name := input.config.endpoint_name
	count(name) > 63
	violation := {
		"message": sprintf("Endpoint name '%s' exceeds 63 characters", [name]),
		"remediation": "Shorten the endpoint name",
	}
}
`,
	}
}

// payloadLimitPolicy flags payload sizes real-time endpoints reject.
func payloadLimitPolicy() Policy {
	return Policy{
		Name:        "payload-limit",
		Description: "Real-time inference requests are limited to 6 MB",
		Severity:    SeverityWarning,
		Tags:        []string{"limits"},
		Rego: `package sagepilot.policies.payload

import rego.v1

deny contains violation if {
	input.config.max_payload_mb > 6
	violation := {
		"message": sprintf("max_payload_mb %v exceeds the 6 MB real-time invocation limit", [input.config.max_payload_mb]),
		"remediation": "Use asynchronous inference for larger payloads",
	}
}
`,
	}
}

// autoscalingRangePolicy checks the initial instance count against the
// autoscaling bounds.
func autoscalingRangePolicy() Policy {
	return Policy{
		Name:        "autoscaling-range",
		Description: "instance_count should sit inside the autoscaling range",
		Severity:    SeverityWarning,
		Tags:        []string{"autoscaling"},
		Rego: `package sagepilot.policies.autoscaling

import rego.v1

cfg := input.config

deny contains msg if {
	cfg.autoscaling_max > 0
	cfg.instance_count > cfg.autoscaling_max
	msg := sprintf("instance_count %v is above autoscaling_max %v; the endpoint will scale in immediately", [cfg.instance_count, cfg.autoscaling_max])
}

deny contains msg if {
	cfg.autoscaling_min > 0
	cfg.instance_count < cfg.autoscaling_min
	msg := sprintf("instance_count %v is below autoscaling_min %v; the endpoint will scale out immediately", [cfg.instance_count, cfg.autoscaling_min])
}
`,
	}
}

// acceleratorUsagePolicy warns about GPU families outside production.
func acceleratorUsagePolicy() Policy {
	return Policy{
		Name:        "accelerator-usage",
		Description: "GPU instance families are expected only in production",
		Severity:    SeverityWarning,
		Tags:        []string{"cost", "gpu"},
		Rego: `package sagepilot.policies.accelerator

import rego.v1

gpu_prefixes := ["ml.g", "ml.p", "ml.inf", "ml.trn"]

deny contains msg if {
	input.context.environment != "prod"
	some prefix in gpu_prefixes
	startswith(input.config.instance_type, prefix)
	msg := sprintf("Accelerated instance type %s requested for %s environment", [input.config.instance_type, input.context.environment])
}
`,
	}
}
