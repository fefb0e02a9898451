// Package guardrail checks deployment configurations against per-environment
// policy, budget limits and optional Rego policies before anything is
// provisioned.
//
// Every check runs on every call so one validation reports all problems.
// Hourly cost is the instance unit price times the instance count; prices
// come from a PriceSource (static table, YAML file or the AWS Price List
// API) and are cached per instance type for the life of the Service.
package guardrail
