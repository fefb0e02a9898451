// Package config loads sagepilot's runtime configuration.
//
// Values come from, in increasing precedence: built-in defaults, an optional
// YAML file, and environment variables. Every key has a SAGEPILOT_ variable
// with dots replaced by underscores:
//
//	SAGEPILOT_ENGINE_WORKERS=8
//	SAGEPILOT_GUARDRAIL_PRICE_SOURCE=aws
//
// A few keys also accept the unprefixed names existing deployments use,
// such as AWS_REGION, EXECUTE and SAGEMAKER_ROLE_ARN.
//
// Provisioning runs in dry-run mode unless aws.execute is true.
//
// # Example file
//
//	aws:
//	  region: us-east-1
//	  execute: false
//	engine:
//	  max_retries: 3
//	  retry_delay: 5s
//	  workers: 4
//	guardrail:
//	  price_source: file
//	  price_file: prices.yaml
//	store:
//	  path: sagepilot.db
//
// Load validates the result and reports every invalid key in a single
// ValidationErrors value.
package config
