// Package provisioner creates and deletes SageMaker real-time inference
// endpoints: the model, its endpoint configuration and the endpoint itself.
//
// Create calls are idempotent. A resource that already exists is reused, so a
// retried step does not fail on its own earlier success. Cloud errors are
// classified into engine errors (throttled, transient or permanent) so the
// orchestrator can decide whether to retry.
//
// In dry-run mode no client is called and every operation returns simulated
// names.
package provisioner
