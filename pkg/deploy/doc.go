// Package deploy manages the lifecycle of deployment plans.
//
// A Service accepts an intent, gathers evidence, generates and validates a
// configuration, and either queues the plan for approval or hands it to a
// worker for execution. Approval, rejection, pause, restart and deletion
// move plans through the transitions allowed by engine.PlanStatus; any
// other move fails with an INVALID_TRANSITION error.
//
// Execution outcomes are applied only while a plan is still deploying, so a
// pause or delete issued during execution is never overwritten.
package deploy
