package engine

import "strings"

// Action is the closed set of step actions the engine knows how to handle.
// Planner-generated names that match none of them parse to ActionUnknown,
// which executes as a successful no-op.
type Action int

const (
	// ActionUnknown is any action without a dedicated handler.
	ActionUnknown Action = iota
	ActionRetrievePolicies
	ActionGenerateConfig
	ActionValidatePlan
	ActionCreateModel
	ActionCreateEndpointConfig
	ActionCreateEndpoint
	ActionConfigureMonitoring
	ActionVerifyDeployment
)

var actionNames = map[Action]string{
	ActionRetrievePolicies:     "retrieve_policies",
	ActionGenerateConfig:       "generate_config",
	ActionValidatePlan:         "validate_plan",
	ActionCreateModel:          "create_model",
	ActionCreateEndpointConfig: "create_endpoint_config",
	ActionCreateEndpoint:       "create_endpoint",
	ActionConfigureMonitoring:  "configure_monitoring",
	ActionVerifyDeployment:     "verify_deployment",
}

var actionsByName = func() map[string]Action {
	m := make(map[string]Action, len(actionNames))
	for a, name := range actionNames {
		m[name] = a
	}
	return m
}()

// ParseAction maps an action name to its Action. Names are compared
// case-insensitively after trimming.
func ParseAction(name string) Action {
	if a, ok := actionsByName[strings.ToLower(strings.TrimSpace(name))]; ok {
		return a
	}
	return ActionUnknown
}

// String returns the canonical action name.
func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "unknown"
}

// RequiredActions are the actions a generated plan is expected to contain.
var RequiredActions = []Action{ActionValidatePlan, ActionCreateModel, ActionCreateEndpoint}

// actionFromDescription derives an action name from a step description when
// the generator omitted one.
func actionFromDescription(description string) string {
	return strings.ReplaceAll(strings.ToLower(description), " ", "_")
}
