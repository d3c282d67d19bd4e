package schema

// Event type constants for the run log.
const (
	EventInstanceCreated = "instance_created"

	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"

	EventConfigMapped    = "config_mapped"
	EventConfigEvaluated = "config_evaluated"
	EventConfigValidated = "config_validated"
	EventInputsValidated = "inputs_validated"
	EventOutputEvaluated = "output_evaluated"
)

// InstanceState represents the lifecycle state of a plugin instance.
type InstanceState string

const (
	StateDeclared     InstanceState = "declared"
	StateInstantiated InstanceState = "instantiated"
	StateExecuting    InstanceState = "executing"
	StateCompleted    InstanceState = "completed"
	StateFailed       InstanceState = "failed"
)
