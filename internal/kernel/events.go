package kernel

// Event types the kernel emits about itself. These bypass contract
// evaluation but are otherwise ordinary events.
const (
	EventContractChecked         = "contract.checked"
	EventContractViolation       = "contract.violation"
	EventContractShadowViolation = "contract.shadow.violation"
	EventInjectDropped           = "inject.dropped"
	EventInjectResumed           = "inject.resumed"
	EventPaneStateChanged        = "pane.state.changed"
	EventSafeModeEntered         = "safemode.entered"
	EventSafeModeExited          = "safemode.exited"
)

// KernelSource is the source field of kernel-originated events.
const KernelSource = "event-kernel"

// Stages assigned by the kernel.
const (
	StageEmitted = "emitted"
	StageKernel  = "kernel"
)

// Drop reasons carried in inject.dropped payloads.
const (
	DropReasonTTLExpired     = "ttl_expired"
	DropReasonQueueFull      = "queue_full"
	DropReasonContractRemove = "contract_removed"
)

// Safe mode trigger reasons.
const (
	TriggerCascadingViolations = "cascading_violations"
)
