package types

// ContainerStatusValue is the tagged status of a Container. The wire form
// is always the lowercase string.
type ContainerStatusValue string

const (
	ContainerDefined    ContainerStatusValue = "defined"
	ContainerQueued     ContainerStatusValue = "queued"
	ContainerCreating   ContainerStatusValue = "creating"
	ContainerCreated    ContainerStatusValue = "created"
	ContainerPending    ContainerStatusValue = "pending"
	ContainerRunning    ContainerStatusValue = "running"
	ContainerRestarting ContainerStatusValue = "restarting"
	ContainerPaused     ContainerStatusValue = "paused"
	ContainerExited     ContainerStatusValue = "exited"
	ContainerCompleted  ContainerStatusValue = "completed"
	ContainerFailed     ContainerStatusValue = "failed"
	ContainerStopped    ContainerStatusValue = "stopped"
	ContainerInvalid    ContainerStatusValue = "invalid"
)

var containerTerminal = map[ContainerStatusValue]bool{
	ContainerCompleted: true,
	ContainerFailed:    true,
	ContainerStopped:   true,
	ContainerExited:    true,
	ContainerInvalid:   true,
}

// IsTerminal reports whether the reconciler must never transition out of
// this status (spec §3 invariants).
func (s ContainerStatusValue) IsTerminal() bool { return containerTerminal[s] }

// IsActive is the complement of IsTerminal.
func (s ContainerStatusValue) IsActive() bool { return !containerTerminal[s] && s != "" }

// RestartPolicy controls what happens when a container's process exits.
type RestartPolicy string

const (
	RestartAlways RestartPolicy = "always"
	RestartNever  RestartPolicy = "never"
)

// ProcessorStatusValue is the tagged status of a Processor.
type ProcessorStatusValue string

const (
	ProcessorDefined ProcessorStatusValue = "defined"
	ProcessorScaling ProcessorStatusValue = "scaling"
	ProcessorPending ProcessorStatusValue = "pending"
	ProcessorRunning ProcessorStatusValue = "running"
	ProcessorCreating ProcessorStatusValue = "creating"
	ProcessorCreated ProcessorStatusValue = "created"
	ProcessorFailed  ProcessorStatusValue = "failed"
	ProcessorStopped ProcessorStatusValue = "stopped"
	ProcessorInvalid ProcessorStatusValue = "invalid"
)

var processorTerminal = map[ProcessorStatusValue]bool{
	ProcessorFailed:  true,
	ProcessorStopped: true,
	ProcessorInvalid: true,
}

func (s ProcessorStatusValue) IsTerminal() bool { return processorTerminal[s] }
func (s ProcessorStatusValue) IsActive() bool   { return !processorTerminal[s] && s != "" }
