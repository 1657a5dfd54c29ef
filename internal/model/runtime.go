package model

// RuntimeState is the lifecycle state of the background ingestion task.
type RuntimeState string

const (
	RuntimeStopped  RuntimeState = "stopped"
	RuntimeStarting RuntimeState = "starting"
	RuntimeRunning  RuntimeState = "running"
	RuntimeStopping RuntimeState = "stopping"
)

// Outcomes of start/stop calls. The already_* values report no-op
// transitions; they are not states.
const (
	ActionStarted        = "started"
	ActionAlreadyRunning = "already_running"
	ActionStopped        = "stopped"
	ActionAlreadyStopped = "already_stopped"
)

// RuntimeStatus is a point-in-time snapshot of the runtime controller.
type RuntimeStatus struct {
	State            RuntimeState
	IsRunning        bool
	LastActionSource string
	LastError        string
	APIOnlyMode      bool
}

// RuntimeActionResult is returned by start and stop.
type RuntimeActionResult struct {
	Status           string
	Message          string
	State            RuntimeState
	LastActionSource string
	LastError        string
}
