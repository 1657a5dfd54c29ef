package app

import "time"

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation tracks one CLI invocation. Operations that change the config
// store are marked mutating, which makes Close take a snapshot.
type Operation struct {
	ID         string
	Name       string
	Parameters string
	Status     string
	Mutating   bool
	StartedAt  time.Time
}

// NewOperation creates an operation record. The ID doubles as the run id in
// log lines.
func NewOperation(name, parameters string, startedAt time.Time) *Operation {
	return &Operation{
		ID:         startedAt.UTC().Format("20060102T150405Z"),
		Name:       name,
		Parameters: parameters,
		Status:     StatusSuccess,
		StartedAt:  startedAt,
	}
}

// MarkMutating records that the operation wrote to the config store.
func (op *Operation) MarkMutating() { op.Mutating = true }

// Fail records err, if any, as the operation outcome. It returns err so
// callers can use it in a return statement.
func (op *Operation) Fail(err error) error {
	if err != nil {
		op.Status = StatusError
	}
	return err
}

// NeedsSnapshot reports whether Close should snapshot the config store.
func (op *Operation) NeedsSnapshot() bool {
	return op.Mutating && op.Status == StatusSuccess
}
