package testutil

import "sync"

// ProgressEvent is one call recorded by RecordingProgress.
type ProgressEvent struct {
	Kind     string // "update", "complete" or "fail"
	DialogID int64
	Current  int64
	Message  string
}

// RecordingProgress is a ProgressSink that records every call.
type RecordingProgress struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func NewRecordingProgress() *RecordingProgress {
	return &RecordingProgress{}
}

func (p *RecordingProgress) Update(dialogID int64, _ string, current, _ int64) {
	p.record(ProgressEvent{Kind: "update", DialogID: dialogID, Current: current})
}

func (p *RecordingProgress) Complete(dialogID int64) {
	p.record(ProgressEvent{Kind: "complete", DialogID: dialogID})
}

func (p *RecordingProgress) Fail(dialogID int64, message string) {
	p.record(ProgressEvent{Kind: "fail", DialogID: dialogID, Message: message})
}

func (p *RecordingProgress) record(e ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

// Events returns a copy of the recorded events.
func (p *RecordingProgress) Events() []ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ProgressEvent, len(p.events))
	copy(out, p.events)
	return out
}

// Count returns how many events of kind were recorded for dialogID.
func (p *RecordingProgress) Count(kind string, dialogID int64) int {
	n := 0
	for _, e := range p.Events() {
		if e.Kind == kind && e.DialogID == dialogID {
			n++
		}
	}
	return n
}
