package tgsearch

// ProgressSink receives per-dialog download progress.
type ProgressSink interface {
	Update(dialogID int64, title string, current, total int64)
	Complete(dialogID int64)
	Fail(dialogID int64, message string)
}

// NopProgressSink discards progress.
type NopProgressSink struct{}

func (NopProgressSink) Update(int64, string, int64, int64) {}
func (NopProgressSink) Complete(int64)                     {}
func (NopProgressSink) Fail(int64, string)                 {}
