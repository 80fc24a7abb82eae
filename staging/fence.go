package staging

import "sync"

// Fence reports GPU completion of belt submissions.
//
// Submissions complete in order: once Completed(n) is true it must stay
// true, and Completed(m) must be true for every m < n.
type Fence interface {
	Completed(submission uint64) bool
}

// ManualFence is a Fence driven by explicit Signal calls, typically from a
// queue-submission done callback.
type ManualFence struct {
	mu        sync.Mutex
	completed uint64
}

// Signal marks every submission up to and including submission as done.
func (f *ManualFence) Signal(submission uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = max(f.completed, submission)
}

// Completed implements Fence.
func (f *ManualFence) Completed(submission uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return submission <= f.completed
}
