package metrics

import "time"

// PipelineMetrics observes the event pipeline. A Nop implementation keeps
// call sites unconditional.
type PipelineMetrics interface {
	EventAppended(kind string)
	EventsClaimed(n int)
	EventAcked()
	EventsReleased(n int)
	EventsReclaimed(n int)
	AllocationSucceeded()
	AllocationFailed()
	VerdictApproved()
	VerdictRejected()
	TaskEscalated()
	CacheHit()
	CacheMiss()
	HandleLatency(d time.Duration)
}

// Nop discards all observations.
type Nop struct{}

func (Nop) EventAppended(string)        {}
func (Nop) EventsClaimed(int)           {}
func (Nop) EventAcked()                 {}
func (Nop) EventsReleased(int)          {}
func (Nop) EventsReclaimed(int)         {}
func (Nop) AllocationSucceeded()        {}
func (Nop) AllocationFailed()           {}
func (Nop) VerdictApproved()            {}
func (Nop) VerdictRejected()            {}
func (Nop) TaskEscalated()              {}
func (Nop) CacheHit()                   {}
func (Nop) CacheMiss()                  {}
func (Nop) HandleLatency(time.Duration) {}
