package poller

import "time"

// Timer — отменяемый отложенный вызов.
type Timer interface {
	// Stop отменяет вызов. false, если вызов уже выполнен или отменён.
	Stop() bool
}

// Scheduler планирует отложенные вызовы.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// RealScheduler — Scheduler на time.AfterFunc.
type RealScheduler struct{}

// AfterFunc вызывает f в отдельной горутине через d.
func (RealScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
