package controller

import "time"

// Outcome describes a settled run.
type Outcome struct {
	Slot        string
	ExecutionID int64
	Source      string
	Output      string
	// Err is nil for a successful run, otherwise an *apperror.AppError.
	Err      error
	Duration time.Duration
}

// Observer is notified of run events. Methods are called synchronously from
// the controller's goroutines and must not block or call back into the
// Controller.
type Observer interface {
	RunStarted(slot string, id int64)
	RunSettled(o Outcome)
	StaleDiscarded(slot string, id int64)
}

type nopObserver struct{}

func (nopObserver) RunStarted(string, int64)     {}
func (nopObserver) RunSettled(Outcome)           {}
func (nopObserver) StaleDiscarded(string, int64) {}

type multiObserver []Observer

func (m multiObserver) RunStarted(slot string, id int64) {
	for _, o := range m {
		o.RunStarted(slot, id)
	}
}

func (m multiObserver) RunSettled(out Outcome) {
	for _, o := range m {
		o.RunSettled(out)
	}
}

func (m multiObserver) StaleDiscarded(slot string, id int64) {
	for _, o := range m {
		o.StaleDiscarded(slot, id)
	}
}

func joinObservers(a, b Observer) Observer {
	if _, ok := a.(nopObserver); ok || a == nil {
		return b
	}
	if m, ok := a.(multiObserver); ok {
		return append(m, b)
	}
	return multiObserver{a, b}
}
