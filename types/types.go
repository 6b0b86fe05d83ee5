// Package types defines the interfaces shared between the detector and its collaborators.
package types

import (
	"fmt"

	"github.com/st-keller/leakwatch/report"
)

// Listener receives leak reports. OnLeak runs on the detector's owner loop and
// must not block for long.
type Listener interface {
	OnLeak(rep report.Report)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(rep report.Report)

// OnLeak calls f.
func (f ListenerFunc) OnLeak(rep report.Report) { f(rep) }

// Submitter hands work to a background context.
// Submit must not block; it returns an error when the task cannot be queued.
type Submitter interface {
	Submit(task func()) error
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(task func()) error

// Submit calls f.
func (f SubmitterFunc) Submit(task func()) error { return f(task) }

// TrimLevel is the severity of a memory-pressure signal, higher is worse.
// Values follow the Android ComponentCallbacks2 trim levels.
type TrimLevel int

const (
	TrimMemoryRunningModerate TrimLevel = 5
	TrimMemoryRunningLow      TrimLevel = 10
	TrimMemoryRunningCritical TrimLevel = 15
	TrimMemoryUIHidden        TrimLevel = 20
	TrimMemoryBackground      TrimLevel = 40
	TrimMemoryModerate        TrimLevel = 60
	TrimMemoryComplete        TrimLevel = 80
)

// String returns string representation.
func (l TrimLevel) String() string {
	switch l {
	case 0:
		return "None"
	case TrimMemoryRunningModerate:
		return "RunningModerate(5)"
	case TrimMemoryRunningLow:
		return "RunningLow(10)"
	case TrimMemoryRunningCritical:
		return "RunningCritical(15)"
	case TrimMemoryUIHidden:
		return "UIHidden(20)"
	case TrimMemoryBackground:
		return "Background(40)"
	case TrimMemoryModerate:
		return "Moderate(60)"
	case TrimMemoryComplete:
		return "Complete(80)"
	default:
		return fmt.Sprintf("Unknown(%d)", int(l))
	}
}
