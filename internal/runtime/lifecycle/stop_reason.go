// Package lifecycle holds shutdown bookkeeping shared by the app and main.
package lifecycle

import (
	"os"
	"syscall"
)

// StopReason tags a shutdown in logs.
type StopReason string

const (
	StopUnknown       StopReason = "unknown"
	StopSIGINT        StopReason = "sigint"
	StopSIGTERM       StopReason = "sigterm"
	StopFatalError    StopReason = "fatal_error"
	StopListenerEnded StopReason = "listener_ended"
)

// FromSignal maps a received signal to its reason.
func FromSignal(sig os.Signal) StopReason {
	switch sig {
	case os.Interrupt:
		return StopSIGINT
	case syscall.SIGTERM:
		return StopSIGTERM
	default:
		return StopUnknown
	}
}
