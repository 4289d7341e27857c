package runner

import (
	"fmt"
	"os"
	"syscall"
)

// Exit is the outcome of a finished process.
type Exit struct {
	Code     int    `json:"code"`
	Message  string `json:"message,omitempty"`
	Signaled bool   `json:"signaled,omitempty"`
	// Killed is set when termination was requested through Kill or StartKill.
	Killed bool `json:"killed,omitempty"`
}

// Success reports a zero exit code.
func (e Exit) Success() bool {
	return e.Code == 0 && !e.Signaled
}

func exitFromWait(state *os.ProcessState, waitErr error) Exit {
	if state == nil {
		msg := "process exit status unavailable"
		if waitErr != nil {
			msg = fmt.Sprintf("wait for process: %v", waitErr)
		}
		return Exit{Code: -1, Message: msg}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return Exit{
			Code:     -1,
			Signaled: true,
			Message:  fmt.Sprintf("process terminated by signal %s", ws.Signal()),
		}
	}
	code := state.ExitCode()
	if code == 0 {
		return Exit{}
	}
	return Exit{Code: code, Message: fmt.Sprintf("process exited with code %d", code)}
}
