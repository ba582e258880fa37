//go:build windows

package process_windows

import (
	"fmt"

	"procpatch/process"
)

// WindowsProcessHelper implements the process.ProcessHelper interface
type WindowsProcessHelper struct {
	*WindowsProcessFinder
}

var _ process.ProcessHelper = (*WindowsProcessHelper)(nil)

// NewHelper creates a new WindowsProcessHelper
func NewHelper() *WindowsProcessHelper {
	return &WindowsProcessHelper{
		WindowsProcessFinder: NewProcessFinder(),
	}
}

// OpenProcessByName opens the lowest PID whose exe file matches
func (h *WindowsProcessHelper) OpenProcessByName(name string) (process.Process, error) {
	processes, err := h.FindProcessByName(name)
	if err != nil {
		return nil, err
	}

	if len(processes) == 0 {
		return nil, fmt.Errorf("no process found with name '%s': %w", name, process.ErrProcessNotFound)
	}

	return NewWithPID(processes[0].PID)
}

// OpenProcessByPID opens pid for memory access
func (h *WindowsProcessHelper) OpenProcessByPID(pid process.ProcessID) (process.Process, error) {
	return NewWithPID(pid)
}
