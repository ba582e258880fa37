//go:build linux

package process_linux

import (
	"fmt"

	"procpatch/process"
)

// LinuxProcessHelper implements the process.ProcessHelper interface
type LinuxProcessHelper struct {
	*LinuxProcessFinder
}

var _ process.ProcessHelper = (*LinuxProcessHelper)(nil)

// NewHelper creates a new LinuxProcessHelper
func NewHelper() *LinuxProcessHelper {
	return &LinuxProcessHelper{
		LinuxProcessFinder: NewProcessFinder(),
	}
}

// OpenProcessByName opens the lowest PID whose name matches
func (h *LinuxProcessHelper) OpenProcessByName(name string) (process.Process, error) {
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
func (h *LinuxProcessHelper) OpenProcessByPID(pid process.ProcessID) (process.Process, error) {
	return NewWithPID(pid)
}
