package process

import (
	"path/filepath"
	"strings"
)

// ProcessID represents a unique identifier for a process
type ProcessID int

// ProcessInfo contains basic information about a process
type ProcessInfo struct {
	PID     ProcessID // Process ID
	PPID    ProcessID // Parent Process ID
	Name    string    // Process name (comm on linux, exe file on windows)
	Exe     string    // Path to the executable
	Cmdline []string  // Command line arguments
}

// Matches reports whether name equals the process name or the basename of
// its executable, the same rule pidof uses.
func (pi ProcessInfo) Matches(name string) bool {
	if name == "" {
		return false
	}
	if pi.Name == name {
		return true
	}
	if pi.Exe == "" {
		return false
	}
	// wine reports windows paths in the exe link of some processes
	base := filepath.Base(strings.ReplaceAll(pi.Exe, "\\", "/"))
	return base == name
}
