// Package process provides the types and interfaces shared by the platform
// backends that attach to a running process and access its memory.
package process

import "errors"

// Types live in:
// - types.go: ProcessID, ProcessInfo
// - memory_types.go: ProcessMemoryAddress, ProcessMemorySize
// - process_interface.go: Process, ProcessFinder, ProcessOpener, ProcessHelper

var (
	// ErrAddressNotMapped is returned when a memory address is not found within any mapped region of a process.
	ErrAddressNotMapped = errors.New("address not mapped")

	// ErrProcessNotOpen is returned when an operation requiring an open process is attempted
	// before the process has been successfully opened or after it has been closed.
	// The memory port returns it for every read or write while no process is attached.
	ErrProcessNotOpen = errors.New("process not open")

	// ErrProcessNotFound is returned by openers when no process matches the requested name.
	ErrProcessNotFound = errors.New("process not found")
)
