//go:build windows

package main

import (
	"procpatch/process"
	"procpatch/process_windows"
)

func newHelper() process.ProcessHelper {
	return process_windows.NewHelper()
}

func openPID(pid process.ProcessID) (process.Process, error) {
	return process_windows.NewWithPID(pid)
}
