//go:build linux

package main

import (
	"procpatch/process"
	"procpatch/process_linux"
)

func newHelper() process.ProcessHelper {
	return process_linux.NewHelper()
}

func openPID(pid process.ProcessID) (process.Process, error) {
	return process_linux.NewWithPID(pid)
}
