//go:build linux

package process_linux

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"procpatch/process"

	"github.com/spf13/afero"
)

// LinuxProcessFinder implements the process.ProcessFinder interface by walking /proc
type LinuxProcessFinder struct {
	fs      afero.Fs
	selfPID int
}

// NewProcessFinder creates a new LinuxProcessFinder over the real /proc
func NewProcessFinder() *LinuxProcessFinder {
	return NewProcessFinderFs(afero.NewOsFs())
}

// NewProcessFinderFs creates a LinuxProcessFinder reading /proc from fs
func NewProcessFinderFs(fs afero.Fs) *LinuxProcessFinder {
	return &LinuxProcessFinder{
		fs:      fs,
		selfPID: os.Getpid(),
	}
}

// FindProcessByPID finds a process by its PID
func (f *LinuxProcessFinder) FindProcessByPID(pid process.ProcessID) (*process.ProcessInfo, error) {
	procPath := fmt.Sprintf("/proc/%d", pid)

	if exists, _ := afero.DirExists(f.fs, procPath); !exists {
		return nil, fmt.Errorf("process with PID %d does not exist: %w", pid, process.ErrProcessNotFound)
	}

	return f.getProcessInfo(pid)
}

// FindProcessByName finds processes whose comm or exe basename equals name,
// ordered by PID
func (f *LinuxProcessFinder) FindProcessByName(name string) ([]process.ProcessInfo, error) {
	if name == "" {
		return nil, fmt.Errorf("empty process name")
	}

	all, err := f.FindAllProcesses()
	if err != nil {
		return nil, err
	}

	var results []process.ProcessInfo
	for _, info := range all {
		if info.Matches(name) {
			results = append(results, info)
		}
	}

	return results, nil
}

// FindAllProcesses returns information about all running processes, ordered by PID
func (f *LinuxProcessFinder) FindAllProcesses() ([]process.ProcessInfo, error) {
	// List all directories in /proc that are numbers (PIDs)
	entries, err := afero.ReadDir(f.fs, "/proc")
	if err != nil {
		return nil, fmt.Errorf("failed to read /proc: %w", err)
	}

	var results []process.ProcessInfo

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid <= 0 {
			// Not a PID directory
			continue
		}
		if pid == f.selfPID {
			continue
		}

		info, err := f.getProcessInfo(process.ProcessID(pid))
		if err != nil {
			// Process may have terminated while we were reading
			continue
		}

		results = append(results, *info)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].PID < results[j].PID
	})

	return results, nil
}

func (f *LinuxProcessFinder) getProcessInfo(pid process.ProcessID) (*process.ProcessInfo, error) {
	procPath := fmt.Sprintf("/proc/%d", pid)

	nameBytes, err := afero.ReadFile(f.fs, filepath.Join(procPath, "comm"))
	if err != nil {
		return nil, fmt.Errorf("failed to read process name: %w", err)
	}
	name := strings.TrimSpace(string(nameBytes))

	// Kernel threads and zombies have no exe link
	exe := ""
	if lr, ok := f.fs.(afero.LinkReader); ok {
		exe, _ = lr.ReadlinkIfPossible(filepath.Join(procPath, "exe"))
	}

	var cmdline []string
	cmdlineBytes, err := afero.ReadFile(f.fs, filepath.Join(procPath, "cmdline"))
	if err == nil && len(cmdlineBytes) > 0 {
		cmdlineBytes = bytes.TrimSuffix(cmdlineBytes, []byte{0})
		for _, arg := range bytes.Split(cmdlineBytes, []byte{0}) {
			cmdline = append(cmdline, string(arg))
		}
	}

	var ppid process.ProcessID
	statusBytes, err := afero.ReadFile(f.fs, filepath.Join(procPath, "status"))
	if err == nil {
		for _, line := range strings.Split(string(statusBytes), "\n") {
			key, value, found := strings.Cut(line, ":")
			if !found || strings.TrimSpace(key) != "PPid" {
				continue
			}
			if v, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
				ppid = process.ProcessID(v)
			}
			break
		}
	}

	return &process.ProcessInfo{
		PID:     pid,
		PPID:    ppid,
		Name:    name,
		Exe:     exe,
		Cmdline: cmdline,
	}, nil
}
