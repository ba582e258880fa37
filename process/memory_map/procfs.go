package memory_map

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// LinuxMemoryMap reads /proc/[pid]/maps
type LinuxMemoryMap struct {
	fs afero.Fs
}

// NewLinuxMemoryMap creates a LinuxMemoryMap reading from the real filesystem
func NewLinuxMemoryMap() *LinuxMemoryMap {
	return NewLinuxMemoryMapFs(afero.NewOsFs())
}

// NewLinuxMemoryMapFs creates a LinuxMemoryMap reading /proc from fs
func NewLinuxMemoryMapFs(fs afero.Fs) *LinuxMemoryMap {
	return &LinuxMemoryMap{fs: fs}
}

// ReadMemoryMap reads and parses the memory map for a process, sorted by address
func (l *LinuxMemoryMap) ReadMemoryMap(pid int) ([]MemoryMapItem, error) {
	file, err := l.fs.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var memoryMap []MemoryMapItem
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}

		// Parse address range (e.g., "00400000-0040b000")
		addrRange := strings.Split(fields[0], "-")
		if len(addrRange) != 2 {
			continue
		}

		startAddr, err := strconv.ParseUint(addrRange[0], 16, 64)
		if err != nil {
			continue
		}

		endAddr, err := strconv.ParseUint(addrRange[1], 16, 64)
		if err != nil || endAddr <= startAddr {
			continue
		}

		memoryMap = append(memoryMap, MemoryMapItem{
			Address: startAddr,
			Size:    uint(endAddr - startAddr),
			Perms:   fields[1],
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	Sort(memoryMap)
	return memoryMap, nil
}
