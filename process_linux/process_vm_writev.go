//go:build linux

package process_linux

import (
	"fmt"
	"os"
	"unsafe"

	"procpatch/process"

	"golang.org/x/sys/unix"
)

// process_vm_writev uses the process_vm_writev syscall to write memory to another process
func process_vm_writev(
	pid process.ProcessID,
	localBuf []byte,
	remoteAddr process.ProcessMemoryAddress,
) (int, error) {
	localIov := unix.Iovec{
		Base: &localBuf[0],
		Len:  uint64(len(localBuf)),
	}

	remoteIov := unix.RemoteIovec{
		Base: uintptr(remoteAddr),
		Len:  len(localBuf),
	}

	n, _, errno := unix.Syscall6(
		unix.SYS_PROCESS_VM_WRITEV,
		uintptr(pid),                        // Remote process PID
		uintptr(unsafe.Pointer(&localIov)),  // Local iovec
		uintptr(1),                          // Number of local iovecs
		uintptr(unsafe.Pointer(&remoteIov)), // Remote iovec
		uintptr(1),                          // Number of remote iovecs
		uintptr(0),                          // Flags (reserved for future use)
	)

	if errno != 0 {
		return 0, fmt.Errorf("process_vm_writev failed: %s (errno: %d)", errno.Error(), errno)
	}

	return int(n), nil
}

// writeProcMem writes through /proc/<pid>/mem, which the kernel lets a
// ptrace-capable caller use on pages the target mapped read-only (code).
func (p *LinuxProcess) writeProcMem(pid process.ProcessID, addr process.ProcessMemoryAddress, data []byte) (int, error) {
	name := fmt.Sprintf("/proc/%d/mem", pid)
	f, err := p.fs.OpenFile(name, os.O_RDWR, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	n, err := f.WriteAt(data, int64(addr))
	if err != nil {
		return n, fmt.Errorf("write of %s at offset %x with size %d failed: %w", name, uint64(addr), len(data), err)
	}

	return n, nil
}

// WriteMemory writes data to the process memory at the specified address
func (p *LinuxProcess) WriteMemory(addr process.ProcessMemoryAddress, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	p.mu.Lock()
	pid := p.pid
	region := p.regionInternal(addr)
	p.mu.Unlock()

	if pid == 0 {
		return process.ErrProcessNotOpen
	}

	if region == nil {
		return fmt.Errorf("write at %s: %w", addr, process.ErrAddressNotMapped)
	}

	// Copy so the caller can reuse its buffer while the syscall runs
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	var (
		written int
		err     error
	)
	if region.IsWritable() && region.Contains(uint64(addr), uint(len(data))) {
		written, err = process_vm_writev(pid, dataCopy, addr)
	} else {
		p.log.Debugln("Writing", len(data), "bytes through /proc mem at", addr.ToString(), "perms", region.Perms)
		written, err = p.writeProcMem(pid, addr, dataCopy)
	}

	if err != nil {
		return fmt.Errorf("failed to write process memory: %w", err)
	}

	if written != len(data) {
		return fmt.Errorf("only wrote %d of %d bytes", written, len(data))
	}

	return nil
}
