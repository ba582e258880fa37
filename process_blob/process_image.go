package process_blob

import (
	"fmt"
	"sync"

	"procpatch/process"
	"procpatch/process/memory_map"
)

// WriteRecord is one WriteMemory call observed by a ProcessImage
type WriteRecord struct {
	Address process.ProcessMemoryAddress
	Data    []byte
}

// ProcessImage implements process.Process over a sparse in-memory address
// space. Until a region is mapped every address reads as zero; once regions
// are mapped, accesses outside them fail with process.ErrAddressNotMapped.
type ProcessImage struct {
	pid    process.ProcessID
	open   bool
	mm     []memory_map.MemoryMapItem
	data   map[uint64]byte
	writes []WriteRecord
	reads  int

	// ReadErr and WriteErr, when set, are returned by every read or write
	ReadErr  error
	WriteErr error

	mu sync.Mutex
}

var _ process.Process = (*ProcessImage)(nil)

// NewProcessImage creates an open image for pid
func NewProcessImage(pid process.ProcessID) *ProcessImage {
	return &ProcessImage{
		pid:  pid,
		open: true,
		data: make(map[uint64]byte),
	}
}

// MapRegion adds a region to the image's memory map
func (p *ProcessImage) MapRegion(addr process.ProcessMemoryAddress, size process.ProcessMemorySize, perms string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.mm = append(p.mm, memory_map.MemoryMapItem{
		Address: uint64(addr),
		Size:    uint(size),
		Perms:   perms,
	})
	memory_map.Sort(p.mm)
}

// Load seeds bytes at addr without recording a write
func (p *ProcessImage) Load(addr process.ProcessMemoryAddress, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, b := range data {
		p.data[uint64(addr)+uint64(i)] = b
	}
}

// Bytes returns a copy of size bytes at addr, bypassing checks and counters
func (p *ProcessImage) Bytes(addr process.ProcessMemoryAddress, size int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]byte, size)
	for i := range out {
		out[i] = p.data[uint64(addr)+uint64(i)]
	}
	return out
}

// Writes returns the WriteMemory calls seen so far, oldest first
func (p *ProcessImage) Writes() []WriteRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make([]WriteRecord, len(p.writes))
	copy(result, p.writes)
	return result
}

// Reads returns how many ReadMemory calls succeeded
func (p *ProcessImage) Reads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reads
}

func (p *ProcessImage) Open(pid process.ProcessID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pid = pid
	p.open = true
	return nil
}

func (p *ProcessImage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.open = false
	return nil
}

func (p *ProcessImage) GetPID() process.ProcessID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *ProcessImage) UpdateMemoryMap() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.open {
		return process.ErrProcessNotOpen
	}
	return nil // the map only changes through MapRegion
}

func (p *ProcessImage) IsValidAddress(addr process.ProcessMemoryAddress) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkInternal(addr, 1) == nil
}

func (p *ProcessImage) GetMemoryMap() ([]memory_map.MemoryMapItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.open {
		return nil, process.ErrProcessNotOpen
	}
	result := make([]memory_map.MemoryMapItem, len(p.mm))
	copy(result, p.mm)
	return result, nil
}

// checkInternal assumes the mutex is held
func (p *ProcessImage) checkInternal(addr process.ProcessMemoryAddress, size int) error {
	if !p.open {
		return process.ErrProcessNotOpen
	}
	if len(p.mm) == 0 {
		return nil
	}
	item := memory_map.Find(uint64(addr), p.mm)
	if item == nil || !item.Contains(uint64(addr), uint(size)) {
		return fmt.Errorf("access at %s (%d bytes): %w", addr, size, process.ErrAddressNotMapped)
	}
	return nil
}

func (p *ProcessImage) ReadMemory(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkInternal(addr, int(size)); err != nil {
		return nil, err
	}
	if p.ReadErr != nil {
		return nil, p.ReadErr
	}

	out := make([]byte, size)
	for i := range out {
		out[i] = p.data[uint64(addr)+uint64(i)]
	}
	p.reads++
	return out, nil
}

func (p *ProcessImage) WriteMemory(addr process.ProcessMemoryAddress, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkInternal(addr, len(data)); err != nil {
		return err
	}
	if p.WriteErr != nil {
		return p.WriteErr
	}

	record := WriteRecord{Address: addr, Data: make([]byte, len(data))}
	copy(record.Data, data)
	p.writes = append(p.writes, record)

	for i, b := range data {
		p.data[uint64(addr)+uint64(i)] = b
	}
	return nil
}
