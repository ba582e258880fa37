// Package memory_port provides typed access to the memory of an attached
// process, with named transactions that journal the bytes every write
// replaces so they can be put back later.
package memory_port

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"procpatch/process"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
)

var (
	// ErrInvalidType is returned for a zero or unknown DataType
	ErrInvalidType = errors.New("invalid data type")

	// ErrInvalidLength is returned when a buffer read has no positive length
	ErrInvalidLength = errors.New("buffer length must be at least 1")
)

// HandleSource yields the currently attached process, or nil when detached
type HandleSource interface {
	Handle() process.Process
}

// HandleFunc adapts a function to HandleSource
type HandleFunc func() process.Process

func (f HandleFunc) Handle() process.Process { return f() }

// JournalEntry is the value an address held right before a journaled write
type JournalEntry struct {
	Address process.ProcessMemoryAddress
	Prior   Value
}

type transaction struct {
	name    string
	journal []JournalEntry
}

// Port reads and writes typed values through whatever process its
// HandleSource currently reports.
type Port struct {
	src HandleSource
	log *logger.Logger

	transactions map[string]*transaction
	active       *transaction

	mu sync.Mutex
}

// New creates a port bound to src
func New(src HandleSource) *Port {
	return &Port{
		src:          src,
		log:          logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "memory-port")),
		transactions: make(map[string]*transaction),
	}
}

// Read returns the live value of type t at addr. length is only used for
// TypeBuffer and must be at least 1 there.
func (p *Port) Read(addr process.ProcessMemoryAddress, t DataType, length int) (Value, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readInternal(addr, t, length)
}

// Write stores v at addr. While a transaction is active the current value
// at addr is journaled first; if that read fails nothing is written.
func (p *Port) Write(addr process.ProcessMemoryAddress, v Value) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active != nil {
		prior, err := p.readInternal(addr, v.Type(), v.Len())
		if err != nil {
			return fmt.Errorf("journal %s for %q: %w", addr, p.active.name, err)
		}
		p.active.journal = append(p.active.journal, JournalEntry{Address: addr, Prior: prior})
	}
	return p.writeInternal(addr, v.Encode())
}

// StartTransaction makes name the active transaction. It does nothing when
// a transaction is already active or name already exists.
func (p *Port) StartTransaction(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active != nil {
		p.log.Debugln("transaction", p.active.name, "already active, ignoring start of", name)
		return
	}
	if _, exists := p.transactions[name]; exists {
		p.log.Debugln("transaction", name, "already exists")
		return
	}

	tx := &transaction{name: name}
	p.transactions[name] = tx
	p.active = tx
}

// StopTransaction ends journaling. The transaction stays stored until it is
// rolled back.
func (p *Port) StopTransaction() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = nil
}

// RollbackTransaction restores every byte written under name to the value it
// had before the transaction started, then forgets the transaction. Unknown
// names are ignored. If a restoring write fails the transaction is kept so
// the rollback can be retried.
func (p *Port) RollbackTransaction(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, ok := p.transactions[name]
	if !ok {
		return nil
	}
	if p.src.Handle() == nil {
		return process.ErrProcessNotOpen
	}

	// Oldest entry first. Each entry only restores bytes no older entry has
	// covered, since older entries hold the earlier pre-image.
	covered := make(map[process.ProcessMemoryAddress]bool)
	for _, entry := range tx.journal {
		prior := entry.Prior.Encode()
		for _, run := range uncoveredRuns(entry.Address, len(prior), covered) {
			start := int(run.addr - entry.Address)
			if err := p.writeInternal(run.addr, prior[start:start+run.size]); err != nil {
				return fmt.Errorf("rollback %q at %s: %w", name, run.addr, err)
			}
		}
		for i := range prior {
			covered[entry.Address.Add(process.ProcessMemorySize(i))] = true
		}
	}

	if p.active == tx {
		p.active = nil
	}
	delete(p.transactions, name)
	p.log.Infoln("rolled back", name, "entries", len(tx.journal))
	return nil
}

// Journal returns a copy of the entries recorded under name
func (p *Port) Journal(name string) ([]JournalEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, ok := p.transactions[name]
	if !ok {
		return nil, false
	}
	result := make([]JournalEntry, len(tx.journal))
	copy(result, tx.journal)
	return result, true
}

// Active returns the name of the active transaction
func (p *Port) Active() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active == nil {
		return "", false
	}
	return p.active.name, true
}

// Transactions lists stored transaction names in sorted order
func (p *Port) Transactions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.transactions))
	for name := range p.transactions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset drops every transaction. Journals describe one attach cycle and are
// meaningless once the process they were recorded against is gone.
func (p *Port) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.transactions) > 0 {
		p.log.Infoln("dropping", len(p.transactions), "transactions")
	}
	p.transactions = make(map[string]*transaction)
	p.active = nil
}

// readInternal assumes the mutex is held
func (p *Port) readInternal(addr process.ProcessMemoryAddress, t DataType, length int) (Value, error) {
	size := t.Size()
	if t == TypeBuffer {
		if length < 1 {
			return Value{}, ErrInvalidLength
		}
		size = length
	}
	if size == 0 {
		return Value{}, ErrInvalidType
	}

	h := p.src.Handle()
	if h == nil {
		return Value{}, process.ErrProcessNotOpen
	}
	data, err := h.ReadMemory(addr, process.ProcessMemorySize(size))
	if err != nil {
		return Value{}, fmt.Errorf("read %s at %s: %w", t, addr, err)
	}
	return Decode(t, data)
}

// writeInternal assumes the mutex is held
func (p *Port) writeInternal(addr process.ProcessMemoryAddress, data []byte) error {
	if len(data) == 0 {
		return ErrInvalidLength
	}
	h := p.src.Handle()
	if h == nil {
		return process.ErrProcessNotOpen
	}
	if err := h.WriteMemory(addr, data); err != nil {
		return fmt.Errorf("write %d bytes at %s: %w", len(data), addr, err)
	}
	return nil
}

type byteRun struct {
	addr process.ProcessMemoryAddress
	size int
}

// uncoveredRuns splits [addr, addr+size) into the contiguous runs not yet in covered
func uncoveredRuns(addr process.ProcessMemoryAddress, size int, covered map[process.ProcessMemoryAddress]bool) []byteRun {
	var runs []byteRun
	for i := 0; i < size; i++ {
		at := addr.Add(process.ProcessMemorySize(i))
		if covered[at] {
			continue
		}
		if n := len(runs); n > 0 && runs[n-1].addr.Add(process.ProcessMemorySize(runs[n-1].size)) == at {
			runs[n-1].size++
			continue
		}
		runs = append(runs, byteRun{addr: at, size: 1})
	}
	return runs
}
