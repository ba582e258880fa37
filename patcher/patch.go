package patcher

import (
	"errors"
	"fmt"

	"procpatch/memory_port"
	"procpatch/process"
)

var (
	// ErrSignatureMismatch means the bytes at a patch site are not the
	// expected unpatched ones. Apply treats it as "already applied".
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrUnresolvedDependency means a build step looked up a symbol that no
	// earlier build step defined. The catalog is ordered wrong.
	ErrUnresolvedDependency = errors.New("unresolved dependency")

	// ErrUnknownPatch is returned for names that were never registered
	ErrUnknownPatch = errors.New("unknown patch")

	// ErrTransactionBusy means another patch's transaction is still open, so
	// a reversible write cannot be journaled under its own name
	ErrTransactionBusy = errors.New("transaction busy")
)

// Memory is the typed memory access the controller needs.
// *memory_port.Port implements it.
type Memory interface {
	Read(addr process.ProcessMemoryAddress, t memory_port.DataType, length int) (memory_port.Value, error)
	Write(addr process.ProcessMemoryAddress, v memory_port.Value) error
	StartTransaction(name string)
	StopTransaction()
	RollbackTransaction(name string) error
	Active() (string, bool)
	Journal(name string) ([]memory_port.JournalEntry, bool)
}

// Signature is the value a patch site holds before the patch is applied
type Signature struct {
	Address  process.ProcessMemoryAddress
	Expected memory_port.Value
}

// Check reads the signature and returns ErrSignatureMismatch when the live
// value differs from Expected
func (s Signature) Check(mem Memory) error {
	got, err := mem.Read(s.Address, s.Expected.Type(), s.Expected.Len())
	if err != nil {
		return err
	}
	if !got.Equal(s.Expected) {
		return fmt.Errorf("%w at %s: have %s, want %s", ErrSignatureMismatch, s.Address, got, s.Expected)
	}
	return nil
}

// Condition reports whether the target is in a state where a patch may be
// written. An error stops the patch from being retried.
type Condition func(mem Memory) (bool, error)

// ValueEquals is a Condition that holds while addr contains want
func ValueEquals(addr process.ProcessMemoryAddress, want memory_port.Value) Condition {
	return func(mem Memory) (bool, error) {
		got, err := mem.Read(addr, want.Type(), want.Len())
		if err != nil {
			return false, err
		}
		return got.Equal(want), nil
	}
}

// BuildFunc produces the value written at the patch address. It may define
// symbols for later patches and look up symbols of earlier ones.
type BuildFunc func(b *BuildContext) (memory_port.Value, error)

// Patch is one named modification of the target
type Patch struct {
	Name    string
	Address process.ProcessMemoryAddress
	Build   BuildFunc

	// Signature, when set, gates the write on the unpatched value. Without
	// it the patch is skipped when the site already holds the payload,
	// ignoring bytes its build step preserved.
	Signature *Signature

	// Condition, when set, defers the patch until it holds
	Condition Condition

	// Reversible patches are written inside a transaction named after the
	// patch, so Revert can roll them back. ApplyAll only builds them; the
	// caller decides when to Apply.
	Reversible bool
}

// BuildContext carries symbols between the build steps of one pass
type BuildContext struct {
	symbols map[string]process.ProcessMemoryAddress

	// preserve collects the spans marked by the build step currently running
	preserve []span
}

// span is a byte range of the target
type span struct {
	addr process.ProcessMemoryAddress
	size int
}

func (s span) contains(addr process.ProcessMemoryAddress) bool {
	return addr >= s.addr && addr < s.addr+process.ProcessMemoryAddress(s.size)
}

func newBuildContext() *BuildContext {
	return &BuildContext{symbols: make(map[string]process.ProcessMemoryAddress)}
}

// Define records the address of a symbol
func (b *BuildContext) Define(name string, addr process.ProcessMemoryAddress) {
	b.symbols[name] = addr
}

// Preserve marks size bytes at addr as owned by the running target once the
// patch is written. They are ignored when deciding whether the patch is
// already in place.
func (b *BuildContext) Preserve(addr process.ProcessMemoryAddress, size int) {
	b.preserve = append(b.preserve, span{addr: addr, size: size})
}

// Lookup returns a symbol defined by an earlier build step
func (b *BuildContext) Lookup(name string) (process.ProcessMemoryAddress, error) {
	addr, ok := b.symbols[name]
	if !ok {
		return 0, fmt.Errorf("%w: symbol %q", ErrUnresolvedDependency, name)
	}
	return addr, nil
}

// Symbols returns a copy of the defined symbols
func (b *BuildContext) Symbols() map[string]process.ProcessMemoryAddress {
	result := make(map[string]process.ProcessMemoryAddress, len(b.symbols))
	for k, v := range b.symbols {
		result[k] = v
	}
	return result
}
