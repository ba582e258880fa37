// Package opcode assembles short runs of 32-bit x86 code anchored at the
// address they will occupy in the target process.
package opcode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"procpatch/process"
)

const (
	opPushImm8  = 0x6A
	opPushImm32 = 0x68
	opCallRel32 = 0xE8
	opJmpRel32  = 0xE9
	opNop       = 0x90

	// opcode byte plus rel32
	relInstructionSize = 5
)

var (
	prologue = []byte{0x55, 0x8B, 0xEC} // push ebp; mov ebp, esp
	epilogue = []byte{0x5D, 0xC3}       // pop ebp; ret
)

// ErrDisplacementRange is recorded when a call or jump target is further than
// a rel32 can reach, or an address does not fit 32 bits
var ErrDisplacementRange = errors.New("displacement out of range")

// Emitter accumulates instruction bytes starting at Start. The buffer only
// grows. The first encoding error sticks and is reported by Err.
type Emitter struct {
	start process.ProcessMemoryAddress
	code  []byte
	err   error
}

// New returns an empty Emitter anchored at start
func New(start process.ProcessMemoryAddress) *Emitter {
	return &Emitter{start: start}
}

// Start returns the anchor address
func (e *Emitter) Start() process.ProcessMemoryAddress {
	return e.start
}

// Offset returns the address the next emitted byte will occupy
func (e *Emitter) Offset() process.ProcessMemoryAddress {
	return e.start + process.ProcessMemoryAddress(len(e.code))
}

// Len returns the number of bytes emitted so far
func (e *Emitter) Len() int {
	return len(e.code)
}

// Err returns the first encoding error, if any
func (e *Emitter) Err() error {
	return e.err
}

// Bytes returns a copy of the accumulated code
func (e *Emitter) Bytes() []byte {
	out := make([]byte, len(e.code))
	copy(out, e.code)
	return out
}

func (e *Emitter) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

// Raw appends bytes verbatim
func (e *Emitter) Raw(b ...byte) *Emitter {
	e.code = append(e.code, b...)
	return e
}

// Nops appends n single byte NOPs
func (e *Emitter) Nops(n int) *Emitter {
	for i := 0; i < n; i++ {
		e.code = append(e.code, opNop)
	}
	return e
}

// Int32 appends a little endian 32-bit value
func (e *Emitter) Int32(v int32) *Emitter {
	e.code = binary.LittleEndian.AppendUint32(e.code, uint32(v))
	return e
}

// Uint32 appends a little endian 32-bit value
func (e *Emitter) Uint32(v uint32) *Emitter {
	e.code = binary.LittleEndian.AppendUint32(e.code, v)
	return e
}

// PushImmediate pushes v. Values up to 255 use the two byte imm8 form,
// everything else the five byte imm32 form.
func (e *Emitter) PushImmediate(v uint32) *Emitter {
	if v <= math.MaxUint8 {
		return e.Raw(opPushImm8, byte(v))
	}
	e.Raw(opPushImm32)
	return e.Uint32(v)
}

// PushSize returns the encoded length of PushImmediate(v)
func PushSize(v uint32) int {
	if v <= math.MaxUint8 {
		return 2
	}
	return 5
}

// Call pushes args last to first, calls dest and, when args were pushed,
// removes them from the stack afterwards (cdecl caller cleanup)
func (e *Emitter) Call(dest process.ProcessMemoryAddress, args ...uint32) *Emitter {
	for i := len(args) - 1; i >= 0; i-- {
		e.PushImmediate(args[i])
	}

	e.relative(opCallRel32, dest)

	if len(args) > 0 {
		e.AddESP(uint32(4 * len(args)))
	}
	return e
}

// Jump emits a near jmp to dest
func (e *Emitter) Jump(dest process.ProcessMemoryAddress) *Emitter {
	return e.relative(opJmpRel32, dest)
}

// AddESP emits add esp, n using the imm8 form when n fits a signed byte
func (e *Emitter) AddESP(n uint32) *Emitter {
	if n <= math.MaxInt8 {
		return e.Raw(0x83, 0xC4, byte(n))
	}
	e.Raw(0x81, 0xC4)
	return e.Uint32(n)
}

// FunctionPrologue emits push ebp; mov ebp, esp
func (e *Emitter) FunctionPrologue() *Emitter {
	return e.Raw(prologue...)
}

// FunctionReturn emits pop ebp; ret
func (e *Emitter) FunctionReturn() *Emitter {
	return e.Raw(epilogue...)
}

// CallPadding emits NOPs covering exactly the bytes Call(dest, args...)
// would take, for blanking out an existing call site
func (e *Emitter) CallPadding(args ...uint32) *Emitter {
	return e.Nops(CallSize(args...))
}

// CallSize returns the encoded length of Call(dest, args...)
func CallSize(args ...uint32) int {
	size := relInstructionSize
	for _, arg := range args {
		size += PushSize(arg)
	}
	if len(args) > 0 {
		if 4*len(args) <= math.MaxInt8 {
			size += 3
		} else {
			size += 6
		}
	}
	return size
}

// relative emits op followed by the rel32 displacement from the start of
// this instruction to dest
func (e *Emitter) relative(op byte, dest process.ProcessMemoryAddress) *Emitter {
	from := e.Offset()
	disp, err := Displacement(from, dest)
	if err != nil {
		e.fail(fmt.Errorf("%02X at %s: %w", op, from, err))
	}
	e.Raw(op)
	return e.Int32(disp)
}

// Displacement returns dest - from - 5, the rel32 of a five byte call or
// jmp located at from
func Displacement(from, dest process.ProcessMemoryAddress) (int32, error) {
	if from > math.MaxUint32 || dest > math.MaxUint32 {
		return 0, fmt.Errorf("%s -> %s: %w", from, dest, ErrDisplacementRange)
	}
	disp := int64(dest) - int64(from) - relInstructionSize
	if disp < math.MinInt32 || disp > math.MaxInt32 {
		return 0, fmt.Errorf("%s -> %s: %w", from, dest, ErrDisplacementRange)
	}
	return int32(disp), nil
}
