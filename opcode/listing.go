package opcode

import (
	"fmt"
	"strings"

	"procpatch/process"

	"golang.org/x/arch/x86/x86asm"
)

// Instruction is one decoded instruction of an emitted payload
type Instruction struct {
	Address process.ProcessMemoryAddress
	Bytes   []byte
	x86asm.Inst
}

func (inst Instruction) String() string {
	return fmt.Sprintf(
		"0x%08x: %-15x %s",
		uint64(inst.Address),
		inst.Bytes,
		x86asm.IntelSyntax(inst.Inst, uint64(inst.Address), nil))
}

// Decode disassembles code as 32-bit instructions located at start. Bytes
// that do not decode (embedded data) are returned as single byte entries
// with a zero Op.
func Decode(start process.ProcessMemoryAddress, code []byte) []Instruction {
	var result []Instruction

	address := start
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 32)
		if err != nil || inst.Len == 0 {
			result = append(result, Instruction{Address: address, Bytes: code[:1]})
			code = code[1:]
			address++
			continue
		}

		result = append(result, Instruction{
			Address: address,
			Bytes:   code[:inst.Len],
			Inst:    inst,
		})
		code = code[inst.Len:]
		address += process.ProcessMemoryAddress(inst.Len)
	}

	return result
}

// Listing renders the emitter's code one instruction per line
func (e *Emitter) Listing() string {
	var sb strings.Builder
	for _, inst := range Decode(e.start, e.code) {
		if inst.Op == 0 {
			fmt.Fprintf(&sb, "0x%08x: %-15x db 0x%02x\n", uint64(inst.Address), inst.Bytes, inst.Bytes[0])
			continue
		}
		sb.WriteString(inst.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
