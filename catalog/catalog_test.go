package catalog

import (
	"bytes"
	"testing"
	"time"

	"procpatch/config"
	"procpatch/memory_port"
	"procpatch/opcode"
	"procpatch/patcher"
	"procpatch/process"
	"procpatch/process_blob"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

type manualScheduler struct {
	delays []time.Duration
	tasks  []func()
}

func (s *manualScheduler) After(d time.Duration, fn func()) {
	s.delays = append(s.delays, d)
	s.tasks = append(s.tasks, fn)
}

func (s *manualScheduler) runAll() {
	tasks := s.tasks
	s.tasks = nil
	for _, fn := range tasks {
		fn()
	}
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func plan(t *testing.T, cfg *config.Config) (map[string]patcher.Planned, *patcher.Controller) {
	t.Helper()
	patches, err := Patches(cfg.Patches)
	require.NoError(t, err)

	img := process_blob.NewProcessImage(1)
	port := memory_port.New(memory_port.HandleFunc(func() process.Process { return img }))
	c := patcher.New(port, &manualScheduler{}, time.Second)
	require.NoError(t, c.Register(patches...))

	planned, err := c.Plan()
	require.NoError(t, err)

	byName := make(map[string]patcher.Planned)
	var order []string
	for _, p := range planned {
		byName[p.Name] = p
		order = append(order, p.Name)
	}
	assert.Equal(t, []string{FPSLimiter, BannerText, MenuHook, CustomRoutines, FieldFPS, RngSeedCall}, order)
	return byName, c
}

func TestFPSLimiterAndBanner(t *testing.T) {
	cfg := config.Default()
	planned, _ := plan(t, cfg)

	fps := planned[FPSLimiter]
	assert.Equal(t, process.ProcessMemoryAddress(0x60E425), fps.Address)
	assert.Equal(t, bytes.Repeat([]byte{0x90}, 21), fps.Payload.Encode())

	banner, err := cfg.Patches.Banner()
	require.NoError(t, err)
	assert.Equal(t, banner, planned[BannerText].Payload.Encode())
	assert.Equal(t, process.ProcessMemoryAddress(0x6CCEA5), planned[BannerText].Address)

	field := planned[FieldFPS]
	assert.Equal(t, memory_port.TypeDouble, field.Payload.Type())
	assert.Equal(t, 30.0, field.Payload.Float64())
}

func TestMenuHookCallsCustomFunction(t *testing.T) {
	planned, _ := plan(t, config.Default())

	hook := planned[MenuHook]
	disp := int32(0x6CCDA5 - 0x721840 - 5)
	assert.Equal(t, append([]byte{0xE8}, le32(uint32(disp))...), hook.Payload.Encode())
}

func TestCustomRoutines(t *testing.T) {
	planned, c := plan(t, config.Default())

	routines := planned[CustomRoutines]
	require.Equal(t, process.ProcessMemoryAddress(0x6CCDA8), routines.Address)

	insts := opcode.Decode(routines.Address, routines.Payload.Encode())
	var ops []x86asm.Op
	for _, inst := range insts {
		ops = append(ops, inst.Op)
	}
	assert.Equal(t, []x86asm.Op{
		// banner
		x86asm.PUSH, x86asm.PUSH, x86asm.PUSH, x86asm.PUSH, x86asm.PUSH,
		x86asm.CALL, x86asm.ADD, x86asm.CALL, x86asm.POP, x86asm.RET,
		// seed routine
		x86asm.PUSH, x86asm.MOV,
		x86asm.PUSH, x86asm.CALL, x86asm.ADD,
		x86asm.PUSH, x86asm.CALL, x86asm.ADD,
		x86asm.POP, x86asm.RET,
	}, ops)

	// DrawText(10, 13, text, 6, 0)
	assert.Equal(t, x86asm.Imm(0x6CCEA5), insts[2].Args[0])
	assert.Equal(t, x86asm.Imm(10), insts[4].Args[0])

	callTarget := func(inst opcode.Instruction) uint32 {
		rel := inst.Args[0].(x86asm.Rel)
		return uint32(int64(inst.Address) + int64(inst.Len) + int64(rel))
	}
	assert.Equal(t, uint32(0x6F5B03), callTarget(insts[5]))
	assert.Equal(t, uint32(0x7224D7), callTarget(insts[7]))
	assert.Equal(t, uint32(0x7AE9B0), callTarget(insts[13]))
	assert.Equal(t, uint32(0x6CDC09), callTarget(insts[16]))

	fn, err := c.Symbol(SymRngSeedFn)
	require.NoError(t, err)
	assert.Equal(t, insts[10].Address, fn)

	value, err := c.Symbol(SymRngSeedValue)
	require.NoError(t, err)
	assert.Equal(t, insts[12].Address+1, value)

	off := int(value - routines.Address)
	assert.Equal(t, le32(2048), routines.Payload.Encode()[off:off+4])
}

func TestRngSeedCall(t *testing.T) {
	planned, c := plan(t, config.Default())

	fn, err := c.Symbol(SymRngSeedFn)
	require.NoError(t, err)

	call := planned[RngSeedCall]
	want := opcode.New(0x7222A4).Call(fn, 0).Bytes()
	assert.Equal(t, want, call.Payload.Encode())
	assert.Equal(t, []byte{0x6A, 0x00, 0xE8}, want[:3])
	assert.Equal(t, []byte{0x83, 0xC4, 0x04}, want[7:])
}

func TestConfiguredSignatures(t *testing.T) {
	cfg := config.Default()
	cfg.Patches.Signatures = map[string]string{MenuHook: "e8 c1 fa ff ff"}

	patches, err := Patches(cfg.Patches)
	require.NoError(t, err)
	for _, p := range patches {
		switch p.Name {
		case MenuHook:
			require.NotNil(t, p.Signature)
			assert.Equal(t, []byte{0xe8, 0xc1, 0xfa, 0xff, 0xff}, p.Signature.Expected.Encode())
		case RngSeedCall:
			require.NotNil(t, p.Signature)
			assert.True(t, p.Reversible)
		default:
			assert.Nil(t, p.Signature, p.Name)
		}
	}
}
