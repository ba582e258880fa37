// Package catalog defines the concrete patch set and keeps the reversible
// RNG patch in sync with the settings.
package catalog

import (
	"fmt"

	"procpatch/config"
	"procpatch/memory_port"
	"procpatch/opcode"
	"procpatch/patcher"
	"procpatch/process"
)

// Patch names, in application order
const (
	FPSLimiter     = "fps_limiter"
	BannerText     = "banner_text"
	MenuHook       = "menu_hook"
	CustomRoutines = "custom_routines"
	FieldFPS       = "field_fps"
	RngSeedCall    = "rng_seed_call"
)

// Symbols defined by CustomRoutines
const (
	SymRngSeedFn    = "rng_seed_fn"
	SymRngSeedValue = "rng_seed_value"
)

const (
	fpsLimiterLen = 21

	// placeholder argument of store_rng_seed, patched with the real seed
	// at runtime; above 0xFF so the push carries a full imm32
	seedPlaceholder = 2048

	// the routine body starts after the first 3 bytes of the custom area
	routineSkip = 3
)

// DrawText arguments: x, y, text, colour, unknown
var bannerDrawArgs = [...]uint32{10, 13, 0, 6, 0}

func addr(a uint32) process.ProcessMemoryAddress {
	return process.ProcessMemoryAddress(a)
}

// Patches returns the catalog for p in application order
func Patches(p config.Patches) ([]patcher.Patch, error) {
	a := p.Addresses
	banner, err := p.Banner()
	if err != nil {
		return nil, fmt.Errorf("banner text: %w", err)
	}

	patches := []patcher.Patch{
		{
			// drop the code that resets the field frame rate on module init
			Name:    FPSLimiter,
			Address: addr(a.FPSLimiterSet),
			Build: func(*patcher.BuildContext) (memory_port.Value, error) {
				e := opcode.New(addr(a.FPSLimiterSet)).Nops(fpsLimiterLen)
				return memory_port.Buffer(e.Bytes()), e.Err()
			},
		},
		{
			Name:    BannerText,
			Address: addr(a.BannerTextAddr),
			Build: func(*patcher.BuildContext) (memory_port.Value, error) {
				return memory_port.Buffer(banner), nil
			},
		},
		{
			Name:    MenuHook,
			Address: addr(a.MenuDrawBusterFn),
			Build: func(*patcher.BuildContext) (memory_port.Value, error) {
				e := opcode.New(addr(a.MenuDrawBusterFn)).Call(addr(a.CustomStartFunction))
				return memory_port.Buffer(e.Bytes()), e.Err()
			},
		},
		{
			Name:    CustomRoutines,
			Address: addr(a.CustomStartFunction) + routineSkip,
			Build:   buildRoutines(a),
		},
		{
			Name:    FieldFPS,
			Address: addr(a.FieldFPSValue),
			Build: func(*patcher.BuildContext) (memory_port.Value, error) {
				return memory_port.Double(p.FieldFPS), nil
			},
			Condition: patcher.ValueEquals(addr(a.CurrentModule), memory_port.UShort(p.FieldModule)),
		},
		{
			Name:    RngSeedCall,
			Address: addr(a.MenuNewGameAddr),
			Build: func(b *patcher.BuildContext) (memory_port.Value, error) {
				fn, err := b.Lookup(SymRngSeedFn)
				if err != nil {
					return memory_port.Value{}, err
				}
				e := opcode.New(addr(a.MenuNewGameAddr)).Call(fn, 0)
				return memory_port.Buffer(e.Bytes()), e.Err()
			},
			Signature:  rngCallSignature(a),
			Reversible: true,
		},
	}

	for i := range patches {
		hexSig, ok := p.Signatures[patches[i].Name]
		if !ok {
			continue
		}
		sig, err := memory_port.ParseHex(hexSig)
		if err != nil {
			return nil, fmt.Errorf("signature %s: %w", patches[i].Name, err)
		}
		patches[i].Signature = &patcher.Signature{
			Address:  patches[i].Address,
			Expected: memory_port.Buffer(sig),
		}
	}
	return patches, nil
}

// buildRoutines emits the banner draw routine called from the menu hook,
// followed by the routine that stores the RNG seed before opening the menu
func buildRoutines(a config.Addresses) patcher.BuildFunc {
	return func(b *patcher.BuildContext) (memory_port.Value, error) {
		e := opcode.New(addr(a.CustomStartFunction) + routineSkip)

		args := bannerDrawArgs
		args[2] = a.BannerTextAddr
		e.Call(addr(a.DrawText), args[:]...)
		e.Call(addr(a.MenuDrawBusterAddr))
		e.FunctionReturn()

		b.Define(SymRngSeedFn, e.Offset())
		e.FunctionPrologue()
		seedAt := e.Offset() + 1 // imm32 of the push below
		b.Define(SymRngSeedValue, seedAt)
		b.Preserve(seedAt, 4)
		e.Call(addr(a.StoreRngSeed), seedPlaceholder)
		e.Call(addr(a.MenuSetIsOpenFn), 0)
		e.FunctionReturn()

		return memory_port.Buffer(e.Bytes()), e.Err()
	}
}

// rngCallSignature is the stock call site at menu_new_game_addr, which the
// RNG patch redirects to the seed routine
func rngCallSignature(a config.Addresses) *patcher.Signature {
	e := opcode.New(addr(a.MenuNewGameAddr)).Call(addr(a.MenuSetIsOpenFn), 0)
	return &patcher.Signature{
		Address:  addr(a.MenuNewGameAddr),
		Expected: memory_port.Buffer(e.Bytes()),
	}
}

// IsCode reports whether the named patch writes machine code
func IsCode(name string) bool {
	switch name {
	case FPSLimiter, MenuHook, CustomRoutines, RngSeedCall:
		return true
	}
	return false
}
