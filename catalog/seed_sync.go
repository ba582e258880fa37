package catalog

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"procpatch/memory_port"
	"procpatch/patcher"
	"procpatch/process"
	"procpatch/settings"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
)

// SeedWriter is the part of the memory port SeedSync writes through
type SeedWriter interface {
	Write(addr process.ProcessMemoryAddress, v memory_port.Value) error
}

// SyncDebounce is how long settings must stay unchanged before SeedSync
// touches the target
const SyncDebounce = 250 * time.Millisecond

// SeedSync applies or reverts the RNG call site whenever the settings
// change while connected.
type SeedSync struct {
	mem  SeedWriter
	ctrl *patcher.Controller
	log  *logger.Logger

	sched   patcher.Scheduler
	delay   time.Duration
	pending uint64

	// Random produces seeds in RngRandom mode
	Random func() int32

	// last holds the seed most recently written, for status output
	last    int32
	written bool

	mu sync.Mutex
}

// NewSeedSync creates a SeedSync. Register it with Attach.
func NewSeedSync(mem SeedWriter, ctrl *patcher.Controller) *SeedSync {
	return &SeedSync{
		mem:    mem,
		ctrl:   ctrl,
		log:    logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "rng")),
		Random: rand.Int32,
	}
}

// Debounce makes Attach coalesce changes: only the last snapshot of a burst
// is synced, once delay has passed without another change
func (ss *SeedSync) Debounce(sched patcher.Scheduler, delay time.Duration) {
	ss.sched = sched
	ss.delay = delay
}

// Attach subscribes to s. Setters of s must then be called from the
// goroutine that owns the target I/O.
func (ss *SeedSync) Attach(s *settings.Settings) {
	s.OnChange(func(snap settings.Snapshot) {
		if ss.sched == nil || ss.delay <= 0 {
			ss.syncLogged(snap)
			return
		}

		ss.pending++
		pending := ss.pending
		ss.sched.After(ss.delay, func() {
			if pending != ss.pending {
				return
			}
			ss.syncLogged(snap)
		})
	})
}

func (ss *SeedSync) syncLogged(snap settings.Snapshot) {
	if err := ss.Sync(snap); err != nil {
		ss.log.Warn("rng sync: ", err)
	}
}

// LastSeed returns the seed most recently written to the target
func (ss *SeedSync) LastSeed() (int32, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.last, ss.written
}

// Sync brings the target in line with snap. It does nothing while
// disconnected.
func (ss *SeedSync) Sync(snap settings.Snapshot) error {
	if !snap.Connected {
		return nil
	}

	if !snap.RNG.Inject {
		ss.log.Infoln("no rng seed injected")
		return ss.ctrl.Revert(RngSeedCall)
	}

	seed, ok, err := ss.seedFor(snap.RNG)
	if err != nil {
		return err
	}
	if ok {
		at, err := ss.ctrl.Symbol(SymRngSeedValue)
		if err != nil {
			return err
		}
		if err := ss.mem.Write(at, memory_port.Int(seed)); err != nil {
			return fmt.Errorf("write seed: %w", err)
		}
		ss.mu.Lock()
		ss.last, ss.written = seed, true
		ss.mu.Unlock()
		ss.log.Infoln(snap.RNG.Mode, "seed mode active, seed:", seed)
	}

	_, err = ss.ctrl.Apply(RngSeedCall)
	return err
}

// seedFor picks the seed for rng; ok is false when nothing should be written
func (ss *SeedSync) seedFor(rng settings.RNG) (int32, bool, error) {
	switch rng.Mode {
	case settings.RngSet:
		if rng.Seed == "" {
			return 0, false, nil
		}
		n, err := strconv.ParseInt(rng.Seed, 0, 32)
		if err != nil {
			return 0, false, fmt.Errorf("seed %q: %w", rng.Seed, err)
		}
		return int32(n), true, nil
	case settings.RngRandom:
		return ss.Random(), true, nil
	}
	return 0, false, nil
}
