// Package process_monitor keeps track of whether the target process is
// running. It polls the process list, owns the handle while attached, runs
// the caller's on-attach sequence and tells observers about transitions.
package process_monitor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"procpatch/process"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
)

// State is the attachment state of the monitor
type State int

const (
	Detached State = iota
	Attached
)

func (s State) String() string {
	switch s {
	case Detached:
		return "detached"
	case Attached:
		return "attached"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Scheduler runs deferred work on the same goroutine as Poll
type Scheduler interface {
	After(d time.Duration, fn func())
}

// AttachFunc runs once per attach cycle, after the attach delay. Returning
// an error suppresses the connect notification for that cycle.
type AttachFunc func(h process.Process) error

// Options configures a Monitor
type Options struct {
	// ProcessNames are tried in order; the first one that opens wins
	ProcessNames []string

	// FirstAttachDelay applies when the very first poll finds the process,
	// AttachDelay to every later attach
	FirstAttachDelay time.Duration
	AttachDelay      time.Duration

	OnAttach AttachFunc
}

// Monitor is the attach/detach state machine. Poll must only be called from
// the scheduler's goroutine.
type Monitor struct {
	helper process.ProcessHelper
	sched  Scheduler
	opts   Options
	log    *logger.Logger

	enabled   bool
	firstPoll bool
	state     State
	handle    process.Process
	identity  process.ProcessInfo
	cycle     uint64

	connectObservers    []func()
	disconnectObservers []func()

	mu sync.Mutex
}

// New creates a stopped, detached monitor
func New(helper process.ProcessHelper, sched Scheduler, opts Options) *Monitor {
	return &Monitor{
		helper:    helper,
		sched:     sched,
		opts:      opts,
		log:       logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "monitor")),
		firstPoll: true,
	}
}

// Start enables attach attempts on the following polls
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

// Stop disables new attach attempts. An attached process is still watched
// for disappearance, and an already scheduled on-attach sequence still runs.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// IsRunning reports whether the monitor is attached
func (m *Monitor) IsRunning() bool {
	return m.State() == Attached
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Handle returns the attached process, or nil while detached
func (m *Monitor) Handle() process.Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// Identity returns the attached process, if any
func (m *Monitor) Identity() (process.ProcessInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity, m.handle != nil
}

// OnConnect registers fn to run after the on-attach sequence succeeded
func (m *Monitor) OnConnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectObservers = append(m.connectObservers, fn)
}

// OnDisconnect registers fn to run when the attached process goes away
func (m *Monitor) OnDisconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectObservers = append(m.disconnectObservers, fn)
}

// Poll is the monitor's tick
func (m *Monitor) Poll() {
	m.mu.Lock()
	enabled, attached := m.enabled, m.handle != nil
	m.mu.Unlock()

	if attached {
		m.checkPresent()
		return
	}
	if !enabled {
		return
	}

	m.tryAttach()

	m.mu.Lock()
	m.firstPoll = false
	m.mu.Unlock()
}

// tryAttach enumerates processes once and opens the lowest PID of the first
// candidate name that matches
func (m *Monitor) tryAttach() {
	procs, err := m.helper.FindAllProcesses()
	if err != nil {
		m.log.Warn("enumerate processes: ", err)
		return
	}

	for _, name := range m.opts.ProcessNames {
		info, ok := lowestMatch(procs, name)
		if !ok {
			continue
		}

		h, err := m.helper.OpenProcessByPID(info.PID)
		if err != nil {
			if !errors.Is(err, process.ErrProcessNotFound) {
				m.log.Warn("open ", name, " pid ", info.PID, ": ", err)
			}
			continue
		}

		m.mu.Lock()
		m.handle = h
		m.identity = process.ProcessInfo{PID: h.GetPID(), Name: name}
		m.state = Attached
		m.cycle++
		cycle := m.cycle
		delay := m.opts.AttachDelay
		if m.firstPoll {
			delay = m.opts.FirstAttachDelay
		}
		m.mu.Unlock()

		m.log.Infoln("attached to", name, "pid", h.GetPID(), "patching in", delay)
		m.sched.After(delay, func() { m.finishAttach(cycle) })
		return
	}
}

func lowestMatch(procs []process.ProcessInfo, name string) (process.ProcessInfo, bool) {
	var best process.ProcessInfo
	found := false
	for _, p := range procs {
		if !p.Matches(name) {
			continue
		}
		if !found || p.PID < best.PID {
			best, found = p, true
		}
	}
	return best, found
}

// finishAttach runs the on-attach sequence for cycle and raises connect,
// unless the process went away in the meantime
func (m *Monitor) finishAttach(cycle uint64) {
	m.mu.Lock()
	h := m.handle
	current := m.cycle == cycle && h != nil
	m.mu.Unlock()

	if !current {
		m.log.Debugln("attach cycle", cycle, "ended before patching")
		return
	}

	if m.opts.OnAttach != nil {
		if err := m.opts.OnAttach(h); err != nil {
			m.log.Warn("on-attach sequence failed: ", err)
			return
		}
	}

	m.mu.Lock()
	current = m.cycle == cycle && m.handle != nil
	observers := append([]func(){}, m.connectObservers...)
	m.mu.Unlock()

	if !current {
		return
	}
	m.log.Infoln("connected")
	for _, fn := range observers {
		fn()
	}
}

// checkPresent re-enumerates processes and detaches when the attached PID is gone
func (m *Monitor) checkPresent() {
	m.mu.Lock()
	identity := m.identity
	m.mu.Unlock()

	procs, err := m.helper.FindProcessByName(identity.Name)
	if err != nil {
		m.log.Warn("enumerate processes: ", err)
		return
	}
	for _, p := range procs {
		if p.PID == identity.PID {
			return
		}
	}

	m.detach()
}

func (m *Monitor) detach() {
	m.mu.Lock()
	h := m.handle
	identity := m.identity
	m.handle = nil
	m.identity = process.ProcessInfo{}
	m.state = Detached
	observers := append([]func(){}, m.disconnectObservers...)
	m.mu.Unlock()

	if err := h.Close(); err != nil {
		m.log.Debugln("close handle:", err)
	}
	m.log.Infoln("lost", identity.Name, "pid", identity.PID)
	for _, fn := range observers {
		fn()
	}
}
