package process_monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"procpatch/process"
	"procpatch/process_blob"
	"procpatch/scheduler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHelper simulates the OS process list
type fakeHelper struct {
	mu           sync.Mutex
	procs        []process.ProcessInfo
	findErr      error
	openErr      map[process.ProcessID]error
	opened       []process.ProcessID
	enumerations int
}

func (f *fakeHelper) set(procs ...process.ProcessInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs = procs
}

func (f *fakeHelper) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findErr = err
}

func (f *fakeHelper) FindProcessByPID(pid process.ProcessID) (*process.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.procs {
		if p.PID == pid {
			info := p
			return &info, nil
		}
	}
	return nil, process.ErrProcessNotFound
}

func (f *fakeHelper) FindProcessByName(name string) ([]process.ProcessInfo, error) {
	all, err := f.FindAllProcesses()
	if err != nil {
		return nil, err
	}
	var result []process.ProcessInfo
	for _, p := range all {
		if p.Matches(name) {
			result = append(result, p)
		}
	}
	return result, nil
}

func (f *fakeHelper) FindAllProcesses() ([]process.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enumerations++
	if f.findErr != nil {
		return nil, f.findErr
	}
	return append([]process.ProcessInfo(nil), f.procs...), nil
}

func (f *fakeHelper) OpenProcessByName(name string) (process.Process, error) {
	procs, err := f.FindProcessByName(name)
	if err != nil {
		return nil, err
	}
	if len(procs) == 0 {
		return nil, fmt.Errorf("%s: %w", name, process.ErrProcessNotFound)
	}
	return f.OpenProcessByPID(procs[0].PID)
}

func (f *fakeHelper) OpenProcessByPID(pid process.ProcessID) (process.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, pid)
	if err := f.openErr[pid]; err != nil {
		return nil, err
	}
	return process_blob.NewProcessImage(pid), nil
}

func (f *fakeHelper) enumerationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enumerations
}

// manualScheduler records deferred work so tests control when it runs
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

var testNames = []string{"ff7.exe", "ff7_en.exe", "ff7_mo.exe", "ff7_bc.exe"}

func newManual(helper *fakeHelper, onAttach AttachFunc) (*Monitor, *manualScheduler) {
	sched := &manualScheduler{}
	m := New(helper, sched, Options{
		ProcessNames:     testNames,
		FirstAttachDelay: 50 * time.Millisecond,
		AttachDelay:      2500 * time.Millisecond,
		OnAttach:         onAttach,
	})
	return m, sched
}

func TestAttachDetachWithLoop(t *testing.T) {
	helper := &fakeHelper{}
	loop := scheduler.New()

	var attaches, connects, disconnects atomic.Int32
	m := New(helper, loop, Options{
		ProcessNames:     testNames,
		FirstAttachDelay: time.Millisecond,
		AttachDelay:      5 * time.Millisecond,
		OnAttach: func(h process.Process) error {
			attaches.Add(1)
			return nil
		},
	})
	m.OnConnect(func() { connects.Add(1) })
	m.OnDisconnect(func() { disconnects.Add(1) })
	loop.Every(time.Millisecond, m.Poll)
	m.Start()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, m.IsRunning())

	helper.set(process.ProcessInfo{PID: 4242, Name: "ff7_en.exe"})
	require.Eventually(t, func() bool { return connects.Load() == 1 }, time.Second, time.Millisecond)
	assert.True(t, m.IsRunning())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), connects.Load())
	assert.Equal(t, int32(1), attaches.Load())

	helper.set()
	require.Eventually(t, func() bool { return !m.IsRunning() }, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), disconnects.Load())
	assert.Equal(t, int32(1), connects.Load())
}

func TestNoMatchStaysDetached(t *testing.T) {
	helper := &fakeHelper{}
	helper.set(process.ProcessInfo{PID: 1, Name: "init"})
	m, sched := newManual(helper, nil)
	m.Start()

	for i := 0; i < 5; i++ {
		m.Poll()
		assert.False(t, m.IsRunning())
	}
	assert.Empty(t, sched.tasks)
	assert.Nil(t, m.Handle())
}

func TestCandidatesTriedInOrder(t *testing.T) {
	helper := &fakeHelper{}
	helper.set(
		process.ProcessInfo{PID: 5, Name: "ff7_bc.exe"},
		process.ProcessInfo{PID: 30, Name: "ff7_mo.exe"},
		process.ProcessInfo{PID: 10, Name: "ff7_mo.exe"},
	)
	m, _ := newManual(helper, nil)
	m.Start()

	m.Poll()
	require.True(t, m.IsRunning())
	assert.Equal(t, []process.ProcessID{10}, helper.opened)

	info, ok := m.Identity()
	require.True(t, ok)
	assert.Equal(t, process.ProcessID(10), info.PID)
	assert.Equal(t, "ff7_mo.exe", info.Name)
	assert.Equal(t, process.ProcessID(10), m.Handle().GetPID())
}

func TestOneEnumerationPerDetachedPoll(t *testing.T) {
	helper := &fakeHelper{}
	helper.set(process.ProcessInfo{PID: 1, Name: "init"})
	m, _ := newManual(helper, nil)
	m.Start()

	for i := 0; i < 3; i++ {
		m.Poll()
	}
	assert.Equal(t, 3, helper.enumerationCount())
	assert.Empty(t, helper.opened)
}

func TestOpenFailureFallsThroughToNextCandidate(t *testing.T) {
	helper := &fakeHelper{openErr: map[process.ProcessID]error{
		10: errors.New("access denied"),
		20: process.ErrProcessNotFound,
	}}
	helper.set(
		process.ProcessInfo{PID: 10, Name: "ff7.exe"},
		process.ProcessInfo{PID: 20, Name: "ff7_en.exe"},
		process.ProcessInfo{PID: 30, Name: "ff7_bc.exe"},
	)
	m, _ := newManual(helper, nil)
	m.Start()

	m.Poll()
	require.True(t, m.IsRunning())
	assert.Equal(t, []process.ProcessID{10, 20, 30}, helper.opened)
	assert.Equal(t, process.ProcessID(30), m.Handle().GetPID())
}

func TestEnumerationErrorWhileDetached(t *testing.T) {
	helper := &fakeHelper{}
	helper.set(process.ProcessInfo{PID: 10, Name: "ff7.exe"})
	helper.setErr(errors.New("snapshot failed"))
	m, sched := newManual(helper, nil)
	m.Start()

	m.Poll()
	assert.False(t, m.IsRunning())
	assert.Empty(t, helper.opened)
	assert.Empty(t, sched.tasks)
}

func TestConnectWaitsForAttachSequence(t *testing.T) {
	helper := &fakeHelper{}
	helper.set(process.ProcessInfo{PID: 10, Name: "ff7.exe"})

	var patched process.Process
	m, sched := newManual(helper, func(h process.Process) error {
		patched = h
		return nil
	})
	connects := 0
	m.OnConnect(func() { connects++ })
	m.Start()

	m.Poll()
	assert.True(t, m.IsRunning())
	assert.Zero(t, connects)
	assert.Nil(t, patched)

	sched.runAll()
	assert.Equal(t, 1, connects)
	assert.Same(t, m.Handle(), patched)

	m.Poll()
	assert.Empty(t, sched.tasks)
	assert.Equal(t, 1, connects)
}

func TestAttachDelays(t *testing.T) {
	helper := &fakeHelper{}
	helper.set(process.ProcessInfo{PID: 10, Name: "ff7.exe"})
	m, sched := newManual(helper, nil)
	m.Start()

	m.Poll()
	helper.set()
	m.Poll()
	require.False(t, m.IsRunning())

	helper.set(process.ProcessInfo{PID: 11, Name: "ff7.exe"})
	m.Poll()
	require.True(t, m.IsRunning())

	assert.Equal(t, []time.Duration{50 * time.Millisecond, 2500 * time.Millisecond}, sched.delays)
}

func TestLaterAttachUsesLongDelay(t *testing.T) {
	helper := &fakeHelper{}
	m, sched := newManual(helper, nil)
	m.Start()

	m.Poll()
	helper.set(process.ProcessInfo{PID: 10, Name: "ff7.exe"})
	m.Poll()

	assert.Equal(t, []time.Duration{2500 * time.Millisecond}, sched.delays)
}

func TestFailedAttachSequenceSuppressesConnect(t *testing.T) {
	helper := &fakeHelper{}
	helper.set(process.ProcessInfo{PID: 10, Name: "ff7.exe"})
	m, sched := newManual(helper, func(process.Process) error { return errors.New("write failed") })
	connects := 0
	m.OnConnect(func() { connects++ })
	m.Start()

	m.Poll()
	sched.runAll()
	assert.Zero(t, connects)
	assert.True(t, m.IsRunning())
}

func TestDetachBeforeAttachSequence(t *testing.T) {
	helper := &fakeHelper{}
	helper.set(process.ProcessInfo{PID: 10, Name: "ff7.exe"})
	ran := false
	m, sched := newManual(helper, func(process.Process) error {
		ran = true
		return nil
	})
	connects, disconnects := 0, 0
	m.OnConnect(func() { connects++ })
	m.OnDisconnect(func() { disconnects++ })
	m.Start()

	m.Poll()
	helper.set()
	m.Poll()
	sched.runAll()

	assert.False(t, ran)
	assert.Zero(t, connects)
	assert.Equal(t, 1, disconnects)
}

func TestEnumerationErrorIsNotDisconnect(t *testing.T) {
	helper := &fakeHelper{}
	helper.set(process.ProcessInfo{PID: 10, Name: "ff7.exe"})
	m, _ := newManual(helper, nil)
	disconnects := 0
	m.OnDisconnect(func() { disconnects++ })
	m.Start()

	m.Poll()
	helper.setErr(errors.New("snapshot failed"))
	for i := 0; i < 3; i++ {
		m.Poll()
	}
	assert.True(t, m.IsRunning())
	assert.Zero(t, disconnects)

	helper.setErr(nil)
	helper.set()
	m.Poll()
	assert.False(t, m.IsRunning())
	assert.Equal(t, 1, disconnects)
}

func TestRestartedProcessIsNewIdentity(t *testing.T) {
	helper := &fakeHelper{}
	helper.set(process.ProcessInfo{PID: 10, Name: "ff7.exe"})
	m, _ := newManual(helper, nil)
	disconnects := 0
	m.OnDisconnect(func() { disconnects++ })
	m.Start()

	m.Poll()
	helper.set(process.ProcessInfo{PID: 20, Name: "ff7.exe"})
	m.Poll()
	assert.Equal(t, 1, disconnects)
	assert.False(t, m.IsRunning())

	m.Poll()
	assert.True(t, m.IsRunning())
	assert.Equal(t, process.ProcessID(20), m.Handle().GetPID())
}

func TestStopSuppressesAttachOnly(t *testing.T) {
	helper := &fakeHelper{}
	m, _ := newManual(helper, nil)
	disconnects := 0
	m.OnDisconnect(func() { disconnects++ })

	helper.set(process.ProcessInfo{PID: 10, Name: "ff7.exe"})
	m.Poll()
	assert.False(t, m.IsRunning(), "not started")

	m.Start()
	m.Poll()
	require.True(t, m.IsRunning())

	m.Stop()
	helper.set()
	m.Poll()
	assert.False(t, m.IsRunning())
	assert.Equal(t, 1, disconnects)

	helper.set(process.ProcessInfo{PID: 11, Name: "ff7.exe"})
	m.Poll()
	assert.False(t, m.IsRunning())

	m.Start()
	m.Poll()
	assert.True(t, m.IsRunning())
}

func TestObserversRunInOrder(t *testing.T) {
	helper := &fakeHelper{}
	helper.set(process.ProcessInfo{PID: 10, Name: "ff7.exe"})
	m, sched := newManual(helper, nil)

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		m.OnConnect(func() { order = append(order, i) })
	}
	m.Start()
	m.Poll()
	sched.runAll()

	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestDetachClosesHandle(t *testing.T) {
	helper := &fakeHelper{}
	helper.set(process.ProcessInfo{PID: 10, Name: "ff7.exe"})
	m, _ := newManual(helper, nil)
	m.Start()

	m.Poll()
	h := m.Handle()
	require.NotNil(t, h)

	helper.set()
	m.Poll()
	_, err := h.ReadMemory(0x1000, 1)
	assert.ErrorIs(t, err, process.ErrProcessNotOpen)
}
