package catalog

import (
	"context"

	"procpatch/config"
	"procpatch/memory_port"
	"procpatch/patcher"
	"procpatch/process"
	"procpatch/process_monitor"
	"procpatch/scheduler"
	"procpatch/settings"
)

// Session wires the monitor, memory port, patch controller and settings
// onto one scheduler loop.
type Session struct {
	Loop     *scheduler.Loop
	Monitor  *process_monitor.Monitor
	Port     *memory_port.Port
	Patcher  *patcher.Controller
	Settings *settings.Settings
	Seeds    *SeedSync
}

// NewSession builds a session for cfg that finds processes through helper
func NewSession(cfg *config.Config, helper process.ProcessHelper) (*Session, error) {
	rng, err := cfg.RNG.Settings()
	if err != nil {
		return nil, err
	}
	patches, err := Patches(cfg.Patches)
	if err != nil {
		return nil, err
	}

	s := &Session{
		Loop:     scheduler.New(),
		Settings: settings.New(rng),
	}
	s.Monitor = process_monitor.New(helper, s.Loop, process_monitor.Options{
		ProcessNames:     cfg.Attach.ProcessNames,
		FirstAttachDelay: cfg.Attach.FirstAttachDelay,
		AttachDelay:      cfg.Attach.AttachDelay,
		OnAttach: func(process.Process) error {
			return s.Patcher.ApplyAll()
		},
	})
	s.Port = memory_port.New(s.Monitor)
	s.Patcher = patcher.New(s.Port, s.Loop, cfg.Patches.RetryDelay)
	if err := s.Patcher.Register(patches...); err != nil {
		return nil, err
	}

	s.Seeds = NewSeedSync(s.Port, s.Patcher)
	s.Seeds.Debounce(s.Loop, SyncDebounce)
	s.Seeds.Attach(s.Settings)

	s.Monitor.OnConnect(func() {
		s.Settings.SetConnected(true)
	})
	s.Monitor.OnDisconnect(func() {
		s.Patcher.Reset()
		s.Port.Reset()
		s.Settings.SetConnected(false)
	})
	s.Loop.Every(cfg.Attach.PollInterval, s.Monitor.Poll)
	return s, nil
}

// Run starts monitoring and processes the loop until ctx is done
func (s *Session) Run(ctx context.Context) error {
	s.Monitor.Start()
	return s.Loop.Run(ctx)
}

// UpdateRNG changes the RNG settings from any goroutine
func (s *Session) UpdateRNG(rng settings.RNG) {
	s.Loop.Post(func() { s.Settings.SetRNG(rng) })
}
