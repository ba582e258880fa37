// Package settings holds the user facing state that drives reversible
// patches, and notifies observers whenever it changes.
package settings

import (
	"fmt"
	"sync"
)

// RngMode selects where the injected battle RNG seed comes from
type RngMode string

const (
	RngRandom RngMode = "random"
	RngSet    RngMode = "set"
	RngNone   RngMode = "none"
)

// ParseRngMode validates a mode name
func ParseRngMode(s string) (RngMode, error) {
	switch m := RngMode(s); m {
	case RngRandom, RngSet, RngNone:
		return m, nil
	}
	return "", fmt.Errorf("unknown rng mode %q (want random, set or none)", s)
}

// RNG is the seed injection state
type RNG struct {
	Inject bool
	Mode   RngMode
	Seed   string // decimal or 0x-prefixed; only used in RngSet mode
}

// Snapshot is an immutable copy of the settings passed to observers
type Snapshot struct {
	RNG       RNG
	Connected bool
}

// Settings is the shared state. Setters notify observers synchronously,
// in registration order, and only when a value actually changed.
type Settings struct {
	snap      Snapshot
	observers []func(Snapshot)

	mu sync.Mutex
}

// New creates settings with the given initial RNG state, disconnected
func New(rng RNG) *Settings {
	return &Settings{snap: Snapshot{RNG: rng}}
}

// Snapshot returns the current state
func (s *Settings) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// OnChange registers fn to be called after every change
func (s *Settings) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *Settings) SetInject(inject bool) {
	s.update(func(snap *Snapshot) { snap.RNG.Inject = inject })
}

func (s *Settings) SetMode(mode RngMode) {
	s.update(func(snap *Snapshot) { snap.RNG.Mode = mode })
}

func (s *Settings) SetSeed(seed string) {
	s.update(func(snap *Snapshot) { snap.RNG.Seed = seed })
}

// SetRNG replaces the whole RNG group with a single notification
func (s *Settings) SetRNG(rng RNG) {
	s.update(func(snap *Snapshot) { snap.RNG = rng })
}

func (s *Settings) SetConnected(connected bool) {
	s.update(func(snap *Snapshot) { snap.Connected = connected })
}

func (s *Settings) update(mutate func(*Snapshot)) {
	s.mu.Lock()
	before := s.snap
	mutate(&s.snap)
	after := s.snap
	observers := append([]func(Snapshot){}, s.observers...)
	s.mu.Unlock()

	if after == before {
		return
	}
	for _, fn := range observers {
		fn(after)
	}
}
