// Package patcher applies a catalog of named patches to the attached
// process exactly once per attach cycle, and reverts the reversible ones
// on request.
package patcher

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"procpatch/memory_port"
	"procpatch/process"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
)

// Status is the outcome of applying one patch
type Status int

const (
	StatusFailed Status = iota
	StatusApplied
	StatusSkipped
	StatusDeferred
)

func (s Status) String() string {
	switch s {
	case StatusFailed:
		return "failed"
	case StatusApplied:
		return "applied"
	case StatusSkipped:
		return "skipped"
	case StatusDeferred:
		return "deferred"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Scheduler runs deferred retries on the goroutine that owns the target I/O
type Scheduler interface {
	After(d time.Duration, fn func())
}

// Planned is the payload a patch would write, as computed by Plan
type Planned struct {
	Name    string
	Address process.ProcessMemoryAddress
	Payload memory_port.Value
}

// Controller owns the catalog. Methods must be called from the scheduler's
// goroutine.
type Controller struct {
	mem        Memory
	sched      Scheduler
	retryDelay time.Duration
	log        *logger.Logger

	patches []*Patch
	byName  map[string]*Patch

	// build holds the symbols of the most recent ApplyAll or Plan
	build *BuildContext
	// generation invalidates pending retries when the target goes away
	generation uint64

	mu sync.Mutex
}

// New creates a controller with an empty catalog
func New(mem Memory, sched Scheduler, retryDelay time.Duration) *Controller {
	return &Controller{
		mem:        mem,
		sched:      sched,
		retryDelay: retryDelay,
		log:        logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "patcher")),
		byName:     make(map[string]*Patch),
		build:      newBuildContext(),
	}
}

// Register appends patches to the catalog. Order matters: a patch may only
// look up symbols defined by patches registered before it.
func (c *Controller) Register(patches ...Patch) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range patches {
		p := patches[i]
		if p.Name == "" || p.Build == nil {
			return fmt.Errorf("patch %d: name and build are required", len(c.patches))
		}
		if _, exists := c.byName[p.Name]; exists {
			return fmt.Errorf("patch %q registered twice", p.Name)
		}
		c.patches = append(c.patches, &p)
		c.byName[p.Name] = &p
	}
	return nil
}

// Names lists the catalog in application order
func (c *Controller) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, len(c.patches))
	for i, p := range c.patches {
		names[i] = p.Name
	}
	return names
}

// ApplyAll applies every patch that is not reversible, in catalog order.
// Reversible patches only run their build step so their symbols exist;
// they are applied through Apply when the caller wants them. A failing
// patch does not stop the others, except for ErrUnresolvedDependency.
func (c *Controller) ApplyAll() error {
	c.mu.Lock()
	c.build = newBuildContext()
	patches := append([]*Patch(nil), c.patches...)
	c.mu.Unlock()

	var errs []error
	for _, p := range patches {
		out, err := c.buildPayload(p)
		if err != nil {
			return err
		}
		if p.Reversible {
			continue
		}
		status, err := c.applyBuilt(p, out)
		if err != nil {
			c.log.Warn("patch ", p.Name, ": ", err)
			errs = append(errs, fmt.Errorf("patch %q: %w", p.Name, err))
			continue
		}
		c.log.Debugln("patch", p.Name, status)
	}
	return errors.Join(errs...)
}

// Apply builds and applies one patch. Symbols it needs must have been
// defined by an earlier ApplyAll or Plan.
func (c *Controller) Apply(name string) (Status, error) {
	p, err := c.lookup(name)
	if err != nil {
		return StatusFailed, err
	}
	out, err := c.buildPayload(p)
	if err != nil {
		return StatusFailed, err
	}
	return c.applyBuilt(p, out)
}

// Revert rolls back the transaction a reversible patch was written in. A
// patch found in place without a transaction, left by an earlier attach,
// is reverted by writing its signature back. Reverting a patch that is not
// applied does nothing.
func (c *Controller) Revert(name string) error {
	p, err := c.lookup(name)
	if err != nil {
		return err
	}
	if !p.Reversible {
		return fmt.Errorf("patch %q is not reversible", name)
	}
	if _, ok := c.mem.Journal(p.Name); ok {
		if err := c.mem.RollbackTransaction(p.Name); err != nil {
			return fmt.Errorf("revert %q: %w", name, err)
		}
		return nil
	}
	if err := c.restoreSignature(p); err != nil {
		return fmt.Errorf("revert %q: %w", name, err)
	}
	return nil
}

// restoreSignature writes the unpatched value back when the site holds the
// patch's payload
func (c *Controller) restoreSignature(p *Patch) error {
	if p.Signature == nil {
		return nil
	}
	out, err := c.buildPayload(p)
	if err != nil {
		return err
	}
	present, err := c.holdsPayload(p, out)
	if err != nil || !present {
		return err
	}
	if active, ok := c.mem.Active(); ok {
		return fmt.Errorf("%w: %q is still open", ErrTransactionBusy, active)
	}
	if err := c.mem.Write(p.Signature.Address, p.Signature.Expected); err != nil {
		return err
	}
	c.log.Infoln("restored", p.Name, "at", p.Signature.Address, "without a transaction")
	return nil
}

// Reapply reverts a reversible patch and applies it again with a freshly
// built payload
func (c *Controller) Reapply(name string) (Status, error) {
	if err := c.Revert(name); err != nil {
		return StatusFailed, err
	}
	return c.Apply(name)
}

// Symbol returns an address defined by a build step
func (c *Controller) Symbol(name string) (process.ProcessMemoryAddress, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.build.Lookup(name)
}

// Plan runs every build step without touching the target
func (c *Controller) Plan() ([]Planned, error) {
	c.mu.Lock()
	c.build = newBuildContext()
	patches := append([]*Patch(nil), c.patches...)
	c.mu.Unlock()

	var result []Planned
	for _, p := range patches {
		out, err := c.buildPayload(p)
		if err != nil {
			return nil, err
		}
		result = append(result, Planned{Name: p.Name, Address: p.Address, Payload: out.payload})
	}
	return result, nil
}

// Reset drops pending retries and symbols. Call it when the target detaches.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	c.build = newBuildContext()
}

func (c *Controller) lookup(name string) (*Patch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPatch, name)
	}
	return p, nil
}

// built is the output of one build step
type built struct {
	payload  memory_port.Value
	preserve []span
}

func (c *Controller) buildPayload(p *Patch) (built, error) {
	c.mu.Lock()
	b := c.build
	c.mu.Unlock()

	b.preserve = nil
	payload, err := p.Build(b)
	preserve := b.preserve
	b.preserve = nil
	if err != nil {
		return built{}, fmt.Errorf("build %q: %w", p.Name, err)
	}
	if payload.Len() == 0 {
		return built{}, fmt.Errorf("build %q: empty payload", p.Name)
	}
	return built{payload: payload, preserve: preserve}, nil
}

// applyBuilt checks the condition and signature and writes the payload
func (c *Controller) applyBuilt(p *Patch, out built) (Status, error) {
	if p.Condition != nil {
		ok, err := p.Condition(c.mem)
		if err != nil {
			return StatusFailed, fmt.Errorf("condition: %w", err)
		}
		if !ok {
			c.deferPatch(p, out)
			return StatusDeferred, nil
		}
	}

	applied, err := c.isApplied(p, out)
	if err != nil {
		return StatusFailed, err
	}
	if applied {
		return StatusSkipped, nil
	}

	payload := out.payload
	if p.Reversible {
		if active, ok := c.mem.Active(); ok && active != p.Name {
			return StatusFailed, fmt.Errorf("%w: %q is still open", ErrTransactionBusy, active)
		}
		c.mem.StartTransaction(p.Name)
		if err := c.mem.Write(p.Address, payload); err != nil {
			// the transaction stays open; Revert rolls back what was journaled
			return StatusFailed, err
		}
		c.mem.StopTransaction()
	} else if err := c.mem.Write(p.Address, payload); err != nil {
		return StatusFailed, err
	}

	c.log.Infoln("applied", p.Name, "at", p.Address, "bytes", payload.Len())
	return StatusApplied, nil
}

// isApplied reports whether the site no longer holds its unpatched form
func (c *Controller) isApplied(p *Patch, out built) (bool, error) {
	if p.Signature != nil {
		err := p.Signature.Check(c.mem)
		if errors.Is(err, ErrSignatureMismatch) {
			c.log.Debugln("skip", p.Name+":", err)
			return true, nil
		}
		return false, err
	}
	return c.holdsPayload(p, out)
}

// holdsPayload compares the site with the payload, skipping preserved bytes
func (c *Controller) holdsPayload(p *Patch, out built) (bool, error) {
	current, err := c.mem.Read(p.Address, out.payload.Type(), out.payload.Len())
	if err != nil {
		return false, err
	}
	if len(out.preserve) == 0 {
		return current.Equal(out.payload), nil
	}

	have, want := current.Encode(), out.payload.Encode()
	for i := range want {
		at := p.Address + process.ProcessMemoryAddress(i)
		if preserved(out.preserve, at) {
			continue
		}
		if have[i] != want[i] {
			return false, nil
		}
	}
	return true, nil
}

func preserved(spans []span, addr process.ProcessMemoryAddress) bool {
	for _, s := range spans {
		if s.contains(addr) {
			return true
		}
	}
	return false
}

func (c *Controller) deferPatch(p *Patch, out built) {
	c.mu.Lock()
	generation := c.generation
	c.mu.Unlock()

	c.log.Debugln("deferring", p.Name, "for", c.retryDelay)
	c.sched.After(c.retryDelay, func() {
		c.mu.Lock()
		stale := generation != c.generation
		c.mu.Unlock()
		if stale {
			return
		}

		status, err := c.applyBuilt(p, out)
		if err != nil {
			c.log.Warn("deferred patch ", p.Name, ": ", err)
			return
		}
		if status != StatusDeferred {
			c.log.Debugln("deferred patch", p.Name, status)
		}
	})
}
