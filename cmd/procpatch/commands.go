package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"procpatch/catalog"
	"procpatch/config"
	"procpatch/hexdump"
	"procpatch/memory_port"
	"procpatch/opcode"
	"procpatch/patcher"
	"procpatch/process"
	"procpatch/process_blob"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// helperFunc and openFunc are the platform backend, swapped out in tests
type (
	helperFunc func() process.ProcessHelper
	openFunc   func(pid process.ProcessID) (process.Process, error)
)

type cli struct {
	fs         afero.Fs
	newHelper  helperFunc
	openPID    openFunc
	configPath string

	// rng overrides for watch
	inject bool
	mode   string
	seed   string

	pid      int
	typeName string
}

func newRootCommand(fs afero.Fs, newHelper helperFunc, openPID openFunc) *cobra.Command {
	c := &cli{fs: fs, newHelper: newHelper, openPID: openPID}

	root := &cobra.Command{
		Use:           "procpatch",
		Short:         "Attaches to a running game and applies runtime patches.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "YAML config file (defaults are used when empty).")

	watch := &cobra.Command{
		Use:   "watch",
		Short: "Wait for the game, patch it on every start and keep the RNG patch in sync.",
		Args:  cobra.NoArgs,
		RunE:  c.runWatch,
	}
	addRNGFlags(watch.Flags(), c)

	ps := &cobra.Command{
		Use:   "ps",
		Short: "List running processes matching the configured names.",
		Args:  cobra.NoArgs,
		RunE:  c.runPs,
	}

	read := &cobra.Command{
		Use:   "read addr [length]",
		Short: "Read a typed value from a process.",
		Long: `Read a typed value from a process.

Types are byte, sbyte, short, ushort, int, uint, double and buffer. Buffers need a
length and are printed as a hexdump.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: c.runRead,
	}
	addTargetFlags(read.Flags(), c)

	write := &cobra.Command{
		Use:   "write addr value",
		Short: "Write a typed value to a process. Buffers are given as hex.",
		Args:  cobra.ExactArgs(2),
		RunE:  c.runWrite,
	}
	addTargetFlags(write.Flags(), c)

	plan := &cobra.Command{
		Use:   "plan",
		Short: "Show the bytes every patch would write, without writing them.",
		Long: `Builds the patch catalog and prints a listing and hexdump of each payload.

With --pid the current bytes of that process are read and the dump marks
which bytes the patch would change. Nothing is written.`,
		Args: cobra.NoArgs,
		RunE: c.runPlan,
	}
	plan.Flags().IntVarP(&c.pid, "pid", "p", 0, "Compare against this running process.")

	root.AddCommand(watch, ps, read, write, plan)
	return root
}

func addRNGFlags(fs *pflag.FlagSet, c *cli) {
	fs.BoolVar(&c.inject, "inject", false, "Inject the battle RNG seed.")
	fs.StringVar(&c.mode, "mode", "", "RNG seed mode: random, set or none.")
	fs.StringVar(&c.seed, "seed", "", "Seed for --mode set.")
}

func addTargetFlags(fs *pflag.FlagSet, c *cli) {
	fs.IntVarP(&c.pid, "pid", "p", 0, "Target process ID.")
	fs.StringVarP(&c.typeName, "type", "t", "uint", "Value type.")
}

func (c *cli) loadConfig() (*config.Config, error) {
	if c.configPath == "" {
		return config.Default(), nil
	}
	return config.Load(c.fs, c.configPath)
}

func (c *cli) runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("inject") {
		cfg.RNG.Inject = c.inject
	}
	if flags.Changed("mode") {
		cfg.RNG.Mode = c.mode
	}
	if flags.Changed("seed") {
		cfg.RNG.Seed = c.seed
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	session, err := catalog.NewSession(cfg, c.newHelper())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Waiting for %v (poll every %s)\n", cfg.Attach.ProcessNames, cfg.Attach.PollInterval)
	session.Monitor.OnConnect(func() {
		fmt.Fprintln(cmd.OutOrStdout(), "Status: Connected")
	})
	session.Monitor.OnDisconnect(func() {
		fmt.Fprintln(cmd.OutOrStdout(), "Status: Disconnected")
	})

	if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *cli) runPs(cmd *cobra.Command, _ []string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	helper := c.newHelper()
	out := cmd.OutOrStdout()
	found := 0
	for _, name := range cfg.Attach.ProcessNames {
		procs, err := helper.FindProcessByName(name)
		if err != nil {
			return fmt.Errorf("enumerate processes: %w", err)
		}
		for _, p := range procs {
			fmt.Fprintf(out, "%-8d %-8d %-16s %s\n", p.PID, p.PPID, p.Name, p.Exe)
			found++
		}
	}
	if found == 0 {
		fmt.Fprintf(out, "no process matches %v\n", cfg.Attach.ProcessNames)
	}
	return nil
}

// openTarget opens --pid and returns a port bound to it
func (c *cli) openTarget() (*memory_port.Port, func(), error) {
	if c.pid <= 0 {
		return nil, nil, errors.New("--pid is required")
	}
	proc, err := c.openPID(process.ProcessID(c.pid))
	if err != nil {
		return nil, nil, fmt.Errorf("attach to %d: %w", c.pid, err)
	}
	port := memory_port.New(memory_port.HandleFunc(func() process.Process { return proc }))
	return port, func() { proc.Close() }, nil
}

func parseAddress(s string) (process.ProcessMemoryAddress, error) {
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return process.ProcessMemoryAddress(n), nil
}

func (c *cli) runRead(cmd *cobra.Command, args []string) error {
	typ, err := memory_port.ParseDataType(c.typeName)
	if err != nil {
		return err
	}
	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	length := 0
	if len(args) == 2 {
		if length, err = strconv.Atoi(args[1]); err != nil {
			return fmt.Errorf("invalid length %q", args[1])
		}
	}

	port, closeTarget, err := c.openTarget()
	if err != nil {
		return err
	}
	defer closeTarget()

	v, err := port.Read(addr, typ, length)
	if err != nil {
		return err
	}
	if typ == memory_port.TypeBuffer {
		fmt.Fprint(cmd.OutOrStdout(), hexdump.DumpAt(uint64(addr), v.Encode()))
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s = %s\n", addr, typ, v)
	return nil
}

func (c *cli) runWrite(cmd *cobra.Command, args []string) error {
	typ, err := memory_port.ParseDataType(c.typeName)
	if err != nil {
		return err
	}
	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	v, err := memory_port.ParseValue(typ, args[1])
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", typ, args[1], err)
	}

	port, closeTarget, err := c.openTarget()
	if err != nil {
		return err
	}
	defer closeTarget()

	if err := port.Write(addr, v); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes at %s\n", v.Len(), addr)
	return nil
}

func (c *cli) runPlan(cmd *cobra.Command, _ []string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	patches, err := catalog.Patches(cfg.Patches)
	if err != nil {
		return err
	}

	var live *memory_port.Port
	if c.pid > 0 {
		port, closeTarget, err := c.openTarget()
		if err != nil {
			return err
		}
		defer closeTarget()
		live = port
	}

	// builds only touch the controller's memory for signature and condition
	// checks, which Plan never runs
	image := process_blob.NewProcessImage(0)
	ctrl := patcher.New(
		memory_port.New(memory_port.HandleFunc(func() process.Process { return image })),
		noScheduler{},
		cfg.Patches.RetryDelay)
	if err := ctrl.Register(patches...); err != nil {
		return err
	}
	planned, err := ctrl.Plan()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, p := range planned {
		printPlanned(out, p, live)
	}
	return nil
}

func printPlanned(out io.Writer, p patcher.Planned, live *memory_port.Port) {
	payload := p.Payload.Encode()
	fmt.Fprintf(out, "== %s at %s (%s, %d bytes)\n", p.Name, p.Address, p.Payload.Type(), len(payload))

	if catalog.IsCode(p.Name) {
		fmt.Fprint(out, opcode.New(p.Address).Raw(payload...).Listing())
	} else if p.Payload.Type() != memory_port.TypeBuffer {
		fmt.Fprintf(out, "value %s\n", p.Payload)
	}

	if live == nil {
		fmt.Fprint(out, hexdump.DumpAt(uint64(p.Address), payload))
		fmt.Fprintln(out)
		return
	}

	current, err := live.Read(p.Address, memory_port.TypeBuffer, len(payload))
	if err != nil {
		fmt.Fprintf(out, "cannot read current bytes: %v\n\n", err)
		return
	}
	before := current.Encode()
	fmt.Fprint(out, hexdump.Diff(uint64(p.Address), before, payload))
	fmt.Fprintf(out, "%d of %d bytes would change\n\n", hexdump.Changed(before, payload), len(payload))
}

// noScheduler drops deferred work; plan never applies anything
type noScheduler struct{}

func (noScheduler) After(time.Duration, func()) {}
