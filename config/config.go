// Package config loads the attach and patch configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"time"

	"procpatch/memory_port"
	"procpatch/settings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Config defines all options that can be set through the config file.
type Config struct {
	Attach  Attach  `yaml:"attach"`
	Patches Patches `yaml:"patches"`
	RNG     RNG     `yaml:"rng"`
}

// Attach controls how the target process is found.
type Attach struct {
	// Candidate process names, tried in order.
	ProcessNames []string `yaml:"process-names"`
	// How often the process list is polled.
	PollInterval time.Duration `yaml:"poll-interval"`
	// Delay before patching when the process is found on the first poll.
	FirstAttachDelay time.Duration `yaml:"first-attach-delay"`
	// Delay before patching on every later attach, so the target can
	// finish its own startup.
	AttachDelay time.Duration `yaml:"attach-delay"`
}

// Addresses is the build specific address table of the target.
type Addresses struct {
	FPSLimiterSet       uint32 `yaml:"fps-limiter-set"`
	FieldFPSValue       uint32 `yaml:"field-fps-value"`
	MenuDrawBusterFn    uint32 `yaml:"menu-draw-buster-fn"`
	MenuDrawBusterAddr  uint32 `yaml:"menu-draw-buster-addr"`
	MenuNewGameAddr     uint32 `yaml:"menu-new-game-addr"`
	MenuSetIsOpenFn     uint32 `yaml:"menu-set-is-open-fn"`
	StoreRngSeed        uint32 `yaml:"store-rng-seed"`
	CustomStartFunction uint32 `yaml:"custom-start-function"`
	BannerTextAddr      uint32 `yaml:"banner-text-addr"`
	DrawText            uint32 `yaml:"draw-text"`
	CurrentModule       uint32 `yaml:"current-module"`
}

// Patches holds the inputs of the patch catalog.
type Patches struct {
	Addresses Addresses `yaml:"addresses"`
	// Banner text already encoded for the target, as hex bytes.
	BannerText string `yaml:"banner-text"`
	// Value of current-module while the field module runs.
	FieldModule uint16 `yaml:"field-module"`
	// Frame rate written to field-fps-value.
	FieldFPS float64 `yaml:"field-fps"`
	// How long a deferred patch waits before checking its condition again.
	RetryDelay time.Duration `yaml:"retry-delay"`
	// Optional unpatched bytes per patch name, as hex. A patch with a
	// signature is only written while its site still holds these bytes.
	Signatures map[string]string `yaml:"signatures,omitempty"`
}

// RNG is the initial seed injection state.
type RNG struct {
	Inject bool   `yaml:"inject"`
	Mode   string `yaml:"mode"`
	Seed   string `yaml:"seed"`
}

// Default returns the configuration for the English 1998 PC release.
func Default() *Config {
	return &Config{
		Attach: Attach{
			ProcessNames:     []string{"ff7.exe", "ff7_en.exe", "ff7_mo.exe", "ff7_bc.exe"},
			PollInterval:     100 * time.Millisecond,
			FirstAttachDelay: 50 * time.Millisecond,
			AttachDelay:      2500 * time.Millisecond,
		},
		Patches: Patches{
			Addresses: Addresses{
				FPSLimiterSet:       0x60E425,
				FieldFPSValue:       0xCFF890,
				MenuDrawBusterFn:    0x721840,
				MenuDrawBusterAddr:  0x7224D7,
				MenuNewGameAddr:     0x7222A4,
				MenuSetIsOpenFn:     0x6CDC09,
				StoreRngSeed:        0x7AE9B0,
				CustomStartFunction: 0x6CCDA5,
				BannerTextAddr:      0x6CCEA5,
				DrawText:            0x6F5B03,
				CurrentModule:       0xCBF9DC,
			},
			// "SpeedSquare is active"
			BannerText:  "33 50 45 45 44 33 51 55 41 52 45 00 49 53 00 41 43 54 49 56 45 ff",
			FieldModule: 1,
			FieldFPS:    30,
			RetryDelay:  500 * time.Millisecond,
		},
		RNG: RNG{
			Mode: string(settings.RngRandom),
		},
	}
}

// Load reads path from fs on top of Default and validates the result.
func Load(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

// Save writes c to path on fs.
func Save(fs afero.Fs, path string, c *Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, path, data, 0o644)
}

// Validate reports the first invalid option.
func (c *Config) Validate() error {
	if len(c.Attach.ProcessNames) == 0 {
		return errors.New("attach.process-names is empty")
	}
	for _, name := range c.Attach.ProcessNames {
		if name == "" {
			return errors.New("attach.process-names contains an empty name")
		}
	}
	if c.Attach.PollInterval <= 0 {
		return errors.New("attach.poll-interval must be positive")
	}
	if c.Attach.FirstAttachDelay < 0 || c.Attach.AttachDelay < 0 {
		return errors.New("attach delays must not be negative")
	}
	if c.Patches.RetryDelay <= 0 {
		return errors.New("patches.retry-delay must be positive")
	}
	if _, err := c.Patches.Banner(); err != nil {
		return fmt.Errorf("patches.banner-text: %w", err)
	}
	for name, sig := range c.Patches.Signatures {
		if b, err := memory_port.ParseHex(sig); err != nil || len(b) == 0 {
			return fmt.Errorf("patches.signatures.%s: invalid hex %q", name, sig)
		}
	}
	if _, err := c.RNG.Settings(); err != nil {
		return fmt.Errorf("rng: %w", err)
	}
	return nil
}

// Banner decodes BannerText.
func (p Patches) Banner() ([]byte, error) {
	b, err := memory_port.ParseHex(p.BannerText)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty")
	}
	return b, nil
}

// Settings converts the RNG section to the runtime settings form.
func (r RNG) Settings() (settings.RNG, error) {
	mode, err := settings.ParseRngMode(r.Mode)
	if err != nil {
		return settings.RNG{}, err
	}
	return settings.RNG{Inject: r.Inject, Mode: mode, Seed: r.Seed}, nil
}
