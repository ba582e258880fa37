package config

import (
	"testing"
	"time"

	"procpatch/settings"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	banner, err := c.Patches.Banner()
	require.NoError(t, err)
	assert.Len(t, banner, 22)
	assert.Equal(t, byte(0xff), banner[len(banner)-1])
}

func TestLoadOverridesDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/procpatch.yml", []byte(`
attach:
  process-names: [ff7.exe]
  attach-delay: 1s
patches:
  addresses:
    menu-new-game-addr: 0x7222A8
  field-fps: 60
rng:
  inject: true
  mode: set
  seed: "1234"
`), 0o644))

	c, err := Load(fs, "/etc/procpatch.yml")
	require.NoError(t, err)

	assert.Equal(t, []string{"ff7.exe"}, c.Attach.ProcessNames)
	assert.Equal(t, time.Second, c.Attach.AttachDelay)
	assert.Equal(t, 100*time.Millisecond, c.Attach.PollInterval)
	assert.Equal(t, uint32(0x7222A8), c.Patches.Addresses.MenuNewGameAddr)
	assert.Equal(t, uint32(0x7AE9B0), c.Patches.Addresses.StoreRngSeed)
	assert.Equal(t, 60.0, c.Patches.FieldFPS)

	rng, err := c.RNG.Settings()
	require.NoError(t, err)
	assert.Equal(t, settings.RNG{Inject: true, Mode: settings.RngSet, Seed: "1234"}, rng)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"no names":     "attach:\n  process-names: []\n",
		"zero poll":    "attach:\n  poll-interval: 0s\n",
		"bad banner":   "patches:\n  banner-text: zz\n",
		"bad rng mode": "rng:\n  mode: fixed\n",
		"not yaml":     "attach: [",
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, "c.yml", []byte(content), 0o644))
			_, err := Load(fs, "c.yml")
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(afero.NewMemMapFs(), "missing.yml")
	assert.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := Default()
	c.RNG.Inject = true
	require.NoError(t, Save(fs, "out.yml", c))

	loaded, err := Load(fs, "out.yml")
	require.NoError(t, err)
	assert.Equal(t, c, loaded)
}
