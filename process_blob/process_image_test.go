package process_blob

import (
	"errors"
	"testing"

	"procpatch/process"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlatImageReadsZeroes(t *testing.T) {
	img := NewProcessImage(10)

	data, err := img.ReadMemory(0x400000, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, data)
	assert.Equal(t, 1, img.Reads())
}

func TestMappedImageRejectsOutsideAccess(t *testing.T) {
	img := NewProcessImage(10)
	img.MapRegion(0x1000, 0x10, "rw-p")

	require.NoError(t, img.WriteMemory(0x100c, []byte{1, 2, 3, 4}))
	assert.ErrorIs(t, img.WriteMemory(0x100e, []byte{1, 2, 3, 4}), process.ErrAddressNotMapped)

	_, err := img.ReadMemory(0x2000, 1)
	assert.ErrorIs(t, err, process.ErrAddressNotMapped)
	assert.True(t, img.IsValidAddress(0x1000))
	assert.False(t, img.IsValidAddress(0x1010))
}

func TestWritesAreRecorded(t *testing.T) {
	img := NewProcessImage(10)
	img.Load(0x10, []byte{0xAA})

	buf := []byte{0x34, 0x12}
	require.NoError(t, img.WriteMemory(0x10, buf))
	buf[0] = 0

	writes := img.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, process.ProcessMemoryAddress(0x10), writes[0].Address)
	assert.Equal(t, []byte{0x34, 0x12}, writes[0].Data)
	assert.Equal(t, []byte{0x34, 0x12}, img.Bytes(0x10, 2))
}

func TestClosedImageAndInjectedErrors(t *testing.T) {
	img := NewProcessImage(10)
	boom := errors.New("boom")

	img.ReadErr = boom
	_, err := img.ReadMemory(0, 1)
	assert.ErrorIs(t, err, boom)

	require.NoError(t, img.Close())
	assert.ErrorIs(t, img.WriteMemory(0, []byte{1}), process.ErrProcessNotOpen)
	_, err = img.GetMemoryMap()
	assert.ErrorIs(t, err, process.ErrProcessNotOpen)
}
