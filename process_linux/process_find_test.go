//go:build linux

package process_linux

import (
	"testing"

	"procpatch/process"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProc(t *testing.T, fs afero.Fs, pid, comm, ppid string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, "/proc/"+pid+"/comm", []byte(comm+"\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/proc/"+pid+"/cmdline", []byte(comm+"\x00-windowed\x00"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/proc/"+pid+"/status", []byte("Name:\t"+comm+"\nPPid:\t"+ppid+"\n"), 0644))
}

func testFinder(t *testing.T) *LinuxProcessFinder {
	fs := afero.NewMemMapFs()
	writeProc(t, fs, "900", "ff7_en.exe", "12")
	writeProc(t, fs, "15", "explorer.exe", "1")
	writeProc(t, fs, "300", "ff7_en.exe", "12")
	require.NoError(t, afero.WriteFile(fs, "/proc/uptime", []byte("1.0 1.0"), 0644))
	require.NoError(t, fs.MkdirAll("/proc/self", 0755))

	f := NewProcessFinderFs(fs)
	f.selfPID = -1
	return f
}

func TestFindAllProcessesOrderedByPID(t *testing.T) {
	all, err := testFinder(t).FindAllProcesses()
	require.NoError(t, err)
	require.Len(t, all, 3)

	assert.Equal(t, process.ProcessID(15), all[0].PID)
	assert.Equal(t, process.ProcessID(300), all[1].PID)
	assert.Equal(t, process.ProcessID(900), all[2].PID)
	assert.Equal(t, process.ProcessID(12), all[1].PPID)
	assert.Equal(t, []string{"ff7_en.exe", "-windowed"}, all[1].Cmdline)
}

func TestFindProcessByName(t *testing.T) {
	f := testFinder(t)

	found, err := f.FindProcessByName("ff7_en.exe")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, process.ProcessID(300), found[0].PID)

	found, err = f.FindProcessByName("ff7.exe")
	require.NoError(t, err)
	assert.Empty(t, found)

	_, err = f.FindProcessByName("")
	assert.Error(t, err)
}

func TestFindProcessByPID(t *testing.T) {
	f := testFinder(t)

	info, err := f.FindProcessByPID(15)
	require.NoError(t, err)
	assert.Equal(t, "explorer.exe", info.Name)

	_, err = f.FindProcessByPID(16)
	assert.ErrorIs(t, err, process.ErrProcessNotFound)
}

func TestFindAllProcessesWithoutProc(t *testing.T) {
	_, err := NewProcessFinderFs(afero.NewMemMapFs()).FindAllProcesses()
	assert.Error(t, err)
}
