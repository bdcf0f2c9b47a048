package installer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iut/pkg/fleet"
)

func machineWithBMC(name string) fleet.Machine {
	return fleet.Machine{
		Name:    name,
		Cluster: "edge",
		BMC:     &fleet.BMC{Address: "10.0.1.1", Username: "root", Password: "s3cr3t"},
	}
}

func TestDriverArgs(t *testing.T) {
	cfg := DriverConfig{Script: DefaultDriverScript, ImageURL: "https://10.0.0.1/usb/p/uos-efi.img", Timeout: DefaultTimeout}

	args, err := cfg.DriverArgs(machineWithBMC("node1"))

	require.NoError(t, err)
	assert.Equal(t, []string{
		"redfish_virtual_media.py",
		"--ip", "10.0.1.1",
		"--user", "root",
		"--password", "s3cr3t",
		"--image-url", "https://10.0.0.1/usb/p/uos-efi.img",
		"--no-logfile",
		"--timeout", "121",
	}, args)

	_, err = cfg.DriverArgs(fleet.Machine{Name: "nobmc", Cluster: "edge"})
	assert.ErrorContains(t, err, "no BMC specification")
}

func TestMaskCommand(t *testing.T) {
	got := MaskCommand("python3", []string{"drv.py", "--password", "s3cr3t", "--user", "a b"})

	assert.Equal(t, `python3 drv.py --password ****** --user "a b"`, got)
	assert.NotContains(t, got, "s3cr3t")
}

func TestLogFileName(t *testing.T) {
	assert.Equal(t, "redfish_virtual_media_edge_node1.log", LogFileName(machineWithBMC("node1")))
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "driver.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newTestLauncher(t *testing.T, script string) (*ExecLauncher, string) {
	t.Helper()
	logDir := t.TempDir()
	logger, _ := test.NewNullLogger()
	l, err := NewExecLauncher(DriverConfig{
		Interpreter: "/bin/sh",
		Script:      script,
		LogDir:      logDir,
		ImageURL:    "https://10.0.0.1/usb/p/uos-efi.img",
		Timeout:     time.Minute,
	}, logger)
	require.NoError(t, err)
	return l, logDir
}

func TestExecLauncherRecordsExitAndLog(t *testing.T) {
	l, logDir := newTestLauncher(t, writeScript(t, `echo "driver $@"; exit 3`))

	proc, err := l.Launch(context.Background(), machineWithBMC("node1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, exited := proc.Exited()
		return exited
	}, 5*time.Second, 10*time.Millisecond)

	code, _ := proc.Exited()
	assert.Equal(t, 3, code)
	assert.Equal(t, filepath.Join(logDir, "redfish_virtual_media_edge_node1.log"), proc.LogPath())

	data, err := os.ReadFile(proc.LogPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "--ip 10.0.1.1")
	assert.Contains(t, string(data), "--timeout 2")

	assert.NoError(t, proc.Signal(StopSignal), "signalling an exited driver is not an error")
	assert.NoError(t, proc.Kill())
}

func TestExecLauncherKill(t *testing.T) {
	l, _ := newTestLauncher(t, writeScript(t, `exec sleep 30`))

	proc, err := l.Launch(context.Background(), machineWithBMC("node1"))
	require.NoError(t, err)
	_, exited := proc.Exited()
	require.False(t, exited)

	require.NoError(t, proc.Kill())

	var code int
	require.Eventually(t, func() bool {
		code, exited = proc.Exited()
		return exited
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, -1, code)
}

func TestExecLauncherRemoveOldLogs(t *testing.T) {
	l, logDir := newTestLauncher(t, writeScript(t, "exit 0"))
	old := filepath.Join(logDir, "redfish_virtual_media_edge_old.log")
	keep := filepath.Join(logDir, "other.log")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(keep, []byte("x"), 0o644))

	require.NoError(t, l.RemoveOldLogs())

	assert.NoFileExists(t, old)
	assert.FileExists(t, keep)
}

func TestExecLauncherRejectsMachineWithoutBMC(t *testing.T) {
	l, _ := newTestLauncher(t, writeScript(t, "exit 0"))

	_, err := l.Launch(context.Background(), fleet.Machine{Name: "x", Cluster: "edge"})

	assert.Error(t, err)
}
