package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iut/pkg/apperr"
	"iut/pkg/platform"
	"iut/services/installer/internal/config"
)

func execute(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := a.execute(context.Background(), cmd)
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, &app{}, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestUnknownFlagIsArgumentError(t *testing.T) {
	_, err := execute(t, &app{}, "install", "--no-such-flag")
	require.Error(t, err)
	assert.Equal(t, apperr.ExitArgument, apperr.ExitCode(err))
}

func TestMissingPlatformIsFileError(t *testing.T) {
	a := &app{cfg: config.Config{PlatformPath: "/nonexistent/platform.yml"}}
	_, err := execute(t, a, "wait")
	require.Error(t, err)
	assert.Equal(t, apperr.ExitFileOpen, apperr.ExitCode(err))
}

func TestHistoryNeedsDSN(t *testing.T) {
	_, err := execute(t, &app{}, "history")
	assert.Equal(t, apperr.KindArgument, apperr.KindOf(err))
}

func TestFailedCommandReleasesTelemetry(t *testing.T) {
	a := &app{}
	_, err := execute(t, a, "history")
	require.Error(t, err)
	require.NotNil(t, a.tel, "telemetry is set up before the command runs")
	assert.Nil(t, a.flush, "telemetry was not flushed after the failure")
}

func TestResolveImageURLOverride(t *testing.T) {
	url, err := resolveImageURL(config.Config{ImageURL: "https://mirror/img"}, &platform.Config{})
	require.NoError(t, err)
	assert.Equal(t, "https://mirror/img", url)
}

func TestResolveImageURLRejectsInvalidOverride(t *testing.T) {
	for _, raw := range []string{"foo", "ftp://mirror/img", "https:///img"} {
		_, err := resolveImageURL(config.Config{ImageURL: raw}, &platform.Config{})
		assert.Equal(t, apperr.KindArgument, apperr.KindOf(err), raw)
	}
}

func TestResolveImageURLFromLoopback(t *testing.T) {
	url, err := resolveImageURL(config.Config{Profile: "edge"}, &platform.Config{AdminInterface: "lo"})
	require.NoError(t, err)
	assert.Equal(t, "https://127.0.0.1/usb/edge/uos-efi.img", url)
}

func TestResolveImageURLUnknownInterface(t *testing.T) {
	_, err := resolveImageURL(config.Config{AdminInterface: "nope0"}, &platform.Config{})
	assert.Equal(t, apperr.KindConfig, apperr.KindOf(err))
}
