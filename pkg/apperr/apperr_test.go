package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("install: %w", Errorf(KindTimeout, "supervise", "%d machines unfinished", 2))

	assert.True(t, errors.Is(err, Timeout))
	assert.False(t, errors.Is(err, Cancelled))
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestErrorUnwrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := New(KindService, "register machines", cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, "register machines: connection refused", err.Error())
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: ExitOK},
		{name: "config", err: Errorf(KindConfig, "load", "bad"), want: ExitConfig},
		{name: "timeout", err: Errorf(KindTimeout, "", "late"), want: ExitRuntime},
		{name: "cancelled context", err: context.Canceled, want: ExitRuntime},
		{name: "plain", err: errors.New("boom"), want: ExitGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestPresent(t *testing.T) {
	err := Errorf(KindProcess, "provision", "machine node-1 failed")
	assert.Contains(t, Present(err), "troubleshooting article: IUT-7")

	cancelled := Errorf(KindCancelled, "", "terminated by the user")
	assert.Equal(t, "terminated by the user", Present(cancelled))
}
