package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// A fatal configuration error (missing required flag) exits with the
// configuration-failure code and prints a diagnostic to stderr.
func Test_Integ_Run_MissingRequiredFlag_ExitsConfigFailure(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	var stdout, stderr bytes.Buffer

	code := run([]string{"dirmirror", "--mirror=/mirror"}, fs, &stdout, &stderr)

	require.Equal(t, exitCodeConfigFailure, code)
	require.NotEmpty(t, stderr.String())
}

// A valid invocation performs the initial synchronous check before the
// caller's context is canceled, and app.run exits cleanly (no leaked
// goroutine) once it is, returning the success code.
func Test_Integ_App_ValidInvocation_PerformsInitialSyncThenExitsOnCancel(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/origin", 0o777))
	require.NoError(t, fs.MkdirAll("/mirror", 0o777))
	require.NoError(t, afero.WriteFile(fs, "/origin/a.txt", []byte("hi"), 0o666))

	var stdout, stderr bytes.Buffer

	a, err := newApp([]string{
		"dirmirror",
		"--origin=/origin",
		"--mirror=/mirror",
		"--interval=1000000",
		"--maxsize=1024",
	}, fs, &stdout, &stderr)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	code := a.run(ctx)
	require.Equal(t, exitCodeSuccess, code)

	content, err := afero.ReadFile(fs, "/mirror/a.txt")
	require.NoError(t, err)
	require.Equal(t, "hi", string(content))
}

// A scheduler reporting a fatal (security-gate) error exits with the
// security-abort code.
func Test_Unit_App_Run_SchedulerFatalError_ExitsSecurityAbort(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/origin", 0o777))
	require.NoError(t, fs.MkdirAll("/mirror", 0o777))

	var stdout, stderr bytes.Buffer

	a, err := newApp([]string{
		"dirmirror",
		"--origin=/origin",
		"--mirror=/mirror",
		"--interval=1000000",
		"--maxsize=1024",
	}, fs, &stdout, &stderr)
	require.NoError(t, err)

	require.NoError(t, fs.RemoveAll("/origin"))

	code := a.run(context.Background())
	require.Equal(t, exitCodeSecurityAbort, code)
}
