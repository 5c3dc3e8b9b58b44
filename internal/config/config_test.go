package config_test

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/arkforge/dirmirror/internal/config"
)

func setupFs(t *testing.T) afero.Fs {
	t.Helper()

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/origin", 0o777))
	require.NoError(t, fs.MkdirAll("/mirror", 0o777))

	return fs
}

// The required flags parse successfully and unset optional flags receive
// their documented defaults.
func Test_Unit_Parse_RequiredFlags_DefaultsApplied(t *testing.T) {
	t.Parallel()

	fs := setupFs(t)
	args := []string{"dirmirror", "--origin=/origin", "--mirror=/mirror", "--interval=1000", "--maxsize=1024"}

	opts, err := config.Parse(args, fs, &bytes.Buffer{})
	require.NoError(t, err)

	require.Equal(t, "/origin", opts.Origin)
	require.Equal(t, "/mirror", opts.Mirror)
	require.Equal(t, 1000, opts.IntervalMillis)
	require.Equal(t, int64(1024), opts.MaxFileSizeBytes)
	require.Equal(t, 4, opts.BufferKiB)
	require.Equal(t, "info", opts.LogLevel)
}

// A missing required flag is a fatal configuration error.
func Test_Unit_Parse_MissingOrigin_Fails(t *testing.T) {
	t.Parallel()

	fs := setupFs(t)
	args := []string{"dirmirror", "--mirror=/mirror", "--interval=1000", "--maxsize=1024"}

	_, err := config.Parse(args, fs, &bytes.Buffer{})
	require.ErrorIs(t, err, config.ErrOriginMissing)
}

// A non-positive interval is rejected.
func Test_Unit_Parse_NonPositiveInterval_Fails(t *testing.T) {
	t.Parallel()

	fs := setupFs(t)
	args := []string{"dirmirror", "--origin=/origin", "--mirror=/mirror", "--interval=0", "--maxsize=1024"}

	_, err := config.Parse(args, fs, &bytes.Buffer{})
	require.ErrorIs(t, err, config.ErrIntervalInvalid)
}

// A root path that does not exist as a directory is rejected.
func Test_Unit_Parse_OriginNotDirectory_Fails(t *testing.T) {
	t.Parallel()

	fs := setupFs(t)
	require.NoError(t, afero.WriteFile(fs, "/not-a-dir", []byte("x"), 0o666))
	args := []string{"dirmirror", "--origin=/not-a-dir", "--mirror=/mirror", "--interval=1000", "--maxsize=1024"}

	_, err := config.Parse(args, fs, &bytes.Buffer{})
	require.ErrorIs(t, err, config.ErrOriginNotDir)
}

// Explicit CLI flags override the same key supplied via --config.
func Test_Integ_Parse_CLIOverridesYAML(t *testing.T) {
	t.Parallel()

	fs := setupFs(t)
	yaml := "origin: /origin\nmirror: /mirror\ninterval: 500\nmaxsize: 2048\nbuffermultiplier: 8\n"
	require.NoError(t, afero.WriteFile(fs, "/cfg.yaml", []byte(yaml), 0o666))

	args := []string{"dirmirror", "--config=/cfg.yaml", "--interval=1000"}

	opts, err := config.Parse(args, fs, &bytes.Buffer{})
	require.NoError(t, err)

	require.Equal(t, 1000, opts.IntervalMillis) // CLI wins
	require.Equal(t, int64(2048), opts.MaxFileSizeBytes) // from YAML
	require.Equal(t, 8, opts.BufferKiB) // from YAML
}

// An unknown key in the YAML file is rejected (KnownFields strictness).
func Test_Unit_Parse_YAMLUnknownField_Fails(t *testing.T) {
	t.Parallel()

	fs := setupFs(t)
	require.NoError(t, afero.WriteFile(fs, "/cfg.yaml", []byte("bogus: true\n"), 0o666))
	args := []string{"dirmirror", "--origin=/origin", "--mirror=/mirror", "--interval=1000", "--maxsize=1024", "--config=/cfg.yaml"}

	_, err := config.Parse(args, fs, &bytes.Buffer{})
	require.ErrorIs(t, err, config.ErrConfigFileInvalid)
}

// A missing --config file is a fatal error.
func Test_Unit_Parse_ConfigFileMissing_Fails(t *testing.T) {
	t.Parallel()

	fs := setupFs(t)
	args := []string{"dirmirror", "--origin=/origin", "--mirror=/mirror", "--interval=1000", "--maxsize=1024", "--config=/nope.yaml"}

	_, err := config.Parse(args, fs, &bytes.Buffer{})
	require.ErrorIs(t, err, config.ErrConfigFileMissing)
}

// An invalid --log-level is rejected.
func Test_Unit_Parse_InvalidLogLevel_Fails(t *testing.T) {
	t.Parallel()

	fs := setupFs(t)
	args := []string{"dirmirror", "--origin=/origin", "--mirror=/mirror", "--interval=1000", "--maxsize=1024", "--log-level=verbose"}

	_, err := config.Parse(args, fs, &bytes.Buffer{})
	require.ErrorIs(t, err, config.ErrLogLevelInvalid)
}
