package batch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// submitFakeRunner is a scripted CommandRunner for submit.go tests.
type submitFakeRunner struct {
	runStdout, runStderr string
	runErr               error

	bgPID int
	bgErr error
}

func (f *submitFakeRunner) Run(name string, args ...string) (string, string, error) {
	return f.runStdout, f.runStderr, f.runErr
}
func (f *submitFakeRunner) RunShell(command string) (string, string, error) { return "", "", nil }
func (f *submitFakeRunner) RunShellBackground(command string) (int, error) {
	return f.bgPID, f.bgErr
}

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })
	return dir
}

func TestSubmitNormalModeWritesJobAndExtractsID(t *testing.T) {
	chdirTemp(t)
	a := newSlurm(Config{})
	runner := &submitFakeRunner{runStdout: "Submitted batch job 8675309\n"}

	result, err := Submit(a, Message{}, "#!/bin/sh\necho hi\n", runner)
	require.NoError(t, err)
	assert.Equal(t, "8675309", result.JobID)
	assert.False(t, result.Allocating)

	matches, err := filepath.Glob("UNICORE_Job_*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
	submitScripts, err := filepath.Glob("bss_submit_*")
	require.NoError(t, err)
	assert.Len(t, submitScripts, 1)
}

func TestSubmitNormalModeSubmitFailurePropagatesStderr(t *testing.T) {
	chdirTemp(t)
	a := newSlurm(Config{})
	runner := &submitFakeRunner{runErr: assertErrBatch("sbatch failed"), runStderr: "out of quota\n"}

	_, err := Submit(a, Message{}, "#!/bin/sh\n", runner)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of quota")
}

func TestSubmitRawModeRequiresJobFile(t *testing.T) {
	chdirTemp(t)
	a := newSlurm(Config{})
	_, err := Submit(a, Message{"JOB_MODE": "raw"}, "ignored", &submitFakeRunner{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TSI_JOB_FILE")
}

func TestSubmitRawModeSubmitsNamedFile(t *testing.T) {
	chdirTemp(t)
	a := newSlurm(Config{})
	runner := &submitFakeRunner{runStdout: "Submitted batch job 111\n"}
	result, err := Submit(a, Message{"JOB_MODE": "raw", "JOB_FILE": "existing.sh"}, "ignored", runner)
	require.NoError(t, err)
	assert.Equal(t, "111", result.JobID)
}

func TestSubmitAllocateModeReportsAllocatingWithoutJobID(t *testing.T) {
	chdirTemp(t)
	a := newSlurm(Config{})
	runner := &submitFakeRunner{bgPID: 999}
	result, err := Submit(a, Message{"JOB_MODE": "allocate"}, "#!/bin/sh\nsrun true\n", runner)
	require.NoError(t, err)
	assert.True(t, result.Allocating)
	assert.Empty(t, result.JobID)
}

func TestSubmitNoBatchModeForksScriptDirectly(t *testing.T) {
	chdirTemp(t)
	a := newNoBatch(Config{})
	runner := &submitFakeRunner{bgPID: 1234}
	result, err := Submit(a, Message{}, "#!/bin/sh\necho hi\n", runner)
	require.NoError(t, err)
	assert.NotEmpty(t, result.JobID)
	assert.False(t, result.Allocating)

	matches, err := filepath.Glob("UNICORE_Job_*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestSubmitIllegalJobModeRejected(t *testing.T) {
	chdirTemp(t)
	a := newSlurm(Config{})
	_, err := Submit(a, Message{"JOB_MODE": "not-a-real-mode"}, "body", &submitFakeRunner{})
	require.Error(t, err)
}

type assertErrBatch string

func (e assertErrBatch) Error() string { return string(e) }
