package dispatch

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicore-eu/tsi/internal/batch"
	"github.com/unicore-eu/tsi/internal/wire"
)

// fakeRunner is a scripted batch.CommandRunner double.
type fakeRunner struct {
	shellStdout, shellStderr string
	shellErr                 error

	runStdout, runStderr string
	runErr               error

	bgPID int
	bgErr error
}

func (f *fakeRunner) Run(name string, args ...string) (string, string, error) {
	return f.runStdout, f.runStderr, f.runErr
}

func (f *fakeRunner) RunShell(command string) (string, string, error) {
	return f.shellStdout, f.shellStderr, f.shellErr
}

func (f *fakeRunner) RunShellBackground(command string) (int, error) {
	return f.bgPID, f.bgErr
}

func newTestChannel() (*wire.CommandChannel, *bytes.Buffer) {
	var out bytes.Buffer
	return wire.NewCommandChannel(strings.NewReader(""), &out), &out
}

func TestDispatchPingSkipsIdentitySwitch(t *testing.T) {
	cmd, out := newTestChannel()
	deps := Deps{SwitchUID: true} // would panic on a nil Switcher if beginIdentity ran
	require.NoError(t, Dispatch("#TSI_PING\n", cmd, nil, deps))
	assert.Equal(t, Version+"\nENDOFMESSAGE\n", out.String())
}

func TestDispatchPingUIDReportsEUID(t *testing.T) {
	cmd, out := newTestChannel()
	deps := Deps{SwitchUID: true}
	require.NoError(t, Dispatch("#TSI_PING_UID\n", cmd, nil, deps))
	assert.Contains(t, out.String(), "running as UID")
	assert.True(t, strings.HasSuffix(out.String(), "ENDOFMESSAGE\n"))
}

func TestDispatchGetUserInfo(t *testing.T) {
	cmd, out := newTestChannel()
	require.NoError(t, Dispatch("#TSI_GET_USER_INFO\n", cmd, nil, Deps{}))
	assert.Contains(t, out.String(), "TSI_OK")
}

func TestDispatchExecuteScriptEchoesShellOutput(t *testing.T) {
	cmd, out := newTestChannel()
	runner := &fakeRunner{shellStdout: "Hello World!\n"}
	deps := Deps{Runner: runner}
	raw := "#TSI_EXECUTESCRIPT\necho 'Hello World!'\n"
	require.NoError(t, Dispatch(raw, cmd, nil, deps))
	assert.Equal(t, "TSI_OK\nHello World!\n\nENDOFMESSAGE\n", out.String())
}

func TestDispatchExecuteScriptFailureReportsStderr(t *testing.T) {
	cmd, out := newTestChannel()
	runner := &fakeRunner{shellErr: fmt.Errorf("exit status 1"), shellStderr: "no such file\n"}
	deps := Deps{Runner: runner}
	require.NoError(t, Dispatch("#TSI_EXECUTESCRIPT\nbadcmd\n", cmd, nil, deps))
	assert.Contains(t, out.String(), "TSI_FAILED")
	assert.Contains(t, out.String(), "no such file")
}

func TestDispatchRunOnLoginNodeReportsPID(t *testing.T) {
	cmd, out := newTestChannel()
	runner := &fakeRunner{bgPID: 4242}
	deps := Deps{Runner: runner}
	require.NoError(t, Dispatch("#TSI_RUN_ON_LOGIN_NODE\nsleep 1\n", cmd, nil, deps))
	assert.Contains(t, out.String(), "4242")
}

func TestDispatchUnknownVerbRejected(t *testing.T) {
	_, err := Parse("#TSI_BOGUS\n")
	require.Error(t, err)
}

func TestDispatchReservationVerbsUnsupported(t *testing.T) {
	cmd, out := newTestChannel()
	require.NoError(t, Dispatch("#TSI_MAKE_RESERVATION\n", cmd, nil, Deps{}))
	assert.Contains(t, out.String(), "TSI_FAILED")
}

func TestDispatchGetPartitionsEchoesNodesFilter(t *testing.T) {
	cmd, out := newTestChannel()
	raw := "#TSI_NODES_FILTER gpu\n#TSI_GET_PARTITIONS\n"
	require.NoError(t, Dispatch(raw, cmd, nil, Deps{}))
	assert.Contains(t, out.String(), "gpu")
}

func TestDispatchGetComputeBudgetDefaultsToUnknown(t *testing.T) {
	cmd, out := newTestChannel()
	require.NoError(t, Dispatch("#TSI_GET_COMPUTE_BUDGET\n", cmd, nil, Deps{}))
	assert.Contains(t, out.String(), "NONE -1 -1 unknown")
}

func TestDispatchJobControlMissingJobID(t *testing.T) {
	cmd, out := newTestChannel()
	deps := Deps{BatchAdaptor: stubAdaptor{}, Runner: &fakeRunner{}}
	require.NoError(t, Dispatch("#TSI_ABORTJOB\n", cmd, nil, deps))
	assert.Contains(t, out.String(), "TSI_FAILED")
}

func TestDispatchJobControlRunsAdaptorCommand(t *testing.T) {
	cmd, out := newTestChannel()
	deps := Deps{
		BatchAdaptor: stubAdaptor{},
		Runner:       &fakeRunner{runStdout: "cancelled"},
	}
	raw := "#TSI_JOBID 17\n#TSI_ABORTJOB\n"
	require.NoError(t, Dispatch(raw, cmd, nil, deps))
	assert.Contains(t, out.String(), "cancelled")
}

func TestDispatchRecordsAuditAndMetricsWithoutPanicking(t *testing.T) {
	cmd, _ := newTestChannel()
	// Deps with nil Metrics/Audit/Log must not panic in recordResult.
	deps := Deps{}
	require.NoError(t, Dispatch("#TSI_PING\n", cmd, nil, deps))
}

// stubAdaptor is a minimal batch.Adaptor double for job-control verbs.
type stubAdaptor struct{}

func (stubAdaptor) Name() string                                     { return "stub" }
func (stubAdaptor) CreateSubmitScript(batch.Message) ([]string, error) { return nil, nil }
func (stubAdaptor) CreateAllocScript(batch.Message) ([]string, error)  { return nil, nil }
func (stubAdaptor) ExtractJobID(string) (string, error)                { return "", nil }
func (stubAdaptor) ParseStatusListing(string) []batch.Entry             { return nil }
func (stubAdaptor) ConvertStatus(string) string                        { return batch.StateUnknown }
func (stubAdaptor) SubmitCommand(string) (string, []string)             { return "submit", nil }
func (stubAdaptor) AbortCommand(id string) (string, []string)           { return "cancel", []string{id} }
func (stubAdaptor) HoldCommand(id string) (string, []string)            { return "hold", []string{id} }
func (stubAdaptor) ResumeCommand(id string) (string, []string)          { return "resume", []string{id} }
func (stubAdaptor) DetailsCommand(id string) (string, []string)         { return "details", []string{id} }
func (stubAdaptor) ListingCommand() (string, []string)                  { return "listing", nil }
