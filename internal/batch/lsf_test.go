package batch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLSFCreateSubmitScriptSlotsFromNodesAndPPN(t *testing.T) {
	a := newLSF(Config{})
	msg := Message{
		"JOBNAME": "run1", "QUEUE": "normal", "NODES": "2",
		"PROCESSORS_PER_NODE": "4", "TIME": "600", "SCRIPT": "echo hi",
	}
	lines, err := a.CreateSubmitScript(msg)
	require.NoError(t, err)
	text := strings.Join(lines, "\n")
	assert.Contains(t, text, "#BSUB -q normal")
	assert.Contains(t, text, `#BSUB -R "span[ptile=4]"`)
	assert.Contains(t, text, "#BSUB -n 8")
	assert.Contains(t, text, "#BSUB -W 10")
	assert.Contains(t, text, "#BSUB -J run1")
	assert.Contains(t, text, "echo hi")
}

func TestLSFCreateSubmitScriptArrayJob(t *testing.T) {
	a := newLSF(Config{})
	msg := Message{"JOBNAME": "arr", "ARRAY": "1-10", "ARRAY_LIMIT": "2", "SCRIPT": "echo hi"}
	lines, err := a.CreateSubmitScript(msg)
	require.NoError(t, err)
	text := strings.Join(lines, "\n")
	assert.Contains(t, text, `#BSUB -J "arr[1-10]%2"`)
	assert.Contains(t, text, `UC_ARRAY_TASK_ID="$LSB_JOB_INDEX"; export UC_ARRAY_TASK_ID`)
}

func TestLSFExtractJobID(t *testing.T) {
	a := newLSF(Config{})
	id, err := a.ExtractJobID("Job <123456> is submitted to queue <normal>.\n")
	require.NoError(t, err)
	assert.Equal(t, "123456", id)
}

func TestLSFParseStatusListing(t *testing.T) {
	a := newLSF(Config{})
	text := "123456  jdoe    RUN   normal     host1  host2  job1\n"
	entries := a.ParseStatusListing(text)
	require.Len(t, entries, 1)
	assert.Equal(t, "123456", entries[0].ID)
	assert.Equal(t, StateRunning, entries[0].State)
	assert.Equal(t, "normal", entries[0].Queue)
}

func TestLSFConvertStatus(t *testing.T) {
	a := newLSF(Config{})
	assert.Equal(t, StateQueued, a.ConvertStatus("PEND"))
	assert.Equal(t, StateRunning, a.ConvertStatus("RUN"))
	assert.Equal(t, StateSuspended, a.ConvertStatus("PSUSP"))
	assert.Equal(t, StateCompleted, a.ConvertStatus("DONE"))
}

func TestLSFSubmitCommandFeedsScriptOnStdin(t *testing.T) {
	a := newLSF(Config{})
	name, args := a.SubmitCommand("job.sh")
	assert.Equal(t, "bsub", name)
	assert.Equal(t, []string{"<", "job.sh"}, args)
}
