package batch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTorqueCreateSubmitScriptIncludesDirectives(t *testing.T) {
	a := newTorque(Config{NodesFilter: "fast"})
	msg := Message{
		"JOBNAME": "run1", "QUEUE": "batch", "NODES": "2",
		"PROCESSORS_PER_NODE": "4", "TIME": "3600", "EMAIL": "a@b.com",
		"ARRAY": "1-5", "SCRIPT": "echo hi",
	}
	lines, err := a.CreateSubmitScript(msg)
	require.NoError(t, err)
	text := strings.Join(lines, "\n")
	assert.Contains(t, text, "#PBS -N run1")
	assert.Contains(t, text, "#PBS -q batch")
	assert.Contains(t, text, "#PBS -l nodes=2:ppn=4:fast")
	assert.Contains(t, text, "#PBS -l walltime=3600")
	assert.Contains(t, text, "#PBS -m abe -M a@b.com")
	assert.Contains(t, text, "#PBS -t 1-5")
	assert.Contains(t, text, `UC_ARRAY_TASK_ID="$PBS_ARRAYID"; export UC_ARRAY_TASK_ID`)
	assert.Contains(t, text, "echo hi")
}

func TestTorqueExtractJobID(t *testing.T) {
	a := newTorque(Config{})
	id, err := a.ExtractJobID("16522.host.example.org\n")
	require.NoError(t, err)
	assert.Equal(t, "16522", id)
}

func TestTorqueParseStatusListing(t *testing.T) {
	a := newTorque(Config{})
	text := "16522.host jdoe batch New_Script 1234 1 1 4gb 01:00:00 R 00:10:00\n"
	entries := a.ParseStatusListing(text)
	require.Len(t, entries, 1)
	assert.Equal(t, "16522", entries[0].ID)
	assert.Equal(t, StateRunning, entries[0].State)
	assert.Equal(t, "batch", entries[0].Queue)
}

func TestTorqueConvertStatus(t *testing.T) {
	a := newTorque(Config{})
	assert.Equal(t, StateQueued, a.ConvertStatus("Q"))
	assert.Equal(t, StateRunning, a.ConvertStatus("R"))
	assert.Equal(t, StateSuspended, a.ConvertStatus("H"))
	assert.Equal(t, StateCompleted, a.ConvertStatus("C"))
	assert.Equal(t, StateUnknown, a.ConvertStatus("Z"))
}
