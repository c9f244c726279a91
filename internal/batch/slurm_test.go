package batch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlurmCreateSubmitScriptIncludesDirectives(t *testing.T) {
	a := newSlurm(Config{NodesFilter: "gpu-part"})
	msg := Message{
		"JOBNAME": "run1", "QUEUE": "gpu", "MEMORY": "4096",
		"NODES": "2", "PROCESSORS_PER_NODE": "8", "TIME": "125",
		"ARRAY": "1-10", "ARRAY_LIMIT": "4", "SCRIPT": "echo hi",
	}
	lines, err := a.CreateSubmitScript(msg)
	require.NoError(t, err)
	text := strings.Join(lines, "\n")
	assert.Contains(t, text, "#SBATCH --job-name=run1")
	assert.Contains(t, text, "#SBATCH --partition=gpu")
	assert.Contains(t, text, "#SBATCH --mem=4096M")
	assert.Contains(t, text, "#SBATCH --nodes=2")
	assert.Contains(t, text, "#SBATCH --ntasks-per-node=8")
	assert.Contains(t, text, "#SBATCH --time=3")
	assert.Contains(t, text, "#SBATCH --array=1-10%4")
	assert.Contains(t, text, "#SBATCH --nodelist=gpu-part")
	assert.Contains(t, text, "echo hi")
}

func TestSlurmExtractJobID(t *testing.T) {
	a := newSlurm(Config{})
	id, err := a.ExtractJobID("Submitted batch job 177071\n")
	require.NoError(t, err)
	assert.Equal(t, "177071", id)
}

func TestSlurmExtractJobIDMissing(t *testing.T) {
	a := newSlurm(Config{})
	_, err := a.ExtractJobID("sbatch: error: something went wrong")
	assert.Error(t, err)
}

func TestSlurmParseStatusListingHandlesArraySuffixes(t *testing.T) {
	a := newSlurm(Config{})
	text := "177071_5 RUNNING gpu\n177072 PENDING batch\n"
	entries := a.ParseStatusListing(text)
	require.Len(t, entries, 2)
	assert.Equal(t, Entry{ID: "177071", State: StateRunning, Queue: "gpu"}, entries[0])
	assert.Equal(t, Entry{ID: "177072", State: StateQueued, Queue: "batch"}, entries[1])
}

func TestSlurmConvertStatusUnknownFallsThrough(t *testing.T) {
	a := newSlurm(Config{})
	assert.Equal(t, StateUnknown, a.ConvertStatus("NOT_A_REAL_STATE"))
	assert.Equal(t, StateSuspended, a.ConvertStatus("suspended"))
}

func TestSlurmCommands(t *testing.T) {
	a := newSlurm(Config{AbortCmd: "my-scancel"})
	name, args := a.SubmitCommand("job.sh")
	assert.Equal(t, "sbatch", name)
	assert.Equal(t, []string{"job.sh"}, args)

	name, args = a.AbortCommand("5")
	assert.Equal(t, "my-scancel", name)
	assert.Equal(t, []string{"5"}, args)

	name, _ = a.ListingCommand()
	assert.Equal(t, "squeue", name)
}
