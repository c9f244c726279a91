package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveListingKeepsHighestRankedStatePerID(t *testing.T) {
	entries := []Entry{
		{ID: "177071", State: StateCompleted, Queue: "batch"},
		{ID: "177071", State: StateRunning, Queue: "batch"},
		{ID: "177072", State: StateQueued, Queue: "batch"},
	}
	resolved := ResolveListing(entries)
	require.Len(t, resolved, 2)
	assert.Equal(t, "177071", resolved[0].ID)
	assert.Equal(t, StateRunning, resolved[0].State)
	assert.Equal(t, "177072", resolved[1].ID)
	assert.Equal(t, StateQueued, resolved[1].State)
}

func TestResolveListingPreservesFirstSeenOrder(t *testing.T) {
	entries := []Entry{
		{ID: "2", State: StateQueued},
		{ID: "1", State: StateRunning},
		{ID: "2", State: StateSuspended},
	}
	resolved := ResolveListing(entries)
	require.Len(t, resolved, 2)
	assert.Equal(t, "2", resolved[0].ID)
	assert.Equal(t, "1", resolved[1].ID)
}

func TestFormatListing(t *testing.T) {
	out := FormatListing([]Entry{{ID: "5", State: StateRunning, Queue: "batch"}})
	assert.Equal(t, "QSTAT\n 5 RUNNING batch\n", out)
}

func TestFormatListingEmpty(t *testing.T) {
	assert.Equal(t, "QSTAT\n", FormatListing(nil))
}

func TestSanitizeJobNameAcceptsValidName(t *testing.T) {
	msg := Message{"JOBNAME": "my-job.01"}
	assert.Equal(t, "my-job.01", SanitizeJobName(msg, "default"))
}

func TestSanitizeJobNameRejectsTooLongOrInvalid(t *testing.T) {
	assert.Equal(t, "default", SanitizeJobName(Message{"JOBNAME": "1starts-with-digit"}, "default"))
	assert.Equal(t, "default", SanitizeJobName(Message{"JOBNAME": "way-too-long-a-job-name-here"}, "default"))
	assert.Equal(t, "UNICORE_job", SanitizeJobName(Message{}, ""))
}

func TestNewSelectsVariantByName(t *testing.T) {
	for _, variant := range []string{"slurm", "torque", "lsf", "loadleveler", "nobatch", ""} {
		a, err := New(variant, Config{})
		require.NoError(t, err)
		require.NotNil(t, a)
	}
}

func TestNewRejectsUnknownVariant(t *testing.T) {
	_, err := New("condor", Config{})
	assert.Error(t, err)
}

func TestNewIsCaseInsensitive(t *testing.T) {
	a, err := New("SLURM", Config{})
	require.NoError(t, err)
	assert.Equal(t, "slurm", a.Name())
}

func TestMessageGetFallsBackToDefault(t *testing.T) {
	m := Message{"QUEUE": "batch", "EMPTY": ""}
	assert.Equal(t, "batch", m.Get("QUEUE", "fallback"))
	assert.Equal(t, "fallback", m.Get("EMPTY", "fallback"))
	assert.Equal(t, "fallback", m.Get("MISSING", "fallback"))
}
