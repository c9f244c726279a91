package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobIDConcatenatesPidAndMillisTail(t *testing.T) {
	id := JobID(4242, 1712345678901)
	assert.Equal(t, "424245678901", id)
}

func TestScriptFileName(t *testing.T) {
	assert.Equal(t, "UNICORE_Job_424245678901", ScriptFileName("424245678901"))
}

func TestRunCommandIncludesLimitsWhenRequested(t *testing.T) {
	msg := Message{"MEMORY": "512", "TIME": "200", "OUTCOME_DIR": "out"}
	cmd := RunCommand(msg, ScriptFileName("123"))
	assert.Contains(t, cmd, "ulimit -v 524288;")
	assert.Contains(t, cmd, "timeout -k 2 200")
	assert.Contains(t, cmd, "ionice -c 3 nice -n 100")
	assert.Contains(t, cmd, "./UNICORE_Job_123")
	assert.Contains(t, cmd, "out/stdout")
	assert.Contains(t, cmd, "out/stderr")
}

func TestRunCommandOmitsLimitsWhenAbsent(t *testing.T) {
	cmd := RunCommand(Message{}, ScriptFileName("123"))
	assert.NotContains(t, cmd, "ulimit")
	assert.NotContains(t, cmd, "timeout")
}

func TestNoBatchParseStatusListing(t *testing.T) {
	a := newNoBatch(Config{})
	text := "S   ./UNICORE_Job_1001\nR   ./UNICORE_Job_1002 --flag\nT   ./UNICORE_Job_1003\n"
	entries := a.ParseStatusListing(text)
	require.Len(t, entries, 3)
	byID := map[string]Entry{}
	for _, e := range entries {
		byID[e.ID] = e
	}
	assert.Equal(t, StateRunning, byID["1001"].State)
	assert.Equal(t, "NOBATCH", byID["1001"].Queue)
	assert.Equal(t, StateRunning, byID["1002"].State)
	assert.Equal(t, StateSuspended, byID["1003"].State)
}

func TestNoBatchConvertStatus(t *testing.T) {
	a := newNoBatch(Config{})
	assert.Equal(t, StateSuspended, a.ConvertStatus("T"))
	assert.Equal(t, StateRunning, a.ConvertStatus("R"))
	assert.Equal(t, StateRunning, a.ConvertStatus("S"))
}

func TestNoBatchListingCommandDefaultsToPS(t *testing.T) {
	a := newNoBatch(Config{})
	name, args := a.ListingCommand()
	assert.Equal(t, "ps", name)
	assert.Equal(t, []string{"-e", "-o", "s,args"}, args)
}

func TestNoBatchExtractJobIDIsIdentity(t *testing.T) {
	a := newNoBatch(Config{})
	id, err := a.ExtractJobID("424245678901")
	require.NoError(t, err)
	assert.Equal(t, "424245678901", id)
}
