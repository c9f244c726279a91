package batch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadLevelerCreateSubmitScriptIncludesDirectives(t *testing.T) {
	a := newLoadLeveler(Config{})
	msg := Message{
		"JOBNAME": "run1", "QUEUE": "bluegene", "PROJECT": "acct1",
		"MEMORY": "2048", "NODES": "4", "TIME": "3600",
		"EMAIL": "a@b.com", "SCRIPT": "echo hi",
	}
	lines, err := a.CreateSubmitScript(msg)
	require.NoError(t, err)
	text := strings.Join(lines, "\n")
	assert.Contains(t, text, "# @ job_name = run1")
	assert.Contains(t, text, "# @ class = bluegene")
	assert.Contains(t, text, "# @ account_no = acct1")
	assert.Contains(t, text, "# @ bg_requirements = (Memory>= 2048)")
	assert.Contains(t, text, "# @ bg_size = 4")
	assert.Contains(t, text, "# @ cpu_limit = 3600")
	assert.Contains(t, text, "# @ notify_user = a@b.com")
	assert.Contains(t, text, "echo hi")
}

func TestLoadLevelerExtractJobID(t *testing.T) {
	a := newLoadLeveler(Config{})
	id, err := a.ExtractJobID(`llsubmit: The job "cluster.host.162588" has been submitted.`)
	require.NoError(t, err)
	assert.Equal(t, "162588", id)
}

func TestLoadLevelerParseStatusListing(t *testing.T) {
	a := newLoadLeveler(Config{})
	text := "node1c1.host.eu.267412.10!R!m001\n"
	entries := a.ParseStatusListing(text)
	require.Len(t, entries, 1)
	assert.Equal(t, "267412", entries[0].ID)
	assert.Equal(t, StateRunning, entries[0].State)
	assert.Equal(t, "m001", entries[0].Queue)
}

func TestLoadLevelerConvertStatus(t *testing.T) {
	a := newLoadLeveler(Config{})
	assert.Equal(t, StateQueued, a.ConvertStatus("I"))
	assert.Equal(t, StateRunning, a.ConvertStatus("R"))
	assert.Equal(t, StateSuspended, a.ConvertStatus("H"))
	assert.Equal(t, StateCompleted, a.ConvertStatus("C"))
}
