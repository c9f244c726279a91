package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFindsKnownVerbAndTags(t *testing.T) {
	raw := "#TSI_IDENTITY alice staff\n#TSI_JOBNAME myjob\n#TSI_SUBMIT\nsubmit body here\n"
	p, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "TSI_SUBMIT", p.Verb)
	assert.Equal(t, "alice staff", p.Tags["IDENTITY"])
	assert.Equal(t, "myjob", p.Tags["JOBNAME"])
	_, hasSubmitTag := p.Tags["SUBMIT"]
	assert.True(t, hasSubmitTag, "the verb line itself is recorded as a valueless tag")
}

func TestParseRejectsUnknownVerb(t *testing.T) {
	_, err := Parse("#TSI_NOT_A_REAL_VERB\nbody\n")
	require.Error(t, err)
}

func TestParseFirstValueWins(t *testing.T) {
	raw := "#TSI_JOBNAME first\n#TSI_JOBNAME second\n#TSI_PING\n"
	p, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "first", p.Tags["JOBNAME"])
}

func TestParseIgnoresNonTagLines(t *testing.T) {
	raw := "some shell comment\n#TSI_PING\necho hi\n"
	p, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "TSI_PING", p.Verb)
}

func TestParseIdentity(t *testing.T) {
	user, groups, err := ParseIdentity(Message{"IDENTITY": "alice staff:wheel"})
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.Equal(t, []string{"staff", "wheel"}, groups)
}

func TestParseIdentityMissing(t *testing.T) {
	_, _, err := ParseIdentity(Message{})
	require.Error(t, err)
}

func TestParseIdentityMalformed(t *testing.T) {
	_, _, err := ParseIdentity(Message{"IDENTITY": "aloneuser"})
	require.Error(t, err)
}

func TestMessageGetDefault(t *testing.T) {
	m := Message{"JOBNAME": ""}
	assert.Equal(t, "fallback", m.Get("JOBNAME", "fallback"))
	assert.Equal(t, "fallback", m.Get("MISSING", "fallback"))
}
