package acl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckSupportLongestPrefixWins(t *testing.T) {
	aclMap := map[string]Support{
		"/data":      SupportNFS,
		"/data/home": SupportPOSIX,
	}
	assert.Equal(t, SupportPOSIX, CheckSupport("/data/home/user1", aclMap))
	assert.Equal(t, SupportNFS, CheckSupport("/data/scratch", aclMap))
	assert.Equal(t, SupportNone, CheckSupport("/tmp/x", aclMap))
}

func TestPreparePOSIXArgUser(t *testing.T) {
	assert.Equal(t, "user:jdoe:rwx", preparePOSIXArg("U jdoe rwx", false))
	assert.Equal(t, "user:jdoe", preparePOSIXArg("U jdoe rwx", true))
}

func TestPreparePOSIXArgGroupDefault(t *testing.T) {
	assert.Equal(t, "group:wheel:r-x", preparePOSIXArg("DG wheel r-x", false))
}

func TestPreparePOSIXArgEmptySubject(t *testing.T) {
	assert.Equal(t, "user::rwx", preparePOSIXArg("U  rwx", false))
}
