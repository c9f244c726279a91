package forward

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTargetTCP(t *testing.T) {
	target, err := ParseTarget("compute01:2222")
	require.NoError(t, err)
	assert.Equal(t, "tcp", target.Network)
	assert.Equal(t, "compute01:2222", target.Address)
}

func TestParseTargetUnixSocket(t *testing.T) {
	target, err := ParseTarget("file:/run/backend.sock")
	require.NoError(t, err)
	assert.Equal(t, "unix", target.Network)
	assert.Equal(t, "/run/backend.sock", target.Address)
}

func TestParseTargetRejectsMalformed(t *testing.T) {
	_, err := ParseTarget("not-a-target")
	assert.Error(t, err)
}

func TestRateLimiterGrowsSleepAboveLimitAndHalvesBelow(t *testing.T) {
	clock := time.Unix(0, 0)
	r := NewRateLimiter(1000) // 1000 bytes/sec
	r.now = func() time.Time { return clock }

	r.Observe(0) // establishes start at clock
	clock = clock.Add(1 * time.Millisecond)
	r.Observe(4096) // instantaneous rate far exceeds limit
	assert.Equal(t, sleepStep, r.sleep)

	clock = clock.Add(10 * time.Second) // rate now well under limit
	r.Observe(0)
	assert.Equal(t, sleepStep/2, r.sleep)
}

func TestRateLimiterDisabledWhenZero(t *testing.T) {
	r := NewRateLimiter(0)
	r.Observe(1 << 20)
	assert.Equal(t, time.Duration(0), r.sleep)
}

func TestRunForwardsBothDirectionsAndClosesOnEOF(t *testing.T) {
	uxA, uxB := net.Pipe()
	beA, beB := net.Pipe()

	done := make(chan error, 1)
	go func() { done <- Run(uxB, beB, 0) }()

	go func() {
		buf := make([]byte, 5)
		_, _ = beA.Read(buf)
		_, _ = beA.Write([]byte("world"))
		beA.Close()
	}()

	_, err := uxA.Write([]byte("hello"))
	require.NoError(t, err)
	reply := make([]byte, 5)
	_, err = uxA.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, "world", string(reply))
	uxA.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after both sides closed")
	}
}
