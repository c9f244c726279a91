package shepherd

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPortRangeClampsOutOfBoundFirst(t *testing.T) {
	pr := NewPortRange(100, 5000, 5010)
	assert.Equal(t, 5000, pr.next)
}

func TestPortRangeTakeWrapsAtHi(t *testing.T) {
	pr := NewPortRange(5008, 5000, 5010)
	assert.Equal(t, 5008, pr.take())
	assert.Equal(t, 5009, pr.take())
	assert.Equal(t, 5010, pr.take())
	assert.Equal(t, 5000, pr.take(), "must wrap back to lo after hi")
}

func TestFormatAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:9999", formatAddr("127.0.0.1", 9999))
}

func TestDialLocalSucceedsAgainstLoopbackListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan struct{})
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
		close(accepted)
	}()

	pr := NewPortRange(0, 0, 0) // port 0 = OS-assigned, always free
	conn, err := pr.DialLocal("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	conn.Close()
	<-accepted
}

func TestDialLocalFailsFastOnRefusedConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // nothing listening now

	pr := NewPortRange(0, 0, 0)
	_, err = pr.DialLocal("tcp", addr, time.Second)
	require.Error(t, err)
}
