package shepherd

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unicore-eu/tsi/internal/acl"
	"github.com/unicore-eu/tsi/internal/config"
)

func newTestShepherd(t *testing.T) *Shepherd {
	t.Helper()
	cfg := &config.Config{
		ListenAddr:     "127.0.0.1",
		ListenPort:     0,
		LocalPortFirst: 0,
		LocalPortLo:    0,
		LocalPortHi:    0,
		AllowedDNs:     map[string][]string{},
	}
	return &Shepherd{cfg: cfg, log: zap.NewNop(), ports: NewPortRange(0, 0, 0)}
}

func TestDispatchControlIgnoresEmptyLine(t *testing.T) {
	s := newTestShepherd(t)
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	s.dispatchControl(c1, "127.0.0.1", "")
}

func TestDispatchControlIgnoresUnknownVerb(t *testing.T) {
	s := newTestShepherd(t)
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	s.dispatchControl(c1, "127.0.0.1", "frobnicate")
}

func TestDispatchControlRejectsMalformedSet(t *testing.T) {
	s := newTestShepherd(t)
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	before := s.cfg.ListenAddr
	s.dispatchControl(c1, "127.0.0.1", "set listen_addr")
	assert.Equal(t, before, s.cfg.ListenAddr, "malformed set line must not mutate config")
}

func TestDispatchControlRejectsMalformedNewTSIProcess(t *testing.T) {
	s := newTestShepherd(t)
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	s.dispatchControl(c1, "127.0.0.1", "newtsiprocess not-a-port")
}

func TestDispatchControlRejectsMalformedStartForwarding(t *testing.T) {
	s := newTestShepherd(t)
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	s.dispatchControl(c1, "127.0.0.1", "start-forwarding onlytwofields")
}

func TestApplySettingMutatesConfigAndRewritesSnapshot(t *testing.T) {
	s := newTestShepherd(t)
	first, err := writeSnapshot(s.cfg, nil)
	require.NoError(t, err)
	defer os.Remove(first)
	s.snapshot = first

	s.applySetting("listen_addr", "10.0.0.5")
	assert.Equal(t, "10.0.0.5", s.cfg.ListenAddr)
	assert.NotEqual(t, first, s.snapshot, "applySetting must write a fresh snapshot file")
	defer os.Remove(s.snapshot)

	data, err := os.ReadFile(s.snapshot)
	require.NoError(t, err)
	assert.Contains(t, string(data), "listen_addr=10.0.0.5")
}

func TestIsClosedDetectsClosedListenerError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln.Close()
	_, acceptErr := ln.Accept()
	require.Error(t, acceptErr)
	assert.True(t, isClosed(acceptErr))
}

func TestUnderlyingTCPReturnsNilForNonTCPConn(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	assert.Nil(t, underlyingTCP(c1))
}

func TestUnderlyingTCPFindsRealTCPConn(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	dialDone := make(chan net.Conn, 1)
	go func() {
		c, _ := net.Dial("tcp", ln.Addr().String())
		dialDone <- c
	}()
	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()
	client := <-dialDone
	require.NotNil(t, client)
	defer client.Close()

	assert.NotNil(t, underlyingTCP(server))
}

func TestConvertACLMapUppercasesSupport(t *testing.T) {
	out := convertACLMap(map[string]string{"/scratch": "posix", "/nfshome": "nfs"})
	assert.Equal(t, acl.SupportPOSIX, out["/scratch"])
	assert.Equal(t, acl.SupportNFS, out["/nfshome"])
}
