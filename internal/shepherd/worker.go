package shepherd

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/unicore-eu/tsi/internal/config"
	"github.com/unicore-eu/tsi/internal/dispatch"
	"github.com/unicore-eu/tsi/internal/forward"
	"github.com/unicore-eu/tsi/internal/wire"
)

// A Go process cannot fork() and carry a live, already-negotiated TLS
// connection across into a child's address space the way the original
// broker's raw fork() duplicates it wholesale. Instead the shepherd
// dials only the *raw* outbound socket(s), hands their file descriptors
// to a re-exec'd copy of itself via os/exec's ExtraFiles, and the child
// performs its own TLS client handshake over the inherited descriptor.
// workerFlag spawns a "newtsiprocess" worker; forwardFlag spawns a
// "start-forwarding" worker. Both follow the same self-reexec shape as
// internal/uftp's helper.
const (
	workerFlag  = "-tsi-worker"
	forwardFlag = "-tsi-forward"

	envConfigSnapshot = "TSI_CONFIG_SNAPSHOT"
	envPeerHost       = "TSI_PEER_HOST"
	envForwardTarget  = "TSI_FORWARD_TARGET"
	envForwardUser    = "TSI_FORWARD_USER"
	envForwardGroups  = "TSI_FORWARD_GROUPS"
)

// IsWorkerInvocation reports whether argv requests the worker-child
// entrypoint spawned for "newtsiprocess".
func IsWorkerInvocation(argv []string) bool {
	return len(argv) > 1 && argv[1] == workerFlag
}

// IsForwardingInvocation reports whether argv requests the
// forwarding-child entrypoint spawned for "start-forwarding".
func IsForwardingInvocation(argv []string) bool {
	return len(argv) > 1 && argv[1] == forwardFlag
}

// spawnWorker implements the "newtsiprocess <ux_port>" control verb: it
// sleeps 1s (UX needs time to listen), dials two raw TCP connections to
// (peerHost, uxPort), and hands their descriptors to a re-exec'd child
// via ExtraFiles. The child completes the TLS handshake (if enabled)
// and keepalive setup on each, then runs the dispatcher loop using them
// as its command/data channels.
func (s *Shepherd) spawnWorker(peerHost string, uxPort int) error {
	time.Sleep(1 * time.Second)

	addr := formatAddr(peerHost, uxPort)
	cmdConn, err := s.dialLocal(addr)
	if err != nil {
		return fmt.Errorf("shepherd: dial command callback: %w", err)
	}
	dataConn, err := s.dialLocal(addr)
	if err != nil {
		cmdConn.Close()
		return fmt.Errorf("shepherd: dial data callback: %w", err)
	}

	cmdFile, err := tcpFile(cmdConn)
	if err != nil {
		cmdConn.Close()
		dataConn.Close()
		return err
	}
	dataFile, err := tcpFile(dataConn)
	if err != nil {
		cmdFile.Close()
		dataConn.Close()
		return err
	}
	// The *os.File duplicates the descriptor; the net.Conn copies are no
	// longer needed in the parent once the child inherits the dup'd fds.
	cmdConn.Close()
	dataConn.Close()

	self, err := os.Executable()
	if err != nil {
		cmdFile.Close()
		dataFile.Close()
		return fmt.Errorf("shepherd: resolve self executable: %w", err)
	}

	child := exec.Command(self, workerFlag)
	child.ExtraFiles = []*os.File{cmdFile, dataFile}
	child.Env = append(os.Environ(),
		envConfigSnapshot+"="+s.snapshotPath(),
		envPeerHost+"="+peerHost,
	)
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		cmdFile.Close()
		dataFile.Close()
		return fmt.Errorf("shepherd: start worker child: %w", err)
	}
	cmdFile.Close()
	dataFile.Close()
	s.reap(child)
	return nil
}

// spawnForwarding implements "start-forwarding <ux_port> <target>
// <user>:<groups>": one outbound connection to UX is dialed and handed
// to a re-exec'd child, which assumes the target identity and forwards
// bytes between that connection and the service target.
func (s *Shepherd) spawnForwarding(peerHost string, uxPort int, target, user, groups string) error {
	addr := formatAddr(peerHost, uxPort)
	uxConn, err := s.dialLocal(addr)
	if err != nil {
		return fmt.Errorf("shepherd: dial forwarding callback: %w", err)
	}
	uxFile, err := tcpFile(uxConn)
	uxConn.Close()
	if err != nil {
		return err
	}

	self, err := os.Executable()
	if err != nil {
		uxFile.Close()
		return fmt.Errorf("shepherd: resolve self executable: %w", err)
	}

	child := exec.Command(self, forwardFlag)
	child.ExtraFiles = []*os.File{uxFile}
	child.Env = append(os.Environ(),
		envConfigSnapshot+"="+s.snapshotPath(),
		envPeerHost+"="+peerHost,
		envForwardTarget+"="+target,
		envForwardUser+"="+user,
		envForwardGroups+"="+groups,
	)
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		uxFile.Close()
		return fmt.Errorf("shepherd: start forwarding child: %w", err)
	}
	uxFile.Close()
	s.reap(child)
	return nil
}

func tcpFile(conn net.Conn) (*os.File, error) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil, fmt.Errorf("shepherd: callback connection is not TCP")
	}
	f, err := tc.File()
	if err != nil {
		return nil, fmt.Errorf("shepherd: extract file descriptor: %w", err)
	}
	return f, nil
}

// RunWorkerChild is cmd/tsi's entrypoint when re-exec'd with workerFlag.
// It reconstructs the two inherited sockets (fd 3 = command, fd 4 =
// data), completes the TLS handshake on each if enabled, and runs the
// dispatcher loop until the command stream closes.
func RunWorkerChild() int {
	cfg, log, err := loadChildConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "tsi worker:", err)
		return 1
	}

	cmdConn, err := reconstructConn(3, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tsi worker: command socket:", err)
		return 1
	}
	dataConn, err := reconstructConn(4, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tsi worker: data socket:", err)
		return 1
	}

	deps, closeDeps, err := buildDispatchDeps(cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tsi worker: build dependencies:", err)
		return 1
	}
	defer closeDeps()

	cmdChan := wire.NewCommandChannel(cmdConn, cmdConn)
	dataChan := wire.NewDataChannel(dataConn, dataConn)

	for {
		raw, err := cmdChan.ReadMessage()
		if err != nil {
			return 0
		}
		if err := dispatch.Dispatch(raw, cmdChan, dataChan, deps); err != nil {
			return 0
		}
	}
}

// RunForwardingChild is cmd/tsi's entrypoint when re-exec'd with
// forwardFlag: it assumes the requested identity and forwards bytes
// between the inherited UX socket (fd 3) and the dialed service target.
func RunForwardingChild() int {
	cfg, log, err := loadChildConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "tsi forward:", err)
		return 1
	}

	uxConn, err := reconstructConn(3, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tsi forward: ux socket:", err)
		return 1
	}

	targetSpec := os.Getenv(envForwardTarget)
	user := os.Getenv(envForwardUser)
	groups := strings.Split(os.Getenv(envForwardGroups), ":")

	deps, closeDeps, err := buildDispatchDeps(cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tsi forward: build dependencies:", err)
		return 1
	}
	defer closeDeps()

	if cfg.SwitchUID {
		if err := deps.Switcher.Become(user, groups); err != nil {
			fmt.Fprintln(os.Stderr, "tsi forward: become:", err)
			return 1
		}
		defer deps.Switcher.Restore()
	}

	target, err := forward.ParseTarget(targetSpec)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tsi forward: parse target:", err)
		return 1
	}
	backend, err := forward.Dial(target)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tsi forward: dial target:", err)
		return 1
	}

	if err := forward.Run(uxConn, backend, cfg.PortForwardingRateLimit); err != nil {
		return 0
	}
	return 0
}

// reconstructConn rebuilds a net.Conn over fd, completing a client TLS
// handshake on it when cfg configures TLS, then applying the Linux
// keepalive profile (idle 5s, interval 1s, count 3).
func reconstructConn(fd uintptr, cfg *config.Config) (net.Conn, error) {
	f := os.NewFile(fd, "callback")
	if f == nil {
		return nil, fmt.Errorf("invalid inherited descriptor %d", fd)
	}
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(net.KeepAliveConfig{
			Enable:   true,
			Idle:     5 * time.Second,
			Interval: 1 * time.Second,
			Count:    3,
		})
	}

	if cfg.Keystore == "" {
		return conn, nil
	}

	tlsCfg, err := childTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsConn, nil
}

// snapshotPath returns the path of the config snapshot (including any
// "set" overrides applied since startup) that children load at re-exec.
func (s *Shepherd) snapshotPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

