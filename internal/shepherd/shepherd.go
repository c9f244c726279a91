// Package shepherd implements the Shepherd (C4): the accept loop that
// gates each inbound orchestrator connection through the TLS/ACL Gate
// (C3), parses its one control line, and spawns workers or forwarding
// workers to serve it.
package shepherd

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unicore-eu/tsi/internal/acl"
	"github.com/unicore-eu/tsi/internal/audit"
	"github.com/unicore-eu/tsi/internal/batch"
	"github.com/unicore-eu/tsi/internal/config"
	"github.com/unicore-eu/tsi/internal/dispatch"
	"github.com/unicore-eu/tsi/internal/identity"
	"github.com/unicore-eu/tsi/internal/metrics"
	"github.com/unicore-eu/tsi/internal/tlsgate"
)

// Shepherd is the C4 accept loop. One Shepherd runs per broker process.
type Shepherd struct {
	cfg   *config.Config
	gate  *tlsgate.Gate
	ports *PortRange
	log   *zap.Logger

	mu       sync.RWMutex
	snapshot string // path of the current config snapshot file re-exec'd children load

	listener net.Listener
}

// New builds a Shepherd and writes the initial config snapshot that
// re-exec'd children load.
func New(cfg *config.Config, gate *tlsgate.Gate, log *zap.Logger) (*Shepherd, error) {
	s := &Shepherd{
		cfg:   cfg,
		gate:  gate,
		ports: NewPortRange(cfg.LocalPortFirst, cfg.LocalPortLo, cfg.LocalPortHi),
		log:   log,
	}
	path, err := writeSnapshot(cfg, nil)
	if err != nil {
		return nil, err
	}
	s.snapshot = path
	return s, nil
}

// Run accepts connections on addr:port until the listener is closed
// (by a "shutdown" control line) or ctx-equivalent external close.
func (s *Shepherd) Run() error {
	ln, err := s.gate.Listen(s.cfg.ListenAddr, s.cfg.ListenPort, s.cfg.DisableIPv6)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.Info("shepherd listening", zap.String("addr", s.cfg.ListenAddr), zap.Int("port", s.cfg.ListenPort))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if isClosed(err) {
				return nil
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		go s.handleConnection(conn)
	}
}

func isClosed(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection")
}

// handleConnection runs the per-accepted-connection steps: handshake,
// authorize, keepalive, read one control line, dispatch.
func (s *Shepherd) handleConnection(conn net.Conn) {
	defer conn.Close()

	if tc, ok := conn.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			s.log.Warn("tls handshake failed", zap.Error(err))
			return
		}
	}
	if err := s.gate.Authorize(conn); err != nil {
		s.log.Warn("connection rejected", zap.Error(err))
		return
	}
	if tcpConn := underlyingTCP(conn); tcpConn != nil {
		_ = tcpConn.SetKeepAliveConfig(net.KeepAliveConfig{
			Enable: true, Idle: 5 * time.Second, Interval: 1 * time.Second, Count: 3,
		})
	}

	peerHost, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		s.log.Warn("cannot parse peer address", zap.Error(err))
		return
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	line = strings.TrimRight(line, "\r\n")

	s.dispatchControl(conn, peerHost, line)
}

func underlyingTCP(conn net.Conn) *net.TCPConn {
	if tc, ok := conn.(*tls.Conn); ok {
		conn = tc.NetConn()
	}
	if t, ok := conn.(*net.TCPConn); ok {
		return t
	}
	return nil
}

// dispatchControl routes one shepherd control line to its verb handler.
func (s *Shepherd) dispatchControl(conn net.Conn, peerHost, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	verb := fields[0]

	switch verb {
	case "shutdown":
		s.log.Info("shutdown requested", zap.String("peer", peerHost))
		if s.listener != nil {
			s.listener.Close()
		}
		os.Exit(0)

	case "set":
		if len(fields) != 3 {
			s.log.Warn("malformed set control line", zap.String("line", line))
			return
		}
		s.applySetting(fields[1], fields[2])

	case "newtsiprocess":
		if len(fields) != 2 {
			s.log.Warn("malformed newtsiprocess control line", zap.String("line", line))
			return
		}
		port, err := strconv.Atoi(fields[1])
		if err != nil {
			s.log.Warn("invalid ux_port", zap.String("line", line))
			return
		}
		if _, err := conn.Write([]byte("OK\n")); err != nil {
			return
		}
		if err := s.spawnWorker(peerHost, port); err != nil {
			s.log.Warn("spawn worker failed", zap.Error(err))
		}

	case "start-forwarding":
		if len(fields) != 4 {
			s.log.Warn("malformed start-forwarding control line", zap.String("line", line))
			return
		}
		port, err := strconv.Atoi(fields[1])
		if err != nil {
			s.log.Warn("invalid ux_port", zap.String("line", line))
			return
		}
		target := fields[2]
		userGroups := strings.SplitN(fields[3], ":", 2)
		user := userGroups[0]
		groups := ""
		if len(userGroups) == 2 {
			groups = userGroups[1]
		}
		if _, err := conn.Write([]byte("OK\n")); err != nil {
			return
		}
		if err := s.spawnForwarding(peerHost, port, target, user, groups); err != nil {
			s.log.Warn("spawn forwarding failed", zap.Error(err))
		}

	default:
		s.log.Warn("unknown control verb", zap.String("verb", verb))
	}
}

// applySetting mutates this shepherd's config snapshot in place; it
// never touches already-forked workers, which keep the snapshot they
// inherited at spawn. Future children pick up the change via snapshotPath.
func (s *Shepherd) applySetting(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	config.ApplyOverrides(s.cfg, map[string]string{key: value})
	path, err := writeSnapshot(s.cfg, nil)
	if err != nil {
		s.log.Warn("failed to write config snapshot", zap.Error(err))
		return
	}
	s.snapshot = path
}

// dialLocal dials addr honoring the outbound local-port-range policy,
// with the fixed 10s connect timeout used for service/callback connects.
func (s *Shepherd) dialLocal(addr string) (net.Conn, error) {
	return s.ports.DialLocal("tcp", addr, 10*time.Second)
}

// reap waits for child in the background so it never becomes a zombie.
// os/exec has no SIGCHLD hook of its own; Wait performs the equivalent
// blocking reap, just off the accept-loop goroutine.
func (s *Shepherd) reap(child interface{ Wait() error }) {
	go func() {
		if err := child.Wait(); err != nil {
			s.log.Debug("child exited", zap.Error(err))
		}
	}()
}

// writeSnapshot persists cfg to a private temp properties file a
// re-exec'd child loads via envConfigSnapshot. The overrides argument is
// not applied; "set" changes reach the snapshot through cfg (see
// applySetting).
func writeSnapshot(cfg *config.Config, overrides map[string]string) (string, error) {
	f, err := os.CreateTemp("", "tsi-snapshot-*.properties")
	if err != nil {
		return "", fmt.Errorf("shepherd: create snapshot file: %w", err)
	}
	defer f.Close()
	if err := config.WriteProperties(f, cfg); err != nil {
		return "", fmt.Errorf("shepherd: write snapshot: %w", err)
	}
	return f.Name(), nil
}

// loadChildConfig reconstructs the config snapshot and logger for a
// re-exec'd worker/forwarding child.
func loadChildConfig() (*config.Config, *zap.Logger, error) {
	path := os.Getenv(envConfigSnapshot)
	if path == "" {
		return nil, nil, fmt.Errorf("missing %s in environment", envConfigSnapshot)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config snapshot %s: %w", path, err)
	}
	logCfg := zap.NewProductionConfig()
	if cfg.Observability.LogFormat == "console" {
		logCfg = zap.NewDevelopmentConfig()
	}
	var zapLevel zapcore.Level
	if lerr := zapLevel.UnmarshalText([]byte(cfg.Observability.LogLevel)); lerr == nil {
		logCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	}
	log, err := logCfg.Build()
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// BuildDispatchDeps wires one dispatch.Deps from a loaded config, for
// any entrypoint that runs the dispatcher directly against a config
// (worker/forwarding children, and the one-shot runner).
func BuildDispatchDeps(cfg *config.Config, log *zap.Logger) (dispatch.Deps, func(), error) {
	return buildDispatchDeps(cfg, log)
}

// buildDispatchDeps wires one dispatch.Deps for a worker/forwarding
// child from its config snapshot.
func buildDispatchDeps(cfg *config.Config, log *zap.Logger) (dispatch.Deps, func(), error) {
	cache := identity.New(cfg.UserCacheTTL, cfg.UseIDToResolveGids)
	switcher, err := identity.NewSwitcher(identity.NewUnixOps(), cache, cfg.EnforceOSGids, cfg.FailOnInvalidGids)
	if err != nil {
		return dispatch.Deps{}, func() {}, fmt.Errorf("build identity switcher: %w", err)
	}

	adaptor, err := batch.New(cfg.BatchVariant, batch.Config{
		SubmitCmd: cfg.SubmitCmd, QstatCmd: cfg.QstatCmd, DetailsCmd: cfg.DetailsCmd,
		AbortCmd: cfg.AbortCmd, HoldCmd: cfg.HoldCmd, ResumeCmd: cfg.ResumeCmd,
		AllocCmd: cfg.AllocCmd, GetProcessesCmd: cfg.GetProcessesCmd,
		DefaultJobName: cfg.DefaultJobName, NodesFilter: cfg.NodesFilter,
	})
	if err != nil {
		return dispatch.Deps{}, func() {}, fmt.Errorf("build batch adaptor: %w", err)
	}

	var ledger *audit.Ledger
	if cfg.Audit.Enabled {
		ledger, err = audit.Open(cfg.Audit.DBPath, cfg.Audit.RetentionDays)
		if err != nil {
			return dispatch.Deps{}, func() {}, fmt.Errorf("open audit ledger: %w", err)
		}
		if _, err := ledger.PruneOldEntries(); err != nil {
			log.Warn("audit ledger prune failed", zap.Error(err))
		}
	}

	deps := dispatch.Deps{
		Switcher:         switcher,
		SwitchUID:        cfg.SwitchUID,
		OpenUserSessions: cfg.OpenUserSessions,
		SafeDir:          cfg.SafeDir,
		UseLoginShell:    cfg.UseLoginShell,
		BatchAdaptor:     adaptor,
		Runner:           batch.NewExecRunner(),
		ACLConfig: acl.Config{
			ACLMap:        convertACLMap(cfg.ACLMap),
			GetfaclCmd:    cfg.GetFACLCmd,
			SetfaclCmd:    cfg.SetFACLCmd,
			UseLoginShell: cfg.UseLoginShell,
		},
		Audit: ledger,
		Log:   log,
	}
	if cfg.Observability.MetricsAddr != "" {
		deps.Metrics = metrics.New()
	}

	closeFn := func() {
		if ledger != nil {
			ledger.Close()
		}
		_ = log.Sync()
	}
	return deps, closeFn, nil
}

// childTLSConfig builds the client-side TLS config a re-exec'd child
// uses to complete the handshake on its inherited callback socket.
func childTLSConfig(cfg *config.Config) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		// The peer here is UX, dialed by raw IP rather than hostname, so
		// there is no DNS name to verify against; mutual trust instead
		// rests on both sides presenting certificates from the shared
		// truststore (enforced by the gate's own ClientAuth on UX's side).
		InsecureSkipVerify: true,
	}
	if cfg.Certificate != "" && cfg.Keystore != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Certificate, cfg.Keystore)
		if err != nil {
			return nil, fmt.Errorf("load client keystore: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if cfg.Truststore != "" {
		caData, err := os.ReadFile(cfg.Truststore)
		if err != nil {
			return nil, fmt.Errorf("read truststore: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("parse truststore %q", cfg.Truststore)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

func convertACLMap(m map[string]string) map[string]acl.Support {
	out := make(map[string]acl.Support, len(m))
	for k, v := range m {
		out[k] = acl.Support(strings.ToUpper(v))
	}
	return out
}
