// Package tlsgate implements the TLS/ACL Gate (C3): it wraps the
// shepherd's listening socket in TLS when a keystore is configured, and
// authorizes each accepted connection against a distinguished-name
// allow-list and an orchestrator IP allow-list.
//
// TLS setup requires a client certificate, loads a CA bundle, and pins
// a minimum TLS version; peer trust then comes down to a DN/IP
// allow-list rather than a pinned-public-key model, since TSI's peers
// are orchestrator hosts authenticated by certificate subject.
package tlsgate

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"os"
	"strings"

	"go.uber.org/zap"
)

// RDN is one attribute=value pair of a Distinguished Name allow-list entry.
type RDN struct {
	Attr  string
	Value string
}

// Gate authorizes TLS connections by peer certificate DN and by peer IP,
// and owns the listening socket setup.
type Gate struct {
	tlsConfig *tls.Config // nil when the broker is running without TLS

	allowedDNs       map[string][]RDN // tag -> RDN list, from allowed_dn.<tag>
	allowedHosts     map[string]struct{}
	ipAllowListEmpty bool

	log *zap.Logger
}

// Config is the subset of broker configuration the gate needs.
type Config struct {
	Keystore, KeystorePassword string
	Certificate, Truststore    string
	AllowedDNs                 map[string][]string // tag -> ["attr=value", ...]
	AllowedOrchestratorHosts   []string
	DisableIPv6                bool
}

// New builds a Gate from broker configuration. It resolves
// AllowedOrchestratorHosts to IP addresses at startup; a host that fails
// to resolve is logged and skipped rather than failing broker startup.
func New(cfg Config, log *zap.Logger) (*Gate, error) {
	g := &Gate{
		allowedDNs:       make(map[string][]RDN, len(cfg.AllowedDNs)),
		allowedHosts:     make(map[string]struct{}),
		ipAllowListEmpty: len(cfg.AllowedOrchestratorHosts) == 0,
		log:              log,
	}

	for tag, entries := range cfg.AllowedDNs {
		g.allowedDNs[tag] = parseRDNs(entries)
	}

	for _, host := range cfg.AllowedOrchestratorHosts {
		ips, err := net.LookupHost(host)
		if err != nil {
			log.Warn("tlsgate: could not resolve allowed_orchestrator_hosts entry, skipping",
				zap.String("host", host), zap.Error(err))
			continue
		}
		for _, ip := range ips {
			g.allowedHosts[ip] = struct{}{}
		}
	}
	if g.ipAllowListEmpty {
		log.Warn("tlsgate: allowed_orchestrator_hosts is empty; all peer addresses are permitted (not production-ready)")
	}

	if cfg.Keystore == "" {
		return g, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.Certificate, cfg.Keystore)
	if err != nil {
		return nil, fmt.Errorf("tlsgate: load keystore/certificate: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: false,
		MinVersion:         tls.VersionTLS12,
	}

	if cfg.Truststore != "" {
		caData, err := os.ReadFile(cfg.Truststore)
		if err != nil {
			return nil, fmt.Errorf("tlsgate: read truststore %q: %w", cfg.Truststore, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("tlsgate: failed to parse truststore %q", cfg.Truststore)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	if len(g.allowedDNs) == 0 {
		log.Warn("tlsgate: allowed_dn is empty; every client certificate subject is accepted")
	}

	g.tlsConfig = tlsCfg
	return g, nil
}

// Listen creates the shepherd's listening socket, TLS-wrapped if a
// keystore was configured. Dual-stack IPv6 is used unless DisableIPv6.
func (g *Gate) Listen(addr string, port int, disableIPv6 bool) (net.Listener, error) {
	network := "tcp"
	if disableIPv6 {
		network = "tcp4"
	}
	target := fmt.Sprintf("%s:%d", addr, port)

	lc := net.ListenConfig{}
	raw, err := lc.Listen(context.Background(), network, target)
	if err != nil {
		return nil, fmt.Errorf("tlsgate: listen %s: %w", target, err)
	}

	if g.tlsConfig == nil {
		return raw, nil
	}
	return tls.NewListener(raw, g.tlsConfig), nil
}

// Authorize checks an accepted connection's peer IP and, for TLS
// connections, the peer certificate's DN against the allow-lists. It
// must be called after the TLS handshake has completed (for TLS
// listeners Accept already performs the handshake lazily; callers
// should force it via a read or tls.Conn.Handshake before calling
// Authorize so certificate state is populated).
func (g *Gate) Authorize(conn net.Conn) error {
	if err := g.authorizeIP(conn); err != nil {
		return err
	}
	return g.authorizeDN(conn)
}

func (g *Gate) authorizeIP(conn net.Conn) error {
	if g.ipAllowListEmpty {
		return nil
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return fmt.Errorf("tlsgate: cannot parse peer address %q: %w", conn.RemoteAddr(), err)
	}
	if _, ok := g.allowedHosts[host]; !ok {
		return fmt.Errorf("tlsgate: peer address %s not in allowed_orchestrator_hosts", host)
	}
	return nil
}

func (g *Gate) authorizeDN(conn net.Conn) error {
	if g.tlsConfig == nil || len(g.allowedDNs) == 0 {
		return nil
	}
	tc, ok := conn.(*tls.Conn)
	if !ok {
		return nil // non-TLS listener, nothing to check
	}
	state := tc.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("tlsgate: peer presented no certificate")
	}
	subject := state.PeerCertificates[0].Subject

	for _, rdns := range g.allowedDNs {
		if matchesAllRDNs(subject, rdns) {
			return nil
		}
	}
	return fmt.Errorf("tlsgate: peer DN %q matches no allowed_dn entry", subject.String())
}

// matchesAllRDNs reports whether every RDN in entry is present in
// subject. Matching is case-sensitive.
func matchesAllRDNs(subject pkix.Name, entry []RDN) bool {
	if len(entry) == 0 {
		return false
	}
	present := subjectAttrValues(subject)
	for _, rdn := range entry {
		values, ok := present[rdn.Attr]
		if !ok {
			return false
		}
		found := false
		for _, v := range values {
			if v == rdn.Value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// subjectAttrValues flattens a pkix.Name into attr -> values, covering
// the RDN attributes TSI allow-list entries commonly use.
func subjectAttrValues(subject pkix.Name) map[string][]string {
	out := make(map[string][]string)
	add := func(attr string, vals []string) {
		if len(vals) > 0 {
			out[attr] = append(out[attr], vals...)
		}
	}
	add("CN", []string{subject.CommonName})
	add("O", subject.Organization)
	add("OU", subject.OrganizationalUnit)
	add("C", subject.Country)
	add("L", subject.Locality)
	add("ST", subject.Province)
	for _, name := range subject.Names {
		out[name.Type.String()] = append(out[name.Type.String()], fmt.Sprintf("%v", name.Value))
	}
	return out
}

// parseRDNs parses entries in "attr=value" form, as produced by config's
// splitRDNs for an allowed_dn.<tag> key.
func parseRDNs(entries []string) []RDN {
	out := make([]RDN, 0, len(entries))
	for _, e := range entries {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out = append(out, RDN{Attr: strings.TrimSpace(parts[0]), Value: strings.TrimSpace(parts[1])})
	}
	return out
}
