// Package config loads and validates the TSI broker's configuration.
//
// Configuration file: a flat properties file (default
// /etc/tsi/tsi.properties). Lines matching
// ^\s*[A-Za-z0-9._/-]+\s*=\s*.*$ are recognized; everything else
// (blank lines, lines starting with '#' or ';') is ignored.
//
// List-valued keys (allowed_orchestrator_hosts, keyfiles) split on ',' or
// ':'. Dotted-prefix keys collapse into maps:
//
//	acl.<path>        = NONE|POSIX|NFS        → ACLMap[path]
//	allowed_dn.<tag>  = <RFC DN>               → AllowedDNs[tag]
//
// Reload: on SIGHUP, cmd/tsi re-runs Load() and Validate() on the file
// and logs the result; the running shepherd keeps the config it started
// with whether or not the file is valid (see cmd/tsi).
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Version, GitCommit, BuildTime are injected at link time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// keyLine matches a single recognized properties-file line.
var keyLine = regexp.MustCompile(`^\s*([A-Za-z0-9._/-]+)\s*=\s*(.*?)\s*$`)

// Config is the root configuration for the TSI broker. All fields have
// defaults; see Defaults().
type Config struct {
	// ListenAddr/ListenPort are the shepherd's listen address/port.
	ListenAddr string
	ListenPort int

	// DisableIPv6 forces IPv4-only listening even when dual-stack is available.
	DisableIPv6 bool

	// LocalPortFirst/Lo/Hi is the outbound local port range used for
	// callbacks to UX and for forwarded service connections.
	LocalPortFirst int
	LocalPortLo    int
	LocalPortHi    int

	// TLS material. Empty Keystore disables TLS (plaintext listener).
	Keystore         string
	KeystorePassword string
	Certificate      string
	Truststore       string

	// AllowedDNs is tag → set of RDN "attr=value" pairs that must all be
	// present (case-sensitive) in a peer certificate's subject for the
	// connection to be authorized. Empty map = default-allow.
	AllowedDNs map[string][]string

	// AllowedOrchestratorHosts are hostnames resolved at startup into the
	// IP allow-list enforced by the TLS/ACL gate (C3).
	AllowedOrchestratorHosts []string

	// UserCacheTTL bounds freshness of cached uid/gid/home lookups (C1).
	UserCacheTTL time.Duration

	// EnforceOSGids requires group-membership validation against the OS
	// during identity switching (C2).
	EnforceOSGids bool

	// FailOnInvalidGids: when EnforceOSGids rejects a requested group,
	// abort (true) instead of silently falling back to the OS default (false).
	FailOnInvalidGids bool

	// UseIDToResolveGids selects the `id -G <user>` helper over group
	// database enumeration for supplementary-group resolution (C1).
	UseIDToResolveGids bool

	// SwitchUID gates whether the dispatcher performs privileged identity
	// switching at all (C2, C6).
	SwitchUID bool

	// OpenUserSessions gates PAM session open/close around handlers that
	// need cgroup-correct placement (C6).
	OpenUserSessions bool

	// PAMModule names the PAM service used when OpenUserSessions is set.
	PAMModule string

	// UseLoginShell selects the user's login shell (vs. a bare /bin/sh)
	// for EXECUTESCRIPT/RUN_ON_LOGIN_NODE.
	UseLoginShell bool

	// SafeDir is the directory the dispatcher chdir()s into before
	// processing each message (C6 step 1).
	SafeDir string

	// ACLMap maps path prefixes to ACL backend: NONE, POSIX, NFS (C9).
	ACLMap map[string]string

	GetFACLCmd string
	SetFACLCmd string

	// Batch command templates (C7).
	SubmitCmd       string
	QstatCmd        string
	DetailsCmd      string
	AbortCmd        string
	HoldCmd         string
	ResumeCmd       string
	AllocCmd        string
	GetProcessesCmd string

	// BatchVariant selects the adaptor: slurm, torque, lsf, loadleveler, nobatch.
	BatchVariant string

	DefaultJobName string
	NodesFilter    string

	// KeyFiles are relative paths uploaded alongside the job uspace.
	KeyFiles []string

	// PortForwardingRateLimit is in bytes/s; 0 = unlimited (C10).
	PortForwardingRateLimit int64

	// UnicorexPortOverride overrides the UX callback port when non-zero.
	UnicorexPortOverride int

	Observability ObservabilityConfig
	Audit         AuditConfig
}

// ObservabilityConfig configures structured logging and the metrics endpoint.
type ObservabilityConfig struct {
	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

// AuditConfig configures the ambient bbolt-backed command ledger.
type AuditConfig struct {
	Enabled       bool
	DBPath        string
	RetentionDays int
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		ListenAddr:     "0.0.0.0",
		ListenPort:     4433,
		DisableIPv6:    false,
		LocalPortFirst: 30000,
		LocalPortLo:    30000,
		LocalPortHi:    39999,

		AllowedDNs:               map[string][]string{},
		AllowedOrchestratorHosts: nil,

		UserCacheTTL:       300 * time.Second,
		EnforceOSGids:      false,
		FailOnInvalidGids:  false,
		UseIDToResolveGids: false,
		SwitchUID:          true,
		OpenUserSessions:   false,
		PAMModule:          "tsi",
		UseLoginShell:      false,
		SafeDir:            "/tmp",

		ACLMap:     map[string]string{},
		GetFACLCmd: "/usr/bin/getfacl",
		SetFACLCmd: "/usr/bin/setfacl",

		SubmitCmd:       "/usr/bin/sbatch",
		QstatCmd:        "/usr/bin/squeue",
		DetailsCmd:      "/usr/bin/scontrol",
		AbortCmd:        "/usr/bin/scancel",
		HoldCmd:         "/usr/bin/scontrol",
		ResumeCmd:       "/usr/bin/scontrol",
		AllocCmd:        "/usr/bin/salloc",
		GetProcessesCmd: "/bin/ps",
		BatchVariant:    "nobatch",
		DefaultJobName:  "UNICORE_job",

		PortForwardingRateLimit: 0,
		UnicorexPortOverride:    0,

		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsAddr: "127.0.0.1:9092",
		},
		Audit: AuditConfig{
			Enabled:       true,
			DBPath:        "/var/lib/tsi/audit.db",
			RetentionDays: 30,
		},
	}
}

// Load reads, parses, and validates a properties-format config file at path.
// The returned Config is Defaults() overridden by whatever keys are present.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: open %q: %w", path, err)
	}
	defer f.Close()

	raw := map[string]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, ";") {
			continue
		}
		m := keyLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		raw[m[1]] = m[2]
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	applyRaw(&cfg, raw)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// applyRaw merges the parsed key/value pairs into cfg, handling list and
// dotted-prefix keys per the grammar documented on Config.
func applyRaw(cfg *Config, raw map[string]string) {
	for k, v := range raw {
		switch {
		case k == "listen_addr":
			cfg.ListenAddr = v
		case k == "listen_port":
			cfg.ListenPort = atoiDefault(v, cfg.ListenPort)
		case k == "disable_ipv6":
			cfg.DisableIPv6 = parseBool(v)
		case k == "local_portrange":
			lo, hi := splitRange(v)
			cfg.LocalPortFirst, cfg.LocalPortLo, cfg.LocalPortHi = lo, lo, hi
		case k == "keystore":
			cfg.Keystore = v
		case k == "keystore_password":
			cfg.KeystorePassword = v
		case k == "certificate":
			cfg.Certificate = v
		case k == "truststore":
			cfg.Truststore = v
		case strings.HasPrefix(k, "allowed_dn."):
			tag := strings.TrimPrefix(k, "allowed_dn.")
			cfg.AllowedDNs[tag] = splitRDNs(v)
		case k == "allowed_orchestrator_hosts":
			cfg.AllowedOrchestratorHosts = splitList(v)
		case k == "user_cache_ttl":
			cfg.UserCacheTTL = time.Duration(atoiDefault(v, 300)) * time.Second
		case k == "enforce_os_gids":
			cfg.EnforceOSGids = parseBool(v)
		case k == "fail_on_invalid_gids":
			cfg.FailOnInvalidGids = parseBool(v)
		case k == "use_id_to_resolve_gids":
			cfg.UseIDToResolveGids = parseBool(v)
		case k == "switch_uid":
			cfg.SwitchUID = parseBool(v)
		case k == "open_user_sessions":
			cfg.OpenUserSessions = parseBool(v)
		case k == "pam_module":
			cfg.PAMModule = v
		case k == "use_login_shell":
			cfg.UseLoginShell = parseBool(v)
		case k == "safe_dir":
			cfg.SafeDir = v
		case strings.HasPrefix(k, "acl."):
			cfg.ACLMap[strings.TrimPrefix(k, "acl.")] = v
		case k == "getfacl_cmd":
			cfg.GetFACLCmd = v
		case k == "setfacl_cmd":
			cfg.SetFACLCmd = v
		case k == "submit_cmd":
			cfg.SubmitCmd = v
		case k == "qstat_cmd":
			cfg.QstatCmd = v
		case k == "details_cmd":
			cfg.DetailsCmd = v
		case k == "abort_cmd":
			cfg.AbortCmd = v
		case k == "hold_cmd":
			cfg.HoldCmd = v
		case k == "resume_cmd":
			cfg.ResumeCmd = v
		case k == "alloc_cmd":
			cfg.AllocCmd = v
		case k == "get_processes_cmd":
			cfg.GetProcessesCmd = v
		case k == "batch_variant":
			cfg.BatchVariant = v
		case k == "default_job_name":
			cfg.DefaultJobName = v
		case k == "nodes_filter":
			cfg.NodesFilter = v
		case k == "keyfiles":
			cfg.KeyFiles = splitList(v)
		case k == "port_forwarding_rate_limit":
			n, _ := strconv.ParseInt(v, 10, 64)
			cfg.PortForwardingRateLimit = n
		case k == "unicorex_port_override":
			cfg.UnicorexPortOverride = atoiDefault(v, 0)
		case k == "observability.log_level":
			cfg.Observability.LogLevel = v
		case k == "observability.log_format":
			cfg.Observability.LogFormat = v
		case k == "observability.metrics_addr":
			cfg.Observability.MetricsAddr = v
		case k == "audit.enabled":
			cfg.Audit.Enabled = parseBool(v)
		case k == "audit.db_path":
			cfg.Audit.DBPath = v
		case k == "audit.retention_days":
			cfg.Audit.RetentionDays = atoiDefault(v, cfg.Audit.RetentionDays)
		}
	}
}

// ApplyOverrides merges override key/value pairs into cfg using the same
// grammar as the properties file. The shepherd's "set KEY VALUE" control
// verb uses this to build each forked worker's config snapshot without
// touching the on-disk file (see internal/shepherd).
func ApplyOverrides(cfg *Config, overrides map[string]string) {
	applyRaw(cfg, overrides)
}

// WriteProperties serializes cfg back into the properties grammar Load
// parses, so a later Load(path) on the written file reconstructs an
// equivalent Config. Used by the shepherd to snapshot its config
// (including any "set" overrides) for re-exec'd children.
func WriteProperties(w io.Writer, cfg *Config) error {
	bw := bufio.NewWriter(w)
	line := func(k, v string) { fmt.Fprintf(bw, "%s=%s\n", k, v) }
	lineBool := func(k string, v bool) { line(k, strconv.FormatBool(v)) }
	lineInt := func(k string, v int) { line(k, strconv.Itoa(v)) }

	line("listen_addr", cfg.ListenAddr)
	lineInt("listen_port", cfg.ListenPort)
	lineBool("disable_ipv6", cfg.DisableIPv6)
	line("local_portrange", fmt.Sprintf("%d:%d", cfg.LocalPortLo, cfg.LocalPortHi))
	line("keystore", cfg.Keystore)
	line("keystore_password", cfg.KeystorePassword)
	line("certificate", cfg.Certificate)
	line("truststore", cfg.Truststore)
	for tag, rdns := range cfg.AllowedDNs {
		line("allowed_dn."+tag, strings.Join(rdns, ","))
	}
	line("allowed_orchestrator_hosts", strings.Join(cfg.AllowedOrchestratorHosts, ","))
	lineInt("user_cache_ttl", int(cfg.UserCacheTTL.Seconds()))
	lineBool("enforce_os_gids", cfg.EnforceOSGids)
	lineBool("fail_on_invalid_gids", cfg.FailOnInvalidGids)
	lineBool("use_id_to_resolve_gids", cfg.UseIDToResolveGids)
	lineBool("switch_uid", cfg.SwitchUID)
	lineBool("open_user_sessions", cfg.OpenUserSessions)
	line("pam_module", cfg.PAMModule)
	lineBool("use_login_shell", cfg.UseLoginShell)
	line("safe_dir", cfg.SafeDir)
	for path, support := range cfg.ACLMap {
		line("acl."+path, support)
	}
	line("getfacl_cmd", cfg.GetFACLCmd)
	line("setfacl_cmd", cfg.SetFACLCmd)
	line("submit_cmd", cfg.SubmitCmd)
	line("qstat_cmd", cfg.QstatCmd)
	line("details_cmd", cfg.DetailsCmd)
	line("abort_cmd", cfg.AbortCmd)
	line("hold_cmd", cfg.HoldCmd)
	line("resume_cmd", cfg.ResumeCmd)
	line("alloc_cmd", cfg.AllocCmd)
	line("get_processes_cmd", cfg.GetProcessesCmd)
	line("batch_variant", cfg.BatchVariant)
	line("default_job_name", cfg.DefaultJobName)
	line("nodes_filter", cfg.NodesFilter)
	line("keyfiles", strings.Join(cfg.KeyFiles, ","))
	line("port_forwarding_rate_limit", strconv.FormatInt(cfg.PortForwardingRateLimit, 10))
	lineInt("unicorex_port_override", cfg.UnicorexPortOverride)
	line("observability.log_level", cfg.Observability.LogLevel)
	line("observability.log_format", cfg.Observability.LogFormat)
	line("observability.metrics_addr", cfg.Observability.MetricsAddr)
	lineBool("audit.enabled", cfg.Audit.Enabled)
	line("audit.db_path", cfg.Audit.DBPath)
	lineInt("audit.retention_days", cfg.Audit.RetentionDays)

	return bw.Flush()
}

func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1"
}

func atoiDefault(v string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func splitList(v string) []string {
	fields := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ':' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// splitRDNs splits an "attr=value,attr=value" DN entry into its RDN parts.
func splitRDNs(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitRange parses "lo:hi" into (lo, hi). Malformed input yields (0, 0).
func splitRange(v string) (lo, hi int) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	lo, _ = strconv.Atoi(strings.TrimSpace(parts[0]))
	hi, _ = strconv.Atoi(strings.TrimSpace(parts[1]))
	return lo, hi
}

// Validate checks all config fields for correctness, accumulating every
// violation found before returning a single descriptive error.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		errs = append(errs, fmt.Sprintf("listen_port must be in (0, 65535], got %d", cfg.ListenPort))
	}
	if cfg.LocalPortLo > 0 && cfg.LocalPortHi > 0 && cfg.LocalPortLo > cfg.LocalPortHi {
		errs = append(errs, fmt.Sprintf("local_portrange lo (%d) must be <= hi (%d)", cfg.LocalPortLo, cfg.LocalPortHi))
	}
	if cfg.UserCacheTTL < 0 {
		errs = append(errs, "user_cache_ttl must be >= 0")
	}
	if cfg.SafeDir == "" {
		errs = append(errs, "safe_dir must not be empty")
	}
	switch cfg.BatchVariant {
	case "slurm", "torque", "lsf", "loadleveler", "nobatch":
	default:
		errs = append(errs, fmt.Sprintf("batch_variant must be one of slurm|torque|lsf|loadleveler|nobatch, got %q", cfg.BatchVariant))
	}
	if cfg.PortForwardingRateLimit < 0 {
		errs = append(errs, "port_forwarding_rate_limit must be >= 0")
	}
	if cfg.Keystore != "" && cfg.Certificate == "" {
		errs = append(errs, "certificate must be set when keystore is set")
	}
	if cfg.Audit.Enabled && cfg.Audit.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("audit.retention_days must be >= 1, got %d", cfg.Audit.RetentionDays))
	}
	for path, kind := range cfg.ACLMap {
		switch kind {
		case "NONE", "POSIX", "NFS":
		default:
			errs = append(errs, fmt.Sprintf("acl.%s must be NONE|POSIX|NFS, got %q", path, kind))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
