// Package batch implements the Batch Adaptor (C7): one Adaptor
// implementation per supported batch system (Slurm, Torque, LSF,
// LoadLeveler, NOBATCH), selected once at startup by config's
// batch_variant. There is no dynamic dispatch beyond that one-time
// selection and no shared mutable state between variants — each
// Adaptor value is self-contained per worker process rather than
// reaching for a class hierarchy with runtime dispatch.
package batch

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
)

// Normalized job states, common to every batch variant.
const (
	StateQueued    = "QUEUED"
	StateRunning   = "RUNNING"
	StateSuspended = "SUSPENDED"
	StateCompleted = "COMPLETED"
	StateUnknown   = "UNKNOWN"
)

// stateRank implements the conflict-resolution order: when the same job
// id appears more than once in a listing, the state with the highest
// index in [COMPLETED, QUEUED, SUSPENDED, RUNNING] wins.
var stateRank = map[string]int{
	StateCompleted: 0,
	StateQueued:    1,
	StateSuspended: 2,
	StateRunning:   3,
}

// Message is the set of #TSI_<NAME> tags relevant to batch operations,
// as parsed by the dispatcher from a worker control message.
type Message map[string]string

// Get returns the tag value or def if absent.
func (m Message) Get(name, def string) string {
	if v, ok := m[name]; ok && v != "" {
		return v
	}
	return def
}

// CommandRunner executes an external command and captures its output.
// The production implementation runs exec.Command; tests substitute a
// fake.
type CommandRunner interface {
	Run(name string, args ...string) (stdout string, stderr string, err error)
	RunShell(command string) (stdout string, stderr string, err error)

	// RunShellBackground starts command detached (new session, so it
	// survives the worker's own lifetime) and returns immediately with
	// its pid, for the allocate/NOBATCH submit paths that must not block
	// the dispatcher on the job's runtime.
	RunShellBackground(command string) (pid int, err error)
}

// execRunner is the production CommandRunner, backed by os/exec.
type execRunner struct{}

// NewExecRunner returns the production CommandRunner.
func NewExecRunner() CommandRunner { return execRunner{} }

func (execRunner) Run(name string, args ...string) (string, string, error) {
	cmd := exec.Command(name, args...)
	// Arguments "<", path (LSF's "bsub < script") feed path on stdin.
	if len(args) == 2 && args[0] == "<" {
		f, err := os.Open(args[1])
		if err != nil {
			return "", "", err
		}
		defer f.Close()
		cmd = exec.Command(name)
		cmd.Stdin = f
	}
	var out, errBuf strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return out.String(), errBuf.String(), err
}

func (execRunner) RunShell(command string) (string, string, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	var out, errBuf strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return out.String(), errBuf.String(), err
}

func (execRunner) RunShellBackground(command string) (int, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }() // reap to avoid a zombie; caller polls job state via the BSS, not this exit status
	return pid, nil
}

// Entry is one normalized listing row.
type Entry struct {
	ID    string
	State string
	Queue string
}

// Adaptor is the batch-system abstraction every variant implements.
type Adaptor interface {
	// Name identifies the variant, e.g. "slurm".
	Name() string

	// CreateSubmitScript builds the script-plus-directives lines for a
	// normal-mode submission.
	CreateSubmitScript(msg Message) ([]string, error)

	// CreateAllocScript builds the lines for allocate-mode submission.
	CreateAllocScript(msg Message) ([]string, error)

	// ExtractJobID parses the variant's submit-command output for a job id.
	ExtractJobID(submitOutput string) (string, error)

	// ParseStatusListing turns raw listing text into normalized Entries.
	ParseStatusListing(text string) []Entry

	// ConvertStatus maps one variant-specific raw state to a normalized one.
	ConvertStatus(raw string) string

	// SubmitCommand, AbortCommand, etc. return the argv for each control
	// operation, for the dispatcher to run via the configured CommandRunner.
	SubmitCommand(scriptPath string) (name string, args []string)
	AbortCommand(id string) (name string, args []string)
	HoldCommand(id string) (name string, args []string)
	ResumeCommand(id string) (name string, args []string)
	DetailsCommand(id string) (name string, args []string)
	ListingCommand() (name string, args []string)
}

// jobNamePattern is the job-name validation regex.
var jobNamePattern = regexp.MustCompile(`^[a-zA-Z][\w.:=~/-]{0,14}$`)

// SanitizeJobName returns msg's JOBNAME if it matches jobNamePattern,
// else the configured default.
func SanitizeJobName(msg Message, defaultJobName string) string {
	name := msg.Get("JOBNAME", "")
	if name != "" && jobNamePattern.MatchString(name) {
		return name
	}
	if defaultJobName != "" {
		return defaultJobName
	}
	return "UNICORE_job"
}

// ResolveListing applies the stateRank conflict-resolution rule across
// possibly-duplicate job ids in one listing (e.g. array job steps): for
// each id, keep the entry whose state ranks highest in
// [COMPLETED, QUEUED, SUSPENDED, RUNNING].
func ResolveListing(entries []Entry) []Entry {
	best := make(map[string]Entry, len(entries))
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		cur, ok := best[e.ID]
		if !ok {
			best[e.ID] = e
			order = append(order, e.ID)
			continue
		}
		if stateRank[e.State] > stateRank[cur.State] {
			best[e.ID] = e
		}
	}
	out := make([]Entry, 0, len(order))
	for _, id := range order {
		out = append(out, best[id])
	}
	return out
}

// FormatListing renders entries as the QSTAT wire format:
// "QSTAT\n" + " <id> <STATE> <queue>\n" rows.
func FormatListing(entries []Entry) string {
	var b strings.Builder
	b.WriteString("QSTAT\n")
	for _, e := range entries {
		fmt.Fprintf(&b, " %s %s %s\n", e.ID, e.State, e.Queue)
	}
	return b.String()
}

// extractFirstInt runs re against text and returns the first capture
// group as a string (job ids are not always purely numeric, so this
// stays a string rather than parsing an int).
func extractFirstInt(re *regexp.Regexp, text string) (string, error) {
	m := re.FindStringSubmatch(text)
	if len(m) < 2 {
		return "", fmt.Errorf("batch: no job id found in submit output %q", strings.TrimSpace(text))
	}
	return m[1], nil
}

// scanLines splits text into non-empty trimmed lines.
func scanLines(text string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// New selects an Adaptor by config's batch_variant name.
func New(variant string, cfg Config) (Adaptor, error) {
	switch strings.ToLower(variant) {
	case "slurm":
		return newSlurm(cfg), nil
	case "torque":
		return newTorque(cfg), nil
	case "lsf":
		return newLSF(cfg), nil
	case "loadleveler":
		return newLoadLeveler(cfg), nil
	case "nobatch", "":
		return newNoBatch(cfg), nil
	default:
		return nil, fmt.Errorf("batch: unknown batch_variant %q", variant)
	}
}

// Config is the subset of broker configuration the adaptors need,
// kept separate from internal/config to avoid an import cycle (batch
// is lower-level than the dispatcher that wires config in).
type Config struct {
	SubmitCmd, QstatCmd, DetailsCmd, AbortCmd, HoldCmd, ResumeCmd, AllocCmd, GetProcessesCmd string
	DefaultJobName, NodesFilter                                                             string
}
