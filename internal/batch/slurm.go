package batch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type slurmAdaptor struct {
	cfg Config
}

func newSlurm(cfg Config) Adaptor { return slurmAdaptor{cfg: cfg} }

func (slurmAdaptor) Name() string { return "slurm" }

func (a slurmAdaptor) CreateSubmitScript(msg Message) ([]string, error) {
	lines := []string{"#!/bin/bash"}
	jobName := SanitizeJobName(msg, a.cfg.DefaultJobName)
	lines = append(lines, fmt.Sprintf("#SBATCH --job-name=%s", jobName))

	if v := msg.Get("EMAIL", ""); v != "" {
		lines = append(lines, fmt.Sprintf("#SBATCH --mail-user=%s", v), "#SBATCH --mail-type=ALL")
	}
	if v := msg.Get("OUTCOME_DIR", ""); v != "" {
		lines = append(lines, fmt.Sprintf("#SBATCH --chdir=%s", v))
	}
	if v := msg.Get("PROJECT", ""); v != "" {
		lines = append(lines, fmt.Sprintf("#SBATCH --account=%s", v))
	}
	if v := msg.Get("STDOUT", ""); v != "" {
		lines = append(lines, fmt.Sprintf("#SBATCH --output=%s", v))
	}
	if v := msg.Get("STDERR", ""); v != "" {
		lines = append(lines, fmt.Sprintf("#SBATCH --error=%s", v))
	}
	if v := msg.Get("MEMORY", ""); v != "" {
		lines = append(lines, fmt.Sprintf("#SBATCH --mem=%sM", v))
	}
	if v := msg.Get("NODES", ""); v != "" {
		lines = append(lines, fmt.Sprintf("#SBATCH --nodes=%s", v))
	}
	if v := msg.Get("PROCESSORS_PER_NODE", ""); v != "" {
		lines = append(lines, fmt.Sprintf("#SBATCH --ntasks-per-node=%s", v))
	} else if v := msg.Get("TOTAL_PROCESSORS", ""); v != "" {
		lines = append(lines, fmt.Sprintf("#SBATCH --ntasks=%s", v))
	}
	if v := msg.Get("QUEUE", ""); v != "" {
		lines = append(lines, fmt.Sprintf("#SBATCH --partition=%s", v))
	}
	if v := msg.Get("QOS", ""); v != "" {
		lines = append(lines, fmt.Sprintf("#SBATCH --qos=%s", v))
	}
	if v := msg.Get("RESERVATION_REFERENCE", ""); v != "" {
		lines = append(lines, fmt.Sprintf("#SBATCH --reservation=%s", v))
	}
	if v := msg.Get("TIME", ""); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			lines = append(lines, fmt.Sprintf("#SBATCH --time=%d", (secs+59)/60))
		}
	}
	if v := msg.Get("GPUS_PER_NODE", ""); v != "" {
		lines = append(lines, fmt.Sprintf("#SBATCH --gpus-per-node=%s", v))
	}
	if v := msg.Get("ARRAY", ""); v != "" {
		spec := v
		if lim := msg.Get("ARRAY_LIMIT", ""); lim != "" {
			spec = fmt.Sprintf("%s%%%s", v, lim)
		}
		lines = append(lines, fmt.Sprintf("#SBATCH --array=%s", spec))
	}
	if msg.Get("SSR_EXCLUSIVE", "") == "true" {
		lines = append(lines, "#SBATCH --exclusive")
	}
	if v := msg.Get("SSR_COMMENT", ""); v != "" {
		lines = append(lines, fmt.Sprintf("#SBATCH --comment=%s", v))
	}
	nodesFilter := a.cfg.NodesFilter
	if nodesFilter != "" {
		lines = append(lines, fmt.Sprintf("#SBATCH --nodelist=%s", nodesFilter))
	}

	lines = append(lines, "", msg["SCRIPT"])
	return lines, nil
}

func (a slurmAdaptor) CreateAllocScript(msg Message) ([]string, error) {
	allocCmd := a.cfg.AllocCmd
	if allocCmd == "" {
		allocCmd = "salloc"
	}
	return []string{
		"#!/bin/bash",
		fmt.Sprintf("%s > alloc_stdout 2>&1 &", allocCmd),
		"echo $! > PID_FILE",
	}, nil
}

var slurmJobIDRe = regexp.MustCompile(`Submitted\D*(\d+)\D*`)

func (slurmAdaptor) ExtractJobID(out string) (string, error) {
	return extractFirstInt(slurmJobIDRe, out)
}

// slurmQueueLineRe matches squeue -h -o "%i %T %P" output, including
// array-id suffixes like "177071_[0-99]" or "177071_5".
var slurmQueueLineRe = regexp.MustCompile(`^(\d+)(?:_\S+)?\s+(\S+)\s+(\S+)$`)

func (a slurmAdaptor) ParseStatusListing(text string) []Entry {
	var entries []Entry
	for _, line := range scanLines(text) {
		m := slurmQueueLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		entries = append(entries, Entry{ID: m[1], State: a.ConvertStatus(m[2]), Queue: m[3]})
	}
	return ResolveListing(entries)
}

// slurmStateTable maps squeue's raw %T state codes to the normalized
// states above.
var slurmStateTable = map[string]string{
	"PREEMPTED":     StateSuspended,
	"STOPPED":       StateSuspended,
	"SUSPENDED":     StateSuspended,
	"CONFIGURING":   StateQueued,
	"PENDING":       StateQueued,
	"RESV_DEL_HOLD": StateQueued,
	"REQUEUE_FED":   StateQueued,
	"REQUEUE_HOLD":  StateQueued,
	"COMPLETING":    StateRunning,
	"RUNNING":       StateRunning,
	"SIGNALING":     StateRunning,
	"STAGE_OUT":     StateRunning,
	"BOOT_FAIL":     StateCompleted,
	"CANCELLED":     StateCompleted,
	"COMPLETED":     StateCompleted,
	"DEADLINE":      StateCompleted,
	"FAILED":        StateCompleted,
	"NODE_FAIL":     StateCompleted,
	"OUT_OF_MEMORY": StateCompleted,
	"REVOKED":       StateCompleted,
	"TIMEOUT":       StateCompleted,
}

func (slurmAdaptor) ConvertStatus(raw string) string {
	if s, ok := slurmStateTable[strings.ToUpper(raw)]; ok {
		return s
	}
	return StateUnknown
}

func (slurmAdaptor) SubmitCommand(scriptPath string) (string, []string) {
	return "sbatch", []string{scriptPath}
}
func (a slurmAdaptor) AbortCommand(id string) (string, []string) {
	return cmdOr(a.cfg.AbortCmd, "scancel"), []string{id}
}
func (a slurmAdaptor) HoldCommand(id string) (string, []string) {
	return cmdOr(a.cfg.HoldCmd, "scontrol"), []string{"hold", id}
}
func (a slurmAdaptor) ResumeCommand(id string) (string, []string) {
	return cmdOr(a.cfg.ResumeCmd, "scontrol"), []string{"release", id}
}
func (a slurmAdaptor) DetailsCommand(id string) (string, []string) {
	return cmdOr(a.cfg.DetailsCmd, "scontrol"), []string{"show", "job", id}
}
func (a slurmAdaptor) ListingCommand() (string, []string) {
	return cmdOr(a.cfg.QstatCmd, "squeue"), []string{"-h", "-o", "%i %T %P"}
}

func cmdOr(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}
