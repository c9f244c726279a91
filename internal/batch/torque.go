package batch

import (
	"fmt"
	"regexp"
)

type torqueAdaptor struct {
	cfg Config
}

func newTorque(cfg Config) Adaptor { return torqueAdaptor{cfg: cfg} }

func (torqueAdaptor) Name() string { return "torque" }

func (a torqueAdaptor) CreateSubmitScript(msg Message) ([]string, error) {
	jobName := SanitizeJobName(msg, a.cfg.DefaultJobName)
	lines := []string{"#!/bin/bash", fmt.Sprintf("#PBS -N %s", jobName)}

	if q := msg.Get("QUEUE", ""); q != "" {
		lines = append(lines, fmt.Sprintf("#PBS -q %s", q))
	}
	if p := msg.Get("PROJECT", ""); p != "" {
		lines = append(lines, fmt.Sprintf("#PBS -A %s", p))
	}

	nodesFilter := ""
	if a.cfg.NodesFilter != "" {
		nodesFilter = ":" + a.cfg.NodesFilter
		if u := msg.Get("BSS_NODES_FILTER", ""); u != "" {
			nodesFilter += ":" + u
		}
	}
	if nodes := msg.Get("NODES", ""); nodes != "" && nodes != "0" {
		ppn := msg.Get("PROCESSORS_PER_NODE", "1")
		lines = append(lines, fmt.Sprintf("#PBS -l nodes=%s:ppn=%s%s", nodes, ppn, nodesFilter))
	}
	if v := msg.Get("TIME", ""); v != "" {
		lines = append(lines, fmt.Sprintf("#PBS -l walltime=%s", v))
	}

	if email := msg.Get("EMAIL", ""); email != "" {
		lines = append(lines, fmt.Sprintf("#PBS -m abe -M %s", email))
	} else {
		lines = append(lines, "#PBS -m n")
	}

	if res := msg.Get("RESERVATION_REFERENCE", ""); res != "" {
		lines = append(lines, fmt.Sprintf("#PBS -W x=FLAGS:ADVRES:%s", res))
	}

	stdout := msg.Get("STDOUT", "stdout")
	stderr := msg.Get("STDERR", "stderr")
	if arr := msg.Get("ARRAY", ""); arr != "" {
		spec := arr
		if lim := msg.Get("ARRAY_LIMIT", ""); lim != "" {
			spec = fmt.Sprintf("%s%%%s", arr, lim)
		}
		lines = append(lines,
			fmt.Sprintf("#PBS -t %s", spec),
			`UC_ARRAY_TASK_ID="$PBS_ARRAYID"; export UC_ARRAY_TASK_ID`)
		stdout += "$PBS_ARRAYID"
		stderr += "$PBS_ARRAYID"
	}

	outcomeDir := msg.Get("OUTCOME_DIR", ".")
	lines = append(lines,
		fmt.Sprintf("#PBS -o %s/%s", outcomeDir, stdout),
		fmt.Sprintf("#PBS -e %s/%s", outcomeDir, stderr),
		fmt.Sprintf("#PBS -d %s", msg.Get("USPACE_DIR", outcomeDir)),
	)
	if umask := msg.Get("UMASK", ""); umask != "" {
		lines = append(lines, fmt.Sprintf("#PBS -W umask=%s", umask))
	}

	lines = append(lines, "", msg["SCRIPT"])
	return lines, nil
}

func (a torqueAdaptor) CreateAllocScript(msg Message) ([]string, error) {
	allocCmd := cmdOr(a.cfg.AllocCmd, "qsub -I")
	return []string{
		"#!/bin/bash",
		fmt.Sprintf("%s > alloc_stdout 2>&1 &", allocCmd),
		"echo $! > PID_FILE",
	}, nil
}

var torqueJobIDRe = regexp.MustCompile(`(\d+)\.\S+`)

func (torqueAdaptor) ExtractJobID(out string) (string, error) {
	return extractFirstInt(torqueJobIDRe, out)
}

// torqueListingRe matches `qstat -a` rows:
// 16522.host jdoe batch New_Script 1234 1 1 4gb 01:00:00 R 00:10:00
var torqueListingRe = regexp.MustCompile(`\s*(\d+)\.\S+\s+\S+\s+(\S+)\s+\S+\s+\S+\s+\S+\s+\S+\s+\S+\s+\S+\s+([CEHQRTWS]+)\s+\S+`)

func (a torqueAdaptor) ParseStatusListing(text string) []Entry {
	var entries []Entry
	for _, line := range scanLines(text) {
		m := torqueListingRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		entries = append(entries, Entry{ID: m[1], State: a.ConvertStatus(m[3]), Queue: m[2]})
	}
	return ResolveListing(entries)
}

// torqueStateTable maps Torque's single-letter job states:
// C completed, E exiting, H held, Q queued, R running, T being moved,
// W waiting for execution time, S suspended.
var torqueStateTable = map[string]string{
	"Q": StateQueued, "T": StateQueued, "W": StateQueued,
	"E": StateRunning, "R": StateRunning,
	"S": StateSuspended, "H": StateSuspended,
	"C": StateCompleted,
}

func (torqueAdaptor) ConvertStatus(raw string) string {
	if s, ok := torqueStateTable[raw]; ok {
		return s
	}
	return StateUnknown
}

func (torqueAdaptor) SubmitCommand(scriptPath string) (string, []string) {
	return "qsub", []string{scriptPath}
}
func (a torqueAdaptor) AbortCommand(id string) (string, []string) {
	return cmdOr(a.cfg.AbortCmd, "qdel"), []string{id}
}
func (a torqueAdaptor) HoldCommand(id string) (string, []string) {
	return cmdOr(a.cfg.HoldCmd, "qhold"), []string{id}
}
func (a torqueAdaptor) ResumeCommand(id string) (string, []string) {
	return cmdOr(a.cfg.ResumeCmd, "qrls"), []string{id}
}
func (a torqueAdaptor) DetailsCommand(id string) (string, []string) {
	return cmdOr(a.cfg.DetailsCmd, "qstat"), []string{"-f", id}
}
func (a torqueAdaptor) ListingCommand() (string, []string) {
	return cmdOr(a.cfg.QstatCmd, "qstat"), []string{"-a"}
}
