package batch

import (
	"fmt"
	"regexp"
	"strconv"
)

type lsfAdaptor struct {
	cfg Config
}

func newLSF(cfg Config) Adaptor { return lsfAdaptor{cfg: cfg} }

func (lsfAdaptor) Name() string { return "lsf" }

func (a lsfAdaptor) CreateSubmitScript(msg Message) ([]string, error) {
	var lines []string

	if email := msg.Get("EMAIL", ""); email != "" {
		lines = append(lines, fmt.Sprintf("#BSUB -B -N -u %s", email))
	}
	if q := msg.Get("QUEUE", ""); q != "" {
		lines = append(lines, fmt.Sprintf("#BSUB -q %s", q))
	}
	if p := msg.Get("PROJECT", ""); p != "" {
		lines = append(lines, fmt.Sprintf("#BSUB -P %s", p))
	}

	slots := 0
	if v := msg.Get("TOTAL_PROCESSORS", ""); v != "" {
		slots, _ = strconv.Atoi(v)
	} else if nodes, ppn := msg.Get("NODES", ""), msg.Get("PROCESSORS_PER_NODE", ""); nodes != "" && ppn != "" {
		n, _ := strconv.Atoi(nodes)
		p, _ := strconv.Atoi(ppn)
		if n > 0 && p > 0 {
			slots = n * p
			lines = append(lines, fmt.Sprintf("#BSUB -R \"span[ptile=%s]\"", ppn))
		}
	}
	if slots > 0 {
		lines = append(lines, fmt.Sprintf("#BSUB -n %d", slots))
	}

	if gpus := msg.Get("GPUS_PER_NODE", ""); gpus != "" {
		if n, err := strconv.Atoi(gpus); err == nil && n > 0 {
			lines = append(lines, fmt.Sprintf("#BSUB -gpu \"num=%d:j_exclusive=yes\"", n))
		}
	}

	if t := msg.Get("TIME", ""); t != "" {
		if secs, err := strconv.Atoi(t); err == nil {
			lines = append(lines, fmt.Sprintf("#BSUB -W %d", secs/60))
		}
	}

	if res := msg.Get("RESERVATION_REFERENCE", ""); res != "" {
		lines = append(lines, fmt.Sprintf("#BSUB -U %s", res))
	}

	jobName := SanitizeJobName(msg, a.cfg.DefaultJobName)
	stdout := msg.Get("STDOUT", "stdout")
	stderr := msg.Get("STDERR", "stderr")
	if arr := msg.Get("ARRAY", ""); arr != "" {
		spec := "[" + arr + "]"
		if lim := msg.Get("ARRAY_LIMIT", ""); lim != "" {
			spec += "%" + lim
		}
		lines = append(lines,
			fmt.Sprintf("#BSUB -J \"%s%s\"", jobName, spec),
			`UC_ARRAY_TASK_ID="$LSB_JOB_INDEX"; export UC_ARRAY_TASK_ID`)
		stdout += "%I"
		stderr += "%I"
	} else {
		lines = append(lines, fmt.Sprintf("#BSUB -J %s", jobName))
	}

	outcomeDir := msg.Get("OUTCOME_DIR", ".")
	lines = append(lines,
		fmt.Sprintf("#BSUB -o %s/%s", outcomeDir, stdout),
		fmt.Sprintf("#BSUB -e %s/%s", outcomeDir, stderr))

	if umask := msg.Get("UMASK", ""); umask != "" {
		lines = append(lines, fmt.Sprintf("umask %s", umask))
	}

	lines = append(lines, "", msg["SCRIPT"])
	return lines, nil
}

func (a lsfAdaptor) CreateAllocScript(msg Message) ([]string, error) {
	allocCmd := cmdOr(a.cfg.AllocCmd, "bsub -Is")
	return []string{
		"#!/bin/bash",
		fmt.Sprintf("%s > alloc_stdout 2>&1 &", allocCmd),
		"echo $! > PID_FILE",
	}, nil
}

// LSF's job id appears as the first numeric token in bsub's stdout.
var lsfJobIDRe = regexp.MustCompile(`(\d+)`)

func (lsfAdaptor) ExtractJobID(out string) (string, error) {
	return extractFirstInt(lsfJobIDRe, out)
}

var lsfListingRe = regexp.MustCompile(`^\s*(\d+)\s+\S+\s+(\w+)\s+(\w+)`)

func (a lsfAdaptor) ParseStatusListing(text string) []Entry {
	var entries []Entry
	for _, line := range scanLines(text) {
		m := lsfListingRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		entries = append(entries, Entry{ID: m[1], State: a.ConvertStatus(m[2]), Queue: m[3]})
	}
	return ResolveListing(entries)
}

var lsfStateTable = map[string]string{
	"PEND": StateQueued, "WAIT": StateQueued, "ZOMBI": StateQueued,
	"RUN": StateRunning, "POST_DONE": StateRunning, "POST_ERR": StateRunning,
	"PSUSP": StateSuspended, "USUSP": StateSuspended, "SSUSP": StateSuspended,
	"DONE": StateCompleted, "EXIT": StateCompleted,
}

func (lsfAdaptor) ConvertStatus(raw string) string {
	if s, ok := lsfStateTable[raw]; ok {
		return s
	}
	return StateUnknown
}

func (a lsfAdaptor) SubmitCommand(scriptPath string) (string, []string) {
	// LSF's submit_cmd is "bsub <", i.e. the script is fed on stdin; the
	// production CommandRunner (execRunner.Run) opens the file named after
	// a leading "<" argument and feeds it to the command's stdin.
	return "bsub", []string{"<", scriptPath}
}
func (a lsfAdaptor) AbortCommand(id string) (string, []string) {
	return cmdOr(a.cfg.AbortCmd, "bkill"), []string{id}
}
func (a lsfAdaptor) HoldCommand(id string) (string, []string) {
	return cmdOr(a.cfg.HoldCmd, "bstop"), []string{id}
}
func (a lsfAdaptor) ResumeCommand(id string) (string, []string) {
	return cmdOr(a.cfg.ResumeCmd, "bresume"), []string{id}
}
func (a lsfAdaptor) DetailsCommand(id string) (string, []string) {
	return cmdOr(a.cfg.DetailsCmd, "bjobs"), []string{"-l", id}
}
func (a lsfAdaptor) ListingCommand() (string, []string) {
	return cmdOr(a.cfg.QstatCmd, "bjobs"), []string{"-w", "-u", "all"}
}
