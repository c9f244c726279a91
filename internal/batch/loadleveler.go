package batch

import (
	"fmt"
	"regexp"
	"strconv"
)

type loadLevelerAdaptor struct {
	cfg Config
}

func newLoadLeveler(cfg Config) Adaptor { return loadLevelerAdaptor{cfg: cfg} }

func (loadLevelerAdaptor) Name() string { return "loadleveler" }

func (a loadLevelerAdaptor) CreateSubmitScript(msg Message) ([]string, error) {
	jobName := SanitizeJobName(msg, a.cfg.DefaultJobName)
	lines := []string{"#/bin/sh", fmt.Sprintf("# @ job_name = %s", jobName)}

	if q := msg.Get("QUEUE", ""); q != "" {
		lines = append(lines, fmt.Sprintf("# @ class = %s", q))
	}
	if p := msg.Get("PROJECT", ""); p != "" {
		lines = append(lines, fmt.Sprintf("# @ account_no = %s", p))
	}

	topology := msg.Get("SSR_TOPOLOGY", "Either")
	lines = append(lines, "# @ job_type = bluegene", fmt.Sprintf("# @ bg_connectivity = %s", topology))

	if mem := msg.Get("MEMORY", ""); mem != "" {
		if n, err := strconv.Atoi(mem); err == nil && n > 0 {
			lines = append(lines, fmt.Sprintf("# @ bg_requirements = (Memory>= %d)", n))
		}
	}
	if nodes := msg.Get("NODES", ""); nodes != "" {
		if n, err := strconv.Atoi(nodes); err == nil && n > 0 {
			lines = append(lines, fmt.Sprintf("# @ bg_size = %d", n))
		}
	}

	lines = append(lines, fmt.Sprintf("# @ cpu_limit = %s", msg.Get("TIME", "0")))

	if email := msg.Get("EMAIL", ""); email != "" {
		lines = append(lines, "# @ notification = always", fmt.Sprintf("# @ notify_user = %s", email))
	}
	if res := msg.Get("RESERVATION_REFERENCE", ""); res != "" {
		lines = append(lines, fmt.Sprintf("# @ ll_res_id = %s", res))
	}

	outcomeDir := msg.Get("OUTCOME_DIR", ".")
	lines = append(lines,
		fmt.Sprintf("# @ output = %s/%s", outcomeDir, msg.Get("STDOUT", "stdout")),
		fmt.Sprintf("# @ error = %s/%s", outcomeDir, msg.Get("STDERR", "stderr")))

	if umask := msg.Get("UMASK", ""); umask != "" {
		lines = append(lines, fmt.Sprintf("umask %s", umask))
	}
	lines = append(lines, "# @ comment = UNICORE", "", msg["SCRIPT"])
	return lines, nil
}

func (a loadLevelerAdaptor) CreateAllocScript(msg Message) ([]string, error) {
	allocCmd := cmdOr(a.cfg.AllocCmd, "llsubmit")
	return []string{
		"#/bin/sh",
		fmt.Sprintf("%s > alloc_stdout 2>&1 &", allocCmd),
		"echo $! > PID_FILE",
	}, nil
}

// loadLevelerJobIDRe matches `llsubmit: The job "cluster.host.162588" has
// been submitted.` output, extracting the numeric suffix.
var loadLevelerJobIDRe = regexp.MustCompile(`\D*\.(\d+)\D*`)

func (loadLevelerAdaptor) ExtractJobID(out string) (string, error) {
	return extractFirstInt(loadLevelerJobIDRe, out)
}

// loadLevelerListingRe matches the default `llq -r %id %st %c` format:
// node1c1.host.eu.267412.10!R!m001 — job id minus its step, state, queue.
var loadLevelerListingRe = regexp.MustCompile(`\S+\.(\d+)\.\d+!(\S+)!(\S+)`)

func (a loadLevelerAdaptor) ParseStatusListing(text string) []Entry {
	var entries []Entry
	for _, line := range scanLines(text) {
		m := loadLevelerListingRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		entries = append(entries, Entry{ID: m[1], State: a.ConvertStatus(m[2]), Queue: m[3]})
	}
	return ResolveListing(entries)
}

var loadLevelerStateTable = map[string]string{
	"I": StateQueued, "D": StateQueued, "P": StateQueued, "XP": StateQueued, "NQ": StateQueued,
	"R": StateRunning, "E": StateRunning, "EP": StateRunning, "T": StateRunning, "V": StateRunning,
	"VP": StateRunning, "MP": StateRunning, "ST": StateRunning, "SX": StateRunning, "CP": StateRunning, "CK": StateRunning,
	"S": StateSuspended, "H": StateSuspended, "HS": StateSuspended,
	"C": StateCompleted, "RM": StateCompleted, "CA": StateCompleted, "X": StateCompleted, "TX": StateCompleted, "NR": StateCompleted,
}

func (loadLevelerAdaptor) ConvertStatus(raw string) string {
	if s, ok := loadLevelerStateTable[raw]; ok {
		return s
	}
	return StateUnknown
}

func (loadLevelerAdaptor) SubmitCommand(scriptPath string) (string, []string) {
	return "llsubmit", []string{scriptPath}
}
func (a loadLevelerAdaptor) AbortCommand(id string) (string, []string) {
	return cmdOr(a.cfg.AbortCmd, "llcancel"), []string{id}
}
func (a loadLevelerAdaptor) HoldCommand(id string) (string, []string) {
	return cmdOr(a.cfg.HoldCmd, "llhold"), []string{id}
}
func (a loadLevelerAdaptor) ResumeCommand(id string) (string, []string) {
	return cmdOr(a.cfg.ResumeCmd, "llhold"), []string{"-r", id}
}
func (a loadLevelerAdaptor) DetailsCommand(id string) (string, []string) {
	return cmdOr(a.cfg.DetailsCmd, "llq"), []string{"-x", "-j", id}
}
func (a loadLevelerAdaptor) ListingCommand() (string, []string) {
	return cmdOr(a.cfg.QstatCmd, "llq"), []string{"-r", "%id", "%st", "%c"}
}
