// nobatch.go implements the NOBATCH variant: there is no underlying
// scheduler, so "submission" forks the script directly under nice/
// ionice/timeout/ulimit and the "job id" is synthesized from the
// broker's own pid plus a millisecond-time tail, visible later via a
// `ps` listing that greps for the UNICORE_Job_<id> script name.
package batch

import (
	"fmt"
	"regexp"
)

type noBatchAdaptor struct {
	cfg Config
}

func newNoBatch(cfg Config) Adaptor { return noBatchAdaptor{cfg: cfg} }

func (noBatchAdaptor) Name() string { return "nobatch" }

// CreateSubmitScript is unused for NOBATCH: submission runs the raw
// script directly (see JobID/ScriptFileName/RunCommand below and
// submitNoBatch in submit.go), there is no batch
// directive dialect to translate. Kept to satisfy the Adaptor interface.
func (noBatchAdaptor) CreateSubmitScript(msg Message) ([]string, error) {
	return []string{msg["SCRIPT"]}, nil
}

func (noBatchAdaptor) CreateAllocScript(msg Message) ([]string, error) {
	return []string{"#!/bin/bash", msg["SCRIPT"] + " & echo $! > PID_FILE"}, nil
}

// JobID synthesizes the NOBATCH job identifier: pid followed by the
// last few digits of a millisecond timestamp, trimmed to keep the
// overall id within jobNamePattern's length limit.
func JobID(pid int, unixMilli int64) string {
	msStr := fmt.Sprintf("%d", unixMilli)
	tail := msStr
	if len(msStr) > 5 {
		tail = msStr[5:]
	}
	return fmt.Sprintf("%d%s", pid, tail)
}

// ScriptFileName is the on-disk name the submitted script is written to,
// and the token get_status_listing greps ps output for.
func ScriptFileName(jobID string) string {
	return "UNICORE_Job_" + jobID
}

// RunCommand assembles the shell command NOBATCH execs to run the
// user's script under the requested resource limits: `ionice -c 3` and
// `nice -n 100` on every run, `timeout -k grace seconds` when TSI_TIME is
// given, and `ulimit -v` when TSI_MEMORY is given.
func RunCommand(msg Message, scriptFile string) string {
	ulimits := ""
	if mem := msg.Get("MEMORY", ""); mem != "" {
		ulimits = fmt.Sprintf("ulimit -v %s;", memoryToKB(mem))
	}

	timeoutCmd := ""
	if t := msg.Get("TIME", ""); t != "" {
		grace := graceSeconds(t)
		timeoutCmd = fmt.Sprintf("timeout -k %d %s", grace, t)
	}

	outcomeDir := msg.Get("OUTCOME_DIR", ".")
	stdout := msg.Get("STDOUT", "stdout")
	stderr := msg.Get("STDERR", "stderr")

	return fmt.Sprintf("%s ionice -c 3 nice -n 100 %s ./%s > %s/%s 2> %s/%s",
		ulimits, timeoutCmd, scriptFile, outcomeDir, stdout, outcomeDir, stderr)
}

func memoryToKB(mb string) string {
	n := 0
	fmt.Sscanf(mb, "%d", &n)
	return fmt.Sprintf("%d", n*1024)
}

func graceSeconds(secondsStr string) int {
	n := 0
	fmt.Sscanf(secondsStr, "%d", &n)
	return n / 100 // grace period is 1% of the requested wall time
}

func (noBatchAdaptor) ExtractJobID(out string) (string, error) {
	return out, nil // NOBATCH's job id is written directly by the worker, not parsed from CLI output
}

// noBatchListingRe matches `ps -e -o s,args` rows containing a
// UNICORE_Job_<id> script invocation.
var noBatchListingRe = regexp.MustCompile(`(\w)\s.*UNICORE_Job_(\d+)`)

func (a noBatchAdaptor) ParseStatusListing(text string) []Entry {
	var entries []Entry
	for _, line := range scanLines(text) {
		m := noBatchListingRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		entries = append(entries, Entry{ID: m[2], State: a.ConvertStatus(m[1]), Queue: "NOBATCH"})
	}
	return ResolveListing(entries)
}

// ConvertStatus: NOBATCH only distinguishes RUNNING and SUSPENDED (ps
// state "T" = stopped).
func (noBatchAdaptor) ConvertStatus(raw string) string {
	if raw == "T" {
		return StateSuspended
	}
	return StateRunning
}

func (noBatchAdaptor) SubmitCommand(scriptPath string) (string, []string) {
	return "/bin/sh", []string{"-c", scriptPath}
}
func (a noBatchAdaptor) AbortCommand(id string) (string, []string) {
	return "pkill", []string{"-f", ScriptFileName(id)}
}
func (noBatchAdaptor) HoldCommand(id string) (string, []string) {
	return "true", nil // NOBATCH jobs cannot be held; report success with no effect
}
func (noBatchAdaptor) ResumeCommand(id string) (string, []string) {
	return "true", nil
}
func (noBatchAdaptor) DetailsCommand(id string) (string, []string) {
	return "true", nil // no details beyond the listing are available for NOBATCH jobs
}
func (a noBatchAdaptor) ListingCommand() (string, []string) {
	return cmdOr(a.cfg.GetProcessesCmd, "ps"), []string{"-e", "-o", "s,args"}
}
