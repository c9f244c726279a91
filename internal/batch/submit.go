// submit.go implements the three-mode TSI_SUBMIT orchestration:
// normal/raw/allocate. The NOBATCH variant forks the script directly
// instead of going through the generic write-script/wrap/submit_cmd
// dance the scheduled variants use.
package batch

import (
	"fmt"
	"os"
	"time"
)

// JobMode selects how Submit builds and launches a job, per the
// TSI_JOB_MODE tag.
type JobMode string

const (
	JobModeNormal   JobMode = "normal"
	JobModeRaw      JobMode = "raw"
	JobModeAllocate JobMode = "allocate"
)

// SubmitResult is what the dispatcher reports back to UX for TSI_SUBMIT.
type SubmitResult struct {
	// JobID is the payload line for normal/raw mode.
	JobID string
	// Allocating is true for allocate mode: the dispatcher replies OK
	// immediately and UX polls the allocation-id file later.
	Allocating bool
}

// Submit runs one TSI_SUBMIT request against adaptor a, using runner to
// invoke the configured CLI commands. The caller (internal/dispatch) is
// responsible for having already chdir'd into TSI_USPACE_DIR and for
// expanding $HOME/$USER/$LOGNAME in msg's raw text before tag-parsing.
func Submit(a Adaptor, msg Message, rawMessage string, runner CommandRunner) (SubmitResult, error) {
	mode := JobMode(msg.Get("JOB_MODE", string(JobModeNormal)))

	switch mode {
	case JobModeRaw:
		return submitRaw(a, msg, runner)
	case JobModeAllocate:
		return submitAllocate(a, msg, rawMessage, runner)
	case JobModeNormal, "":
		if a.Name() == "nobatch" {
			return submitNoBatch(msg, rawMessage, runner)
		}
		return submitNormal(a, msg, rawMessage, runner)
	default:
		return SubmitResult{}, fmt.Errorf("batch: illegal job mode %q", mode)
	}
}

func submitID() string {
	return fmt.Sprintf("%d", time.Now().UnixMilli())
}

// submitNormal is the generic scheduled-variant path: write the raw
// message to UNICORE_Job_<id>, append its path to the variant's directive
// lines to build bss_submit_<id>, chmod 0770, run the variant's submit
// command, and extract the job id from its output.
func submitNormal(a Adaptor, msg Message, rawMessage string, runner CommandRunner) (SubmitResult, error) {
	submitCmds, err := a.CreateSubmitScript(msg)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("batch: create submit script: %w", err)
	}

	id := submitID()
	jobFile := "UNICORE_Job_" + id
	if err := os.WriteFile(jobFile, []byte(rawMessage), 0o600); err != nil {
		return SubmitResult{}, fmt.Errorf("batch: write %s: %w", jobFile, err)
	}
	if err := os.Chmod(jobFile, 0o770); err != nil {
		return SubmitResult{}, fmt.Errorf("batch: chmod %s: %w", jobFile, err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return SubmitResult{}, fmt.Errorf("batch: getwd: %w", err)
	}
	submitCmds = append(submitCmds, cwd+"/"+jobFile)

	submitFile := "bss_submit_" + id
	if err := writeLines(submitFile, submitCmds); err != nil {
		return SubmitResult{}, err
	}
	if err := os.Chmod(submitFile, 0o770); err != nil {
		return SubmitResult{}, fmt.Errorf("batch: chmod %s: %w", submitFile, err)
	}

	name, args := a.SubmitCommand("./" + submitFile)
	stdout, stderr, err := runner.Run(name, args...)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%s", firstNonEmpty(stderr, err.Error()))
	}

	jobID, err := a.ExtractJobID(stdout)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submission result: %s", stdout)
	}
	return SubmitResult{JobID: jobID}, nil
}

// submitRaw submits the file named by TSI_JOB_FILE verbatim.
func submitRaw(a Adaptor, msg Message, runner CommandRunner) (SubmitResult, error) {
	path := msg["JOB_FILE"]
	if path == "" {
		return SubmitResult{}, fmt.Errorf("job mode 'raw' requires TSI_JOB_FILE")
	}
	name, args := a.SubmitCommand(path)
	stdout, stderr, err := runner.Run(name, args...)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%s", firstNonEmpty(stderr, err.Error()))
	}
	jobID, err := a.ExtractJobID(stdout)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submission result: %s", stdout)
	}
	return SubmitResult{JobID: jobID}, nil
}

// submitAllocate assembles "{ <alloc script> ; } & echo $! > PID_FILE",
// writes it to UNICORE_Job_<id>, and runs it in the background: the
// dispatcher reports OK immediately and UX later polls the allocation-id
// file the script writes into.
func submitAllocate(a Adaptor, msg Message, rawMessage string, runner CommandRunner) (SubmitResult, error) {
	allocCmds, err := a.CreateAllocScript(msg)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("allocation mode not (yet) supported")
	}

	pidFile := msg.Get("PID_FILE", "UNICORE_SCRIPT_PID")

	script := rawMessage + "\n{ "
	for _, line := range allocCmds {
		script += line + " ; "
	}
	script += "} & echo $! > " + pidFile + "\n"

	id := submitID()
	jobFile := "UNICORE_Job_" + id
	if err := os.WriteFile(jobFile, []byte(script), 0o600); err != nil {
		return SubmitResult{}, fmt.Errorf("batch: write %s: %w", jobFile, err)
	}

	if _, err := runner.RunShellBackground(script); err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Allocating: true}, nil
}

// submitNoBatch forks the user's script directly under nice/ionice and
// an optional timeout/ulimit: there is no batch-system directive
// dialect, so the generic write-script/wrap/submit_cmd path does not
// apply.
func submitNoBatch(msg Message, rawMessage string, runner CommandRunner) (SubmitResult, error) {
	jobID := JobID(os.Getpid(), time.Now().UnixMilli())
	scriptFile := ScriptFileName(jobID)

	outcomeDir := msg.Get("OUTCOME_DIR", ".")
	if err := os.MkdirAll(outcomeDir, 0o700); err != nil {
		return SubmitResult{}, fmt.Errorf("batch: create outcome dir %s: %w", outcomeDir, err)
	}

	if err := os.WriteFile(scriptFile, []byte(rawMessage), 0o700); err != nil {
		return SubmitResult{}, fmt.Errorf("batch: write %s: %w", scriptFile, err)
	}

	cmd := RunCommand(msg, scriptFile)
	if _, err := runner.RunShellBackground(cmd); err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{JobID: jobID}, nil
}

func writeLines(name string, lines []string) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("batch: create %s: %w", name, err)
	}
	defer f.Close()
	for _, l := range lines {
		if _, err := f.WriteString(l + "\n"); err != nil {
			return fmt.Errorf("batch: write %s: %w", name, err)
		}
	}
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
