package dispatch

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/unicore-eu/tsi/internal/acl"
	"github.com/unicore-eu/tsi/internal/audit"
	"github.com/unicore-eu/tsi/internal/batch"
	"github.com/unicore-eu/tsi/internal/identity"
	"github.com/unicore-eu/tsi/internal/iohandlers"
	"github.com/unicore-eu/tsi/internal/metrics"
	"github.com/unicore-eu/tsi/internal/uftp"
	"github.com/unicore-eu/tsi/internal/wire"
)

// Version is reported for TSI_PING/TSI_PING_UID.
var Version = "dev"

// SessionOpener models opening and closing a PAM session around a
// handler invocation (open_session ... close_session, with guaranteed
// release even on handler failure). NoopSessions is used when no real
// PAM binding is wired in; the seam exists so a site can plug one in
// without touching the dispatcher.
type SessionOpener interface {
	Open(user string) (close func() error, err error)
}

// NoopSessions is the default SessionOpener: no PAM library is linked
// into this build, so opening a user session is honored structurally
// but performs no actual PAM call. A site that needs real PAM session
// placement supplies its own SessionOpener.
type NoopSessions struct{}

func (NoopSessions) Open(string) (func() error, error) {
	return func() error { return nil }, nil
}

// Deps bundles everything a dispatched command may need. One Deps is
// built once per worker process at startup from its config snapshot.
type Deps struct {
	Switcher *identity.Switcher
	Sessions SessionOpener

	SwitchUID        bool
	OpenUserSessions bool
	SafeDir          string
	UseLoginShell    bool

	BatchAdaptor batch.Adaptor
	Runner       batch.CommandRunner

	ACLConfig acl.Config

	Metrics *metrics.Metrics
	Audit   *audit.Ledger
	Log     *zap.Logger
}

// outcome is the self-terminating/payload-carrying result of one handler.
type outcome struct {
	selfTerminated bool
	payload        string
	err            error
}

// Dispatch runs one complete message through the pipeline: chdir, verb
// scan, identity switch (unless PING), handler invocation, restore,
// final ENDOFMESSAGE. It never returns an error for
// a handler failure — those are reported via TSI_FAILED on cmd — only
// for a transport-level failure writing to cmd/data.
func Dispatch(raw string, cmd *wire.CommandChannel, data wire.DataIO, deps Deps) error {
	start := time.Now()

	if deps.SafeDir != "" {
		_ = os.Chdir(deps.SafeDir)
	}

	parsed, err := Parse(raw)
	if err != nil {
		deps.recordResult("UNKNOWN", nil, "failed")
		return endWithError(cmd, err)
	}
	verb := strings.TrimPrefix(parsed.Verb, "TSI_")

	skipIdentity := parsed.Verb == "TSI_PING" || parsed.Verb == "TSI_PING_UID"

	var restore func() error
	if !skipIdentity && deps.SwitchUID {
		restore, err = deps.beginIdentity(parsed.Tags)
		if err != nil {
			deps.recordResult(verb, parsed.Tags, "failed")
			return endWithError(cmd, err)
		}
	}

	// A handler panic is turned into a failed outcome, so identity is
	// still restored and the worker goes on to the next message.
	out := func() (o outcome) {
		defer func() {
			if r := recover(); r != nil {
				o = outcome{err: fmt.Errorf("dispatch: handler panic: %v", r)}
			}
		}()
		return deps.runHandler(parsed.Verb, parsed.Tags, raw, cmd, data)
	}()

	if restore != nil {
		if rerr := restore(); rerr != nil && deps.Log != nil {
			deps.Log.Error("identity restore failed", zap.Error(rerr), zap.String("verb", verb))
		}
	}

	if deps.Metrics != nil {
		deps.Metrics.CommandLatency.WithLabelValues(verb).Observe(time.Since(start).Seconds())
	}
	result := "ok"
	if out.err != nil {
		result = "failed"
	}
	deps.recordResult(verb, parsed.Tags, result)

	if out.selfTerminated {
		return out.err
	}
	if out.err != nil {
		return endWithError(cmd, out.err)
	}
	if err := cmd.Ok(out.payload); err != nil {
		return err
	}
	return cmd.WriteEndOfMessage()
}

func (deps Deps) recordResult(verb string, tags Message, result string) {
	if deps.Metrics != nil {
		deps.Metrics.CommandsDispatchedTotal.WithLabelValues(verb, result).Inc()
	}
	if deps.Audit != nil {
		user, _, _ := ParseIdentity(tags)
		entry := audit.Entry{Verb: verb, User: user, PID: os.Getpid(), Outcome: result}
		if err := deps.Audit.Record(entry); err != nil && deps.Log != nil {
			deps.Log.Warn("audit record failed", zap.Error(err))
		}
	}
}

// beginIdentity opens the (possibly no-op) PAM session and switches
// identity, returning a restore func that always runs: parse
// TSI_IDENTITY, open the PAM session, become the target user, and on
// the way back out restore the prior identity and close the session.
func (deps Deps) beginIdentity(tags Message) (func() error, error) {
	user, groups, err := ParseIdentity(tags)
	if err != nil {
		return nil, err
	}

	sessions := deps.Sessions
	if sessions == nil {
		sessions = NoopSessions{}
	}
	closeSession, err := sessions.Open(user)
	if err != nil {
		return nil, fmt.Errorf("dispatch: open session for %q: %w", user, err)
	}

	if err := deps.Switcher.Become(user, groups); err != nil {
		_ = closeSession()
		return nil, err
	}

	return func() error {
		rerr := deps.Switcher.Restore()
		if serr := closeSession(); serr != nil && rerr == nil {
			rerr = serr
		}
		return rerr
	}, nil
}

// runHandler routes to the verb-specific implementation. GETFILECHUNK,
// PUTFILECHUNK, LS, DF and FILE_ACL own their full control-channel reply
// (they must interleave data-channel I/O, or stream multiple lines, at
// precise points) so they report selfTerminated; every other verb
// returns a payload string for the common Ok/Failed + ENDOFMESSAGE tail.
func (deps Deps) runHandler(verb string, tags Message, raw string, cmd *wire.CommandChannel, data wire.DataIO) outcome {
	switch verb {
	case "TSI_PING":
		if err := cmd.WriteMessage(Version); err != nil {
			return outcome{selfTerminated: true, err: err}
		}
		return outcome{selfTerminated: true, err: cmd.WriteEndOfMessage()}

	case "TSI_PING_UID":
		if err := cmd.WriteMessage(Version); err != nil {
			return outcome{selfTerminated: true, err: err}
		}
		if err := cmd.WriteMessage(fmt.Sprintf(" running as UID [%d]", os.Geteuid())); err != nil {
			return outcome{selfTerminated: true, err: err}
		}
		return outcome{selfTerminated: true, err: cmd.WriteEndOfMessage()}

	case "TSI_GET_USER_INFO":
		return outcome{payload: fmt.Sprintf("%d %d", os.Getuid(), os.Getgid())}

	case "TSI_EXECUTESCRIPT":
		return deps.executeScript(raw)

	case "TSI_RUN_ON_LOGIN_NODE":
		return deps.runOnLoginNode(raw)

	case "TSI_GETFILECHUNK":
		return outcome{selfTerminated: true, err: iohandlers.GetFileChunk(iohandlers.Message(tags), cmd, data)}
	case "TSI_PUTFILECHUNK":
		return outcome{selfTerminated: true, err: iohandlers.PutFileChunk(iohandlers.Message(tags), cmd, data)}
	case "TSI_LS":
		return outcome{selfTerminated: true, err: iohandlers.LS(iohandlers.Message(tags), cmd)}
	case "TSI_DF":
		return outcome{selfTerminated: true, err: iohandlers.DF(iohandlers.Message(tags), cmd)}

	case "TSI_FILE_ACL":
		return outcome{selfTerminated: true, err: acl.Handle(acl.Message(tags), deps.ACLConfig, cmd)}

	case "TSI_UFTP":
		return deps.handleUFTP(tags)

	case "TSI_SUBMIT":
		return deps.submit(tags, raw)
	case "TSI_GETSTATUSLISTING":
		return deps.statusListing()
	case "TSI_GETPROCESSLISTING":
		return deps.processListing()
	case "TSI_GETJOBDETAILS":
		return deps.jobControl(tags, deps.BatchAdaptor.DetailsCommand)
	case "TSI_ABORTJOB":
		return deps.jobControl(tags, deps.BatchAdaptor.AbortCommand)
	case "TSI_HOLDJOB":
		return deps.jobControl(tags, deps.BatchAdaptor.HoldCommand)
	case "TSI_RESUMEJOB":
		return deps.jobControl(tags, deps.BatchAdaptor.ResumeCommand)
	case "TSI_GET_PARTITIONS":
		return outcome{payload: tags.Get("NODES_FILTER", "")}
	case "TSI_GET_COMPUTE_BUDGET":
		return outcome{payload: fmt.Sprintf("%s -1 -1 unknown", tags.Get("PROJECT", "NONE"))}

	case "TSI_MAKE_RESERVATION", "TSI_QUERY_RESERVATION", "TSI_CANCEL_RESERVATION":
		return outcome{err: fmt.Errorf("reservation management is not supported by this TSI")}

	default:
		return outcome{err: fmt.Errorf("dispatch: unhandled command %q", verb)}
	}
}

// executeScript runs the message verbatim as a shell script: the
// leading "#TSI_EXECUTESCRIPT" and any other "#TSI_*" lines are
// ordinary shell comments, so the whole raw message can be fed to the
// shell as-is.
func (deps Deps) executeScript(raw string) outcome {
	stdout, stderr, err := deps.Runner.RunShell(raw)
	if err != nil {
		return outcome{err: fmt.Errorf("%s", firstNonEmpty(stderr, err.Error()))}
	}
	return outcome{payload: stdout}
}

// runOnLoginNode runs the script in the background and reports its pid.
// This broker has no separate login-node hop, so the script runs
// locally, detached.
func (deps Deps) runOnLoginNode(raw string) outcome {
	pid, err := deps.Runner.RunShellBackground(raw)
	if err != nil {
		return outcome{err: err}
	}
	return outcome{payload: strconv.Itoa(pid)}
}

func (deps Deps) handleUFTP(tags Message) outcome {
	req, err := uftp.ParseRequest(uftp.Message(tags))
	if err != nil {
		return outcome{err: err}
	}
	if err := uftp.Spawn(req); err != nil {
		return outcome{err: err}
	}
	return outcome{}
}

func (deps Deps) submit(tags Message, raw string) outcome {
	result, err := batch.Submit(deps.BatchAdaptor, batch.Message(tags), raw, deps.Runner)
	if err != nil {
		return outcome{err: err}
	}
	if result.Allocating {
		return outcome{}
	}
	return outcome{payload: result.JobID}
}

func (deps Deps) statusListing() outcome {
	name, args := deps.BatchAdaptor.ListingCommand()
	stdout, stderr, err := deps.Runner.Run(name, args...)
	if err != nil {
		return outcome{err: fmt.Errorf("%s", firstNonEmpty(stderr, err.Error()))}
	}
	entries := batch.ResolveListing(deps.BatchAdaptor.ParseStatusListing(stdout))
	return outcome{payload: strings.TrimSuffix(batch.FormatListing(entries), "\n")}
}

// processListing answers TSI_GETPROCESSLISTING with a "s,args" style
// table (state letter, command line), the portable gopsutil equivalent
// of `ps -e -o s,args`.
func (deps Deps) processListing() outcome {
	procs, err := process.Processes()
	if err != nil {
		return outcome{err: fmt.Errorf("dispatch: list processes: %w", err)}
	}
	var b strings.Builder
	for _, p := range procs {
		statuses, err := p.Status()
		state := "?"
		if err == nil && len(statuses) > 0 {
			state = statuses[0]
		}
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			name, _ := p.Name()
			cmdline = name
		}
		fmt.Fprintf(&b, "%s %s\n", state, cmdline)
	}
	return outcome{payload: strings.TrimSuffix(b.String(), "\n")}
}

func (deps Deps) jobControl(tags Message, commandOf func(id string) (string, []string)) outcome {
	id := tags["JOBID"]
	if id == "" {
		return outcome{err: fmt.Errorf("dispatch: missing TSI_JOBID")}
	}
	name, args := commandOf(id)
	stdout, stderr, err := deps.Runner.Run(name, args...)
	if err != nil {
		return outcome{err: fmt.Errorf("%s", firstNonEmpty(stderr, err.Error()))}
	}
	return outcome{payload: stdout}
}

func endWithError(cmd *wire.CommandChannel, err error) error {
	if ferr := cmd.Failed(err.Error()); ferr != nil {
		return ferr
	}
	return cmd.WriteEndOfMessage()
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}
