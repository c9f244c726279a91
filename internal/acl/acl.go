// Package acl implements the ACL Handler (C9): CHECK_SUPPORT, GETFACL
// and SETFACL, wrapping the POSIX getfacl/setfacl commands. NFS ACLs
// are a reserved, not-yet-supported backend.
package acl

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/unicore-eu/tsi/internal/wire"
)

// Support is the ACL backend available for a given path.
type Support string

const (
	SupportPOSIX Support = "POSIX"
	SupportNFS   Support = "NFS"
	SupportNone  Support = "NONE"
)

// Message is the set of #TSI_<NAME> tags relevant to one ACL request.
type Message map[string]string

func (m Message) Get(name, def string) string {
	if v, ok := m[name]; ok && v != "" {
		return v
	}
	return def
}

// CheckSupport finds the longest acl-map key that is a path-prefix of
// path and returns its configured backend, or NONE if no key matches.
// aclMap keys are a plain prefix match (not regex); when multiple keys
// match, the longest one wins.
func CheckSupport(path string, aclMap map[string]Support) Support {
	bestLen := 0
	best := SupportNone
	for prefix, support := range aclMap {
		if strings.HasPrefix(path, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			best = support
		}
	}
	return best
}

// Config is the subset of broker configuration the ACL handler needs.
type Config struct {
	GetfaclCmd, SetfaclCmd string
	ACLMap                 map[string]Support
	UseLoginShell          bool
}

// Handle dispatches TSI_ACL_OPERATION to CHECK_SUPPORT/GETFACL/SETFACL.
func Handle(msg Message, cfg Config, cmd *wire.CommandChannel) error {
	operation := msg["ACL_OPERATION"]
	path := msg["ACL_PATH"]

	switch operation {
	case "CHECK_SUPPORT":
		support := CheckSupport(path, cfg.ACLMap)
		return okEnd(cmd, boolString(support != SupportNone))
	case "GETFACL":
		switch CheckSupport(path, cfg.ACLMap) {
		case SupportPOSIX:
			return getfaclPOSIX(path, cfg, cmd)
		case SupportNFS:
			return failEnd(cmd, "ERROR: Getting ACL on this file system is unsupported.")
		default:
			return failEnd(cmd, "ERROR: Getting ACL on this file system is unsupported.")
		}
	case "SETFACL":
		command := msg["ACL_COMMAND"]
		commandSpec := msg["ACL_COMMAND_SPEC"]
		if commandSpec == "" {
			return failEnd(cmd, "Missing parameter TSI_ACL_COMMAND_SPEC")
		}
		if command == "" {
			return failEnd(cmd, "Missing parameter TSI_ACL_COMMAND")
		}
		switch CheckSupport(path, cfg.ACLMap) {
		case SupportPOSIX:
			return setfaclPOSIX(path, command, commandSpec, cfg, cmd)
		case SupportNFS:
			return failEnd(cmd, "ERROR: Setting ACL on this file system is unsupported.")
		default:
			return failEnd(cmd, "ERROR: Setting ACL on this file system is unsupported.")
		}
	default:
		return failEnd(cmd, fmt.Sprintf("UNSUPPORTED_OPERATION: '%s'", operation))
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

var faclLinePrefixes = []string{"user", "group", "default:user", "default:group"}

func getfaclPOSIX(path string, cfg Config, cmd *wire.CommandChannel) error {
	unsetPosixlyCorrect()
	getfaclCmd := cfg.GetfaclCmd
	if getfaclCmd == "" {
		getfaclCmd = "/bin/false"
	}
	out, err := runCommand(cfg.UseLoginShell, fmt.Sprintf("%s %s", getfaclCmd, path))
	if err != nil {
		return failEnd(cmd, out)
	}
	if err := cmd.Ok(); err != nil {
		return err
	}
	for _, line := range strings.Split(out, "\n") {
		for _, p := range faclLinePrefixes {
			if strings.HasPrefix(line, p) {
				cmd.WriteMessage(line)
				break
			}
		}
	}
	return cmd.WriteEndOfMessage()
}

// userSpecPattern and groupSpecPattern recognize the "[D]U"/"[D]G"
// leading token of an ACL_COMMAND_SPEC entry.
var (
	userSpecPattern  = regexp.MustCompile(`^D?U`)
	groupSpecPattern = regexp.MustCompile(`^D?G`)
)

// preparePOSIXArg turns "[D]U|G <subject> <rwx>" into the setfacl spec
// fragment "user:<subject>[:<rwx>]" / "group:<subject>[:<rwx>]". remove
// omits the trailing ":<rwx>" for -x (remove) operations, which take no
// permission bits.
func preparePOSIXArg(val string, remove bool) string {
	fields := strings.Split(val, " ")
	var ret string
	switch {
	case len(fields) > 0 && userSpecPattern.MatchString(fields[0]):
		ret = "user:" + get(fields, 1)
	case len(fields) > 0 && groupSpecPattern.MatchString(fields[0]):
		ret = "group:" + get(fields, 1)
	}
	if !remove {
		ret += ":" + get(fields, 2)
	}
	return ret
}

func get(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

func setfaclPOSIX(path, op, val string, cfg Config, cmd *wire.CommandChannel) error {
	unsetPosixlyCorrect()
	setfaclCmd := cfg.SetfaclCmd
	if setfaclCmd == "" {
		setfaclCmd = "/bin/false"
	}

	recursive := ""
	if strings.Contains(op, "RECURSIVE") {
		recursive = "-R "
	}

	var command string
	if strings.Contains(op, "RM_ALL") {
		command = fmt.Sprintf("%s -b %s'%s'", setfaclCmd, recursive, path)
	} else {
		baseArg := ""
		remove := false
		if strings.HasPrefix(val, "D") {
			baseArg = "-d "
		}
		switch {
		case strings.Contains(op, "MODIFY"):
			baseArg += "-m"
		case strings.Contains(op, "RM"):
			baseArg += "-x"
			remove = true
		default:
			return failEnd(cmd, "WRONG SETFACL SYNTAX")
		}
		arg := preparePOSIXArg(val, remove)
		command = fmt.Sprintf("%s %s %s %s '%s'", setfaclCmd, recursive, baseArg, arg, path)
	}

	out, err := runCommand(cfg.UseLoginShell, command)
	if err != nil {
		return failEnd(cmd, out)
	}
	return okEnd(cmd)
}

func unsetPosixlyCorrect() {
	os.Unsetenv("POSIXLY_CORRECT")
}

func runCommand(loginShell bool, command string) (string, error) {
	shell := "/bin/sh"
	args := []string{"-c", command}
	if loginShell {
		args = []string{"-lc", command}
	}
	out, err := exec.Command(shell, args...).CombinedOutput()
	return strings.TrimRight(string(out), "\n"), err
}

func okEnd(cmd *wire.CommandChannel, payload ...string) error {
	if err := cmd.Ok(payload...); err != nil {
		return err
	}
	return cmd.WriteEndOfMessage()
}

func failEnd(cmd *wire.CommandChannel, msg string) error {
	if err := cmd.Failed(msg); err != nil {
		return err
	}
	return cmd.WriteEndOfMessage()
}
