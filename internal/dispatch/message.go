// Package dispatch implements the Command Dispatcher (C6): it turns one
// framed worker control message into a verb plus a set of #TSI_<NAME>
// tags, performs the identity-switch/handler/restore dance, and routes
// to the closed handler table.
package dispatch

import (
	"fmt"
	"regexp"
	"strings"
)

// Message is the set of #TSI_<NAME> tags parsed from one worker control
// message, keyed without the "TSI_" prefix.
type Message map[string]string

// Get returns the tag value or def if absent or empty.
func (m Message) Get(name, def string) string {
	if v, ok := m[name]; ok && v != "" {
		return v
	}
	return def
}

// Verbs is the closed handler-verb set. A message whose text contains
// none of these as a "#TSI_<verb>" line is rejected.
var Verbs = []string{
	"TSI_PING", "TSI_PING_UID", "TSI_GET_USER_INFO", "TSI_EXECUTESCRIPT",
	"TSI_GETFILECHUNK", "TSI_PUTFILECHUNK", "TSI_LS", "TSI_DF", "TSI_UFTP",
	"TSI_SUBMIT", "TSI_RUN_ON_LOGIN_NODE", "TSI_GETSTATUSLISTING",
	"TSI_GETPROCESSLISTING", "TSI_GETJOBDETAILS", "TSI_GET_PARTITIONS",
	"TSI_ABORTJOB", "TSI_HOLDJOB", "TSI_RESUMEJOB", "TSI_GET_COMPUTE_BUDGET",
	"TSI_MAKE_RESERVATION", "TSI_QUERY_RESERVATION", "TSI_CANCEL_RESERVATION",
	"TSI_FILE_ACL",
}

// tagLine matches one "#TSI_<NAME>[ <value>]" line. The verb line for
// most commands has no value; EXECUTESCRIPT/SUBMIT/RUN_ON_LOGIN_NODE
// bodies are ordinary non-tag text that this pattern does not match, so
// they remain part of the raw message untouched.
var tagLine = regexp.MustCompile(`^#(TSI_[A-Z_]+)(?:\s+(.*))?$`)

// Parsed holds the result of scanning one raw message.
type Parsed struct {
	Verb string
	Tags Message
}

// Parse scans raw for tag lines and the first recognized verb line
// present in the handler table. The verb line itself is also recorded
// as a (valueless) tag, so handlers can look it up alongside the rest.
func Parse(raw string) (Parsed, error) {
	tags := Message{}
	verb := ""

	for _, line := range strings.Split(raw, "\n") {
		m := tagLine.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		name, value := m[1], strings.TrimSpace(m[2])
		if _, exists := tags[strings.TrimPrefix(name, "TSI_")]; !exists {
			tags[strings.TrimPrefix(name, "TSI_")] = value
		}
		if verb == "" && isKnownVerb(name) {
			verb = name
		}
	}

	if verb == "" {
		return Parsed{}, fmt.Errorf("dispatch: unknown command")
	}
	return Parsed{Verb: verb, Tags: tags}, nil
}

func isKnownVerb(name string) bool {
	for _, v := range Verbs {
		if v == name {
			return true
		}
	}
	return false
}

// ParseIdentity extracts the user and requested-groups list from a
// "#TSI_IDENTITY <user> <g1[:g2:...]>" tag.
func ParseIdentity(tags Message) (user string, groups []string, err error) {
	raw, ok := tags["IDENTITY"]
	if !ok || raw == "" {
		return "", nil, fmt.Errorf("dispatch: no user/group info given")
	}
	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return "", nil, fmt.Errorf("dispatch: malformed TSI_IDENTITY line %q", raw)
	}
	user = fields[0]
	groups = strings.Split(fields[1], ":")
	return user, groups, nil
}
