// Package iohandlers implements the I/O Handlers (C8):
// GETFILECHUNK, PUTFILECHUNK, LS and DF. Each handler owns its full
// control-channel reply, including the closing ENDOFMESSAGE, because
// GETFILECHUNK/PUTFILECHUNK must interleave a control-channel reply
// with data-channel I/O at a precise point — a generic "dispatcher
// appends ENDOFMESSAGE after the handler returns" step cannot express
// that interleaving for these two verbs, so all four handlers follow
// the same self-terminating shape for consistency.
package iohandlers

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/unicore-eu/tsi/internal/wire"
)

// Message is the set of #TSI_<NAME> tags relevant to one handler
// invocation, as parsed by the dispatcher from a worker control message.
type Message map[string]string

// Get returns the tag value or def if absent or empty.
func (m Message) Get(name, def string) string {
	if v, ok := m[name]; ok && v != "" {
		return v
	}
	return def
}

// ExpandVariables expands $HOME, $USER and $LOGNAME from the current
// process environment (set by the identity switcher before a handler
// runs).
func ExpandVariables(path string) string {
	r := strings.NewReplacer(
		"$HOME", os.Getenv("HOME"),
		"$LOGNAME", os.Getenv("LOGNAME"),
		"$USER", os.Getenv("USER"),
	)
	return r.Replace(path)
}

// GetFileChunk implements TSI_GETFILECHUNK: seeks to START (if the file
// is seekable), reads up to LENGTH bytes, replies with the byte count
// actually read, then streams those bytes on the data channel.
func GetFileChunk(msg Message, cmd *wire.CommandChannel, data wire.DataIO) error {
	path := ExpandVariables(msg["FILE"])
	start, err := strconv.ParseInt(msg.Get("START", "0"), 10, 64)
	if err != nil {
		return failEnd(cmd, fmt.Sprintf("invalid START: %v", err))
	}
	length, err := strconv.Atoi(msg["LENGTH"])
	if err != nil {
		return failEnd(cmd, fmt.Sprintf("invalid LENGTH: %v", err))
	}

	f, err := os.Open(path)
	if err != nil {
		return failEnd(cmd, err.Error())
	}
	defer f.Close()

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		// Non-seekable files (pipes, some /proc entries) are read from
		// their current position rather than failing the chunk read.
	}

	buf := make([]byte, length)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return failEnd(cmd, err.Error())
	}

	if err := cmd.Ok(fmt.Sprintf("TSI_LENGTH %d", n)); err != nil {
		return err
	}
	if err := cmd.WriteEndOfMessage(); err != nil {
		return err
	}
	_, err = data.WriteData(buf[:n])
	return err
}

// PutFileChunk implements TSI_PUTFILECHUNK: opens path for write or
// append, replies TSI_OK to signal the caller may start sending, reads
// LENGTH bytes off the data channel, then chmods path to the mode
// encoded in the FILE tag.
func PutFileChunk(msg Message, cmd *wire.CommandChannel, data wire.DataIO) error {
	pathAndMode := msg["FILE"]
	idx := strings.LastIndex(pathAndMode, " ")
	if idx < 0 {
		return failEnd(cmd, "FILE must be \"<path> <octalmode>\"")
	}
	path := ExpandVariables(pathAndMode[:idx])
	modeStr := pathAndMode[idx+1:]
	mode, err := strconv.ParseUint(modeStr, 8, 32)
	if err != nil {
		return failEnd(cmd, fmt.Sprintf("invalid mode %q: %v", modeStr, err))
	}

	length, err := strconv.Atoi(msg["LENGTH"])
	if err != nil {
		return failEnd(cmd, fmt.Sprintf("invalid LENGTH: %v", err))
	}

	openFlags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if msg.Get("FILESACTION", "1") == "3" {
		openFlags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}

	f, err := os.OpenFile(path, openFlags, 0o600)
	if err != nil {
		return failEnd(cmd, err.Error())
	}
	defer f.Close()

	if err := cmd.Ok(); err != nil {
		return err
	}
	if err := cmd.WriteEndOfMessage(); err != nil {
		return err
	}

	remaining := length
	for remaining > 0 {
		chunk, err := data.ReadData(remaining)
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			break
		}
		if _, err := f.Write(chunk); err != nil {
			return err
		}
		remaining -= len(chunk)
	}

	return os.Chmod(path, os.FileMode(mode))
}

var lsModes = map[string]bool{"A": true, "R": true, "N": true}

// LS implements TSI_LS: single-file info (mode "A"), non-recursive
// directory listing ("N"), or depth-first recursive listing ("R").
func LS(msg Message, cmd *wire.CommandChannel) error {
	path := ExpandVariables(msg["FILE"])
	mode := msg["LS_MODE"]
	if !lsModes[mode] {
		return failEnd(cmd, fmt.Sprintf("Unknown TSI_LS mode: %q, must be one of 'R', 'A' or 'N'.", mode))
	}

	if err := cmd.WriteMessage("START_LISTING"); err != nil {
		return err
	}
	if info, err := os.Stat(path); err == nil {
		if info.IsDir() && mode != "A" {
			listDirectory(cmd, path, mode == "R")
		} else if line, err := entryLine(path); err == nil {
			cmd.WriteMessage(line)
		}
	}
	if err := cmd.WriteMessage("END_LISTING"); err != nil {
		return err
	}
	return cmd.WriteEndOfMessage()
}

// listDirectory lists path depth-first, emitting a lone "<" line after
// descending back out of each recursed subdirectory.
func listDirectory(cmd *wire.CommandChannel, path string, recursive bool) {
	names, err := readDirNames(path)
	if err != nil {
		return
	}
	for _, name := range names {
		full := filepath.Join(path, name)
		if recursive {
			if info, err := os.Stat(full); err == nil && info.IsDir() {
				listDirectory(cmd, full, recursive)
				cmd.WriteMessage("<")
			}
		}
		if line, err := entryLine(full); err == nil {
			cmd.WriteMessage(line)
		}
	}
}

func readDirNames(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	sort.Strings(names)
	return names, nil
}

var pathControlChars = strings.NewReplacer("\r", "?", "\n", "?")

// entryLine formats one TSI_LS entry: the flags/size/mtime/path line,
// then the "--rwxrwxrwx owner group" extended-permissions line.
func entryLine(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return "", fmt.Errorf("iohandlers: no stat_t for %s", path)
	}

	isDir, isRead, isWrite, isExec, isOwn := " ", " ", " ", " ", " "
	if info.IsDir() {
		isDir = "D"
	}
	if hasAccess(path, unixROK) {
		isRead = "R"
	}
	if hasAccess(path, unixWOK) {
		isWrite = "W"
	}
	if hasAccess(path, unixXOK) {
		isExec = "X"
	}
	if uint32(syscall.Geteuid()) == stat.Uid {
		isOwn = "O"
	}

	perms := permString(info.Mode())
	size := info.Size()
	mtime := info.ModTime().Unix()
	cleanPath := pathControlChars.Replace(path)

	userName := strconv.FormatUint(uint64(stat.Uid), 10)
	if u, err := user.LookupId(userName); err == nil {
		userName = u.Username
	}
	groupName := strconv.FormatUint(uint64(stat.Gid), 10)
	if g, err := user.LookupGroupId(groupName); err == nil {
		groupName = g.Name
	}

	return fmt.Sprintf(" %s%s%s%s%s %d %d %s\n--%s %s %s",
		isDir, isRead, isWrite, isExec, isOwn, size, mtime, cleanPath, perms, userName, groupName), nil
}

func permString(mode os.FileMode) string {
	const rwx = "rwxrwxrwx"
	bits := []os.FileMode{
		0o400, 0o200, 0o100,
		0o040, 0o020, 0o010,
		0o004, 0o002, 0o001,
	}
	var b strings.Builder
	for i, bit := range bits {
		if mode.Perm()&bit != 0 {
			b.WriteByte(rwx[i])
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// hasAccess wraps access(2), matching os.access's R_OK/W_OK/X_OK
// semantics under the worker's already-switched effective identity.
func hasAccess(path string, mode uint32) bool {
	return syscall.Access(path, mode) == nil
}

const (
	unixROK = 0x4
	unixWOK = 0x2
	unixXOK = 0x1
)

var dfLineRe = regexp.MustCompile(`(\S+)\s+(\d+)\s+(\d+)\s+(\d+).+`)

// DF implements TSI_DF: reports total/free bytes for the filesystem
// containing FILE. Shells out to `df -P -B 1` first (matches the
// broker's other CLI-wrapping handlers byte-for-byte); falls back to
// gopsutil's disk usage query if df is unavailable or its output
// cannot be parsed, so DF keeps working on hosts without a `df` binary
// in PATH (e.g. minimal containers).
func DF(msg Message, cmd *wire.CommandChannel) error {
	path := ExpandVariables(msg["FILE"])

	total, free, ok := dfViaCommand(path)
	if !ok {
		total, free, ok = dfViaGopsutil(path)
	}
	if !ok {
		return failEnd(cmd, fmt.Sprintf("could not determine free space for %s", path))
	}

	if err := cmd.WriteMessage("START_DF"); err != nil {
		return err
	}
	cmd.WriteMessage(fmt.Sprintf("TOTAL %d", total))
	cmd.WriteMessage(fmt.Sprintf("FREE %d", free))
	cmd.WriteMessage("USER -1")
	if err := cmd.WriteMessage("END_DF"); err != nil {
		return err
	}
	return cmd.WriteEndOfMessage()
}

func dfViaCommand(path string) (total, free int64, ok bool) {
	out, err := exec.Command("df", "-P", "-B", "1", path).Output()
	if err != nil {
		return 0, 0, false
	}
	for _, line := range strings.Split(string(out), "\n") {
		m := dfLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		t, err1 := strconv.ParseInt(m[2], 10, 64)
		f, err2 := strconv.ParseInt(m[4], 10, 64)
		if err1 == nil && err2 == nil {
			total, free, ok = t, f, true
		}
	}
	return
}

func dfViaGopsutil(path string) (total, free int64, ok bool) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, 0, false
	}
	return int64(usage.Total), int64(usage.Free), true
}

func failEnd(cmd *wire.CommandChannel, msg string) error {
	if err := cmd.Failed(msg); err != nil {
		return err
	}
	return cmd.WriteEndOfMessage()
}
