//go:build linux

package identity

import "golang.org/x/sys/unix"

// unixOps implements OSOps on Linux using golang.org/x/sys/unix, which
// backs the real setresuid(2)/setresgid(2)/setgroups(2) calls.
type unixOps struct{}

// NewUnixOps returns the production OSOps backed by real syscalls.
func NewUnixOps() OSOps { return unixOps{} }

func (unixOps) Getresuid() (ruid, euid, suid int) {
	var r, e, s int
	unix.Getresuid(&r, &e, &s)
	return r, e, s
}

func (unixOps) Getresgid() (rgid, egid, sgid int) {
	var r, e, s int
	unix.Getresgid(&r, &e, &s)
	return r, e, s
}

func (unixOps) Getgroups() ([]int, error) {
	return unix.Getgroups()
}

func (unixOps) Setresuid(ruid, euid, suid int) error {
	return unix.Setresuid(ruid, euid, suid)
}

func (unixOps) Setresgid(rgid, egid, sgid int) error {
	return unix.Setresgid(rgid, egid, sgid)
}

func (unixOps) Setgroups(gids []int) error {
	return unix.Setgroups(gids)
}
