// switcher.go implements the Identity Switcher (C2): the privileged
// become/restore discipline that lets one worker process impersonate a
// sequence of end users, one at a time, with a guaranteed restore on
// every exit path.
//
// The actual setresuid(2)/setgroups(2) calls are hidden behind the OSOps
// interface so tests can substitute a fake without running as root.
// unixOps (switcher_unix.go) is the real implementation, built on
// golang.org/x/sys/unix.
package identity

import (
	"fmt"
	"os"
	"sort"
)

// OSOps is the privileged syscall surface the Switcher depends on. A
// fake implementation backs unit tests; unixOps (build-tagged linux)
// backs production.
type OSOps interface {
	Getresuid() (ruid, euid, suid int)
	Getresgid() (rgid, egid, sgid int)
	Getgroups() ([]int, error)

	Setresuid(ruid, euid, suid int) error
	Setresgid(rgid, egid, sgid int) error
	Setgroups(gids []int) error
}

// Snapshot is the privileged identity captured once at startup, which
// every restore() reverts to.
type Snapshot struct {
	UID, EUID, SUID int
	GID, EGID, SGID int
	Groups          []int
}

// Switcher performs become/restore identity switches. One Switcher is
// created per worker process; it is not safe to share between processes
// (there is nothing to share — each worker has its own OS identity).
type Switcher struct {
	ops   OSOps
	cache *Cache

	enforceOSGids     bool
	failOnInvalidGids bool

	privileged Snapshot
	active     bool // true while a become() is outstanding
}

// NewSwitcher creates a Switcher. It captures the current (presumably
// root) identity as the restore target.
func NewSwitcher(ops OSOps, cache *Cache, enforceOSGids, failOnInvalidGids bool) (*Switcher, error) {
	ruid, euid, suid := ops.Getresuid()
	rgid, egid, sgid := ops.Getresgid()
	groups, err := ops.Getgroups()
	if err != nil {
		return nil, fmt.Errorf("identity.NewSwitcher: Getgroups: %w", err)
	}
	return &Switcher{
		ops:               ops,
		cache:             cache,
		enforceOSGids:     enforceOSGids,
		failOnInvalidGids: failOnInvalidGids,
		privileged: Snapshot{
			UID: ruid, EUID: euid, SUID: suid,
			GID: rgid, EGID: egid, SGID: sgid,
			Groups: groups,
		},
	}, nil
}

// resolveGroups turns a requested-groups slice (primary first, then
// supplementary) into a concrete (gid, supplementary-gids) pair,
// honoring the DEFAULT_GID/NONE sentinels and the enforce/fail config.
func (s *Switcher) resolveGroups(user string, requested []string) (primary int, supplementary []int, err error) {
	if len(requested) == 0 || requested[0] == DistinguishedNone {
		primary = s.cache.PrimaryGIDOf(user)
		if primary < 0 {
			return 0, nil, fmt.Errorf("identity: cannot resolve OS primary gid for %q", user)
		}
		all := s.cache.AllGIDsOf(user)
		supplementary = gidSetToSortedSlice(all)
		return primary, supplementary, nil
	}

	primaryName := requested[0]
	if primaryName == DistinguishedDefaultGID {
		primary = s.cache.PrimaryGIDOf(user)
		if primary < 0 {
			return 0, nil, fmt.Errorf("identity: cannot resolve OS primary gid for %q", user)
		}
	} else {
		primary, err = s.resolveOneGroup(user, primaryName)
		if err != nil {
			return 0, nil, err
		}
	}

	osGIDs := s.cache.AllGIDsOf(user)
	for _, g := range requested[1:] {
		if g == DistinguishedDefaultGID {
			for gid := range osGIDs {
				supplementary = append(supplementary, gid)
			}
			continue
		}
		gid, err := s.resolveOneGroup(user, g)
		if err != nil {
			if s.failOnInvalidGids {
				return 0, nil, err
			}
			continue // skip invalid supplementary entry
		}
		supplementary = append(supplementary, gid)
	}

	supplementary = append(supplementary, primary)
	return primary, dedupSorted(supplementary), nil
}

// resolveOneGroup resolves a single requested group name/number to a gid,
// applying the enforce_os_gids membership check.
func (s *Switcher) resolveOneGroup(user, group string) (int, error) {
	gid := s.cache.GIDOfGroup(group)
	if gid < 0 {
		return 0, fmt.Errorf("identity: unknown group %q", group)
	}

	if s.enforceOSGids {
		osGIDs := s.cache.AllGIDsOf(user)
		if _, member := osGIDs[gid]; !member {
			if s.failOnInvalidGids {
				return 0, fmt.Errorf("identity: user %q is not an OS member of group %q", user, group)
			}
			fallback := s.cache.PrimaryGIDOf(user)
			if fallback < 0 {
				return 0, fmt.Errorf("identity: user %q not an OS member of %q, and has no OS primary gid to fall back to", user, group)
			}
			return fallback, nil
		}
	}
	return gid, nil
}

// Become switches the process's real+effective uid, primary gid, and
// supplementary group set to the requested user/groups. requestedGroups
// follows the wire convention: [0] is primary (possibly DEFAULT_GID or,
// only here, NONE), [1:] are supplementary (possibly DEFAULT_GID).
//
// Become requires the caller to already be privileged; it refuses to
// become uid 0 or an unknown user. On any failure partway through, it
// attempts to leave the process in its original (privileged) identity —
// never half-switched — and returns an error.
func (s *Switcher) Become(user string, requestedGroups []string) error {
	if s.active {
		return fmt.Errorf("identity: Become called while already switched (unpaired become/restore)")
	}

	uid := s.cache.UIDOf(user)
	if uid < 0 {
		return fmt.Errorf("identity: unknown user %q", user)
	}
	if uid == 0 {
		return fmt.Errorf("identity: refusing to become uid 0")
	}

	primary, supplementary, err := s.resolveGroups(user, requestedGroups)
	if err != nil {
		return err
	}

	// Order matters: gid before uid (dropping uid first would remove the
	// privilege needed to change gid), and gid is set twice because
	// setgroups() between the two calls can reset the effective gid on
	// some platforms.
	if err := s.ops.Setresgid(primary, primary, s.privileged.SGID); err != nil {
		return fmt.Errorf("identity: Setresgid(%d): %w", primary, err)
	}
	// Past this point a failure leaves a partial switch; rollback returns
	// to the privileged identity before reporting err.
	rollback := func(err error) error {
		s.active = true
		if rerr := s.Restore(); rerr != nil {
			return fmt.Errorf("%w (restoring privileged identity also failed: %v)", err, rerr)
		}
		return err
	}
	if err := s.ops.Setgroups(supplementary); err != nil {
		return rollback(fmt.Errorf("identity: Setgroups(%v): %w", supplementary, err))
	}
	if err := s.ops.Setresgid(primary, primary, s.privileged.SGID); err != nil {
		return rollback(fmt.Errorf("identity: Setresgid (second pass, %d): %w", primary, err))
	}
	if err := s.ops.Setresuid(uid, uid, s.privileged.SUID); err != nil {
		return rollback(fmt.Errorf("identity: Setresuid(%d): %w", uid, err))
	}

	if err := s.verify(uid, primary, supplementary); err != nil {
		return rollback(err)
	}

	home := s.cache.HomeOf(user)
	os.Setenv("HOME", home)
	os.Setenv("USER", user)
	os.Setenv("LOGNAME", user)

	s.active = true
	return nil
}

// verify re-reads the kernel's view of the identity and fails hard if it
// disagrees with what was just requested.
func (s *Switcher) verify(wantUID, wantGID int, wantSupplementary []int) error {
	ruid, euid, _ := s.ops.Getresuid()
	if ruid != wantUID || euid != wantUID {
		return fmt.Errorf("identity: post-switch verification failed: kernel uid (%d,%d) != requested %d", ruid, euid, wantUID)
	}
	rgid, egid, _ := s.ops.Getresgid()
	if rgid != wantGID || egid != wantGID {
		return fmt.Errorf("identity: post-switch verification failed: kernel gid (%d,%d) != requested %d", rgid, egid, wantGID)
	}
	groups, err := s.ops.Getgroups()
	if err != nil {
		return fmt.Errorf("identity: post-switch verification: Getgroups: %w", err)
	}
	if !sameGroupSet(groups, wantSupplementary) {
		return fmt.Errorf("identity: post-switch verification failed: kernel groups %v != requested %v", groups, wantSupplementary)
	}
	return nil
}

// Restore reverses Become, returning the process to its privileged
// identity. It is idempotent: calling it when no Become is outstanding
// is a no-op success, so dispatcher cleanup code can call it
// unconditionally on every exit path.
func (s *Switcher) Restore() error {
	if !s.active {
		return nil
	}

	if err := s.ops.Setresuid(s.privileged.SUID, s.privileged.SUID, s.privileged.SUID); err != nil {
		return fmt.Errorf("identity: restore Setresuid: %w", err)
	}
	if err := s.ops.Setresgid(s.privileged.SGID, s.privileged.SGID, s.privileged.SGID); err != nil {
		return fmt.Errorf("identity: restore Setresgid: %w", err)
	}
	if err := s.ops.Setgroups([]int{s.privileged.SGID}); err != nil {
		return fmt.Errorf("identity: restore Setgroups: %w", err)
	}

	os.Setenv("HOME", "/tmp")
	os.Setenv("USER", "nobody")
	os.Setenv("LOGNAME", "nobody")

	s.active = false
	return nil
}

func gidSetToSortedSlice(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for gid := range set {
		out = append(out, gid)
	}
	sort.Ints(out)
	return out
}

func dedupSorted(in []int) []int {
	seen := make(map[int]struct{}, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func sameGroupSet(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]int(nil), a...)
	bs := append([]int(nil), b...)
	sort.Ints(as)
	sort.Ints(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
