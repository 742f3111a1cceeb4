package namespace

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/coder/nsvlan/network"
	"github.com/coder/nsvlan/privilege"
	"github.com/coder/nsvlan/subnet"
)

// Capabilities is the slice of the privilege context the scanner needs.
// Faked in tests.
type Capabilities interface {
	With(cap privilege.Capability, fn func() error) error
}

// UsedSet is the set of IP addresses observed as already assigned inside
// the configured subnets, across every namespace on the host. Written once
// by the scan, read-only afterwards.
type UsedSet map[netip.Addr]struct{}

// Has reports whether addr was seen during the scan.
func (u UsedSet) Has(addr netip.Addr) bool {
	_, ok := u[addr]
	return ok
}

// Scanner discovers every network namespace reachable from a live process
// and records which configured-subnet addresses each one already uses.
type Scanner struct {
	Logger *slog.Logger
	Caps   Capabilities

	// ProcRoot overrides the process-table root, for tests. Empty means
	// /proc.
	ProcRoot string
}

func (s *Scanner) procRoot() string {
	if s.ProcRoot != "" {
		return s.ProcRoot
	}
	return "/proc"
}

// Discover enumerates every distinct network namespace currently
// instantiated on the host: for each live process, every descriptor whose
// target is a namespace reference plus the process's own ns/net entry,
// deduplicated by kernel object identity. The walk is inherently racy;
// processes that exit mid-walk are skipped silently. The caller owns the
// returned handles.
func (s *Scanner) Discover() ([]*Handle, error) {
	entries, err := os.ReadDir(s.procRoot())
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	seen := make(map[Key]*Handle)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.ParseUint(e.Name(), 10, 64); err != nil {
			continue
		}
		dir := filepath.Join(s.procRoot(), e.Name())

		// Descriptor-table entries pointing at namespace objects.
		fds, err := os.ReadDir(filepath.Join(dir, "fd"))
		if err == nil {
			for _, fd := range fds {
				p := filepath.Join(dir, "fd", fd.Name())
				target, err := os.Readlink(p)
				if err != nil || !strings.HasPrefix(target, "net:[") {
					continue
				}
				s.collect(seen, p)
			}
		}

		// The process's primary namespace reference.
		s.collect(seen, filepath.Join(dir, "ns", "net"))
	}

	handles := make([]*Handle, 0, len(seen))
	for _, h := range seen {
		handles = append(handles, h)
	}
	s.Logger.Debug("namespace discovery complete", "count", len(handles))
	return handles, nil
}

func (s *Scanner) collect(seen map[Key]*Handle, path string) {
	h, err := OpenPath(path)
	if err != nil {
		// Raced with a process exiting, or a descriptor closing. Not
		// fatal.
		return
	}
	if _, dup := seen[h.key]; dup {
		h.Close()
		return
	}
	s.Logger.Debug("discovered namespace", "path", path, "namespace", h.String())
	seen[h.key] = h
}

// ScanUsed visits every discovered namespace and accumulates the addresses
// already occupying the configured subnets. Discovery runs under a scoped
// CAP_DAC_OVERRIDE, each namespace switch under a scoped CAP_SYS_ADMIN.
// The original namespace is restored on every exit path, including a
// mid-scan failure: an error must never leave the process stranded in a
// foreign namespace.
func (s *Scanner) ScanUsed(subnets []subnet.Subnet) (used UsedSet, err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	saved, err := Current()
	if err != nil {
		return nil, err
	}
	defer saved.Close()
	defer func() {
		if rerr := s.Caps.With(privilege.SysAdmin, saved.Enter); rerr != nil {
			err = errors.Join(err, fmt.Errorf("restoring original namespace: %w", rerr))
		}
	}()

	var handles []*Handle
	if werr := s.Caps.With(privilege.DACOverride, func() error {
		var derr error
		handles, derr = s.Discover()
		return derr
	}); werr != nil {
		return nil, werr
	}
	defer func() {
		for _, h := range handles {
			h.Close()
		}
	}()

	used = make(UsedSet)
	for _, h := range handles {
		if werr := s.Caps.With(privilege.SysAdmin, h.Enter); werr != nil {
			return nil, werr
		}
		if verr := scanCurrent(subnets, used); verr != nil {
			return nil, fmt.Errorf("scanning %s: %w", h, verr)
		}
	}
	s.Logger.Debug("usage scan complete", "used", len(used))
	return used, nil
}

// scanCurrent lists the addresses of the namespace the thread currently
// occupies and records those inside a configured subnet. The connection is
// dialed after the switch: a routing socket stays bound to the namespace
// it was created in.
func scanCurrent(subnets []subnet.Subnet, used UsedSet) error {
	conn, err := network.Dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	addrs, err := conn.Addresses()
	if err != nil {
		return err
	}
	for _, a := range addrs {
		for _, sn := range subnets {
			if sn.Contains(a.Addr()) {
				used[a.Addr()] = struct{}{}
			}
		}
	}
	return nil
}
