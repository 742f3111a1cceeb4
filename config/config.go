// Package config loads the subnet configuration file: one CIDR per line,
// '#' comments, held under an exclusive advisory lock for the whole run.
// The file must be owned by root and carry no read bits and no owner-write
// bit, so only capability-bearing tooling can open it at all.
package config

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/coder/nsvlan/privilege"
	"github.com/coder/nsvlan/subnet"
)

// forbiddenModeBits are the permission bits that must not be set on the
// configuration file: any read bit, and the owner-write bit.
const forbiddenModeBits = 0o444 | 0o200

// Capabilities is the slice of the privilege context the loader needs.
type Capabilities interface {
	With(cap privilege.Capability, fn func() error) error
}

// ValidationError reports a configuration file that is unsafe to trust:
// wrong owner or wrong permission bits. Always fatal, and always raised
// before a single line is parsed.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config file %s: %s", e.Path, e.Reason)
}

// File is the loaded configuration. It keeps the underlying descriptor
// open, and with it the exclusive advisory lock, until Close.
type File struct {
	f       *os.File
	Path    string
	Subnets []subnet.Subnet
}

// Load opens, locks, validates and parses the configuration file at path.
// The open runs under a scoped CAP_DAC_OVERRIDE: a correctly deployed file
// has no read bits at all. A second invocation blocks on the lock until
// the first finishes.
func Load(path string, caps Capabilities, logger *slog.Logger) (*File, error) {
	var f *os.File
	if err := caps.With(privilege.DACOverride, func() error {
		var oerr error
		f, oerr = os.OpenFile(path, os.O_RDONLY, 0)
		return oerr
	}); err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock config %s: %w", path, err)
	}
	logger.Debug("config file locked", "path", path)

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		f.Close()
		return nil, fmt.Errorf("stat config %s: %w", path, err)
	}
	if err := validate(&st, path); err != nil {
		f.Close()
		return nil, err
	}

	subnets, err := parseSubnets(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	logger.Debug("config parsed", "path", path, "subnets", len(subnets))

	return &File{f: f, Path: path, Subnets: subnets}, nil
}

// Close releases the descriptor and with it the advisory lock.
func (c *File) Close() error {
	return c.f.Close()
}

// validate enforces the trust requirements before any content is looked
// at: root ownership, and a permission mask with no read bits and no
// owner-write bit.
func validate(st *unix.Stat_t, path string) error {
	if st.Uid != 0 {
		return &ValidationError{Path: path, Reason: fmt.Sprintf("must be owned by root, owned by uid %d", st.Uid)}
	}
	mode := st.Mode & 0o7777
	if mode&forbiddenModeBits != 0 {
		return &ValidationError{
			Path:   path,
			Reason: fmt.Sprintf("permission bits %04o set; read bits and the owner-write bit must be clear", mode&forbiddenModeBits),
		}
	}
	return nil
}

// parseSubnets reads one CIDR subnet per line, skipping comments and blank
// lines, deduplicating normalized subnets while preserving first-seen
// order.
func parseSubnets(r io.Reader) ([]subnet.Subnet, error) {
	var (
		subnets []subnet.Subnet
		seen    = make(map[subnet.Subnet]struct{})
	)

	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		s, err := subnet.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno, err)
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		subnets = append(subnets, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(subnets) == 0 {
		return nil, fmt.Errorf("no subnets configured")
	}
	return subnets, nil
}
