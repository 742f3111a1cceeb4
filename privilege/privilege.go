// Package privilege holds the process's Linux capability state. Every
// privileged operation in nsvlan runs under a scoped raise of exactly the
// one capability it needs, and three permanent drops mark irreversible
// progress through a provisioning run. Capability sets are per-thread:
// callers must stay on a locked OS thread between Require and the final
// drop.
package privilege

import "fmt"

// Capability is one of the three elevated permissions nsvlan works with.
type Capability int

const (
	// DACOverride bypasses file permission checks; needed to open other
	// users' namespace references under /proc and the root-locked
	// configuration file.
	DACOverride Capability = iota
	// SysAdmin administers namespaces: unshare and setns.
	SysAdmin
	// NetAdmin administers network devices, addresses and routes.
	NetAdmin
)

func (c Capability) String() string {
	switch c {
	case DACOverride:
		return "CAP_DAC_OVERRIDE"
	case SysAdmin:
		return "CAP_SYS_ADMIN"
	case NetAdmin:
		return "CAP_NET_ADMIN"
	default:
		return fmt.Sprintf("Capability(%d)", int(c))
	}
}

// SyscallError is a failed capability syscall, tagged with the operation
// and the raw platform error code.
type SyscallError struct {
	Op    string
	Errno error
}

func (e *SyscallError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Errno)
}

func (e *SyscallError) Unwrap() error { return e.Errno }
