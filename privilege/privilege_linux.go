//go:build linux

package privilege

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

func capValue(c Capability) uint32 {
	switch c {
	case DACOverride:
		return unix.CAP_DAC_OVERRIDE
	case SysAdmin:
		return unix.CAP_SYS_ADMIN
	case NetAdmin:
		return unix.CAP_NET_ADMIN
	default:
		panic(fmt.Sprintf("unknown capability %d", int(c)))
	}
}

// state mirrors the kernel's two-word v3 capability layout for the calling
// thread.
type state struct {
	data [2]unix.CapUserData
}

func readState() (state, error) {
	var st state
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	if err := unix.Capget(&hdr, &st.data[0]); err != nil {
		return st, &SyscallError{Op: "capget", Errno: err}
	}
	return st, nil
}

func (st *state) apply() error {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	if err := unix.Capset(&hdr, &st.data[0]); err != nil {
		return &SyscallError{Op: "capset", Errno: err}
	}
	return nil
}

func (st *state) permitted(c Capability) bool {
	v := capValue(c)
	return st.data[v>>5].Permitted&(1<<(v&31)) != 0
}

func (st *state) setEffective(c Capability, on bool) {
	v := capValue(c)
	if on {
		st.data[v>>5].Effective |= 1 << (v & 31)
	} else {
		st.data[v>>5].Effective &^= 1 << (v & 31)
	}
}

func (st *state) clear(c Capability) {
	v := capValue(c)
	st.data[v>>5].Effective &^= 1 << (v & 31)
	st.data[v>>5].Permitted &^= 1 << (v & 31)
}

func (st *state) permittedWords() (uint32, uint32) {
	return st.data[0].Permitted, st.data[1].Permitted
}

func (st *state) effectiveWords() (uint32, uint32) {
	return st.data[0].Effective, st.data[1].Effective
}

// Context is the process's capability state, threaded through every
// privileged call. The kernel is the source of truth; the context re-reads
// the thread's sets on each operation.
type Context struct{}

// Require asserts the startup precondition: permitted is exactly
// {CAP_DAC_OVERRIDE, CAP_SYS_ADMIN, CAP_NET_ADMIN} and effective is empty.
// Anything else is a deployment error, not a recoverable condition.
func Require() (*Context, error) {
	st, err := readState()
	if err != nil {
		return nil, err
	}

	var want uint32
	for _, c := range []Capability{DACOverride, SysAdmin, NetAdmin} {
		want |= 1 << (capValue(c) & 31)
	}
	p0, p1 := st.permittedWords()
	if p0 != want || p1 != 0 {
		return nil, fmt.Errorf("permitted capability set must be exactly {CAP_DAC_OVERRIDE, CAP_SYS_ADMIN, CAP_NET_ADMIN}, got %#x/%#x", p0, p1)
	}
	e0, e1 := st.effectiveWords()
	if e0 != 0 || e1 != 0 {
		return nil, fmt.Errorf("effective capability set must be empty at startup, got %#x/%#x", e0, e1)
	}
	return &Context{}, nil
}

// With raises exactly one effective capability around fn and lowers it on
// every exit path, including fn failing.
func (c *Context) With(cap Capability, fn func() error) (err error) {
	st, err := readState()
	if err != nil {
		return err
	}
	if !st.permitted(cap) {
		return fmt.Errorf("%s is not in the permitted set", cap)
	}

	st.setEffective(cap, true)
	if err := st.apply(); err != nil {
		return fmt.Errorf("raising %s: %w", cap, err)
	}
	defer func() {
		st.setEffective(cap, false)
		if lowerErr := st.apply(); lowerErr != nil {
			err = errors.Join(err, fmt.Errorf("lowering %s: %w", cap, lowerErr))
		}
	}()

	return fn()
}

// Drop permanently removes the capability from both the permitted and
// effective sets. There is no way back.
func (c *Context) Drop(cap Capability) error {
	st, err := readState()
	if err != nil {
		return err
	}
	st.clear(cap)
	if err := st.apply(); err != nil {
		return fmt.Errorf("dropping %s: %w", cap, err)
	}
	return nil
}

// Remaining lists the elevated capabilities still present in either the
// permitted or effective set. Empty after all three staged drops.
func (c *Context) Remaining() ([]Capability, error) {
	st, err := readState()
	if err != nil {
		return nil, err
	}
	var held []Capability
	for _, cap := range []Capability{DACOverride, SysAdmin, NetAdmin} {
		v := capValue(cap)
		if (st.data[v>>5].Permitted|st.data[v>>5].Effective)&(1<<(v&31)) != 0 {
			held = append(held, cap)
		}
	}
	return held, nil
}
