// Package namespace deals with kernel network namespace objects: opening
// handles to them, discovering every namespace reachable from a live
// process, and scanning each for addresses that already occupy the
// configured subnets.
package namespace

import (
	"fmt"

	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// Key identifies a namespace by the (device, inode) pair of its underlying
// filesystem object. The same namespace is reachable through many
// processes and descriptors but has exactly one Key.
type Key struct {
	Dev uint64
	Ino uint64
}

// Handle is an open reference to one network namespace.
type Handle struct {
	ns  netns.NsHandle
	key Key
}

func wrap(ns netns.NsHandle) (*Handle, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(ns), &st); err != nil {
		ns.Close()
		return nil, fmt.Errorf("stat namespace handle: %w", err)
	}
	return &Handle{ns: ns, key: Key{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}}, nil
}

// Current opens a handle to the calling thread's namespace.
func Current() (*Handle, error) {
	ns, err := netns.Get()
	if err != nil {
		return nil, fmt.Errorf("open current namespace: %w", err)
	}
	return wrap(ns)
}

// OpenPath opens a namespace reference by filesystem path, typically
// /proc/<pid>/ns/net or a /proc/<pid>/fd entry.
func OpenPath(path string) (*Handle, error) {
	ns, err := netns.GetFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("open namespace %s: %w", path, err)
	}
	return wrap(ns)
}

// New creates a fresh, empty network namespace and moves the calling
// thread into it. Requires an effective CAP_SYS_ADMIN; the caller scopes
// the raise.
func New() (*Handle, error) {
	ns, err := netns.New()
	if err != nil {
		return nil, fmt.Errorf("create namespace: %w", err)
	}
	return wrap(ns)
}

// Enter switches the calling thread into the namespace. Per-thread only:
// the caller must hold runtime.LockOSThread, and needs an effective
// CAP_SYS_ADMIN.
func (h *Handle) Enter() error {
	if err := netns.Set(h.ns); err != nil {
		return fmt.Errorf("enter namespace %v: %w", h.key, err)
	}
	return nil
}

// Key returns the namespace's identity.
func (h *Handle) Key() Key { return h.key }

// FD exposes the underlying descriptor, for moving devices into the
// namespace.
func (h *Handle) FD() int { return int(h.ns) }

// Close releases the handle. Idempotent. The namespace itself lives on as
// long as any process or descriptor references it.
func (h *Handle) Close() error {
	if !h.ns.IsOpen() {
		return nil
	}
	return h.ns.Close()
}

func (h *Handle) String() string {
	return fmt.Sprintf("net:[%d:%d]", h.key.Dev, h.key.Ino)
}
