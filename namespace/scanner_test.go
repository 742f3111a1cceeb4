//go:build linux

package namespace

import (
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coder/nsvlan/privilege"
)

// fakeCaps records capability scoping without touching the kernel.
type fakeCaps struct {
	calls []privilege.Capability
}

func (f *fakeCaps) With(cap privilege.Capability, fn func() error) error {
	f.calls = append(f.calls, cap)
	return fn()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// fakeProc builds a /proc lookalike. Namespace references are plain files;
// identity still comes from (dev, inode), so hardlinked entries model two
// processes sharing one namespace.
func fakeProc(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	mustMkdir := func(p string) {
		t.Helper()
		require.NoError(t, os.MkdirAll(p, 0o755))
	}

	mustMkdir(filepath.Join(root, "123", "ns"))
	require.NoError(t, os.WriteFile(filepath.Join(root, "123", "ns", "net"), []byte("ns"), 0o644))

	// A second process in the same namespace: hardlink to the same object.
	mustMkdir(filepath.Join(root, "456", "ns"))
	require.NoError(t, os.Link(
		filepath.Join(root, "123", "ns", "net"),
		filepath.Join(root, "456", "ns", "net"),
	))

	// A process holding a namespace descriptor that vanished mid-walk:
	// the symlink target announces a namespace but no longer resolves.
	mustMkdir(filepath.Join(root, "789", "fd"))
	require.NoError(t, os.Symlink("net:[4026531992]", filepath.Join(root, "789", "fd", "3")))

	// Non-namespace descriptors are ignored.
	require.NoError(t, os.Symlink("/dev/null", filepath.Join(root, "789", "fd", "4")))

	// Non-numeric entries and processes without readable tables are
	// skipped.
	mustMkdir(filepath.Join(root, "sys"))
	mustMkdir(filepath.Join(root, "321"))

	return root
}

func TestDiscoverDeduplicatesByIdentity(t *testing.T) {
	s := &Scanner{
		Logger:   testLogger(),
		Caps:     &fakeCaps{},
		ProcRoot: fakeProc(t),
	}

	handles, err := s.Discover()
	require.NoError(t, err)
	defer func() {
		for _, h := range handles {
			h.Close()
		}
	}()

	// Two processes referencing the identical namespace object yield
	// exactly one entry; the dangling descriptor is skipped silently.
	require.Len(t, handles, 1)

	info, err := os.Stat(filepath.Join(s.ProcRoot, "123", "ns", "net"))
	require.NoError(t, err)
	st, ok := info.Sys().(*syscall.Stat_t)
	require.True(t, ok)
	require.Equal(t, st.Ino, handles[0].Key().Ino)
}

func TestDiscoverEmptyRoot(t *testing.T) {
	s := &Scanner{Logger: testLogger(), Caps: &fakeCaps{}, ProcRoot: t.TempDir()}
	handles, err := s.Discover()
	require.NoError(t, err)
	require.Empty(t, handles)
}

func TestScanUsedRestoresOnFailure(t *testing.T) {
	caps := &fakeCaps{}
	s := &Scanner{
		Logger:   testLogger(),
		Caps:     caps,
		ProcRoot: fakeProc(t),
	}

	// Entering a plain-file "namespace" fails, so the scan aborts
	// mid-loop. The scanner must still attempt to restore the original
	// namespace afterwards.
	_, err := s.ScanUsed(nil)
	require.Error(t, err)

	require.GreaterOrEqual(t, len(caps.calls), 3)
	require.Equal(t, privilege.DACOverride, caps.calls[0], "discovery runs under CAP_DAC_OVERRIDE")
	require.Equal(t, privilege.SysAdmin, caps.calls[len(caps.calls)-1], "last scoped call must be the namespace restore")
}

func TestUsedSetHas(t *testing.T) {
	u := UsedSet{netip.MustParseAddr("10.0.0.17"): {}}
	require.True(t, u.Has(netip.MustParseAddr("10.0.0.17")))
	require.False(t, u.Has(netip.MustParseAddr("10.0.0.18")))
}
