//go:build linux

package privilege

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestStateBitOperations(t *testing.T) {
	var st state

	for _, c := range []Capability{DACOverride, SysAdmin, NetAdmin} {
		if st.permitted(c) {
			t.Errorf("empty state must not permit %s", c)
		}
	}

	// CAP_DAC_OVERRIDE(1), CAP_NET_ADMIN(12) and CAP_SYS_ADMIN(21) all
	// live in the first 32-bit word.
	st.data[0].Permitted = 1<<unix.CAP_DAC_OVERRIDE | 1<<unix.CAP_NET_ADMIN | 1<<unix.CAP_SYS_ADMIN
	for _, c := range []Capability{DACOverride, SysAdmin, NetAdmin} {
		if !st.permitted(c) {
			t.Errorf("expected %s permitted", c)
		}
	}

	st.setEffective(SysAdmin, true)
	if st.data[0].Effective != 1<<unix.CAP_SYS_ADMIN {
		t.Errorf("unexpected effective word %#x", st.data[0].Effective)
	}
	st.setEffective(SysAdmin, false)
	if st.data[0].Effective != 0 {
		t.Errorf("expected empty effective word, got %#x", st.data[0].Effective)
	}

	st.clear(NetAdmin)
	if st.permitted(NetAdmin) {
		t.Error("clear must remove the permitted bit")
	}
	if !st.permitted(SysAdmin) || !st.permitted(DACOverride) {
		t.Error("clear must not touch other capabilities")
	}
}

func TestReadStateSucceedsUnprivileged(t *testing.T) {
	// capget requires no privilege at all.
	if _, err := readState(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
