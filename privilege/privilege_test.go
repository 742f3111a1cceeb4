package privilege

import (
	"errors"
	"syscall"
	"testing"
)

func TestCapabilityString(t *testing.T) {
	tests := []struct {
		cap  Capability
		want string
	}{
		{DACOverride, "CAP_DAC_OVERRIDE"},
		{SysAdmin, "CAP_SYS_ADMIN"},
		{NetAdmin, "CAP_NET_ADMIN"},
		{Capability(42), "Capability(42)"},
	}
	for _, tt := range tests {
		if got := tt.cap.String(); got != tt.want {
			t.Errorf("Capability(%d).String() = %q, want %q", int(tt.cap), got, tt.want)
		}
	}
}

func TestSyscallError(t *testing.T) {
	err := &SyscallError{Op: "capset", Errno: syscall.EPERM}
	if !errors.Is(err, syscall.EPERM) {
		t.Error("expected the platform error code to stay reachable")
	}
	if err.Error() != "capset: operation not permitted" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}
