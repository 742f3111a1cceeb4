//go:build !linux

package privilege

import (
	"fmt"
	"runtime"
)

// Context is the process's capability state. Capabilities are a Linux
// concept; every operation fails on other platforms.
type Context struct{}

func Require() (*Context, error) {
	return nil, fmt.Errorf("nsvlan is only supported on Linux, current platform: %s", runtime.GOOS)
}

func (c *Context) With(cap Capability, fn func() error) error {
	return fmt.Errorf("nsvlan is only supported on Linux, current platform: %s", runtime.GOOS)
}

func (c *Context) Drop(cap Capability) error {
	return fmt.Errorf("nsvlan is only supported on Linux, current platform: %s", runtime.GOOS)
}

func (c *Context) Remaining() ([]Capability, error) {
	return nil, fmt.Errorf("nsvlan is only supported on Linux, current platform: %s", runtime.GOOS)
}
