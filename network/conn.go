package network

import (
	"github.com/vishvananda/netlink"
)

// Conn is a rtnetlink conversation handle. The underlying socket is bound
// to the network namespace the calling thread occupies at Dial time, and
// stays bound there even if the thread later switches namespaces: callers
// that move between namespaces must dial a fresh connection after every
// switch.
type Conn struct {
	handle *netlink.Handle
}

// Dial opens a routing socket in the current namespace.
func Dial() (*Conn, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, classify("open", "routing socket", err)
	}
	return &Conn{handle: h}, nil
}

// Close releases the routing socket. Handles derived from the connection
// are invalid afterwards.
func (c *Conn) Close() {
	if c.handle != nil {
		c.handle.Close()
		c.handle = nil
	}
}
