//go:build !linux

package transport

import "net"

// peerCredEUID has no portable equivalent of SO_PEERCRED; non-Linux
// builds fall back to the anonymous-caller path (euid 0) used by the
// in-process transport.
func peerCredEUID(nc net.Conn) (uint32, bool) {
	return 0, false
}
