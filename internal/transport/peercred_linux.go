//go:build linux

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerCredEUID reads the connecting process's effective UID off the Unix
// socket (SO_PEERCRED), the same value a real binder open() call captures
// from the calling task, used as the process's SenderEUID for transactions
// (spec §4.4).
func peerCredEUID(nc net.Conn) (uint32, bool) {
	uc, ok := nc.(*net.UnixConn)
	if !ok {
		return 0, false
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, false
	}
	var euid uint32
	var ok2 bool
	err = raw.Control(func(fd uintptr) {
		cred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			return
		}
		euid = cred.Uid
		ok2 = true
	})
	if err != nil {
		return 0, false
	}
	return euid, ok2
}
