//go:build linux

package rawip

import "golang.org/x/sys/unix"

// bindToDevice pins fd's egress/ingress to iface via SO_BINDTODEVICE.
func bindToDevice(fd uintptr, iface string) error {
	return unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface)
}
