//go:build linux

package tpcengine

import "golang.org/x/sys/unix"

// createWakeFd creates an eventfd for wake-up notifications. The single fd
// serves as both the read and the write end.
func createWakeFd() (readFd, writeFd int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	return fd, fd, err
}
