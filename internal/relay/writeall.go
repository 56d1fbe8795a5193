//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package relay

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// WriteAll writes p to fd in full. Interrupted writes are retried, and a
// non-blocking descriptor that reports EAGAIN is waited on until writable.
// It returns fewer than len(p) bytes only together with an error.
func WriteAll(fd int, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Write(fd, p[written:])
		if n > 0 {
			written += n
		}
		switch {
		case err == nil && n == 0:
			return written, io.ErrShortWrite
		case err == nil:
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			if err := waitWritable(fd); err != nil {
				return written, err
			}
		default:
			return written, err
		}
	}
	return written, nil
}

func waitWritable(fd int) error {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(pfd, -1)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
