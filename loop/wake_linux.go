//go:build linux

package loop

import "golang.org/x/sys/unix"

func newWakePipe() (r, w int, err error) {
	var fds [2]int
	if err = unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

func writeWakePipe(w int, b []byte) (int, error) {
	n, err := unix.Write(w, b)
	if err == unix.EAGAIN {
		return 0, nil
	}
	return n, err
}

func readWakePipe(r int, b []byte) (int, error) {
	n, err := unix.Read(r, b)
	if err == unix.EAGAIN {
		return 0, nil
	}
	return n, err
}

func closeWakePipe(r, w int) error {
	_ = unix.Close(r)
	return unix.Close(w)
}
