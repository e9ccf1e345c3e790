//go:build linux

// Package socket provides nonblocking TCP socket primitives used by the
// connection engine: listen, dial, raw read/write, half-close, pending
// socket-error draining and the handful of setsockopt knobs the engine
// cares about (keepalive, no-delay, reuseaddr/reuseport, buffer sizes).
package socket

import (
	"net"
	"strings"

	"golang.org/x/sys/unix"
)

// Option configures a socket option to be applied right after creation.
type Option struct {
	SetSockOpt func(fd int, opt int) error
	Opt        int
}

// Options groups the knobs callers may want on a listening or dialed
// socket. Not every field applies to every socket type.
type Options struct {
	// ReuseAddr sets SO_REUSEADDR.
	ReuseAddr bool
	// ReusePort sets SO_REUSEPORT, letting multiple loops share one
	// listening port via independent accept queues.
	ReusePort bool
	// TCPNoDelay disables Nagle's algorithm.
	TCPNoDelay bool
	// RecvBufferBytes sets SO_RCVBUF when nonzero.
	RecvBufferBytes int
	// SendBufferBytes sets SO_SNDBUF when nonzero.
	SendBufferBytes int
}

// BuildOptions translates Options into the ordered list of setsockopt
// calls to apply to a freshly created socket.
func BuildOptions(network string, o Options) []Option {
	var opts []Option
	if o.ReusePort || strings.HasPrefix(network, "udp") {
		opts = append(opts, Option{SetSockOpt: SetReusePort, Opt: 1})
	}
	if o.ReuseAddr {
		opts = append(opts, Option{SetSockOpt: SetReuseAddr, Opt: 1})
	}
	if o.TCPNoDelay && strings.HasPrefix(network, "tcp") {
		opts = append(opts, Option{SetSockOpt: SetNoDelay, Opt: 1})
	}
	if o.RecvBufferBytes > 0 {
		opts = append(opts, Option{SetSockOpt: SetRecvBuffer, Opt: o.RecvBufferBytes})
	}
	if o.SendBufferBytes > 0 {
		opts = append(opts, Option{SetSockOpt: SetSendBuffer, Opt: o.SendBufferBytes})
	}
	return opts
}

func applyOptions(fd int, opts []Option) error {
	for _, opt := range opts {
		if err := opt.SetSockOpt(fd, opt.Opt); err != nil {
			return err
		}
	}
	return nil
}

// SetReuseAddr sets SO_REUSEADDR.
func SetReuseAddr(fd, _ int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

// SetReusePort sets SO_REUSEPORT.
func SetReusePort(fd, _ int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

// SetNoDelay enables or disables Nagle's algorithm.
func SetNoDelay(fd, enable int) error {
	v := 0
	if enable != 0 {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

// SetKeepAlive enables SO_KEEPALIVE.
func SetKeepAlive(fd, enable int) error {
	v := 0
	if enable != 0 {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, v)
}

// SetRecvBuffer sets SO_RCVBUF.
func SetRecvBuffer(fd, bytes int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, bytes)
}

// SetSendBuffer sets SO_SNDBUF.
func SetSendBuffer(fd, bytes int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, bytes)
}

// ListenTCP creates a nonblocking, listening TCP socket bound to addr.
func ListenTCP(addr string, opts Options) (fd int, resolved *net.TCPAddr, err error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, nil, err
	}
	domain := unix.AF_INET
	if tcpAddr.IP != nil && tcpAddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err = unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, err
	}
	if err = applyOptions(fd, BuildOptions("tcp", opts)); err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}
	sa, err := sockaddr(tcpAddr, domain)
	if err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}
	if err = unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}
	if err = unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}
	local, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}
	resolved = addrFromSockaddr(local)
	return fd, resolved, nil
}

// Accept wraps accept4 with SOCK_NONBLOCK so the returned fd is ready to
// register with the poller immediately.
func Accept(listenFd int) (fd int, peer *net.TCPAddr, err error) {
	nfd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}
	return nfd, addrFromSockaddr(sa), nil
}

// DialTCP starts a nonblocking connect to addr, returning the fd
// immediately; callers watch for writability to learn when the connect
// completes (or failed, check SocketError after).
func DialTCP(addr string, opts Options) (fd int, local, peer *net.TCPAddr, err error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, nil, nil, err
	}
	domain := unix.AF_INET
	if tcpAddr.IP != nil && tcpAddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err = unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, nil, err
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, nil, nil, err
	}
	if err = applyOptions(fd, BuildOptions("tcp", opts)); err != nil {
		_ = unix.Close(fd)
		return -1, nil, nil, err
	}
	sa, err := sockaddr(tcpAddr, domain)
	if err != nil {
		_ = unix.Close(fd)
		return -1, nil, nil, err
	}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return -1, nil, nil, err
	}
	if ls, lerr := unix.Getsockname(fd); lerr == nil {
		local = addrFromSockaddr(ls)
	}
	peer = tcpAddr
	return fd, local, peer, nil
}

// Read performs one nonblocking read into buf. A return of (0, nil)
// means the peer closed the write half (EOF). A return of (-1, err)
// with err == unix.EAGAIN means "try again later".
func Read(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		return -1, err
	}
	return n, nil
}

// Write performs one nonblocking write. A return of (-1, unix.EAGAIN)
// means the socket send buffer is full.
func Write(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	if err != nil {
		return -1, err
	}
	return n, nil
}

// CloseWrite half-closes the write direction (FIN) while reads remain
// possible.
func CloseWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

// Close closes both directions and releases the fd.
func Close(fd int) error {
	return unix.Close(fd)
}

// SocketError drains and returns the pending SO_ERROR value, or nil if
// there is none.
func SocketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}

func sockaddr(addr *net.TCPAddr, domain int) (unix.Sockaddr, error) {
	port := addr.Port
	if domain == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: port}
		if addr.IP != nil {
			copy(sa.Addr[:], addr.IP.To16())
		}
		if addr.Zone != "" {
			if iface, err := net.InterfaceByName(addr.Zone); err == nil {
				sa.ZoneId = uint32(iface.Index)
			}
		}
		return sa, nil
	}
	sa := &unix.SockaddrInet4{Port: port}
	if addr.IP != nil {
		ip4 := addr.IP.To4()
		copy(sa.Addr[:], ip4)
	}
	return sa, nil
}

func addrFromSockaddr(sa unix.Sockaddr) *net.TCPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}
	default:
		return nil
	}
}
