//go:build linux

package socket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildOptions(t *testing.T) {
	opts := BuildOptions("tcp", Options{ReuseAddr: true, TCPNoDelay: true})
	assert.Len(t, opts, 2)

	opts = BuildOptions("udp", Options{})
	assert.Len(t, opts, 1, "udp sockets always get SO_REUSEPORT")
}

func TestListenAcceptDialRoundTrip(t *testing.T) {
	lfd, addr, err := ListenTCP("127.0.0.1:0", Options{ReuseAddr: true})
	require.NoError(t, err)
	defer Close(lfd)
	require.NotZero(t, addr.Port)

	cfd, _, _, err := DialTCP(addr.String(), Options{TCPNoDelay: true})
	require.NoError(t, err)
	defer Close(cfd)

	var afd int
	require.Eventually(t, func() bool {
		fd, _, aerr := Accept(lfd)
		if aerr != nil {
			return false
		}
		afd = fd
		return true
	}, 2*time.Second, 5*time.Millisecond, "accept should eventually succeed on a connected dialer")

	defer Close(afd)

	n, err := Write(afd, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
