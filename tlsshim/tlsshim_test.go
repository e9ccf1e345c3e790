package tlsshim

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfSignedConfig(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "tlsshim-test"},
		DNSNames:     []string{"tlsshim-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}

	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg := &tls.Config{RootCAs: pool, ServerName: "tlsshim-test"}
	return serverCfg, clientCfg
}

func TestHandshakeAndRoundTrip(t *testing.T) {
	serverCfg, clientCfg := selfSignedConfig(t)

	var server, client *Shim

	serverHandshook := make(chan struct{})
	clientHandshook := make(chan struct{})
	received := make(chan []byte, 1)

	server = New(RoleServer, serverCfg, Callbacks{
		WriteRaw: func(data []byte) {
			_ = client.RecvData(data)
		},
		HandshakeComplete: func() { close(serverHandshook) },
		Error:             func(err error) { t.Logf("server tls error: %v", err) },
	})
	client = New(RoleClient, clientCfg, Callbacks{
		WriteRaw: func(data []byte) {
			_ = server.RecvData(data)
		},
		HandshakeComplete: func() { close(clientHandshook) },
		Error:             func(err error) { t.Logf("client tls error: %v", err) },
		Message: func(data []byte) {
			received <- data
		},
	})

	require.NoError(t, server.StartEncryption())
	require.NoError(t, client.StartEncryption())

	waitClosed(t, serverHandshook, "server handshake")
	waitClosed(t, clientHandshook, "client handshake")

	n, err := server.SendData([]byte("hello over tls"))
	require.NoError(t, err)
	require.Equal(t, len("hello over tls"), n)

	select {
	case data := <-received:
		require.Equal(t, "hello over tls", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("client never received message")
	}
}

func waitClosed(t *testing.T, ch chan struct{}, what string) {
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s never completed", what)
	}
}

func TestStartEncryptionTwiceFails(t *testing.T) {
	serverCfg, _ := selfSignedConfig(t)
	s := New(RoleServer, serverCfg, Callbacks{})
	require.NoError(t, s.StartEncryption())
	require.ErrorIs(t, s.StartEncryption(), ErrAlreadyEncrypted)
}
