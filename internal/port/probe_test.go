package port

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHostProbe_UsedPort starts a listener on an OS-assigned port and
// verifies the probe reports it in use.
func TestHostProbe_UsedPort(t *testing.T) {
	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err, "failed to start test listener")
	defer func() { _ = listener.Close() }()

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)

	probe := NewHostProbe()
	assert.True(t, probe.InUse(tcpAddr.Port))
	assert.False(t, probe.IsPortAvailable(tcpAddr.Port, "tcp"))
}

// TestHostProbe_FreePort releases an OS-assigned port and expects it to be
// available again.
func TestHostProbe_FreePort(t *testing.T) {
	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	assert.True(t, NewHostProbe().IsPortAvailable(port, "tcp"))
}

func TestHostProbe_UDP(t *testing.T) {
	conn, err := net.ListenPacket("udp", ":0")
	require.NoError(t, err, "failed to start test UDP listener")
	defer func() { _ = conn.Close() }()

	udpAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	require.True(t, ok)
	assert.False(t, NewHostProbe().IsPortAvailable(udpAddr.Port, "udp"))
}

// TestHostProbe_UnknownProtocol fails safe.
func TestHostProbe_UnknownProtocol(t *testing.T) {
	assert.False(t, NewHostProbe().IsPortAvailable(50000, "sctp"))
}

func TestProbes(t *testing.T) {
	set := PortSet{}
	set.Add(7001, "src/server.js:12")
	set.Add(7001, "ignored")
	set.Add(7000, "docker:web")

	assert.Equal(t, "src/server.js:12", set[7001])
	assert.Equal(t, []int{7000, 7001}, set.Ports())

	even := ProberFunc(func(p int) bool { return p%2 == 0 })
	probes := Probes{nil, set, even}
	assert.True(t, probes.InUse(7001))
	assert.True(t, probes.InUse(7002))
	assert.False(t, probes.InUse(7003))
	assert.False(t, Probes(nil).InUse(7000))
}
