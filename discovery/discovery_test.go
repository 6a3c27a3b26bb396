package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsAdvertisableInterface(t *testing.T) {
	require.True(t, IsAdvertisableInterface("en0"))
	require.True(t, IsAdvertisableInterface("eth0"))
	require.True(t, IsAdvertisableInterface("wlan0"))
	require.True(t, IsAdvertisableInterface("utun3"))
	require.True(t, IsAdvertisableInterface("tailscale0"))
	require.False(t, IsAdvertisableInterface("lo0"))
	require.False(t, IsAdvertisableInterface("docker0"))
	require.False(t, IsAdvertisableInterface("veth1234"))
	require.False(t, IsAdvertisableInterface("br-abcdef"))
	require.False(t, IsAdvertisableInterface("awdl0"))
	require.False(t, IsAdvertisableInterface("random0"))
}

func TestPickAdvertiseHostsNoneAndSpecific(t *testing.T) {
	hosts, err := PickAdvertiseHosts("none")
	require.NoError(t, err)
	require.Empty(t, hosts)

	hosts, err = PickAdvertiseHosts("mem.example.internal")
	require.NoError(t, err)
	require.Equal(t, []string{"mem.example.internal"}, hosts)
}

func TestAddressesForPeerMatchesDeviceIDTXT(t *testing.T) {
	entries := []Entry{
		{Instance: "a", Addrs: []string{"10.0.0.5"}, Port: 7777, Properties: map[string]string{"device_id": "dev-a"}},
		{Instance: "b", Addrs: []string{"10.0.0.6"}, Port: 7777, Properties: map[string]string{"device_id": "dev-b"}},
	}
	addrs := AddressesForPeer(entries, "dev-a")
	require.Equal(t, []string{"10.0.0.5:7777"}, addrs)
}

func TestParseTXT(t *testing.T) {
	props := parseTXT([]string{"device_id=dev-123", "malformed", "k=v=w"})
	require.Equal(t, "dev-123", props["device_id"])
	require.Equal(t, "v=w", props["k"])
}

func TestSupervisorStatusNoPidfile(t *testing.T) {
	s := NewSupervisor(t.TempDir() + "/does-not-exist.pid")
	pid, running, err := s.Status()
	require.NoError(t, err)
	require.False(t, running)
	require.Zero(t, pid)
}

func TestSupervisorWritePidAndStatus(t *testing.T) {
	s := NewSupervisor(t.TempDir() + "/daemon.pid")
	require.NoError(t, s.WritePid())
	pid, running, err := s.Status()
	require.NoError(t, err)
	require.True(t, running)
	require.NotZero(t, pid)
}
