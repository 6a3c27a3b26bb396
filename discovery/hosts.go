// Package discovery implements mDNS advertise/browse and advertise-host
// selection for the sync protocol's peer discovery loop (spec.md §4.8).
package discovery

import (
	"net"
	"strings"
)

// advertisableGlobs / blockedGlobs mirror the original's interface
// allow/blocklist: prefer real LAN/VPN interfaces, skip loopback and
// virtual bridge interfaces that never carry a reachable peer address.
var advertisableGlobs = []string{"en", "eth", "wl", "utun", "tun", "tailscale"}
var blockedGlobs = []string{"lo", "docker", "veth", "br-", "awdl"}

// IsAdvertisableInterface reports whether an interface name should be
// considered for LAN address advertisement, per the allow/blocklist
// named in spec.md §4.8.
func IsAdvertisableInterface(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range blockedGlobs {
		if strings.HasPrefix(lower, prefix) {
			return false
		}
	}
	for _, prefix := range advertisableGlobs {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// tailscaleCGNAT is the CGNAT range (100.64.0.0/10) Tailscale assigns its
// stable per-device IPv4 addresses from.
var tailscaleCGNAT = mustParseCIDR("100.64.0.0/10")

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// PickAdvertiseHosts resolves sync_advertise's value (auto, lan,
// tailscale, none, or a literal host) to the set of addresses the mDNS
// advertiser and pairing payload should publish. Rather than shelling
// out to `ifconfig`/`ip addr`/`tailscale ip -4` as the original does, it
// walks net.Interfaces() directly: the stdlib already exposes everything
// those commands parse, so spawning a subprocess per tick would only add
// fragility (missing binaries, locale-dependent output) with no benefit.
func PickAdvertiseHosts(mode string) ([]string, error) {
	switch mode {
	case "", "none":
		return nil, nil
	case "specific_host":
		return nil, nil
	case "lan":
		return lanAddresses(false)
	case "tailscale":
		return lanAddresses(true)
	case "auto":
		all, err := lanAddresses(false)
		if err != nil {
			return nil, err
		}
		ts, err := lanAddresses(true)
		if err != nil {
			return nil, err
		}
		return dedupe(append(all, ts...)), nil
	default:
		// A literal hostname/IP passed directly as sync_advertise.
		return []string{mode}, nil
	}
}

func lanAddresses(tailscaleOnly bool) ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if !IsAdvertisableInterface(iface.Name) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			isTailscale := tailscaleCGNAT.Contains(ip4)
			if tailscaleOnly && !isTailscale {
				continue
			}
			out = append(out, ip4.String())
		}
	}
	return out, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
