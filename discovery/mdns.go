package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/opencode-mem/opencode-mem/log"
)

// ServiceType is the mDNS service type advertised/browsed for peer
// discovery, named directly in spec.md §6.
const ServiceType = "_opencode-mem._tcp.local."

const deviceIDTXTKey = "device_id"

// Entry is one browse result: (name, host, port, address bytes,
// properties) per spec.md §4.8.
type Entry struct {
	Instance   string
	Host       string
	Port       int
	Addrs      []string
	Properties map[string]string
}

// Advertiser publishes this device's sync endpoint over mDNS.
type Advertiser struct {
	server *zeroconf.Server
	logger log.Logger
}

// Advertise registers instance as ServiceType on port, with a device_id
// TXT record so peers can match entries via AddressesForPeer.
func Advertise(deviceID string, port int, logger log.Logger) (*Advertiser, error) {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	logger = logger.With("device_id", deviceID)
	text := []string{fmt.Sprintf("%s=%s", deviceIDTXTKey, deviceID)}
	server, err := zeroconf.Register(deviceID, ServiceType, "local.", port, text, nil)
	if err != nil {
		return nil, err
	}
	logger.Info("discovery: advertising", "service", ServiceType, "port", port)
	return &Advertiser{server: server, logger: logger}, nil
}

// Shutdown withdraws the mDNS advertisement.
func (a *Advertiser) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Browse resolves peers advertising ServiceType for up to timeout,
// returning every entry observed (spec.md §4.8 "Discovery returns
// (name, host, port, address_bytes, properties) tuples").
func Browse(ctx context.Context, timeout time.Duration, logger log.Logger) ([]Entry, error) {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}

	results := make(chan *zeroconf.ServiceEntry)
	var entries []Entry
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range results {
			entries = append(entries, toEntry(e))
		}
	}()

	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := resolver.Browse(browseCtx, ServiceType, "local.", results); err != nil {
		return nil, err
	}
	<-browseCtx.Done()
	<-done
	logger.Debug("discovery: browse complete", "found", len(entries))
	return entries, nil
}

func toEntry(e *zeroconf.ServiceEntry) Entry {
	props := parseTXT(e.Text)
	var addrs []string
	for _, ip := range e.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range e.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return Entry{
		Instance:   e.Instance,
		Host:       e.HostName,
		Port:       e.Port,
		Addrs:      addrs,
		Properties: props,
	}
}

func parseTXT(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, kv := range text {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[parts[0]] = parts[1]
	}
	return out
}

// AddressesForPeer picks entries whose device_id TXT record matches
// peerDeviceID and returns dial-able "host:port" candidates.
func AddressesForPeer(entries []Entry, peerDeviceID string) []string {
	var out []string
	for _, e := range entries {
		if e.Properties[deviceIDTXTKey] != peerDeviceID {
			continue
		}
		for _, addr := range e.Addrs {
			out = append(out, fmt.Sprintf("%s:%d", addr, e.Port))
		}
	}
	return out
}
