package pairspace

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
)

// lan discovery of running hosts. Optional; an explicit host url bypasses it.

const discoveryService = "_pairspace._tcp"
const discoveryDomain = "local."

// Advertise registers the host session on the lan. Shutdown the returned
// server on Stop.
func Advertise(instance string, port int) (*zeroconf.Server, error) {
	server, err := zeroconf.Register(
		instance,
		discoveryService,
		discoveryDomain,
		port,
		[]string{"role=host"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("advertise: %w", err)
	}
	glog.V(1).Infof("[d]advertising %s on %d\n", instance, port)
	return server, nil
}

type HostEntry struct {
	Instance string
	HostUrl  string
}

// Discover browses the lan for advertised hosts until the timeout elapses.
func Discover(ctx context.Context, timeout time.Duration) ([]HostEntry, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}

	browseCtx, browseCancel := context.WithTimeout(ctx, timeout)
	defer browseCancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := resolver.Browse(browseCtx, discoveryService, discoveryDomain, entries); err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}

	hosts := []HostEntry{}
	for entry := range entries {
		if len(entry.AddrIPv4) == 0 {
			continue
		}
		hosts = append(hosts, HostEntry{
			Instance: entry.Instance,
			HostUrl:  fmt.Sprintf("ws://%s:%d/ws", entry.AddrIPv4[0], entry.Port),
		})
	}
	return hosts, nil
}
