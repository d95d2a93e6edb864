// Package discovery advertises the tracker on the local network over mDNS so
// peers can find it without a configured address.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// Service is the DNS-SD service type of the tracker.
	Service = "_p2pshare._udp"
	Domain  = "local."

	// Magic is the tracker address that asks a peer to look the tracker up.
	Magic = "mdns"
)

var ErrNotFound = errors.New("no tracker advertised")

// Advertise registers a tracker instance answering on port. Shut the returned
// server down to withdraw it.
func Advertise(instance string, port int, logger *zap.Logger) (*zeroconf.Server, error) {
	if logger == nil {
		logger = zap.L()
	}
	server, err := zeroconf.Register(instance, Service, Domain, port, []string{"txtv=1"}, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	logger.Info("Advertising tracker", zap.String("instance", instance), zap.Int("port", port))
	return server, nil
}

// Lookup browses for an advertised tracker and returns the address of the
// first one found. It gives up with ErrNotFound when ctx ends.
func Lookup(ctx context.Context, logger *zap.Logger) (string, error) {
	if logger == nil {
		logger = zap.L()
	}
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return "", fmt.Errorf("create mdns resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return "", fmt.Errorf("browse %s: %w", Service, err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if address, ok := entryAddress(entry); ok {
				logger.Info("Found tracker", zap.String("instance", entry.Instance), zap.String("addr", address))
				return address, nil
			}
		case <-ctx.Done():
			return "", ErrNotFound
		}
	}
}

func entryAddress(entry *zeroconf.ServiceEntry) (string, bool) {
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return "", false
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)), true
}

// Resolve returns address unchanged unless it is Magic, in which case the
// tracker is looked up on the local network.
func Resolve(ctx context.Context, address string, logger *zap.Logger) (string, error) {
	if address != Magic {
		return address, nil
	}
	return Lookup(ctx, logger)
}
