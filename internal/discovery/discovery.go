// Package discovery announces and finds relays on the local network over mDNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"

	"github.com/hpungsan/fieldsync/internal/errors"
)

const (
	// Service is the DNS-SD service type of a relay.
	Service = "_fieldsync._tcp"
	// Domain is the mDNS domain.
	Domain = "local."

	defaultPath = "/ws"
)

// Relay is a relay found on the network.
type Relay struct {
	Instance string   `json:"instance"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Addrs    []string `json:"addrs"`
	Path     string   `json:"path"`
}

// URL returns the WebSocket endpoint of r, preferring its first address.
func (r Relay) URL() string {
	host := strings.TrimSuffix(r.Host, ".")
	if len(r.Addrs) > 0 {
		host = r.Addrs[0]
	}
	path := r.Path
	if path == "" {
		path = defaultPath
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, strconv.Itoa(r.Port)), path)
}

// Announcement is a running mDNS registration.
type Announcement struct {
	server *zeroconf.Server
}

// Announce registers a relay listening on port under instance.
func Announce(instance string, port int, path string) (*Announcement, error) {
	if path == "" {
		path = defaultPath
	}
	txt := []string{"txtv=1", "path=" + path}
	server, err := zeroconf.Register(instance, Service, Domain, port, txt, nil)
	if err != nil {
		return nil, errors.NewTransportUnavailable(err)
	}
	glog.Infof("[mdns]registered %s on port %d\n", instance, port)
	return &Announcement{server: server}, nil
}

// Shutdown withdraws the registration.
func (a *Announcement) Shutdown() {
	a.server.Shutdown()
}

// Browse collects relays until ctx is done.
func Browse(ctx context.Context) ([]Relay, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return nil, errors.NewTransportUnavailable(err)
	}

	var mu sync.Mutex
	var found []Relay
	seen := make(map[string]bool)
	entries := make(chan *zeroconf.ServiceEntry)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				r := fromEntry(entry)
				mu.Lock()
				if !seen[r.Instance] {
					seen[r.Instance] = true
					found = append(found, r)
					glog.V(1).Infof("[mdns]found %s at %s\n", r.Instance, r.URL())
				}
				mu.Unlock()
			}
		}
	}()

	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, errors.NewTransportUnavailable(err)
	}
	<-ctx.Done()
	<-collected

	mu.Lock()
	defer mu.Unlock()
	return found, nil
}

func fromEntry(e *zeroconf.ServiceEntry) Relay {
	r := Relay{
		Instance: e.Instance,
		Host:     e.HostName,
		Port:     e.Port,
		Path:     defaultPath,
	}
	for _, ip := range e.AddrIPv4 {
		r.Addrs = append(r.Addrs, ip.String())
	}
	for _, ip := range e.AddrIPv6 {
		r.Addrs = append(r.Addrs, ip.String())
	}
	for _, kv := range e.Text {
		if v, ok := strings.CutPrefix(kv, "path="); ok && v != "" {
			r.Path = v
		}
	}
	return r
}
