// Package discovery advertises the bridge's HTTP interface over mDNS.
package discovery

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/enbility/zeroconf/v3"
	"github.com/rs/zerolog"

	"github.com/doncaruana/zwave-switch/internal/logging"
)

// Service type and domain used for advertisement.
const (
	ServiceType = "_switchbridge._tcp"
	Domain      = "local."
)

// maxInstanceLen is the DNS label limit for the instance name.
const maxInstanceLen = 63

// Info is what gets advertised.
type Info struct {
	InstanceID string
	Port       int
	Devices    int
}

// TXT builds the TXT records for info.
func TXT(info Info) []string {
	return []string{
		"id=" + info.InstanceID,
		"devices=" + strconv.Itoa(info.Devices),
	}
}

// InstanceName returns the advertised instance name for an instance id.
func InstanceName(id string) string {
	name := "switch-bridge-" + id
	if len(name) > maxInstanceLen {
		name = name[:maxInstanceLen]
	}
	return name
}

// PortFromAddr extracts the port from a listen address such as ":8080".
func PortFromAddr(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parse addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("parse addr %q: invalid port %q", addr, p)
	}
	return port, nil
}

// Advertiser registers the bridge service with zeroconf.
type Advertiser struct {
	iface string
	log   zerolog.Logger

	mu      sync.Mutex
	server  *zeroconf.Server
	current Info
}

// NewAdvertiser creates an advertiser. An empty iface advertises on every
// interface.
func NewAdvertiser(iface string) *Advertiser {
	return &Advertiser{iface: iface, log: logging.For("discovery")}
}

func (a *Advertiser) interfaces() []net.Interface {
	if a.iface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(a.iface)
	if err != nil {
		a.log.Warn().Err(err).Str("iface", a.iface).Msg("interface not found, using all")
		return nil
	}
	return []net.Interface{*iface}
}

// Advertise starts advertising, or updates the TXT records if only the
// device count changed.
func (a *Advertiser) Advertise(info Info) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		if info.InstanceID == a.current.InstanceID && info.Port == a.current.Port {
			if info.Devices != a.current.Devices {
				a.server.SetText(TXT(info))
				a.current = info
			}
			return nil
		}
		a.server.Shutdown()
		a.server = nil
	}

	server, err := zeroconf.Register(
		InstanceName(info.InstanceID),
		ServiceType,
		Domain,
		info.Port,
		TXT(info),
		a.interfaces(),
	)
	if err != nil {
		return fmt.Errorf("register %s: %w", ServiceType, err)
	}

	a.server = server
	a.current = info
	a.log.Info().Str("instance", InstanceName(info.InstanceID)).Int("port", info.Port).Msg("advertising")
	return nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
