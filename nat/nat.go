// Package nat maps the peer listening port on the local gateway so remote
// peers can connect directly. UPnP is tried first, NAT-PMP second; mapping
// is best effort and the client works without one, at the cost of relying
// on server-relayed connections.
package nat

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway2"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/sirupsen/logrus"
)

const (
	mappingDescription = "slsk peer listener"
	// mappingLease is the requested lifetime; Refresh renews well before
	// it lapses.
	mappingLease = time.Hour
	// RefreshInterval is how often a caller should renew the mapping.
	RefreshInterval = 45 * time.Minute
)

// Mapper holds one active port mapping on the local gateway.
type Mapper struct {
	log  *logrus.Logger
	port uint16

	upnp *internetgateway2.WANIPConnection1
	pmp  *natpmp.Client
}

// Map attempts to open the given TCP port on the gateway. A nil error with
// a usable Mapper means some protocol succeeded; failure of both protocols
// is reported but non-fatal for the caller.
func Map(ctx context.Context, port uint16, gateway net.IP, log *logrus.Logger) (*Mapper, error) {
	if log == nil {
		log = logrus.New()
	}
	m := &Mapper{log: log, port: port}

	if err := m.tryUPnP(ctx); err == nil {
		log.WithField("port", port).Info("port mapped via UPnP")
		return m, nil
	} else {
		log.WithError(err).Debug("UPnP mapping failed")
	}

	if gateway != nil {
		if err := m.tryPMP(gateway); err == nil {
			log.WithField("port", port).Info("port mapped via NAT-PMP")
			return m, nil
		} else {
			log.WithError(err).Debug("NAT-PMP mapping failed")
		}
	}

	return nil, fmt.Errorf("nat: no gateway accepted a mapping for port %d", port)
}

func (m *Mapper) tryUPnP(ctx context.Context) error {
	clients, errs, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx)
	if err != nil {
		return fmt.Errorf("discover UPnP gateways: %w", err)
	}
	if len(clients) == 0 {
		if len(errs) > 0 {
			return fmt.Errorf("no usable UPnP gateway: %w", errs[0])
		}
		return fmt.Errorf("no UPnP gateway found")
	}

	client := clients[0]
	err = client.AddPortMapping(
		"",
		m.port,
		"TCP",
		m.port,
		localIPToward(client.Location.Hostname()),
		true,
		mappingDescription,
		uint32(mappingLease.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("add UPnP port mapping: %w", err)
	}
	m.upnp = client
	return nil
}

func (m *Mapper) tryPMP(gateway net.IP) error {
	client := natpmp.NewClient(gateway)
	_, err := client.AddPortMapping("tcp", int(m.port), int(m.port), int(mappingLease.Seconds()))
	if err != nil {
		return fmt.Errorf("add NAT-PMP port mapping: %w", err)
	}
	m.pmp = client
	return nil
}

// Refresh renews the mapping before its lease lapses.
func (m *Mapper) Refresh() error {
	switch {
	case m.upnp != nil:
		err := m.upnp.AddPortMapping(
			"",
			m.port,
			"TCP",
			m.port,
			localIPToward(m.upnp.Location.Hostname()),
			true,
			mappingDescription,
			uint32(mappingLease.Seconds()),
		)
		if err != nil {
			return fmt.Errorf("renew UPnP port mapping: %w", err)
		}
		return nil
	case m.pmp != nil:
		if _, err := m.pmp.AddPortMapping("tcp", int(m.port), int(m.port), int(mappingLease.Seconds())); err != nil {
			return fmt.Errorf("renew NAT-PMP port mapping: %w", err)
		}
		return nil
	}
	return fmt.Errorf("nat: no active mapping to refresh")
}

// ExternalIP reports the address the gateway presents to the outside.
func (m *Mapper) ExternalIP() (net.IP, error) {
	switch {
	case m.upnp != nil:
		s, err := m.upnp.GetExternalIPAddress()
		if err != nil {
			return nil, fmt.Errorf("query UPnP external address: %w", err)
		}
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("nat: gateway returned unparseable address %q", s)
		}
		return ip, nil
	case m.pmp != nil:
		resp, err := m.pmp.GetExternalAddress()
		if err != nil {
			return nil, fmt.Errorf("query NAT-PMP external address: %w", err)
		}
		return net.IPv4(resp.ExternalIPAddress[0], resp.ExternalIPAddress[1], resp.ExternalIPAddress[2], resp.ExternalIPAddress[3]), nil
	}
	return nil, fmt.Errorf("nat: no active mapping")
}

// Unmap removes the mapping. Best effort, like everything here.
func (m *Mapper) Unmap() error {
	switch {
	case m.upnp != nil:
		if err := m.upnp.DeletePortMapping("", m.port, "TCP"); err != nil {
			return fmt.Errorf("delete UPnP port mapping: %w", err)
		}
		return nil
	case m.pmp != nil:
		if _, err := m.pmp.AddPortMapping("tcp", int(m.port), 0, 0); err != nil {
			return fmt.Errorf("delete NAT-PMP port mapping: %w", err)
		}
		return nil
	}
	return nil
}

// localIPToward returns the local interface address routing to the target
// host, which is the address the gateway must forward to.
func localIPToward(host string) string {
	conn, err := net.Dial("udp", net.JoinHostPort(host, "1900"))
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}
