package dhcp4

import (
	"net"
	"strconv"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"golang.org/x/net/ipv4"

	"grimm.is/flywall/internal/logging"
)

// maxHopCount is the RFC 1542 loop-prevention cutoff: a relayed packet that
// has already passed through this many relay agents is dropped.
const maxHopCount = 16

// RelayHandler forwards a relay-mode scope's traffic between clients and the
// upstream server(s) in scope.RelayTo (§4.3 supplement), rather than
// allocating locally. It mirrors the teacher's createRelayHandler/
// handleClientPacket/handleServerPacket/snoopLease almost directly.
type RelayHandler struct {
	scope   *Scope
	targets []*net.UDPAddr
	ifIndex int // 0 if the interface couldn't be resolved
	logger  *logging.Logger
}

// NewRelayHandler resolves scope.RelayTo (defaulting to port 67) and the
// scope's outbound interface index, for pinning replies to the right link.
func NewRelayHandler(scope *Scope) (*RelayHandler, error) {
	targets := make([]*net.UDPAddr, 0, len(scope.RelayTo))
	for _, t := range scope.RelayTo {
		addr, err := net.ResolveUDPAddr("udp4", withDefaultPort(t, dhcpPort))
		if err != nil {
			return nil, err
		}
		targets = append(targets, addr)
	}

	ifIndex := 0
	if iface, err := net.InterfaceByName(scope.InterfaceName); err == nil {
		ifIndex = iface.Index
	}

	return &RelayHandler{
		scope:   scope,
		targets: targets,
		ifIndex: ifIndex,
		logger:  logging.WithComponent("dhcp4.relay").With("scope", scope.Name),
	}, nil
}

func withDefaultPort(addr string, port int) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

// HandleClientPacket forwards a client-originated message (DISCOVER,
// REQUEST, DECLINE, RELEASE, INFORM) to every configured relay target,
// stamping giaddr and incrementing hops. Returns nil bytes if the packet
// should be dropped (hop-count exceeded).
func (h *RelayHandler) HandleClientPacket(m *dhcpv4.DHCPv4) []byte {
	if int(m.HopCount) >= maxHopCount {
		h.logger.Warn("dropping relayed packet: hop count exceeded", "hops", m.HopCount)
		return nil
	}

	if m.GatewayIPAddr == nil || m.GatewayIPAddr.Equal(net.IPv4zero) {
		m.GatewayIPAddr = h.scope.InterfaceAddress
	}
	m.HopCount++

	return m.ToBytes()
}

// HandleServerPacket processes a server-originated reply (OFFER/ACK/NAK)
// arriving from a relay target: it is broadcast back to the client-facing
// link, and ACKs are passively snooped into the matching scope's lease
// table (the allocation authority is the upstream server; this server only
// mirrors what it observed).
func (h *RelayHandler) HandleServerPacket(conn net.PacketConn, m *dhcpv4.DHCPv4) {
	if m.MessageType() == dhcpv4.MessageTypeAck {
		h.snoopLease(m)
	}

	bytes := m.ToBytes()
	dest := &net.UDPAddr{IP: net.IPv4bcast, Port: clientPort}

	if h.ifIndex != 0 {
		pc := ipv4.NewPacketConn(conn)
		cm := &ipv4.ControlMessage{IfIndex: h.ifIndex}
		if _, err := pc.WriteTo(bytes, cm, dest); err == nil {
			return
		}
	}

	if _, err := conn.WriteTo(bytes, dest); err != nil {
		h.logger.WithError(err).Warn("failed to broadcast relayed reply")
	}
}

// snoopLease mirrors a relayed ACK's allocation into the local scope's
// lease table without going through FindOffer/CommitLease, since this
// server did not make the allocation decision.
func (h *RelayHandler) snoopLease(m *dhcpv4.DHCPv4) {
	identity := ClientIdentityOf(m)
	hostName, _ := resolveHostName(m, h.scope.DomainName)

	h.scope.mu.Lock()
	l := &Lease{
		ClientIdentity: identity,
		HardwareAddr:   m.ClientHWAddr,
		Address:        cloneIP(m.YourIPAddr),
		HostName:       hostName,
		ObtainedUTC:    h.scope.now(),
		Type:           LeaseTypeDynamic,
		State:          LeaseStateLeased,
	}
	if ttl := m.IPAddressLeaseTime(0); ttl > 0 {
		l.ExpiresUTC = l.ObtainedUTC.Add(ttl)
	} else {
		l.ExpiresUTC = l.ObtainedUTC.Add(h.scope.LeaseTime)
	}
	h.scope.leases[identity] = l
	h.scope.addrOwner[l.Address.String()] = identity
	h.scope.markModified()
	h.scope.mu.Unlock()
}
