package dhcp4

import (
	"net"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"grimm.is/flywall/internal/logging"
)

// Endpoint is a UDP (address, port) pair, used for the remote and interface
// endpoints passed into the engine.
type Endpoint struct {
	IP   net.IP
	Port int
}

// Reply is an outbound datagram: the encoded bytes plus where to send them.
type Reply struct {
	Bytes []byte
	Dest  Endpoint
}

// DNSAction records what, if anything, the engine wants the DNS updater to
// do after handling a message (§4.3's "invokes the DNS updater in add mode").
type DNSAction struct {
	Mode  DNSMode
	Scope *Scope
	Lease *Lease
}

// Engine is the protocol state machine (§4.3): it holds no state of its own
// beyond its collaborators and is safe for concurrent use across datagrams,
// since all mutation happens inside Scope (which serializes itself).
type Engine struct {
	Registry *scopeRegistry
	Metrics  MetricsSink
	logger   *logging.Logger

	// sleep is overridable for tests so offer_delay_ms doesn't actually
	// block the test suite.
	sleep func(time.Duration)
}

// NewEngine builds an Engine over reg. metrics may be nil (defaults to a
// no-op sink).
func NewEngine(reg *scopeRegistry, metrics MetricsSink) *Engine {
	if metrics == nil {
		metrics = noopMetricsSink{}
	}
	return &Engine{
		Registry: reg,
		Metrics:  metrics,
		logger:   logging.WithComponent("dhcp4.engine"),
		sleep:    time.Sleep,
	}
}

// Handle implements the §4.3 entry point: (request, remote_ep, interface_ep)
// -> response | None. It never panics on malformed input; errors are logged
// and result in either a NAK (where the table calls for one) or a dropped
// datagram.
func (e *Engine) Handle(m *dhcpv4.DHCPv4, remoteEP, interfaceEP Endpoint) (*Reply, *DNSAction) {
	if m.OpCode != dhcpv4.OpcodeBootRequest {
		return nil, nil
	}

	switch m.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		return e.handleDiscover(m, remoteEP, interfaceEP)
	case dhcpv4.MessageTypeRequest:
		return e.handleRequest(m, remoteEP, interfaceEP)
	case dhcpv4.MessageTypeDecline:
		return e.handleDecline(m, remoteEP, interfaceEP)
	case dhcpv4.MessageTypeRelease:
		return e.handleRelease(m, remoteEP, interfaceEP)
	case dhcpv4.MessageTypeInform:
		return e.handleInform(m, remoteEP, interfaceEP)
	default:
		return nil, nil
	}
}

func (e *Engine) handleDiscover(m *dhcpv4.DHCPv4, remoteEP, interfaceEP Endpoint) (*Reply, *DNSAction) {
	scope, ok := e.Registry.findScope(m, remoteEP.IP, interfaceEP.IP)
	if !ok {
		e.logger.Debug("no scope for discover", "remote", remoteEP.IP)
		return nil, nil
	}

	if scope.OfferDelay > 0 {
		e.sleep(scope.OfferDelay)
	}

	identity := ClientIdentityOf(m)
	lease, err := scope.FindOffer(identity, m.ClientHWAddr)
	if err != nil {
		e.logger.Warn("address unavailable", "scope", scope.Name, "client", identity.String(), "error", err)
		return nil, nil
	}

	reply := e.buildReply(m, scope, interfaceEP, dhcpv4.MessageTypeOffer, lease)
	if reply != nil {
		e.Metrics.IncOffers()
	}
	return reply, nil
}

func (e *Engine) handleRequest(m *dhcpv4.DHCPv4, remoteEP, interfaceEP Endpoint) (*Reply, *DNSAction) {
	serverID := m.ServerIdentifier()
	requestedIP := m.RequestedIPAddress()

	switch {
	case serverID != nil:
		return e.handleSelecting(m, remoteEP, interfaceEP, serverID, requestedIP)
	case requestedIP != nil:
		return e.handleInitReboot(m, remoteEP, interfaceEP, requestedIP)
	default:
		return e.handleRenewRebind(m, remoteEP, interfaceEP)
	}
}

func (e *Engine) handleSelecting(m *dhcpv4.DHCPv4, remoteEP, interfaceEP Endpoint, serverID, requestedIP net.IP) (*Reply, *DNSAction) {
	if requestedIP == nil {
		return nil, nil
	}
	if !serverID.Equal(interfaceEP.IP) {
		// Offer declined in favor of another server; silently drop.
		return nil, nil
	}

	scope, ok := e.Registry.findScope(m, remoteEP.IP, interfaceEP.IP)
	if !ok {
		e.Metrics.IncNaks()
		return e.nak(m, interfaceEP), nil
	}

	identity := ClientIdentityOf(m)
	existing := scope.ExistingLeaseOrOffer(identity)
	if existing == nil || !existing.Address.Equal(requestedIP) {
		e.Metrics.IncNaks()
		return e.nak(m, interfaceEP), nil
	}

	return e.commitAndAck(m, scope, interfaceEP, identity)
}

func (e *Engine) handleInitReboot(m *dhcpv4.DHCPv4, remoteEP, interfaceEP Endpoint, requestedIP net.IP) (*Reply, *DNSAction) {
	scope, ok := e.Registry.findScope(m, remoteEP.IP, interfaceEP.IP)
	if !ok {
		e.Metrics.IncNaks()
		return e.nak(m, interfaceEP), nil
	}

	identity := ClientIdentityOf(m)
	existing := scope.ExistingLeaseOrOffer(identity)
	if existing == nil || !existing.Address.Equal(requestedIP) {
		e.Metrics.IncNaks()
		return e.nak(m, interfaceEP), nil
	}

	return e.commitAndAck(m, scope, interfaceEP, identity)
}

func (e *Engine) handleRenewRebind(m *dhcpv4.DHCPv4, remoteEP, interfaceEP Endpoint) (*Reply, *DNSAction) {
	if m.ClientIPAddr == nil || m.ClientIPAddr.Equal(net.IPv4zero) {
		return nil, nil
	}

	scope, ok := e.Registry.findScope(m, remoteEP.IP, interfaceEP.IP)
	if !ok {
		e.Metrics.IncNaks()
		return e.nak(m, interfaceEP), nil
	}

	identity := ClientIdentityOf(m)
	existing := scope.ExistingLeaseOrOffer(identity)
	if existing == nil || !existing.Address.Equal(m.ClientIPAddr) {
		e.Metrics.IncNaks()
		return e.nak(m, interfaceEP), nil
	}

	return e.commitAndAck(m, scope, interfaceEP, identity)
}

func (e *Engine) commitAndAck(m *dhcpv4.DHCPv4, scope *Scope, interfaceEP Endpoint, identity ClientIdentity) (*Reply, *DNSAction) {
	haveRequested := m.Options.Has(dhcpv4.OptionIPAddressLeaseTime)
	seconds := uint32(m.IPAddressLeaseTime(0) / time.Second)
	lease := scope.CommitLease(identity, seconds, haveRequested)
	if lease == nil {
		e.Metrics.IncNaks()
		return e.nak(m, interfaceEP), nil
	}

	hostName, _ := resolveHostName(m, scope.DomainName)
	if hostName != "" {
		scope.mu.Lock()
		lease.HostName = hostName
		scope.mu.Unlock()
	}

	reply := e.buildReply(m, scope, interfaceEP, dhcpv4.MessageTypeAck, lease)
	if reply != nil {
		e.Metrics.IncAcks()
	}

	var dnsAction *DNSAction
	if scope.DomainName != "" && lease.HostName != "" {
		dnsAction = &DNSAction{Mode: DNSModeAdd, Scope: scope, Lease: lease}
	}
	return reply, dnsAction
}

func (e *Engine) handleDecline(m *dhcpv4.DHCPv4, remoteEP, interfaceEP Endpoint) (*Reply, *DNSAction) {
	serverID := m.ServerIdentifier()
	requestedIP := m.RequestedIPAddress()
	if serverID == nil || requestedIP == nil || !serverID.Equal(interfaceEP.IP) {
		return nil, nil
	}

	scope, ok := e.Registry.findScope(m, remoteEP.IP, interfaceEP.IP)
	if !ok {
		return nil, nil
	}

	identity := ClientIdentityOf(m)
	existing := scope.ExistingLeaseOrOffer(identity)
	if existing == nil || !existing.Address.Equal(requestedIP) {
		return nil, nil
	}

	released := scope.ReleaseLease(identity, true)
	e.Metrics.IncDeclines()
	if released == nil {
		return nil, nil
	}
	return nil, &DNSAction{Mode: DNSModeRemove, Scope: scope, Lease: released}
}

func (e *Engine) handleRelease(m *dhcpv4.DHCPv4, remoteEP, interfaceEP Endpoint) (*Reply, *DNSAction) {
	serverID := m.ServerIdentifier()
	if serverID == nil || !serverID.Equal(interfaceEP.IP) {
		return nil, nil
	}

	scope, ok := e.Registry.findScope(m, remoteEP.IP, interfaceEP.IP)
	if !ok {
		return nil, nil
	}

	identity := ClientIdentityOf(m)
	existing := scope.ExistingLeaseOrOffer(identity)
	if existing == nil || !existing.Address.Equal(m.ClientIPAddr) {
		return nil, nil
	}

	released := scope.ReleaseLease(identity, false)
	e.Metrics.IncReleases()
	if released == nil {
		return nil, nil
	}
	return nil, &DNSAction{Mode: DNSModeRemove, Scope: scope, Lease: released}
}

func (e *Engine) handleInform(m *dhcpv4.DHCPv4, remoteEP, interfaceEP Endpoint) (*Reply, *DNSAction) {
	scope, ok := e.Registry.findScope(m, remoteEP.IP, interfaceEP.IP)
	if !ok {
		return nil, nil
	}

	lease := &Lease{Address: net.IPv4zero}
	reply := e.buildReply(m, scope, interfaceEP, dhcpv4.MessageTypeAck, lease)
	return reply, nil
}

// buildReply assembles an OFFER/ACK reply on top of dhcpv4.NewReplyFromRequest,
// per §4.2/§4.3: the modifiers fix the fixed-header fields (message type,
// yiaddr, siaddr), and GetOptions' option set is merged in via UpdateOption,
// mirroring the teacher's service.go pattern of building a reply from the
// request and layering options onto it.
func (e *Engine) buildReply(m *dhcpv4.DHCPv4, scope *Scope, interfaceEP Endpoint, typ dhcpv4.MessageType, lease *Lease) *Reply {
	opts, ok := scope.GetOptions(m, interfaceEP.IP, scope.LeaseTime)
	if !ok {
		// PolicyReject: drop silently (§7).
		return nil
	}

	reply, err := dhcpv4.NewReplyFromRequest(m,
		dhcpv4.WithMessageType(typ),
		dhcpv4.WithYourIP(lease.Address),
		dhcpv4.WithServerIP(interfaceEP.IP),
	)
	if err != nil {
		e.logger.WithError(err).Warn("failed to build reply", "scope", scope.Name)
		return nil
	}
	for _, o := range opts {
		reply.UpdateOption(o)
	}

	return &Reply{Bytes: reply.ToBytes(), Dest: replyDestination(m, reply)}
}

// nak builds a §4.3 NAK: yiaddr=0, minimal options, broadcast unless relayed.
func (e *Engine) nak(m *dhcpv4.DHCPv4, interfaceEP Endpoint) *Reply {
	reply, err := dhcpv4.NewReplyFromRequest(m,
		dhcpv4.WithMessageType(dhcpv4.MessageTypeNak),
		dhcpv4.WithYourIP(net.IPv4zero),
		dhcpv4.WithServerIP(interfaceEP.IP),
	)
	if err != nil {
		return nil
	}
	reply.UpdateOption(dhcpv4.OptServerIdentifier(interfaceEP.IP))

	dest := Endpoint{IP: net.IPv4bcast, Port: clientPort}
	if m.GatewayIPAddr != nil && !m.GatewayIPAddr.Equal(net.IPv4zero) {
		dest = Endpoint{IP: m.GatewayIPAddr, Port: dhcpPort}
	}
	return &Reply{Bytes: reply.ToBytes(), Dest: dest}
}

// replyDestination implements the RFC 2131 §4.1 rule in §4.3: relay unicast
// if giaddr set, else client unicast if ciaddr set, else broadcast.
func replyDestination(request, reply *dhcpv4.DHCPv4) Endpoint {
	if request.GatewayIPAddr != nil && !request.GatewayIPAddr.Equal(net.IPv4zero) {
		return Endpoint{IP: request.GatewayIPAddr, Port: 67}
	}
	if request.ClientIPAddr != nil && !request.ClientIPAddr.Equal(net.IPv4zero) {
		return Endpoint{IP: request.ClientIPAddr, Port: 68}
	}
	return Endpoint{IP: net.IPv4bcast, Port: 68}
}
