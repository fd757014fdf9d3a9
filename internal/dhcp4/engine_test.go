package dhcp4

import (
	"net"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

func discoverMessage(chaddr net.HardwareAddr) *dhcpv4.DHCPv4 {
	m, _ := dhcpv4.New(dhcpv4.WithMessageType(dhcpv4.MessageTypeDiscover))
	m.ClientHWAddr = chaddr
	return m
}

func requestMessage(chaddr net.HardwareAddr, mods ...dhcpv4.Modifier) *dhcpv4.DHCPv4 {
	base := append([]dhcpv4.Modifier{dhcpv4.WithMessageType(dhcpv4.MessageTypeRequest)}, mods...)
	m, _ := dhcpv4.New(base...)
	m.ClientHWAddr = chaddr
	return m
}

func TestEngineDiscoverOffersFreeAddress(t *testing.T) {
	scope, _ := newTestScope(t)
	scope.Start = net.IPv4(192, 168, 1, 10)
	scope.End = net.IPv4(192, 168, 1, 20)
	reg := newScopeRegistry()
	if err := reg.insertIfAbsent(scope); err != nil {
		t.Fatalf("insertIfAbsent: %v", err)
	}
	e := NewEngine(reg, nil)

	chaddr := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	m := discoverMessage(chaddr)
	remoteEP := Endpoint{IP: scope.InterfaceAddress, Port: 68}
	ifaceEP := Endpoint{IP: scope.InterfaceAddress, Port: 67}

	reply, dnsAction := e.Handle(m, remoteEP, ifaceEP)
	if reply == nil {
		t.Fatal("expected an OFFER reply, got nil")
	}
	if dnsAction != nil {
		t.Fatalf("DISCOVER must not trigger a DNS action, got %+v", dnsAction)
	}

	decoded, err := dhcpv4.FromBytes(reply.Bytes)
	if err != nil {
		t.Fatalf("FromBytes(reply): %v", err)
	}
	if decoded.MessageType() != dhcpv4.MessageTypeOffer {
		t.Fatalf("expected OFFER, got %v", decoded.MessageType())
	}
	if !scope.IsAddressInRange(decoded.YourIPAddr) {
		t.Fatalf("offered address %v outside scope range", decoded.YourIPAddr)
	}
}

func TestEngineSelectingRequestCommitsLease(t *testing.T) {
	scope, _ := newTestScope(t)
	scope.Start = net.IPv4(192, 168, 1, 10)
	scope.End = net.IPv4(192, 168, 1, 20)
	reg := newScopeRegistry()
	if err := reg.insertIfAbsent(scope); err != nil {
		t.Fatalf("insertIfAbsent: %v", err)
	}
	e := NewEngine(reg, nil)

	chaddr := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	ifaceEP := Endpoint{IP: scope.InterfaceAddress, Port: 67}
	remoteEP := ifaceEP

	discover := discoverMessage(chaddr)
	offerReply, _ := e.Handle(discover, remoteEP, ifaceEP)
	if offerReply == nil {
		t.Fatal("expected an offer before requesting")
	}
	offered, _ := dhcpv4.FromBytes(offerReply.Bytes)

	request := requestMessage(chaddr,
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(ifaceEP.IP)),
		dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(offered.YourIPAddr)),
	)

	reply, dnsAction := e.Handle(request, remoteEP, ifaceEP)
	if reply == nil {
		t.Fatal("expected an ACK reply, got nil")
	}
	acked, err := dhcpv4.FromBytes(reply.Bytes)
	if err != nil {
		t.Fatalf("FromBytes(ack): %v", err)
	}
	if acked.MessageType() != dhcpv4.MessageTypeAck {
		t.Fatalf("expected ACK, got %v", acked.MessageType())
	}
	if !acked.YourIPAddr.Equal(offered.YourIPAddr) {
		t.Fatalf("ACK address %v does not match offered address %v", acked.YourIPAddr, offered.YourIPAddr)
	}
	_ = dnsAction // no domain configured on this scope, so nil is expected
}

func TestEngineSelectingWrongServerIdentifierIsDropped(t *testing.T) {
	scope, _ := newTestScope(t)
	scope.Start = net.IPv4(192, 168, 1, 10)
	scope.End = net.IPv4(192, 168, 1, 20)
	reg := newScopeRegistry()
	if err := reg.insertIfAbsent(scope); err != nil {
		t.Fatalf("insertIfAbsent: %v", err)
	}
	e := NewEngine(reg, nil)

	chaddr := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	ifaceEP := Endpoint{IP: scope.InterfaceAddress, Port: 67}

	otherServer := net.IPv4(10, 10, 10, 10)
	request := requestMessage(chaddr,
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(otherServer)),
		dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(net.IPv4(192, 168, 1, 15))),
	)

	reply, dnsAction := e.Handle(request, ifaceEP, ifaceEP)
	if reply != nil {
		t.Fatalf("expected no reply when REQUEST names a different server, got %+v", reply)
	}
	if dnsAction != nil {
		t.Fatalf("expected no DNS action, got %+v", dnsAction)
	}
}

func TestEngineInitRebootStaleAddressIsNakked(t *testing.T) {
	scope, _ := newTestScope(t)
	scope.Start = net.IPv4(192, 168, 1, 10)
	scope.End = net.IPv4(192, 168, 1, 20)
	reg := newScopeRegistry()
	if err := reg.insertIfAbsent(scope); err != nil {
		t.Fatalf("insertIfAbsent: %v", err)
	}
	e := NewEngine(reg, nil)

	chaddr := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	ifaceEP := Endpoint{IP: scope.InterfaceAddress, Port: 67}

	// Client claims an address it was never offered/leased.
	staleAddr := net.IPv4(192, 168, 1, 99)
	request := requestMessage(chaddr,
		dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(staleAddr)),
	)

	reply, _ := e.Handle(request, ifaceEP, ifaceEP)
	if reply == nil {
		t.Fatal("expected a NAK reply, got nil")
	}
	decoded, err := dhcpv4.FromBytes(reply.Bytes)
	if err != nil {
		t.Fatalf("FromBytes(nak): %v", err)
	}
	if decoded.MessageType() != dhcpv4.MessageTypeNak {
		t.Fatalf("expected NAK, got %v", decoded.MessageType())
	}
}

func TestEngineRelayedDiscoverRepliesUnicastToGiaddr(t *testing.T) {
	scope, _ := newTestScope(t)
	scope.Start = net.IPv4(192, 168, 1, 10)
	scope.End = net.IPv4(192, 168, 1, 20)
	reg := newScopeRegistry()
	if err := reg.insertIfAbsent(scope); err != nil {
		t.Fatalf("insertIfAbsent: %v", err)
	}
	e := NewEngine(reg, nil)

	relay := net.IPv4(192, 168, 1, 1)
	m := discoverMessage(net.HardwareAddr{9, 9, 9, 9, 9, 9})
	m.GatewayIPAddr = relay
	// The dispatcher hands the engine the relay's source address as remoteEP
	// once it has come in via the relay's unicast packet.
	remoteEP := Endpoint{IP: relay, Port: 67}
	ifaceEP := Endpoint{IP: scope.InterfaceAddress, Port: 67}

	reply, _ := e.Handle(m, remoteEP, ifaceEP)
	if reply == nil {
		t.Fatal("expected an OFFER reply, got nil")
	}
	if !reply.Dest.IP.Equal(relay) || reply.Dest.Port != 67 {
		t.Fatalf("expected unicast reply to giaddr %v:67, got %v:%d", relay, reply.Dest.IP, reply.Dest.Port)
	}
}

func TestEngineDeclineSkipsAddressOnReallocation(t *testing.T) {
	scope, _ := newTestScope(t)
	scope.Start = net.IPv4(192, 168, 1, 10)
	scope.End = net.IPv4(192, 168, 1, 10) // single address pool
	reg := newScopeRegistry()
	if err := reg.insertIfAbsent(scope); err != nil {
		t.Fatalf("insertIfAbsent: %v", err)
	}
	e := NewEngine(reg, nil)

	chaddr := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	ifaceEP := Endpoint{IP: scope.InterfaceAddress, Port: 67}

	discover := discoverMessage(chaddr)
	offerReply, _ := e.Handle(discover, ifaceEP, ifaceEP)
	if offerReply == nil {
		t.Fatal("expected an offer")
	}
	offered, _ := dhcpv4.FromBytes(offerReply.Bytes)

	decline := requestMessage(chaddr,
		dhcpv4.WithMessageType(dhcpv4.MessageTypeDecline),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(ifaceEP.IP)),
		dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(offered.YourIPAddr)),
	)
	reply, dnsAction := e.Handle(decline, ifaceEP, ifaceEP)
	if reply != nil {
		t.Fatalf("DECLINE must never produce a reply, got %+v", reply)
	}
	if dnsAction == nil || dnsAction.Mode != DNSModeRemove {
		t.Fatalf("expected a DNSModeRemove action, got %+v", dnsAction)
	}

	// The sole address in the pool is now declined; a second client must
	// find the pool exhausted rather than being handed the bad address.
	other := discoverMessage(net.HardwareAddr{7, 7, 7, 7, 7, 7})
	reply2, _ := e.Handle(other, ifaceEP, ifaceEP)
	if reply2 != nil {
		t.Fatalf("expected no offer once the only address is declined, got %+v", reply2)
	}
}
