package dhcp4

import (
	"net"
	"testing"
	"time"
)

func buildFixtureScope() *Scope {
	s := NewScope("fixture")
	s.Enabled = true
	s.InterfaceAddress = net.IPv4(10, 0, 0, 1)
	s.Start = net.IPv4(10, 0, 0, 10)
	s.End = net.IPv4(10, 0, 0, 200)
	s.SubnetMask = net.IPv4Mask(255, 255, 255, 0)
	s.Router = net.IPv4(10, 0, 0, 1)
	s.DNSServers = []net.IP{net.IPv4(10, 0, 0, 2), net.IPv4(8, 8, 8, 8)}
	s.NTPServers = []net.IP{net.IPv4(10, 0, 0, 3)}
	s.DomainName = "lan.example"
	s.DNSTTL = 5 * time.Minute
	s.LeaseTime = 2 * time.Hour
	s.OfferDelay = 250 * time.Millisecond
	s.PingCheckTimeout = time.Second
	s.Exclusions = []ExclusionRange{{Start: net.IPv4(10, 0, 0, 10), End: net.IPv4(10, 0, 0, 20)}}

	resID := identityFromHardwareAddr(1, []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})
	s.Reservations[resID] = Reservation{Identity: resID, Address: net.IPv4(10, 0, 0, 50), HostName: "printer"}
	s.reservedAddr[net.IPv4(10, 0, 0, 50).String()] = resID

	leaseID := identityFromHardwareAddr(1, []byte{1, 1, 1, 1, 1, 1})
	s.leases[leaseID] = &Lease{
		ClientIdentity: leaseID,
		HardwareAddr:   net.HardwareAddr{1, 1, 1, 1, 1, 1},
		Address:        net.IPv4(10, 0, 0, 60),
		HostName:       "laptop",
		ObtainedUTC:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ExpiresUTC:     time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC),
		Type:           LeaseTypeDynamic,
		State:          LeaseStateLeased,
	}
	s.addrOwner[net.IPv4(10, 0, 0, 60).String()] = leaseID

	return s
}

func TestScopeFileEncodeDecodeRoundTrip(t *testing.T) {
	original := buildFixtureScope()
	data := EncodeScopeFile(original)

	decoded, err := DecodeScopeFile(data)
	if err != nil {
		t.Fatalf("DecodeScopeFile: %v", err)
	}

	if decoded.Name != original.Name || decoded.Enabled != original.Enabled {
		t.Fatalf("name/enabled mismatch: %+v", decoded)
	}
	if !decoded.Start.Equal(original.Start) || !decoded.End.Equal(original.End) {
		t.Fatalf("range mismatch: got [%v,%v] want [%v,%v]", decoded.Start, decoded.End, original.Start, original.End)
	}
	if decoded.LeaseTime != original.LeaseTime {
		t.Fatalf("lease time mismatch: got %v want %v", decoded.LeaseTime, original.LeaseTime)
	}
	if decoded.OfferDelay != original.OfferDelay {
		t.Fatalf("offer delay mismatch: got %v want %v", decoded.OfferDelay, original.OfferDelay)
	}
	if decoded.PingCheckTimeout != original.PingCheckTimeout {
		t.Fatalf("ping check timeout mismatch: got %v want %v", decoded.PingCheckTimeout, original.PingCheckTimeout)
	}
	if decoded.DomainName != original.DomainName || decoded.DNSTTL != original.DNSTTL {
		t.Fatalf("domain/ttl mismatch: %+v", decoded)
	}
	if len(decoded.DNSServers) != len(original.DNSServers) {
		t.Fatalf("dns servers count mismatch: got %d want %d", len(decoded.DNSServers), len(original.DNSServers))
	}
	for i, ip := range original.DNSServers {
		if !decoded.DNSServers[i].Equal(ip) {
			t.Fatalf("dns server %d mismatch: got %v want %v", i, decoded.DNSServers[i], ip)
		}
	}
	if len(decoded.Exclusions) != 1 || !decoded.Exclusions[0].Start.Equal(original.Exclusions[0].Start) {
		t.Fatalf("exclusions mismatch: %+v", decoded.Exclusions)
	}

	if len(decoded.Reservations) != 1 {
		t.Fatalf("expected 1 reservation, got %d", len(decoded.Reservations))
	}
	for id, r := range original.Reservations {
		got, ok := decoded.Reservations[id]
		if !ok {
			t.Fatalf("reservation %v missing after round trip", id)
		}
		if !got.Address.Equal(r.Address) || got.HostName != r.HostName {
			t.Fatalf("reservation mismatch: got %+v want %+v", got, r)
		}
	}

	if len(decoded.leases) != 1 {
		t.Fatalf("expected 1 lease, got %d", len(decoded.leases))
	}
	for id, l := range original.leases {
		got, ok := decoded.leases[id]
		if !ok {
			t.Fatalf("lease %v missing after round trip", id)
		}
		if !got.Address.Equal(l.Address) || got.HostName != l.HostName || got.Type != l.Type {
			t.Fatalf("lease mismatch: got %+v want %+v", got, l)
		}
		if !got.ObtainedUTC.Equal(l.ObtainedUTC) || !got.ExpiresUTC.Equal(l.ExpiresUTC) {
			t.Fatalf("lease timestamps mismatch: got %+v want %+v", got, l)
		}
	}
}

func TestScopeFileEncodeDecodeEmptyScope(t *testing.T) {
	original := NewScope("empty")
	original.Start = net.IPv4(192, 168, 0, 10)
	original.End = net.IPv4(192, 168, 0, 20)
	original.SubnetMask = net.IPv4Mask(255, 255, 255, 0)

	data := EncodeScopeFile(original)
	decoded, err := DecodeScopeFile(data)
	if err != nil {
		t.Fatalf("DecodeScopeFile: %v", err)
	}
	if len(decoded.Reservations) != 0 || len(decoded.leases) != 0 || len(decoded.DNSServers) != 0 {
		t.Fatalf("expected all collections empty, got %+v", decoded)
	}
}
