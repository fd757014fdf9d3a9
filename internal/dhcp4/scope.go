package dhcp4

import (
	"net"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"grimm.is/flywall/internal/clock"
	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/logging"
)

// VendorFilterAction is the disposition a vendor/user-class filter applies.
type VendorFilterAction int

const (
	// VendorActionTag applies a named extra-option set without rejecting.
	VendorActionTag VendorFilterAction = iota
	// VendorActionReject drops the client silently (§7 PolicyReject).
	VendorActionReject
)

// VendorFilter matches option 60 (Vendor Class Identifier) or option 77
// (User Class) by substring containment, generalizing the teacher's single
// vendor-class-to-extra-options mapping into a small ordered filter table.
type VendorFilter struct {
	Option    dhcpv4.OptionCode // OptionClassIdentifier or OptionUserClassInformation
	Substring string
	Action    VendorFilterAction
	Tag       string
	Options   []dhcpv4.Option
}

// Reservation pins a ClientIdentity to a fixed address.
type Reservation struct {
	Identity ClientIdentity
	Address  net.IP
	HostName string
}

// ExclusionRange is an inclusive [Start,End] range never allocated.
type ExclusionRange struct {
	Start, End net.IP
}

func (r ExclusionRange) contains(ip net.IP) bool {
	return ipBetween(ip, r.Start, r.End)
}

// Pinger probes whether an address is already in use on the wire, backing
// the ping_check_timeout_ms conflict-detection scan in find_offer.
type Pinger interface {
	// Probe returns true if ip answered an ICMP echo within timeout.
	Probe(ip net.IP, timeout time.Duration) bool
}

// Scope is an administrative address pool bound to one local interface,
// per §3. All mutation methods serialize through mu — a per-scope critical
// section, per §5 ("within a single scope ... serialized").
type Scope struct {
	mu sync.Mutex

	Name             string
	Enabled          bool
	InterfaceName    string
	InterfaceAddress net.IP
	Start, End       net.IP
	SubnetMask       net.IPMask
	Router           net.IP
	DNSServers       []net.IP
	NTPServers       []net.IP
	DomainName       string
	DNSTTL           time.Duration
	LeaseTime        time.Duration
	OfferDelay       time.Duration
	PingCheckTimeout time.Duration
	Exclusions       []ExclusionRange
	Reservations     map[ClientIdentity]Reservation
	VendorFilters    []VendorFilter

	// RelayTo, when non-empty, puts this scope in relay-forwarding mode
	// (§4.3 supplement): local allocation is bypassed entirely.
	RelayTo []string

	offers map[ClientIdentity]*Lease
	leases map[ClientIdentity]*Lease
	// addrOwner tracks which identity currently holds an address, across
	// both offers and leases, so the pool scan can skip held addresses in
	// O(1) without scanning every lease/offer.
	addrOwner map[string]ClientIdentity
	// reservedAddr is the reverse index of Reservations, for the same reason.
	reservedAddr map[string]ClientIdentity
	// badAddrs holds addresses the scope has seen DECLINEd, for the
	// remainder of process uptime (open question #3 in DESIGN.md).
	badAddrs map[string]time.Time

	lastModified time.Time

	clock  clock.Clock
	pinger Pinger
	logger *logging.Logger
}

// NewScope constructs an empty, disabled Scope ready for configuration.
func NewScope(name string) *Scope {
	return &Scope{
		Name:         name,
		Reservations: make(map[ClientIdentity]Reservation),
		offers:       make(map[ClientIdentity]*Lease),
		leases:       make(map[ClientIdentity]*Lease),
		addrOwner:    make(map[string]ClientIdentity),
		reservedAddr: make(map[string]ClientIdentity),
		badAddrs:     make(map[string]time.Time),
		clock:        clock.Real{},
		logger:       logging.WithComponent("dhcp4.scope"),
	}
}

// SetClock overrides the scope's time source, for tests.
func (s *Scope) SetClock(c clock.Clock) { s.clock = c }

// SetPinger overrides the scope's conflict-detection prober, for tests.
func (s *Scope) SetPinger(p Pinger) { s.pinger = p }

func (s *Scope) now() time.Time { return s.clock.Now() }

func (s *Scope) markModified() { s.lastModified = s.now() }

// LastModified returns the last mutation timestamp, used by the maintenance
// loop's dirty-scope watermark (§4.7).
func (s *Scope) LastModified() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastModified
}

// IsAddressInRange reports whether ip falls within [Start,End] (§4.2 is_address_in_range).
func (s *Scope) IsAddressInRange(ip net.IP) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ipBetween(ip, s.Start, s.End)
}

// SameRange reports whether two scopes cover the same (interface, range,
// mask) tuple, per §4.2's duplicate-detection equality.
func (s *Scope) SameRange(o *Scope) bool {
	return s.InterfaceAddress.Equal(o.InterfaceAddress) &&
		s.Start.Equal(o.Start) && s.End.Equal(o.End) &&
		sameMask(s.SubnetMask, o.SubnetMask)
}

func sameMask(a, b net.IPMask) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// networkAndBroadcast derives the network and broadcast addresses of the
// scope's subnet from Start and SubnetMask.
func (s *Scope) networkAndBroadcast() (network, broadcast net.IP) {
	ip := s.Start.To4()
	mask := s.SubnetMask
	network = ip.Mask(mask)
	bcast := make(net.IP, 4)
	for i := 0; i < 4; i++ {
		bcast[i] = network[i] | ^mask[i]
	}
	return network, bcast
}

// isReservedToOther reports whether addr is reserved to an identity other
// than who.
func (s *Scope) isReservedToOther(addr net.IP, who ClientIdentity) bool {
	id, ok := s.reservedAddr[addr.String()]
	return ok && id != who
}

// isHeldByOther reports whether addr is currently offered/leased to an
// identity other than who.
func (s *Scope) isHeldByOther(addr net.IP, who ClientIdentity) bool {
	id, ok := s.addrOwner[addr.String()]
	return ok && id != who
}

func (s *Scope) isExcluded(addr net.IP) bool {
	for _, ex := range s.Exclusions {
		if ex.contains(addr) {
			return true
		}
	}
	return false
}

func (s *Scope) isBad(addr net.IP) bool {
	_, ok := s.badAddrs[addr.String()]
	return ok
}

// FindOffer implements §4.2 find_offer: reservation, then lease/offer reuse,
// then a pool scan, in that order. On success it records (or refreshes) an
// offer with a 60s expiry.
func (s *Scope) FindOffer(identity ClientIdentity, hw net.HardwareAddr) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.Reservations[identity]; ok {
		return s.offerAddress(identity, hw, res.Address, LeaseTypeReserved, res.HostName), nil
	}

	if l, ok := s.leases[identity]; ok {
		return s.offerAddress(identity, hw, l.Address, l.Type, l.HostName), nil
	}
	if l, ok := s.offers[identity]; ok && !l.Expired(s.now()) {
		return s.offerAddress(identity, hw, l.Address, l.Type, l.HostName), nil
	}

	network, broadcast := s.networkAndBroadcast()
	for ip := cloneIP(s.Start); !ipGreater(ip, s.End); ip = nextIP(ip) {
		if ip.Equal(s.InterfaceAddress) || ip.Equal(s.Router) ||
			ip.Equal(network) || ip.Equal(broadcast) {
			continue
		}
		if s.isExcluded(ip) || s.isReservedToOther(ip, identity) || s.isHeldByOther(ip, identity) {
			continue
		}
		if s.isBad(ip) {
			continue
		}
		if s.PingCheckTimeout > 0 && s.pinger != nil && s.pinger.Probe(ip, s.PingCheckTimeout) {
			// Answered an echo: something already holds it that we don't
			// know about. Mark it bad for this run and keep scanning.
			s.badAddrs[ip.String()] = s.now()
			continue
		}
		return s.offerAddress(identity, hw, ip, LeaseTypeDynamic, ""), nil
	}

	return nil, errors.New(errors.KindUnavailable, "no address available in scope "+s.Name)
}

// offerAddress records (or refreshes) an offer and returns its Lease. Caller
// must hold s.mu.
func (s *Scope) offerAddress(identity ClientIdentity, hw net.HardwareAddr, addr net.IP, typ LeaseType, hostName string) *Lease {
	now := s.now()
	l := &Lease{
		ClientIdentity: identity,
		HardwareAddr:   hw,
		Address:        cloneIP(addr),
		HostName:       hostName,
		ObtainedUTC:    now,
		ExpiresUTC:     now.Add(offerTTL),
		Type:           typ,
		State:          LeaseStateOffered,
	}
	s.offers[identity] = l
	s.addrOwner[addr.String()] = identity
	if typ == LeaseTypeReserved {
		s.reservedAddr[addr.String()] = identity
	}
	s.markModified()
	return l
}

// ExistingLeaseOrOffer implements §4.2 existing_lease_or_offer: lookup only,
// never allocates.
func (s *Scope) ExistingLeaseOrOffer(identity ClientIdentity) *Lease {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[identity]; ok {
		return l
	}
	if l, ok := s.offers[identity]; ok && !l.Expired(s.now()) {
		return l
	}
	return nil
}

// CommitLease implements §4.2 commit_lease: removes the offer, promotes to
// Leased with an expiry clamped to the client's requested lease time
// (option 51) when smaller and positive.
func (s *Scope) CommitLease(identity ClientIdentity, requestedSeconds uint32, haveRequested bool) *Lease {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.offers[identity]
	if !ok {
		l, ok = s.leases[identity]
		if !ok {
			return nil
		}
	}

	delete(s.offers, identity)

	ttl := s.LeaseTime
	if haveRequested && requestedSeconds > 0 {
		requested := time.Duration(requestedSeconds) * time.Second
		if requested < ttl {
			ttl = requested
		}
	}

	now := s.now()
	l.ExpiresUTC = now.Add(ttl)
	l.State = LeaseStateLeased
	s.leases[identity] = l
	s.addrOwner[l.Address.String()] = identity
	s.markModified()

	return l
}

// ReleaseLease implements §4.2 release_lease: removes the lease and any
// offer for identity. When bad is true (DECLINE), the address is added to
// the scope's transient bad set per open question #3.
func (s *Scope) ReleaseLease(identity ClientIdentity, bad bool) *Lease {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released *Lease
	if l, ok := s.leases[identity]; ok {
		released = l
		delete(s.leases, identity)
		delete(s.addrOwner, l.Address.String())
	}
	if l, ok := s.offers[identity]; ok {
		if released == nil {
			released = l
		}
		delete(s.offers, identity)
		delete(s.addrOwner, l.Address.String())
	}

	if released != nil {
		if bad {
			s.badAddrs[released.Address.String()] = s.now()
		}
		s.markModified()
	}

	return released
}

// RemoveExpiredOffers purges offers with expiry <= now.
func (s *Scope) RemoveExpiredOffers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, l := range s.offers {
		if l.Expired(now) {
			delete(s.offers, id)
			if lease, ok := s.leases[id]; !ok || !lease.Address.Equal(l.Address) {
				delete(s.addrOwner, l.Address.String())
			}
			s.markModified()
		}
	}
}

// RemoveExpiredLeases purges leases with expiry <= now and returns them, for
// the maintenance loop to feed to the DNS updater in remove mode (§4.7, §8).
func (s *Scope) RemoveExpiredLeases() []*Lease {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var expired []*Lease
	for id, l := range s.leases {
		if l.Expired(now) {
			expired = append(expired, l)
			delete(s.leases, id)
			delete(s.addrOwner, l.Address.String())
		}
	}
	if len(expired) > 0 {
		s.markModified()
	}
	return expired
}

// snapshotLeases returns a defensive copy of all current leases (used by
// GetAddressClientMap and the .scope file writer).
func (s *Scope) snapshotLeases() []*Lease {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Lease, 0, len(s.leases))
	for _, l := range s.leases {
		clone := *l
		out = append(out, &clone)
	}
	return out
}

// --- IPv4 helpers ---

func cloneIP(ip net.IP) net.IP {
	v4 := ip.To4()
	out := make(net.IP, 4)
	copy(out, v4)
	return out
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

func uint32ToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func nextIP(ip net.IP) net.IP {
	return uint32ToIP(ipToUint32(ip) + 1)
}

func ipGreater(a, b net.IP) bool {
	return ipToUint32(a) > ipToUint32(b)
}

func ipBetween(ip, lo, hi net.IP) bool {
	v := ipToUint32(ip)
	return v >= ipToUint32(lo) && v <= ipToUint32(hi)
}
