package dhcp4

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"grimm.is/flywall/internal/logging"
)

// DNSMode selects the DNS updater's operation (§4.4).
type DNSMode int

const (
	DNSModeAdd DNSMode = iota
	DNSModeRemove
)

// ZoneRoot is the external DNS zone-store collaborator this package drives
// but does not implement (§1 "OUT OF SCOPE"). Record values are typed
// github.com/miekg/dns resource records, not hand-built strings, so the
// store can serve them directly.
type ZoneRoot interface {
	ZoneExists(zone string) bool
	SetRecords(zone string, rrs []dns.RR) error
	DeleteRecords(zone string, rrs []dns.RR) error
	MakeZoneInternal(zone string) error
}

// DNSUpdater implements §4.4: on Add, upserts forward A + reverse PTR
// records (bootstrapping the zones' SOA/NS if needed); on Remove, deletes
// them. A nil or unset Root makes every call a no-op, per §4.4's last
// sentence.
type DNSUpdater struct {
	Root       ZoneRoot
	ServerName string // used as the NS target when bootstrapping a zone
	logger     *logging.Logger
}

// NewDNSUpdater builds a DNSUpdater. root may be nil; serverName is the NS
// target recorded when a zone is bootstrapped.
func NewDNSUpdater(root ZoneRoot, serverName string) *DNSUpdater {
	return &DNSUpdater{
		Root:       root,
		ServerName: serverName,
		logger:     logging.WithComponent("dhcp4.dns"),
	}
}

// Apply runs action against the configured zone root.
func (u *DNSUpdater) Apply(action *DNSAction) {
	if action == nil || u.Root == nil {
		return
	}
	scope := action.Scope
	if scope.DomainName == "" {
		return
	}

	switch action.Mode {
	case DNSModeAdd:
		u.add(scope, action.Lease)
	case DNSModeRemove:
		u.remove(scope, action.Lease)
	}
}

func (u *DNSUpdater) add(scope *Scope, lease *Lease) {
	fqdn := dns.Fqdn(lease.HostName)
	ttl := uint32(scope.DNSTTL / time.Second)

	forwardZone := dns.Fqdn(scope.DomainName)
	u.ensureZone(forwardZone)
	aRR := &dns.A{
		Hdr: dns.RR_Header{Name: fqdn, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
		A:   lease.Address.To4(),
	}
	if err := u.Root.SetRecords(forwardZone, []dns.RR{aRR}); err != nil {
		u.logger.WithError(err).Warn("failed to upsert A record", "name", fqdn)
	}

	reverseZone := dns.Fqdn(scope.ReverseZone())
	u.ensureZone(reverseZone)
	ptrName := reverseName(lease.Address)
	ptrRR := &dns.PTR{
		Hdr: dns.RR_Header{Name: ptrName, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: ttl},
		Ptr: fqdn,
	}
	if err := u.Root.SetRecords(reverseZone, []dns.RR{ptrRR}); err != nil {
		u.logger.WithError(err).Warn("failed to upsert PTR record", "name", ptrName)
	}
}

func (u *DNSUpdater) remove(scope *Scope, lease *Lease) {
	if lease.HostName == "" {
		return
	}
	fqdn := dns.Fqdn(lease.HostName)
	forwardZone := dns.Fqdn(scope.DomainName)
	aRR := &dns.A{Hdr: dns.RR_Header{Name: fqdn, Rrtype: dns.TypeA, Class: dns.ClassINET}, A: lease.Address.To4()}
	if err := u.Root.DeleteRecords(forwardZone, []dns.RR{aRR}); err != nil {
		u.logger.WithError(err).Warn("failed to delete A record", "name", fqdn)
	}

	reverseZone := dns.Fqdn(scope.ReverseZone())
	ptrName := reverseName(lease.Address)
	ptrRR := &dns.PTR{Hdr: dns.RR_Header{Name: ptrName, Rrtype: dns.TypePTR, Class: dns.ClassINET}, Ptr: fqdn}
	if err := u.Root.DeleteRecords(reverseZone, []dns.RR{ptrRR}); err != nil {
		u.logger.WithError(err).Warn("failed to delete PTR record", "name", ptrName)
	}
}

// ensureZone bootstraps zone with an SOA (serial=YYYYMMDDHH) and an NS
// record if it doesn't already exist, per §4.4.
func (u *DNSUpdater) ensureZone(zone string) {
	if u.Root.ZoneExists(zone) {
		return
	}

	serial := soaSerial(time.Now().UTC())
	soaRR := &dns.SOA{
		Hdr:     dns.RR_Header{Name: zone, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 3600},
		Ns:      dns.Fqdn(u.ServerName),
		Mbox:    "hostmaster." + zone,
		Serial:  serial,
		Refresh: 28800,
		Retry:   7200,
		Expire:  604800,
		Minttl:  600,
	}
	nsRR := &dns.NS{
		Hdr: dns.RR_Header{Name: zone, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: 3600},
		Ns:  dns.Fqdn(u.ServerName),
	}

	if err := u.Root.SetRecords(zone, []dns.RR{soaRR, nsRR}); err != nil {
		u.logger.WithError(err).Warn("failed to bootstrap zone", "zone", zone)
		return
	}
	if err := u.Root.MakeZoneInternal(zone); err != nil {
		u.logger.WithError(err).Warn("failed to mark zone internal", "zone", zone)
	}
}

// soaSerial renders the YYYYMMDDHH decimal serial the spec requires.
func soaSerial(t time.Time) uint32 {
	s := fmt.Sprintf("%04d%02d%02d%02d", t.Year(), t.Month(), t.Day(), t.Hour())
	var v uint32
	fmt.Sscanf(s, "%d", &v)
	return v
}

// reverseName renders the host-order /32 PTR name for ip (e.g.
// "100.0.0.10.in-addr.arpa.").
func reverseName(ip net.IP) string {
	v4 := ip.To4()
	parts := make([]string, 4)
	for i := 0; i < 4; i++ {
		parts[3-i] = fmt.Sprintf("%d", v4[i])
	}
	return strings.Join(parts, ".") + ".in-addr.arpa."
}

// ReverseZone derives the in-addr.arpa zone covering the scope's pool under
// its subnet mask (§3 "Derived: reverse_zone").
func (s *Scope) ReverseZone() string {
	ones, _ := s.SubnetMask.Size()
	octets := ones / 8
	v4 := s.Start.To4().Mask(net.IPMask(s.SubnetMask))
	parts := make([]string, 0, octets)
	for i := octets - 1; i >= 0; i-- {
		parts = append(parts, fmt.Sprintf("%d", v4[i]))
	}
	return strings.Join(parts, ".") + ".in-addr.arpa."
}
