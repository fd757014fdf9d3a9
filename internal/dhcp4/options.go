package dhcp4

import (
	"net"
	"strings"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// clientFQDNFlags, per RFC 4702 §2.1.
const (
	fqdnFlagS = 0x01 // client requests server perform the A update
	fqdnFlagO = 0x02 // server overrode the client's S setting
)

// matchVendorFilter returns the first matching filter for m, if any.
func matchVendorFilter(m *dhcpv4.DHCPv4, filters []VendorFilter) (VendorFilter, bool) {
	for _, f := range filters {
		v := m.Options.Get(f.Option)
		if v == nil {
			continue
		}
		if strings.Contains(string(v), f.Substring) {
			return f, true
		}
	}
	return VendorFilter{}, false
}

// resolveHostName applies the Client FQDN (option 81) / HostName (option 12)
// + domain_name synthesis rule from §4.2, returning the lease host name and
// the option-81 reply bytes to echo back (nil if the client sent none).
func resolveHostName(m *dhcpv4.DHCPv4, domainName string) (hostName string, fqdnReply []byte) {
	if raw := m.Options.Get(dhcpv4.OptionFQDN); len(raw) >= 3 {
		flags := raw[0]
		name := string(raw[3:])
		name = strings.ToLower(strings.TrimSuffix(name, "."))
		if domainName != "" && !strings.Contains(name, ".") {
			name = name + "." + domainName
		}

		replyFlags := flags &^ fqdnFlagS
		replyFlags |= fqdnFlagO
		reply := make([]byte, 0, len(raw))
		reply = append(reply, replyFlags, raw[1], raw[2])
		reply = append(reply, []byte(name)...)
		return name, reply
	}

	if hn := m.HostName(); hn != "" && domainName != "" {
		return strings.ToLower(hn + "." + domainName), nil
	}
	if hn := m.HostName(); hn != "" {
		return hn, nil
	}
	return "", nil
}

// GetOptions implements §4.2 get_options: always-present options, then
// conditional options gated on the client's Parameter Request List (option
// 55), then any vendor-filter tag options and an FQDN echo. Returns (nil,
// false) to signal "drop silently" on a PolicyReject vendor filter match.
func (s *Scope) GetOptions(m *dhcpv4.DHCPv4, interfaceAddr net.IP, leaseTime time.Duration) ([]dhcpv4.Option, bool) {
	s.mu.Lock()
	filters := s.VendorFilters
	s.mu.Unlock()

	if f, ok := matchVendorFilter(m, filters); ok && f.Action == VendorActionReject {
		return nil, false
	}

	_, bcast := s.networkAndBroadcast()
	opts := []dhcpv4.Option{
		dhcpv4.OptServerIdentifier(interfaceAddr),
		dhcpv4.OptIPAddressLeaseTime(leaseTime),
		dhcpv4.OptSubnetMask(s.SubnetMask),
		dhcpv4.OptGeneric(dhcpv4.OptionBroadcastAddress, bcast.To4()),
	}

	prl := m.ParameterRequestList()
	if s.Router != nil && prl.Has(dhcpv4.OptionRouter) {
		opts = append(opts, dhcpv4.OptRouter(s.Router))
	}
	if len(s.DNSServers) > 0 && prl.Has(dhcpv4.OptionDomainNameServer) {
		opts = append(opts, dhcpv4.OptDNS(s.DNSServers...))
	}
	if s.DomainName != "" && prl.Has(dhcpv4.OptionDomainName) {
		opts = append(opts, dhcpv4.OptGeneric(dhcpv4.OptionDomainName, []byte(s.DomainName)))
	}
	if len(s.NTPServers) > 0 && prl.Has(dhcpv4.OptionNTPServers) {
		opts = append(opts, dhcpv4.OptNTPServers(s.NTPServers...))
	}

	if f, ok := matchVendorFilter(m, filters); ok && f.Action == VendorActionTag {
		opts = append(opts, f.Options...)
	}

	if _, fqdnReply := resolveHostName(m, s.DomainName); fqdnReply != nil {
		opts = append(opts, dhcpv4.Option{Code: dhcpv4.OptionFQDN, Value: fqdnReply})
	}

	return opts, true
}
