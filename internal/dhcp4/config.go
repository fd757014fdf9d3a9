package dhcp4

import (
	"net"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"grimm.is/flywall/internal/errors"
)

// DHCPServerConfig is the HCL-decoded bootstrap configuration for the DHCPv4
// server core: the static scope topology seeded at startup, mirroring the
// shape of the teacher's config.DHCPServer block but scoped to what this
// package actually needs (no VendorClasses-by-name-only list; filters live
// per scope per SPEC_FULL.md §4.2's supplemented filter table).
type DHCPServerConfig struct {
	// Enable the built-in DHCPv4 server core.
	// @default: false
	Enabled bool `hcl:"enabled,optional" json:"enabled,omitempty"`
	// Directory holding each scope's .scope file (§6).
	// @default: "/var/lib/flywall/dhcp4"
	ConfigDir string `hcl:"config_dir,optional" json:"config_dir,omitempty"`
	// Name advertised as the NS target when a DNS zone is bootstrapped.
	// @default: "dhcp4d"
	ServerName string `hcl:"server_name,optional" json:"server_name,omitempty"`

	Scopes []DHCPScopeConfig `hcl:"scope,block" json:"scope,omitempty"`
}

// DHCPScopeConfig is one `scope "name" { ... }` block.
type DHCPScopeConfig struct {
	Name    string `hcl:"name,label" json:"name"`
	Enabled bool   `hcl:"enabled,optional" json:"enabled,omitempty"`

	// Interface is the link the scope's socket binds to; "0.0.0.0" for
	// InterfaceAddress puts the scope on the shared any-listener (an empty
	// InterfaceAddress is rejected by BuildScope).
	Interface        string `hcl:"interface" json:"interface"`
	InterfaceAddress string `hcl:"interface_address" json:"interface_address"`

	RangeStart string `hcl:"range_start" json:"range_start"`
	RangeEnd   string `hcl:"range_end" json:"range_end"`
	SubnetMask string `hcl:"subnet_mask" json:"subnet_mask"`
	Router     string `hcl:"router,optional" json:"router,omitempty"`

	DNSServers []string `hcl:"dns_servers,optional" json:"dns_servers,omitempty"`
	NTPServers []string `hcl:"ntp_servers,optional" json:"ntp_servers,omitempty"`
	DomainName string   `hcl:"domain_name,optional" json:"domain_name,omitempty"`

	// @default: 3600
	DNSTTLSeconds uint32 `hcl:"dns_ttl_seconds,optional" json:"dns_ttl_seconds,omitempty"`
	// @default: "24h"
	LeaseTime string `hcl:"lease_time,optional" json:"lease_time,omitempty"`
	// @default: 0
	OfferDelayMS uint32 `hcl:"offer_delay_ms,optional" json:"offer_delay_ms,omitempty"`
	// @default: 0
	PingCheckTimeoutMS uint32 `hcl:"ping_check_timeout_ms,optional" json:"ping_check_timeout_ms,omitempty"`

	Exclusions    []DHCPExclusionConfig    `hcl:"exclusion,block" json:"exclusion,omitempty"`
	Reservations  []DHCPReservationConfig  `hcl:"reservation,block" json:"reservation,omitempty"`
	VendorFilters []DHCPVendorFilterConfig `hcl:"vendor_filter,block" json:"vendor_filter,omitempty"`

	// RelayTo, when non-empty, puts the scope in relay-forwarding mode
	// (§4.3 supplement) instead of local allocation.
	RelayTo []string `hcl:"relay_to,optional" json:"relay_to,omitempty"`
}

// DHCPExclusionConfig is one address range never allocated.
type DHCPExclusionConfig struct {
	Start string `hcl:"start" json:"start"`
	End   string `hcl:"end" json:"end"`
}

// DHCPReservationConfig pins a MAC address to a fixed lease.
type DHCPReservationConfig struct {
	MAC      string `hcl:"mac,label" json:"mac"`
	Address  string `hcl:"address" json:"address"`
	HostName string `hcl:"host_name,optional" json:"host_name,omitempty"`
}

// DHCPVendorFilterConfig is one row of the option-60/77 filter table
// (SPEC_FULL.md §4.2 supplement).
type DHCPVendorFilterConfig struct {
	// Option is "vendor_class" (60) or "user_class" (77).
	Option string `hcl:"option" json:"option"`
	// @default: ""
	Substring string `hcl:"substring" json:"substring"`
	// Action is "tag" or "reject".
	// @default: "tag"
	Action string `hcl:"action,optional" json:"action,omitempty"`
	Tag    string `hcl:"tag,optional" json:"tag,omitempty"`
}

// BuildScope parses a DHCPScopeConfig into a runtime Scope, validating every
// address field. Reservation MACs must parse as hardware addresses; the
// resulting ClientIdentity matches what ClientIdentityOf would derive for a
// client presenting that chaddr with no option 61.
func BuildScope(cfg DHCPScopeConfig) (*Scope, error) {
	s := NewScope(cfg.Name)
	s.Enabled = cfg.Enabled
	s.InterfaceName = cfg.Interface

	var err error
	if s.InterfaceAddress, err = parseIP(cfg.InterfaceAddress, "interface_address"); err != nil {
		return nil, err
	}
	if s.Start, err = parseIP(cfg.RangeStart, "range_start"); err != nil {
		return nil, err
	}
	if s.End, err = parseIP(cfg.RangeEnd, "range_end"); err != nil {
		return nil, err
	}
	mask, err := parseIP(cfg.SubnetMask, "subnet_mask")
	if err != nil {
		return nil, err
	}
	s.SubnetMask = net.IPMask(mask.To4())
	if cfg.Router != "" {
		if s.Router, err = parseIP(cfg.Router, "router"); err != nil {
			return nil, err
		}
	}

	for _, raw := range cfg.DNSServers {
		ip, err := parseIP(raw, "dns_servers")
		if err != nil {
			return nil, err
		}
		s.DNSServers = append(s.DNSServers, ip)
	}
	for _, raw := range cfg.NTPServers {
		ip, err := parseIP(raw, "ntp_servers")
		if err != nil {
			return nil, err
		}
		s.NTPServers = append(s.NTPServers, ip)
	}

	s.DomainName = cfg.DomainName
	dnsTTL := cfg.DNSTTLSeconds
	if dnsTTL == 0 {
		dnsTTL = 3600
	}
	s.DNSTTL = time.Duration(dnsTTL) * time.Second

	leaseTime := 24 * time.Hour
	if cfg.LeaseTime != "" {
		leaseTime, err = time.ParseDuration(cfg.LeaseTime)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindValidation, "scope "+cfg.Name+": invalid lease_time")
		}
	}
	s.LeaseTime = leaseTime
	s.OfferDelay = time.Duration(cfg.OfferDelayMS) * time.Millisecond
	s.PingCheckTimeout = time.Duration(cfg.PingCheckTimeoutMS) * time.Millisecond
	if s.PingCheckTimeout > 0 {
		s.pinger = NewICMPPinger()
	}

	for _, ex := range cfg.Exclusions {
		start, err := parseIP(ex.Start, "exclusion.start")
		if err != nil {
			return nil, err
		}
		end, err := parseIP(ex.End, "exclusion.end")
		if err != nil {
			return nil, err
		}
		s.Exclusions = append(s.Exclusions, ExclusionRange{Start: start, End: end})
	}

	for _, res := range cfg.Reservations {
		hw, err := net.ParseMAC(res.MAC)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindValidation, "scope "+cfg.Name+": invalid reservation mac "+res.MAC)
		}
		addr, err := parseIP(res.Address, "reservation.address")
		if err != nil {
			return nil, err
		}
		id := identityFromHardwareAddr(1, hw)
		s.Reservations[id] = Reservation{Identity: id, Address: addr, HostName: res.HostName}
		s.reservedAddr[addr.String()] = id
	}

	for _, vf := range cfg.VendorFilters {
		filter := VendorFilter{Substring: vf.Substring, Tag: vf.Tag}
		switch vf.Option {
		case "user_class":
			filter.Option = dhcpv4.OptionUserClassInformation
		default:
			filter.Option = dhcpv4.OptionClassIdentifier
		}
		if vf.Action == "reject" {
			filter.Action = VendorActionReject
		} else {
			filter.Action = VendorActionTag
		}
		s.VendorFilters = append(s.VendorFilters, filter)
	}

	s.RelayTo = append([]string(nil), cfg.RelayTo...)

	return s, nil
}

func parseIP(raw, field string) (net.IP, error) {
	ip := net.ParseIP(raw)
	if ip == nil {
		return nil, errors.Errorf(errors.KindValidation, "invalid %s: %q", field, raw)
	}
	return ip.To4(), nil
}
