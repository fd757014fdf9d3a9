package dhcp4

import (
	"encoding/hex"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// ClientIdentity is the canonical key for offers, leases, and reservations:
// option 61 (Client Identifier) when the client sends one, otherwise the
// pair (hardware type, hardware address). Never the hardware address alone
// when option 61 is present — a client may rotate its chaddr while keeping
// the same identifier, or vice versa.
type ClientIdentity string

// identityFromOption61 builds a ClientIdentity from a raw option 61 value.
func identityFromOption61(raw []byte) ClientIdentity {
	return ClientIdentity("id:" + hex.EncodeToString(raw))
}

// identityFromHardwareAddr builds a ClientIdentity from (htype, chaddr).
func identityFromHardwareAddr(htype byte, chaddr []byte) ClientIdentity {
	return ClientIdentity("hw:" + hex.EncodeToString([]byte{htype}) + ":" + hex.EncodeToString(chaddr))
}

// ClientIdentityOf returns the canonical identity for m, per §3: option 61
// if present, else (htype, chaddr).
func ClientIdentityOf(m *dhcpv4.DHCPv4) ClientIdentity {
	if raw := m.Options.Get(dhcpv4.OptionClientIdentifier); len(raw) > 0 {
		return identityFromOption61(raw)
	}
	return identityFromHardwareAddr(byte(m.HWType), m.ClientHWAddr)
}

// String returns a human-readable rendering, used only for logging.
func (c ClientIdentity) String() string {
	return strings.TrimPrefix(strings.TrimPrefix(string(c), "id:"), "hw:")
}
