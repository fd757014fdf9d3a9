package dhcp4

import (
	"net"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

func TestClientIdentityOfPrefersOption61(t *testing.T) {
	mac := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	m, err := dhcpv4.NewDiscovery(mac)
	if err != nil {
		t.Fatalf("NewDiscovery: %v", err)
	}

	if got := ClientIdentityOf(m); got != identityFromHardwareAddr(byte(m.HWType), m.ClientHWAddr) {
		t.Fatalf("expected hw-derived identity without option 61, got %v", got)
	}

	clientID := []byte{0x01, 0xaa, 0xbb}
	m.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionClientIdentifier, clientID))
	if got := ClientIdentityOf(m); got != identityFromOption61(clientID) {
		t.Fatalf("expected option-61-derived identity when present, got %v", got)
	}
}
