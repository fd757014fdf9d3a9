// Package dhcp4 implements a DHCPv4 server core: scope/lease management,
// protocol state machine, listener/dispatcher, maintenance loop, DNS
// integration, and the server façade that ties them together. Wire encoding
// and decoding is delegated to github.com/insomniacslk/dhcp/dhcpv4 rather
// than hand-rolled, the same library the rest of the fleet's DHCP services
// build on.
package dhcp4

// defaultRecvBytes sizes the UDP receive buffer. 576 is the RFC 2131 minimum
// a DHCP implementation must be able to receive without fragmentation; most
// clients and relays never exceed it. A larger datagram is truncated to this
// size by the read, so only its first 576 bytes reach the dhcpv4 decoder.
const defaultRecvBytes = 576
