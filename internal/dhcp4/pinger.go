package dhcp4

import (
	"net"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// icmpPinger is the production Pinger: a single unprivileged ICMP echo per
// Probe call, matching internal/monitor's CheckPingFunc pattern.
type icmpPinger struct{}

// NewICMPPinger returns the Pinger that BuildScope wires into every scope
// with a non-zero ping_check_timeout_ms, backing the §4.2 find_offer
// conflict-detection probe with a real echo request.
func NewICMPPinger() Pinger { return icmpPinger{} }

// Probe implements Pinger. It reports true only if ip answers within
// timeout; any error (no route, permission denied, packet loss) is treated
// as "did not answer" — find_offer then proceeds to offer the address,
// same as the teacher's checkPing treating a ping error as target-down.
func (icmpPinger) Probe(ip net.IP, timeout time.Duration) bool {
	pinger, err := probing.NewPinger(ip.String())
	if err != nil {
		return false
	}

	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(false)

	if err := pinger.Run(); err != nil {
		return false
	}

	return pinger.Statistics().PacketsRecv > 0
}
