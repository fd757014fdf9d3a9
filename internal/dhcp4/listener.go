package dhcp4

import (
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"

	"grimm.is/flywall/internal/logging"
)

// dhcpPort is the well-known server port this module binds and receives on.
const dhcpPort = 67

// clientPort is the well-known client port OFFER/ACK/NAK unicast to.
const clientPort = 68

const recvBufferSize = defaultRecvBytes

// Dispatcher is the injectable task-dispatch abstraction called out in
// SPEC_FULL.md §9: decode+handle+send for each datagram is handed to it
// rather than run directly by the receive goroutine. The default workerPool
// runs a job on the calling (receive) goroutine when its queue is full.
type Dispatcher interface {
	Submit(func())
}

// workerPool is the default Dispatcher: a bounded set of goroutines reading
// off a buffered job channel. Bounded so a flood of hostile datagrams can't
// unbound goroutine count the way an unconditional "go handle()" would.
type workerPool struct {
	jobs chan func()
	wg   sync.WaitGroup
}

// NewWorkerPool starts n workers backed by a job queue of the given depth.
func NewWorkerPool(n, queueDepth int) Dispatcher {
	if n <= 0 {
		n = 4
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}
	p := &workerPool{jobs: make(chan func(), queueDepth)}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				job()
			}
		}()
	}
	return p
}

// Submit implements Dispatcher. If the queue is full, the job runs inline
// rather than blocking the receive loop indefinitely — a full queue means
// the server is already saturated, and backpressure on distinct UDP sockets
// is preferable to dropping datagrams silently forever.
func (p *workerPool) Submit(job func()) {
	select {
	case p.jobs <- job:
	default:
		job()
	}
}

// anyListener is the shared, reference-counted UDP/67 socket for scopes
// bound to 0.0.0.0 (§4.6, §9's "any-address refcount" open question). The
// refcount and the conn are guarded by the same mutex as activation, so the
// "last one out closes the door" transition can't race: we only ever test
// refs == 0, never a `< 1`/`< 2` comparison.
type anyListener struct {
	mu   sync.Mutex
	conn net.PacketConn
	refs int
}

var sharedAny = &anyListener{}

// acquire binds the shared any-address socket on first use and increments
// the refcount; subsequent callers just get the existing conn.
func (a *anyListener) acquire() (net.PacketConn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.refs == 0 {
		conn, err := server4.NewIPv4UDPConn("", &net.UDPAddr{IP: net.IPv4zero, Port: dhcpPort})
		if err != nil {
			return nil, err
		}
		a.conn = conn
	}
	a.refs++
	return a.conn, nil
}

// release decrements the refcount, closing the shared socket only when the
// last scope using it deactivates.
func (a *anyListener) release() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.refs == 0 {
		return nil
	}
	a.refs--
	if a.refs == 0 {
		conn := a.conn
		a.conn = nil
		return conn.Close()
	}
	return nil
}

// boundSocket is what activateScope hands back: the conn to receive on, and
// whether it's the shared any-listener (so deactivate knows whether to
// release() or Close() outright).
type boundSocket struct {
	conn   net.PacketConn
	shared bool
}

// bindSocket implements the §4.6 binding policy: scopes on 0.0.0.0 share the
// refcounted any-listener; everything else gets its own dedicated socket.
func bindSocket(scope *Scope) (*boundSocket, error) {
	if scope.InterfaceAddress.Equal(net.IPv4zero) {
		conn, err := sharedAny.acquire()
		if err != nil {
			return nil, err
		}
		return &boundSocket{conn: conn, shared: true}, nil
	}

	conn, err := server4.NewIPv4UDPConn(scope.InterfaceName, &net.UDPAddr{IP: net.IPv4zero, Port: dhcpPort})
	if err != nil {
		return nil, err
	}
	return &boundSocket{conn: conn, shared: false}, nil
}

func (b *boundSocket) release() error {
	if b.shared {
		return sharedAny.release()
	}
	return b.conn.Close()
}

// ListenerHandle owns one bound socket's receive loop. activateScope creates
// one per activated local scope (sharing the underlying conn when the scope
// is bound to 0.0.0.0); Service's Stop, DisableScope and DeleteScope close it
// per §9's "Scoped socket lifecycle" note.
type ListenerHandle struct {
	scope      *Scope
	socket     *boundSocket
	dispatcher Dispatcher
	onMessage  func(m *dhcpv4.DHCPv4, remoteEP, interfaceEP Endpoint)

	stopOnce sync.Once
	stopped  chan struct{}
}

// activateScope binds scope's socket and starts its receive loop.
func activateScope(scope *Scope, dispatcher Dispatcher, onMessage func(m *dhcpv4.DHCPv4, remoteEP, interfaceEP Endpoint)) (*ListenerHandle, error) {
	socket, err := bindSocket(scope)
	if err != nil {
		return nil, err
	}

	h := &ListenerHandle{
		scope:      scope,
		socket:     socket,
		dispatcher: dispatcher,
		onMessage:  onMessage,
		stopped:    make(chan struct{}),
	}
	go h.receiveLoop()
	return h, nil
}

// Close releases the socket (decrementing the any-listener refcount or
// closing a dedicated socket outright) and stops the receive loop.
func (h *ListenerHandle) Close() error {
	var err error
	h.stopOnce.Do(func() {
		err = h.socket.release()
		close(h.stopped)
	})
	return err
}

func (h *ListenerHandle) receiveLoop() {
	logger := logging.WithComponent("dhcp4.listener").With("scope", h.scope.Name)
	buf := make([]byte, recvBufferSize)

	for {
		select {
		case <-h.stopped:
			return
		default:
		}

		n, addr, err := h.socket.conn.ReadFrom(buf)
		if err != nil {
			if isClosedConnError(err) {
				return
			}
			if isTransientSocketError(err) {
				continue
			}
			logger.WithError(err).Error("fatal socket error, stopping receive loop")
			return
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		if udpAddr.Port != dhcpPort && udpAddr.Port != clientPort {
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		remoteEP := Endpoint{IP: udpAddr.IP, Port: udpAddr.Port}
		interfaceEP := Endpoint{IP: h.scope.InterfaceAddress, Port: dhcpPort}

		h.dispatcher.Submit(func() {
			m, err := dhcpv4.FromBytes(payload)
			if err != nil {
				logger.Debug("dropping malformed datagram", "error", err)
				return
			}
			h.onMessage(m, remoteEP, interfaceEP)
		})
	}
}

// isClosedConnError reports whether err indicates the socket was closed out
// from under the read, the expected way to stop a receive loop on shutdown.
func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}

// isTransientSocketError reports whether err is one of the swallowed
// transient codes from §4.6/§7 (connection reset, host unreachable,
// message-too-long, network unreachable, network reset) rather than a fatal
// one.
func isTransientSocketError(err error) bool {
	msg := err.Error()
	for _, transient := range []string{"connection reset", "host unreachable", "message too long", "network is unreachable", "network reset"} {
		if strings.Contains(strings.ToLower(msg), transient) {
			return true
		}
	}
	return false
}
