package dhcp4

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"

	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/logging"
)

// serviceState backs the §9 "Volatile service state" design note: an atomic
// enum with compare-and-set transitions, no torn reads.
type serviceState int32

const (
	stateStopped serviceState = iota
	stateRunning
	stateDisposed
)

// activation is whatever activateScope hands back for a running scope,
// local or relay — Service only needs to be able to tear it down.
type activation interface {
	close() error
}

// Service is the server façade (§6 "Server façade operations"): it owns the
// scope registry, the protocol engine, the DNS updater, and the maintenance
// loop, and is the only thing that ever activates or deactivates a socket.
// Scopes do not reference the server back (§9 "Cyclic references").
type Service struct {
	mu sync.RWMutex

	state     atomic.Int32
	configDir string

	registry    *scopeRegistry
	engine      *Engine
	dns         *DNSUpdater
	maintenance *maintenanceLoop
	dispatcher  Dispatcher
	metrics     MetricsSink

	active map[string]activation // scope name -> running activation

	// AuthoritativeZoneRoot is mutable per §6; nil makes DNS updates no-ops.
	AuthoritativeZoneRoot ZoneRoot
	// LogManager is the mutable logger handle named in §6.
	LogManager *logging.Logger

	serverName string
}

// NewService constructs a Service rooted at configDir, creating it if
// absent (§6 "Environment"). metrics may be nil.
func NewService(configDir, serverName string, metrics MetricsSink) (*Service, error) {
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "creating config dir "+configDir)
	}
	if metrics == nil {
		metrics = noopMetricsSink{}
	}

	reg := newScopeRegistry()
	engine := NewEngine(reg, metrics)
	dns := NewDNSUpdater(nil, serverName)
	logger := logging.WithComponent("dhcp4.service")

	s := &Service{
		configDir:  configDir,
		registry:   reg,
		engine:     engine,
		dns:        dns,
		dispatcher: NewWorkerPool(0, 0),
		metrics:    metrics,
		active:     make(map[string]activation),
		LogManager: logger,
		serverName: serverName,
	}
	s.maintenance = newMaintenanceLoop(reg, dns, s, metrics)
	return s, nil
}

// scopeFilePath returns the on-disk path for a scope named name (§6).
func (s *Service) scopeFilePath(name string) string {
	return filepath.Join(s.configDir, name+".scope")
}

// PersistScope implements ScopePersister for the maintenance loop.
func (s *Service) PersistScope(scope *Scope) error {
	return SaveScopeFile(s.scopeFilePath(scope.Name), scope)
}

// Start loads every *.scope file under configDir, activates the enabled
// ones, and arms the maintenance loop. Fails if already running or
// disposed (§6).
func (s *Service) Start() error {
	if !s.state.CompareAndSwap(int32(stateStopped), int32(stateRunning)) {
		return errors.New(errors.KindConflict, "dhcp4: service already running or disposed")
	}

	entries, err := os.ReadDir(s.configDir)
	if err != nil {
		s.state.Store(int32(stateStopped))
		return errors.Wrap(err, errors.KindInternal, "reading config dir "+s.configDir)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".scope" {
			continue
		}
		path := filepath.Join(s.configDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.LogManager.WithError(err).Warn("failed to read scope file", "path", path)
			continue
		}
		scope, err := DecodeScopeFile(data)
		if err != nil {
			s.LogManager.WithError(err).Warn("failed to decode scope file", "path", path)
			continue
		}
		scope.logger = logging.WithComponent("dhcp4.scope").With("scope", scope.Name)
		if scope.PingCheckTimeout > 0 {
			scope.pinger = NewICMPPinger()
		}
		if err := s.registry.insertIfAbsent(scope); err != nil {
			s.LogManager.WithError(err).Warn("duplicate scope on load, skipping", "scope", scope.Name)
			continue
		}
		if scope.Enabled {
			if err := s.activate(scope); err != nil {
				s.LogManager.WithError(err).Error("failed to activate scope on start", "scope", scope.Name)
			}
		}
	}

	s.dns.Root = s.AuthoritativeZoneRoot
	s.maintenance.Start()
	return nil
}

// Stop deactivates every running scope and halts the maintenance loop.
func (s *Service) Stop() error {
	if !s.state.CompareAndSwap(int32(stateRunning), int32(stateStopped)) {
		return nil
	}

	s.maintenance.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, a := range s.active {
		if err := a.close(); err != nil {
			s.LogManager.WithError(err).Warn("failed to close listener on stop", "scope", name)
		}
		delete(s.active, name)
	}
	return nil
}

// AddScope registers scope, persists it, and activates it if enabled.
func (s *Service) AddScope(scope *Scope) error {
	if err := s.registry.insertIfAbsent(scope); err != nil {
		return err
	}
	if err := s.PersistScope(scope); err != nil {
		s.LogManager.WithError(err).Warn("failed to persist new scope", "scope", scope.Name)
	}
	if scope.Enabled && s.state.Load() == int32(stateRunning) {
		if err := s.activate(scope); err != nil {
			return err
		}
	}
	return nil
}

// GetScope returns the scope named name, or (nil, false).
func (s *Service) GetScope(name string) (*Scope, bool) {
	return s.registry.get(name)
}

// Scopes returns a read-only snapshot of every registered scope (§6).
func (s *Service) Scopes() []*Scope {
	return s.registry.snapshot()
}

// RenameScope renames a scope, per the resolved open question: missing
// source is NotFound, an existing target is Conflict.
func (s *Service) RenameScope(oldName, newName string) error {
	if err := s.registry.rename(oldName, newName); err != nil {
		return err
	}

	s.mu.Lock()
	if a, ok := s.active[oldName]; ok {
		delete(s.active, oldName)
		s.active[newName] = a
	}
	s.mu.Unlock()

	oldPath := s.scopeFilePath(oldName)
	scope, _ := s.registry.get(newName)
	if scope != nil {
		if err := s.PersistScope(scope); err != nil {
			s.LogManager.WithError(err).Warn("failed to persist renamed scope", "scope", newName)
		}
	}
	if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		s.LogManager.WithError(err).Warn("failed to remove old scope file", "path", oldPath)
	}
	return nil
}

// DeleteScope deactivates (if running) and removes scope, deleting its
// on-disk file.
func (s *Service) DeleteScope(name string) error {
	if _, ok := s.registry.remove(name); !ok {
		return errors.Errorf(errors.KindNotFound, "scope %q does not exist", name)
	}

	s.mu.Lock()
	a, running := s.active[name]
	delete(s.active, name)
	s.mu.Unlock()
	if running {
		if err := a.close(); err != nil {
			s.LogManager.WithError(err).Warn("failed to close listener on delete", "scope", name)
		}
	}

	path := s.scopeFilePath(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.KindInternal, "removing scope file "+path)
	}
	return nil
}

// EnableScope activates then persists, per §6's contract.
func (s *Service) EnableScope(name string) error {
	scope, ok := s.registry.get(name)
	if !ok {
		return errors.Errorf(errors.KindNotFound, "scope %q does not exist", name)
	}

	scope.mu.Lock()
	scope.Enabled = true
	scope.mu.Unlock()

	if s.state.Load() == int32(stateRunning) {
		if err := s.activate(scope); err != nil {
			return err
		}
	}
	return s.PersistScope(scope)
}

// DisableScope deactivates then persists, per §6's contract.
func (s *Service) DisableScope(name string) error {
	scope, ok := s.registry.get(name)
	if !ok {
		return errors.Errorf(errors.KindNotFound, "scope %q does not exist", name)
	}

	scope.mu.Lock()
	scope.Enabled = false
	scope.mu.Unlock()

	s.mu.Lock()
	a, running := s.active[name]
	delete(s.active, name)
	s.mu.Unlock()
	if running {
		if err := a.close(); err != nil {
			s.LogManager.WithError(err).Warn("failed to close listener on disable", "scope", name)
		}
	}

	return s.PersistScope(scope)
}

// GetAddressClientMap implements §6: every leased address across every
// scope mapped to its client hostname (empty string if unresolved).
func (s *Service) GetAddressClientMap() map[string]string {
	out := make(map[string]string)
	for _, scope := range s.registry.snapshot() {
		for _, lease := range scope.snapshotLeases() {
			out[lease.Address.String()] = lease.HostName
		}
	}
	return out
}

// activate binds scope's socket (or relay handler) and wires it into the
// engine/DNS updater, recording the activation so Stop/Disable/Delete can
// guarantee release on every exit path (§9 "Scoped socket lifecycle").
func (s *Service) activate(scope *Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[scope.Name]; ok {
		return nil
	}

	var a activation
	var err error
	if len(scope.RelayTo) > 0 {
		a, err = s.activateRelay(scope)
	} else {
		a, err = s.activateLocal(scope)
	}
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "activating scope "+scope.Name)
	}

	s.active[scope.Name] = a
	return nil
}

// localActivation wraps a ListenerHandle driven by the protocol engine.
type localActivation struct {
	handle *ListenerHandle
}

func (a *localActivation) close() error { return a.handle.Close() }

func (s *Service) activateLocal(scope *Scope) (activation, error) {
	handle, err := activateScope(scope, s.dispatcher, func(m *dhcpv4.DHCPv4, remoteEP, interfaceEP Endpoint) {
		reply, dnsAction := s.engine.Handle(m, remoteEP, interfaceEP)
		if reply != nil {
			dest := &net.UDPAddr{IP: reply.Dest.IP, Port: reply.Dest.Port}
			conn := handleSocketOf(handle)
			if _, err := conn.WriteTo(reply.Bytes, dest); err != nil {
				s.LogManager.WithError(err).Warn("failed to write reply", "scope", scope.Name, "dest", dest)
			}
		}
		if dnsAction != nil {
			s.dns.Apply(dnsAction)
		}
		s.metrics.SetActiveLeases(scope.Name, len(scope.snapshotLeases()))
	})
	if err != nil {
		return nil, err
	}
	return &localActivation{handle: handle}, nil
}

// handleSocketOf exposes the underlying conn for reply writes. ListenerHandle
// keeps it unexported since only the receive loop needs it internally; the
// façade is the one other caller, so it reaches in directly rather than
// growing a public accessor nothing else would use.
func handleSocketOf(h *ListenerHandle) net.PacketConn {
	return h.socket.conn
}

// relayActivation wraps the pass-through relay sockets (§4.3 supplement).
type relayActivation struct {
	clientSocket *boundSocket
	clientConn   net.PacketConn
	upstreamConn net.PacketConn
	stop         chan struct{}
}

func (a *relayActivation) close() error {
	close(a.stop)
	err1 := a.clientSocket.release()
	err2 := a.upstreamConn.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *Service) activateRelay(scope *Scope) (activation, error) {
	handler, err := NewRelayHandler(scope)
	if err != nil {
		return nil, err
	}

	clientSocket, err := bindSocket(scope)
	if err != nil {
		return nil, err
	}
	upstreamConn, err := newUpstreamConn()
	if err != nil {
		clientSocket.release()
		return nil, err
	}

	a := &relayActivation{
		clientSocket: clientSocket,
		clientConn:   clientSocket.conn,
		upstreamConn: upstreamConn,
		stop:         make(chan struct{}),
	}

	go s.relayClientLoop(scope, handler, a)
	go s.relayUpstreamLoop(scope, handler, a)

	return a, nil
}

// newUpstreamConn binds a dedicated 0.0.0.0:67 socket for receiving relay
// replies, separate from the any-listener refcount since a relay scope's
// upstream traffic is never shared with a local-allocation scope.
func newUpstreamConn() (net.PacketConn, error) {
	return server4.NewIPv4UDPConn("", &net.UDPAddr{IP: net.IPv4zero, Port: dhcpPort})
}

func (s *Service) relayClientLoop(scope *Scope, handler *RelayHandler, a *relayActivation) {
	logger := logging.WithComponent("dhcp4.relay").With("scope", scope.Name)
	buf := make([]byte, recvBufferSize)
	for {
		select {
		case <-a.stop:
			return
		default:
		}
		n, _, err := a.clientConn.ReadFrom(buf)
		if err != nil {
			if isClosedConnError(err) {
				return
			}
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])

		s.dispatcher.Submit(func() {
			m, err := dhcpv4.FromBytes(payload)
			if err != nil {
				return
			}
			forwarded := handler.HandleClientPacket(m)
			if forwarded == nil {
				return
			}
			for _, target := range handler.targets {
				if _, err := a.upstreamConn.WriteTo(forwarded, target); err != nil {
					logger.WithError(err).Warn("failed to forward to relay target", "target", target)
				}
			}
		})
	}
}

func (s *Service) relayUpstreamLoop(scope *Scope, handler *RelayHandler, a *relayActivation) {
	buf := make([]byte, recvBufferSize)
	for {
		select {
		case <-a.stop:
			return
		default:
		}
		n, _, err := a.upstreamConn.ReadFrom(buf)
		if err != nil {
			if isClosedConnError(err) {
				return
			}
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])

		s.dispatcher.Submit(func() {
			m, err := dhcpv4.FromBytes(payload)
			if err != nil {
				return
			}
			handler.HandleServerPacket(a.clientConn, m)
		})
	}
}
