package dhcp4

import (
	"net"
	"sync"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"grimm.is/flywall/internal/errors"
)

// scopeRegistry is the concurrent name -> *Scope mapping called out in
// SPEC_FULL.md §9's "Concurrent scope map" design note: many readers (every
// inbound datagram resolves a scope), rare writers (admin add/rename/delete).
// Backed by a single RWMutex rather than a sharded map — this workload is
// reader-heavy but low-cardinality (tens of scopes, not thousands), so
// sharding would add complexity without a measurable win.
type scopeRegistry struct {
	mu     sync.RWMutex
	byName map[string]*Scope
}

func newScopeRegistry() *scopeRegistry {
	return &scopeRegistry{byName: make(map[string]*Scope)}
}

// insertIfAbsent adds s under s.Name iff no scope with that name, and no
// scope with the same address range, already exists. Returns DuplicateScope
// (§7) on either collision.
func (r *scopeRegistry) insertIfAbsent(s *Scope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[s.Name]; ok {
		return errors.Errorf(errors.KindConflict, "scope %q already exists", s.Name)
	}
	for _, existing := range r.byName {
		if existing.SameRange(s) {
			return errors.Errorf(errors.KindConflict, "scope %q has the same range as %q", s.Name, existing.Name)
		}
	}
	r.byName[s.Name] = s
	return nil
}

// get returns the scope named name, or (nil, false).
func (r *scopeRegistry) get(name string) (*Scope, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// remove deletes the scope named name, returning it if present.
func (r *scopeRegistry) remove(name string) (*Scope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byName[name]
	if ok {
		delete(r.byName, name)
	}
	return s, ok
}

// rename moves a scope from oldName to newName. Per DESIGN.md's resolution
// of the RenameScope open question: missing source is KindNotFound, existing
// target is KindConflict — never the inverted condition the original read as.
func (r *scopeRegistry) rename(oldName, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byName[oldName]
	if !ok {
		return errors.Errorf(errors.KindNotFound, "scope %q does not exist", oldName)
	}
	if _, exists := r.byName[newName]; exists {
		return errors.Errorf(errors.KindConflict, "scope %q already exists", newName)
	}

	delete(r.byName, oldName)
	s.Name = newName
	r.byName[newName] = s
	return nil
}

// snapshot returns a stable slice of all scopes at the time of the call, for
// iteration without holding the lock (the maintenance loop and
// GetAddressClientMap both rely on this).
func (r *scopeRegistry) snapshot() []*Scope {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Scope, 0, len(r.byName))
	for _, s := range r.byName {
		out = append(out, s)
	}
	return out
}

// findScope implements §4.5 find_scope: locate the scope whose
// interface_address matches interfaceAddr and whose subnet or address range
// contains the candidate address derived from giaddr/ciaddr per RFC 2131
// §4.1. A scope on 0.0.0.0 matches a broadcast request arriving on the
// any-listener (candidate 0.0.0.0) without a range check.
func (r *scopeRegistry) findScope(m *dhcpv4.DHCPv4, remoteAddr, interfaceAddr net.IP) (*Scope, bool) {
	candidate, ok := candidateAddress(m, remoteAddr, interfaceAddr)
	if !ok {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.byName {
		if !s.InterfaceAddress.Equal(interfaceAddr) {
			continue
		}
		if s.InterfaceAddress.Equal(net.IPv4zero) && candidate.Equal(net.IPv4zero) {
			return s, true
		}
		masked := candidate.To4().Mask(s.SubnetMask)
		if s.IsAddressInRange(candidate) || (masked != nil && masked.Equal(s.Start.To4().Mask(s.SubnetMask))) {
			return s, true
		}
	}
	return nil, false
}

// candidateAddress derives the lookup address for find_scope per §4.5.
func candidateAddress(m *dhcpv4.DHCPv4, remoteAddr, interfaceAddr net.IP) (net.IP, bool) {
	zero := net.IPv4zero
	if m.GatewayIPAddr == nil || m.GatewayIPAddr.Equal(zero) {
		if m.ClientIPAddr == nil || m.ClientIPAddr.Equal(zero) {
			return interfaceAddr, true
		}
		if !remoteAddr.Equal(m.ClientIPAddr) {
			return nil, false
		}
		return m.ClientIPAddr, true
	}
	if !remoteAddr.Equal(m.GatewayIPAddr) {
		return nil, false
	}
	return m.GatewayIPAddr, true
}
