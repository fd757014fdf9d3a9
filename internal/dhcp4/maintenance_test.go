package dhcp4

import (
	"net"
	"testing"
	"time"

	"grimm.is/flywall/internal/errors"
)

// fakePersister lets tests script PersistScope failures per call, and
// counts how many times each scope name was actually persisted.
type fakePersister struct {
	fail  map[string]int // remaining failures to inject, by scope name
	calls map[string]int
}

func newFakePersister() *fakePersister {
	return &fakePersister{fail: make(map[string]int), calls: make(map[string]int)}
}

func (p *fakePersister) PersistScope(s *Scope) error {
	p.calls[s.Name]++
	if p.fail[s.Name] > 0 {
		p.fail[s.Name]--
		return errors.New(errors.KindUnavailable, "injected persist failure")
	}
	return nil
}

// TestMaintenanceLoopRetriesOnlyFailedScopePersist is the regression test
// for the per-scope dirty-tracking fix: a scope whose PersistScope fails
// must be retried on the very next tick even though nothing modified it
// again in between, while a scope that already persisted successfully must
// not be re-persisted absent a new modification.
func TestMaintenanceLoopRetriesOnlyFailedScopePersist(t *testing.T) {
	okScope, fake := newTestScope(t)
	okScope.Name = "ok"
	okScope.markModified()

	badScope, _ := newTestScope(t)
	badScope.Name = "bad"
	badScope.InterfaceAddress = net.IPv4(192, 168, 2, 1)
	badScope.Start = net.IPv4(192, 168, 2, 10)
	badScope.End = net.IPv4(192, 168, 2, 20)
	badScope.SetClock(fake)
	badScope.markModified()

	reg := newScopeRegistry()
	if err := reg.insertIfAbsent(okScope); err != nil {
		t.Fatalf("insertIfAbsent(ok): %v", err)
	}
	if err := reg.insertIfAbsent(badScope); err != nil {
		t.Fatalf("insertIfAbsent(bad): %v", err)
	}

	persister := newFakePersister()
	persister.fail["bad"] = 1 // fails first attempt, succeeds second

	loop := newMaintenanceLoop(reg, nil, persister, nil)
	loop.clock = fake

	loop.tick()
	if persister.calls["ok"] != 1 {
		t.Fatalf("expected ok scope persisted once on first tick, got %d", persister.calls["ok"])
	}
	if persister.calls["bad"] != 1 {
		t.Fatalf("expected bad scope attempted once on first tick, got %d", persister.calls["bad"])
	}

	fake.Advance(time.Second) // no new modifications to either scope

	loop.tick()
	if persister.calls["ok"] != 1 {
		t.Fatalf("ok scope must not be re-persisted without a new modification, got %d calls", persister.calls["ok"])
	}
	if persister.calls["bad"] != 2 {
		t.Fatalf("bad scope must be retried on the next tick after a failed persist, got %d calls", persister.calls["bad"])
	}
}
