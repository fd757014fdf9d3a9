package dhcp4

import (
	"context"
	"sync"
	"time"

	"grimm.is/flywall/internal/clock"
	"grimm.is/flywall/internal/logging"
)

// maintenanceInterval is the fixed tick period from §4.7.
const maintenanceInterval = 10 * time.Second

// ScopePersister is implemented by the server façade: it writes a scope's
// current state to its .scope file (§6) and is retried next tick on failure
// per §7's PersistenceError policy.
type ScopePersister interface {
	PersistScope(s *Scope) error
}

// maintenanceLoop is the §4.7/§9 self-rescheduling timer: one goroutine,
// guarded against re-entry, that sweeps every scope for expired offers and
// leases and persists anything modified since the last save.
type maintenanceLoop struct {
	registry  *scopeRegistry
	dns       *DNSUpdater
	persister ScopePersister
	metrics   MetricsSink
	clock     clock.Clock
	logger    *logging.Logger

	// persisted tracks, per scope, the timestamp of its last successful
	// PersistScope call. A scope is due for persisting whenever its
	// LastModified() is after its own entry here — not a single loop-wide
	// watermark, so a scope whose persist fails stays due on every
	// subsequent tick until it actually succeeds, regardless of whether it
	// was modified again in the meantime (§7 PersistenceError retry).
	persisted map[string]time.Time
	mu        sync.Mutex // guards against overlapping ticks, per §9

	cancel context.CancelFunc
	done   chan struct{}
}

func newMaintenanceLoop(reg *scopeRegistry, dns *DNSUpdater, persister ScopePersister, metrics MetricsSink) *maintenanceLoop {
	if metrics == nil {
		metrics = noopMetricsSink{}
	}
	return &maintenanceLoop{
		registry:  reg,
		dns:       dns,
		persister: persister,
		metrics:   metrics,
		clock:     clock.Real{},
		logger:    logging.WithComponent("dhcp4.maintenance"),
		persisted: make(map[string]time.Time),
	}
}

// Start arms the self-rescheduling timer. Stop halts it before the caller
// tears down listener sockets, per §5's cancellation ordering.
func (l *maintenanceLoop) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(maintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.tick()
			}
		}
	}()
}

// Stop halts the timer and waits for any in-flight tick to finish.
func (l *maintenanceLoop) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
}

// tick runs one maintenance pass. The mutex forbids overlapping ticks, per
// §9's "Timer self-rescheduling" note — a slow persist should delay the next
// tick rather than run concurrently with it.
func (l *maintenanceLoop) tick() {
	l.mu.Lock()
	defer l.mu.Unlock()

	scopes := l.registry.snapshot()

	totalExpired := 0
	for _, s := range scopes {
		s.RemoveExpiredOffers()
		expiredLeases := s.RemoveExpiredLeases()
		for _, lease := range expiredLeases {
			if l.dns != nil {
				l.dns.Apply(&DNSAction{Mode: DNSModeRemove, Scope: s, Lease: lease})
			}
		}
		totalExpired += len(expiredLeases)
	}
	if totalExpired > 0 {
		l.metrics.IncExpired(totalExpired)
	}

	now := l.clock.Now()
	for _, s := range scopes {
		if !s.LastModified().After(l.persisted[s.Name]) {
			continue
		}
		if l.persister == nil {
			continue
		}
		if err := l.persister.PersistScope(s); err != nil {
			// Leave l.persisted[s.Name] untouched: the scope stays due on
			// every subsequent tick until a persist actually succeeds,
			// whether or not it's modified again in the meantime.
			l.logger.WithError(err).Warn("failed to persist scope, will retry", "scope", s.Name)
			continue
		}
		l.persisted[s.Name] = now
	}
}
