// Package planner is the single driver loop of the core: it wakes only
// when work is due, picks a bounded batch, dispatches each entry to a
// handler keyed on its (integrity, processed) state, and persists the
// resulting decision transactionally. No busy polling — the loop sleeps
// until the earliest next_check_at or until a discovery wake signal.
package planner

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/standardbeagle/mediastate/internal/adapters"
	"github.com/standardbeagle/mediastate/internal/clock"
	"github.com/standardbeagle/mediastate/internal/config"
	mserrors "github.com/standardbeagle/mediastate/internal/errors"
	"github.com/standardbeagle/mediastate/internal/logging"
	"github.com/standardbeagle/mediastate/internal/machine"
	"github.com/standardbeagle/mediastate/internal/metrics"
	"github.com/standardbeagle/mediastate/internal/model"
	"github.com/standardbeagle/mediastate/internal/store"
)

// Planner owns one tick-at-a-time driver loop against a Store.
type Planner struct {
	store   *store.Store
	cfg     *config.Config
	clock   clock.Clock
	metrics *metrics.Registry

	integrity adapters.IntegrityChecker
	audio     adapters.AudioProbe
	converter adapters.Converter

	owner string
	wake  chan struct{}
	log   *zap.Logger
}

// New builds a Planner over the given collaborators. owner identifies this
// process in lease rows (hostname-pid is typical).
func New(s *store.Store, cfg *config.Config, c clock.Clock, m *metrics.Registry, integrity adapters.IntegrityChecker, audio adapters.AudioProbe, converter adapters.Converter) *Planner {
	hostname, _ := os.Hostname()
	return &Planner{
		store:     s,
		cfg:       cfg,
		clock:     c,
		metrics:   m,
		integrity: integrity,
		audio:     audio,
		converter: converter,
		owner:     hostname,
		wake:      make(chan struct{}, 1),
		log:       logging.For("planner"),
	}
}

// Wake signals the planner that new work may be due, short-circuiting its
// sleep. Non-blocking: a pending signal is coalesced.
func (p *Planner) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// TickResult summarizes one planner cycle, returned by ProcessPending.
type TickResult struct {
	Count       int
	PerOutcome  map[string]int
}

// Tick runs exactly one cycle: pick due work, dispatch handlers up to
// parallelism, persist decisions, record metrics. It never blocks waiting
// for new work — an empty batch returns immediately.
func (p *Planner) Tick(ctx context.Context) (TickResult, error) {
	now := p.clock.Now()
	p.metrics.CyclesRun.Inc()

	if n, err := p.store.ReclaimExpiredLeases(ctx, now); err == nil && n > 0 {
		p.metrics.LeaseExpired.Add(float64(n))
		p.log.Info("reclaimed expired leases", zap.Int64("count", n))
	}

	batch, err := p.store.PickDue(ctx, now, p.cfg.Schedule.BatchSize, p.owner, time.Duration(p.cfg.Schedule.LeaseTTLSec)*time.Second)
	if err != nil {
		return TickResult{}, err
	}
	p.metrics.DuePicked.Add(float64(len(batch)))

	result := TickResult{PerOutcome: map[string]int{}}
	if len(batch) == 0 {
		return result, nil
	}

	sem := semaphore.NewWeighted(int64(p.cfg.Schedule.Parallelism))
	outcomes := make(chan string, len(batch))

	for _, entry := range batch {
		entry := entry
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		go func() {
			defer sem.Release(1)
			outcomes <- p.handle(ctx, entry, now)
		}()
	}

	// Drain exactly len(batch) outcomes; handlers that never launched due
	// to context cancellation are accounted as "skipped".
	launched := 0
	for range batch {
		select {
		case o := <-outcomes:
			result.PerOutcome[o]++
			launched++
		case <-ctx.Done():
			result.PerOutcome["skipped"]++
		}
	}
	result.Count = launched

	_ = sem.Acquire(context.Background(), int64(p.cfg.Schedule.Parallelism)) // wait for all releases
	sem.Release(int64(p.cfg.Schedule.Parallelism))

	return result, nil
}

// handle dispatches a single entry to its handler and persists the
// resulting decision. It always returns an outcome label for metrics, even
// on failure, and never panics: handler errors are logged and nothing is
// written, so the entry keeps its lease and is picked again once the lease
// has expired and been reclaimed.
func (p *Planner) handle(ctx context.Context, entry model.FileEntry, now time.Time) string {
	start := time.Now()
	handlerName, event, err := p.dispatch(ctx, entry)
	if err != nil {
		p.log.Error("handler failed", zap.String("path", entry.Path), zap.String("handler", handlerName), zap.Error(err))
		p.metrics.ObserveHandler(handlerName, "handler_error", start)
		return "handler_error"
	}

	// A vanished path (statHandler's ERROR event) is marked terminal
	// IGNORED directly: Step accepts integrity verdicts only from PENDING.
	if handlerName == "stat" && event.Kind == machine.IntegrityVerdictEvent {
		if err := p.store.MarkTerminal(ctx, now, entry.Path, model.ProcessedIgnored); err != nil {
			p.log.Error("mark terminal failed", zap.String("path", entry.Path), zap.Error(err))
			p.metrics.ObserveHandler(handlerName, "apply_error", start)
			return "apply_error"
		}
		p.metrics.ObserveHandler(handlerName, "ok", start)
		return "ok"
	}

	dec, err := machine.Step(entry, event, now, p.cfg)
	if err != nil {
		var invErr *mserrors.InvariantError
		if ok := asInvariant(err, &invErr); ok {
			p.log.Error("illegal transition rejected", zap.String("path", entry.Path), zap.Error(invErr))
		}
		p.metrics.ObserveHandler(handlerName, "invariant_rejected", start)
		return "invariant_rejected"
	}

	upd := p.decisionToUpdate(entry, dec, now)
	if err := p.store.Apply(ctx, now, upd); err != nil {
		p.log.Error("apply failed", zap.String("path", entry.Path), zap.Error(err))
		p.metrics.ObserveHandler(handlerName, "apply_error", start)
		return "apply_error"
	}

	p.metrics.ObserveHandler(handlerName, "ok", start)
	return "ok"
}

func asInvariant(err error, target **mserrors.InvariantError) bool {
	if ie, ok := err.(*mserrors.InvariantError); ok {
		*target = ie
		return true
	}
	return false
}

// Sleep blocks until the earliest known next_check_at, a Wake signal, or
// ctx cancellation, whichever comes first, bounded below by
// min_sleep_sec so a record scheduled for "now" does not cause a tight
// loop across many empty ticks.
func (p *Planner) Sleep(ctx context.Context, earliest *time.Time) {
	wait := time.Duration(p.cfg.Schedule.MinSleepSec) * time.Second
	if earliest != nil {
		if d := earliest.Sub(p.clock.Now()); d > wait {
			wait = d
		}
	}
	select {
	case <-p.clock.After(wait):
	case <-p.wake:
	case <-ctx.Done():
	}
}
