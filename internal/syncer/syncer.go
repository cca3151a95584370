// Package syncer runs the recurring fetch-merge-persist loop. Each
// cycle fetches the trailing window of recovery, sleep, and strain
// records concurrently, merges them into the cycle store keyed by the
// provider's cycle id, and reports an Outcome to the caller.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	errs "github.com/alexjbarnes/biosync/internal/errors"
	"github.com/alexjbarnes/biosync/internal/store"
	"github.com/alexjbarnes/biosync/internal/whoop"
)

// dateFormat is the calendar-day form cycles are bucketed by.
const dateFormat = "2006-01-02"

// Fetcher is the slice of the API client the syncer depends on.
type Fetcher interface {
	FetchRecovery(ctx context.Context, q whoop.Query) (*whoop.RecoveryPage, error)
	FetchSleep(ctx context.Context, q whoop.Query) (*whoop.SleepPage, error)
	FetchStrain(ctx context.Context, q whoop.Query) (*whoop.StrainPage, error)
}

// Config holds the sync schedule.
type Config struct {
	// Interval is the sleep between sync cycles.
	Interval time.Duration

	// Window is the trailing fetch window. Always re-fetching the full
	// window keeps the in-progress cycle fresh even when earlier runs
	// already stored it.
	Window time.Duration
}

// Manager owns the sync loop. All loop state is guarded by mu; at most
// one loop runs at a time.
type Manager struct {
	client Fetcher
	store  *store.Store
	cfg    Config
	logger *slog.Logger

	// now is injectable for window and timestamp tests.
	now func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a sync manager. The loop is not started until
// StartSync is called.
func NewManager(client Fetcher, st *store.Store, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		client: client,
		store:  st,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// StartSync launches the recurring loop: sync immediately, report the
// outcome, sleep for the configured interval, repeat. Starting always
// supersedes: any previous loop is cancelled and awaited first. The
// loop stops on its own when a cycle ends with an expired session.
func (m *Manager) StartSync(ctx context.Context, onStatus func(Outcome)) {
	m.mu.Lock()
	if m.cancel != nil {
		cancel, done := m.cancel, m.done
		m.mu.Unlock()

		cancel()
		<-done

		m.mu.Lock()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.run(loopCtx, done, onStatus)
}

// StopSync cancels the active loop and waits for it to exit.
// Idempotent.
func (m *Manager) StopSync() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}

func (m *Manager) run(ctx context.Context, done chan struct{}, onStatus func(Outcome)) {
	defer close(done)

	for {
		onStatus(syncing())

		out := m.PerformSync(ctx)
		if ctx.Err() != nil {
			// Cancelled mid-sync; no further callback.
			return
		}

		onStatus(out)

		if out.Kind == KindSessionExpired {
			m.logger.Warn("session expired, stopping sync loop")

			return
		}

		timer := time.NewTimer(m.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()

			return
		case <-timer.C:
		}
	}
}

// PerformSync runs one fetch-merge-persist cycle over the trailing
// window and returns the outcome. Failures never propagate as errors:
// a dead session maps to sessionExpired, everything else to a
// transientError the next tick will retry.
func (m *Manager) PerformSync(ctx context.Context) Outcome {
	start := m.now()

	q := whoop.Query{
		Start: start.Add(-m.cfg.Window),
		End:   start,
	}

	var (
		recoveries []whoop.RecoveryRecord
		sleeps     []whoop.SleepRecord
		strains    []whoop.StrainRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		recoveries, err = m.drainRecovery(gctx, q)

		return err
	})
	g.Go(func() error {
		var err error
		sleeps, err = m.drainSleep(gctx, q)

		return err
	})
	g.Go(func() error {
		var err error
		strains, err = m.drainStrain(gctx, q)

		return err
	})

	if err := g.Wait(); err != nil {
		return m.classifyFailure(err)
	}

	updated, err := m.merge(strains, recoveries, sleeps)
	if err != nil {
		return m.classifyFailure(err)
	}

	finished := m.now()
	if err := m.store.SetLastSync(store.LastSync{Time: finished, RecordsUpdated: updated}); err != nil {
		m.logger.Warn("recording last sync failed", slog.String("error", err.Error()))
	}

	m.logger.Info("sync complete",
		slog.Int("records_updated", updated),
		slog.Duration("took", finished.Sub(start)),
	)

	return synced(finished, updated)
}

func (m *Manager) classifyFailure(err error) Outcome {
	if errors.Is(err, errs.ErrSessionExpired) || errors.Is(err, errs.ErrUnauthorized) {
		return sessionExpired(err)
	}

	m.logger.Warn("sync cycle failed", slog.String("error", err.Error()))

	return transientError(err)
}

// --- paginated fetch draining ---

func (m *Manager) drainRecovery(ctx context.Context, q whoop.Query) ([]whoop.RecoveryRecord, error) {
	var records []whoop.RecoveryRecord

	for {
		page, err := m.client.FetchRecovery(ctx, q)
		if err != nil {
			return nil, err
		}

		records = append(records, page.Records...)
		if page.NextToken == "" {
			return records, nil
		}

		q.NextToken = page.NextToken
	}
}

func (m *Manager) drainSleep(ctx context.Context, q whoop.Query) ([]whoop.SleepRecord, error) {
	var records []whoop.SleepRecord

	for {
		page, err := m.client.FetchSleep(ctx, q)
		if err != nil {
			return nil, err
		}

		records = append(records, page.Records...)
		if page.NextToken == "" {
			return records, nil
		}

		q.NextToken = page.NextToken
	}
}

func (m *Manager) drainStrain(ctx context.Context, q whoop.Query) ([]whoop.StrainRecord, error) {
	var records []whoop.StrainRecord

	for {
		page, err := m.client.FetchStrain(ctx, q)
		if err != nil {
			return nil, err
		}

		records = append(records, page.Records...)
		if page.NextToken == "" {
			return records, nil
		}

		q.NextToken = page.NextToken
	}
}

// --- merge ---

// merge overlays the fetched records onto cycle rows and commits them
// in one transaction. Idempotent: rows are keyed by cycle id, so
// re-running with overlapping windows restamps the same rows. Returns
// the number of cycles touched by the strain pass.
func (m *Manager) merge(strains []whoop.StrainRecord, recoveries []whoop.RecoveryRecord, sleeps []whoop.SleepRecord) (int, error) {
	batch := m.store.NewBatch()
	fetchedAt := m.now()

	touched := make(map[int64]struct{}, len(strains))

	for _, r := range strains {
		c, err := batch.FindOrCreate(r.CycleID)
		if err != nil {
			return 0, err
		}

		c.Date = r.Start.UTC().Format(dateFormat)
		c.Strain = &store.StrainMetrics{
			ScoreState:   r.ScoreState,
			Strain:       r.Strain,
			Kilojoules:   r.Kilojoules,
			AvgHeartRate: r.AvgHeartRate,
			MaxHeartRate: r.MaxHeartRate,
		}
		c.FetchedAt = fetchedAt
		touched[r.CycleID] = struct{}{}
	}

	for _, r := range recoveries {
		c, err := batch.FindOrCreate(r.CycleID)
		if err != nil {
			return 0, err
		}

		c.Recovery = &store.RecoveryMetrics{
			ScoreState:       r.ScoreState,
			Score:            r.Score,
			RestingHeartRate: r.RestingHeartRate,
			HRVMilli:         r.HRVMilli,
			SpO2:             r.SpO2,
		}
		c.FetchedAt = fetchedAt
	}

	for _, r := range sleeps {
		if r.Nap {
			continue
		}

		c, err := m.sleepCycle(batch, r)
		if err != nil {
			return 0, err
		}
		if c == nil {
			m.logger.Debug("no cycle for sleep record, skipping",
				slog.String("sleep_id", r.SleepID),
				slog.String("end", r.End.Format(time.RFC3339)),
			)

			continue
		}

		c.Sleep = &store.SleepMetrics{
			SleepID:         r.SleepID,
			ScoreState:      r.ScoreState,
			Performance:     r.Performance,
			Efficiency:      r.Efficiency,
			Consistency:     r.Consistency,
			RespiratoryRate: r.RespiratoryRate,
		}
		c.FetchedAt = fetchedAt
	}

	if err := batch.Commit(); err != nil {
		return 0, err
	}

	return len(touched), nil
}

// sleepCycle resolves the cycle row a sleep record belongs to: by its
// cycle id when the API supplied one, otherwise by matching the sleep
// end against the calendar day of an existing cycle. Nil means no
// match; the record is skipped rather than given a row of its own.
func (m *Manager) sleepCycle(batch *store.Batch, r whoop.SleepRecord) (*store.Cycle, error) {
	if r.CycleID != 0 {
		return batch.FindOrCreate(r.CycleID)
	}

	return batch.FindByDate(r.End.UTC().Format(dateFormat))
}
