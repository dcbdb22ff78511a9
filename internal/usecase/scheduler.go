package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"CandlePull/internal/domain/models"
	domrepo "CandlePull/internal/domain/repository"
	applogger "CandlePull/pkg/logger"
)

// ScheduleState is the derived cursor of one watched key. NextExpectedCloseAt is
// always the boundary one candle after LastClosedOpenTime.
type ScheduleState struct {
	LastClosedOpenTime  time.Time `json:"last_closed_open_time"`
	NextExpectedCloseAt time.Time `json:"next_expected_close_at"`
	Bootstrapped        bool      `json:"bootstrapped"`
	Generation          uint64    `json:"generation"`
}

func (s *ScheduleState) advance(tf models.Timeframe, openTime time.Time) {
	s.LastClosedOpenTime = openTime
	s.NextExpectedCloseAt = tf.Next(openTime)
}

// SchedulerConfig holds the timing policy of the control loop.
type SchedulerConfig struct {
	Tick              time.Duration
	FinalityDelay     time.Duration
	RetryDelay        time.Duration
	RateLimitCooldown time.Duration
	FetchTimeout      time.Duration
	Workers           int
	BootstrapLimit    int
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Tick:              time.Minute,
		FinalityDelay:     5 * time.Second,
		RetryDelay:        5 * time.Minute,
		RateLimitCooldown: time.Minute,
		FetchTimeout:      20 * time.Second,
		Workers:           16,
		BootstrapLimit:    500,
	}
}

// SchedulerOption configures Scheduler.
type SchedulerOption func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l *applogger.Logger) SchedulerOption {
	return func(s *Scheduler) { s.l = l }
}

// WithSchedulerMetrics sets the metrics recorder.
func WithSchedulerMetrics(m domrepo.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

type unitKind string

const (
	unitBootstrap unitKind = "bootstrap"
	unitClose     unitKind = "close"
	unitRetry     unitKind = "retry"
)

type unit struct {
	kind   unitKind
	entry  models.WatchEntry
	target time.Time
}

// TickReport summarizes one tick.
type TickReport struct {
	At         time.Time `json:"at"`
	Bootstraps int       `json:"bootstraps"`
	Closes     int       `json:"closes"`
	Retries    int       `json:"retries"`
	Stored     int       `json:"stored"`
	Failed     int       `json:"failed"`
	Abandoned  int       `json:"abandoned"`
	Discarded  int       `json:"discarded"`
	Advanced   int       `json:"advanced"`
}

// Scheduler is the control loop. Each tick takes a watchlist snapshot, works out
// which keys are due for a bootstrap, a new close or a retry, dispatches those
// units concurrently and waits for all of them before the tick returns. A key
// gets at most one unit per tick, so reconciliation of one key is always ordered
// by tick sequence.
type Scheduler struct {
	cfg      SchedulerConfig
	registry *WatchlistRegistry
	fetcher  CandleFetcher
	store    domrepo.CandleStore
	ledger   *RetryLedger
	notifier *Notifier
	metrics  domrepo.Metrics
	l        *applogger.Logger
	now      func() time.Time

	mu     sync.Mutex
	states map[models.WatchKey]*ScheduleState
	report TickReport

	tickMu sync.Mutex
}

func NewScheduler(cfg SchedulerConfig, registry *WatchlistRegistry, fetcher CandleFetcher, store domrepo.CandleStore, ledger *RetryLedger, notifier *Notifier, opts ...SchedulerOption) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BootstrapLimit <= 0 {
		cfg.BootstrapLimit = def.BootstrapLimit
	}

	s := &Scheduler{
		cfg:      cfg,
		registry: registry,
		fetcher:  fetcher,
		store:    store,
		ledger:   ledger,
		notifier: notifier,
		metrics:  nopMetrics{},
		l:        applogger.Nop(),
		now:      time.Now,
		states:   make(map[models.WatchKey]*ScheduleState),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run ticks immediately and then on every cfg.Tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.l.Info("scheduler started",
		applogger.Duration("tick_ms", s.cfg.Tick),
		applogger.Int("workers", s.cfg.Workers),
	)
	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()

	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.l.Info("scheduler stopped")
			return nil
		case <-t.C:
		}
	}
}

// Tick runs one scheduling round and returns its summary.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := time.Now()
	now := s.now()
	snapshot := s.registry.List()

	s.mu.Lock()
	s.report = TickReport{At: now}
	s.mu.Unlock()

	s.prune(snapshot)

	units := make([]unit, 0)
	units = append(units, s.bootstrapPass(snapshot)...)
	units = append(units, s.closePass(ctx, snapshot, now)...)
	units = append(units, s.retryPass(snapshot, now)...)

	s.dispatch(ctx, units)

	pending := s.ledger.Len()
	s.metrics.RecordRetryPending(pending)
	s.metrics.RecordTick(time.Since(start), len(units))

	s.mu.Lock()
	rep := s.report
	s.mu.Unlock()
	if len(units) > 0 || rep.Abandoned > 0 || rep.Advanced > 0 {
		s.l.Info("scheduler tick",
			applogger.Int("bootstraps", rep.Bootstraps),
			applogger.Int("closes", rep.Closes),
			applogger.Int("retries", rep.Retries),
			applogger.Int("stored", rep.Stored),
			applogger.Int("failed", rep.Failed),
			applogger.Int("abandoned", rep.Abandoned),
			applogger.Int("retry_pending", pending),
			applogger.Duration("duration_ms", time.Since(start)),
		)
	}
	return rep
}

// State returns a copy of the schedule state for key.
func (s *Scheduler) State(key models.WatchKey) (ScheduleState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		return ScheduleState{}, false
	}
	return *st, true
}

// Retries returns the outstanding retry records.
func (s *Scheduler) Retries() []RetryRecord { return s.ledger.List() }

// prune forgets state and cancels retries of keys no longer watched. A key that
// was removed and added again since the last tick carries a new generation and
// starts over with a fresh bootstrap.
func (s *Scheduler) prune(snapshot []models.WatchEntry) {
	live := make(map[models.WatchKey]uint64, len(snapshot))
	for _, e := range snapshot {
		live[e.Key()] = e.Generation
	}
	s.mu.Lock()
	for k, st := range s.states {
		if gen, ok := live[k]; !ok || gen != st.Generation {
			delete(s.states, k)
		}
	}
	s.mu.Unlock()
	if n := s.ledger.Prune(func(r RetryRecord) bool {
		gen, ok := live[r.Key()]
		return ok && gen == r.Generation
	}); n > 0 {
		s.l.Info("retries cancelled for removed watches", applogger.Int("count", n))
	}
}

func (s *Scheduler) bootstrapPass(snapshot []models.WatchEntry) []unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]unit, 0)
	for _, e := range snapshot {
		st, ok := s.states[e.Key()]
		if !ok {
			st = &ScheduleState{Generation: e.Generation}
			s.states[e.Key()] = st
		}
		if !st.Bootstrapped {
			out = append(out, unit{kind: unitBootstrap, entry: e})
		}
	}
	s.report.Bootstraps = len(out)
	return out
}

func (s *Scheduler) closePass(ctx context.Context, snapshot []models.WatchEntry, now time.Time) []unit {
	for _, rec := range s.ledger.Expired(now) {
		s.abandon(rec, nil)
	}

	out := make([]unit, 0)
	for _, e := range snapshot {
		key := e.Key()
		if _, pending := s.ledger.Get(key); pending {
			continue
		}
		// A target already in the store (e.g. written by a previous run) only
		// moves the cursor.
		for i := 0; i < s.cfg.BootstrapLimit; i++ {
			target, due := s.dueClose(key, now)
			if !due {
				break
			}
			stored, err := s.stored(ctx, e, target)
			if err != nil {
				s.l.Warn("store lookup failed", applogger.String("key", key.String()), applogger.Error(err))
				s.metrics.RecordError("store")
			}
			if err != nil || !stored {
				out = append(out, unit{kind: unitClose, entry: e, target: target})
				break
			}
			s.mu.Lock()
			s.states[key].advance(e.Timeframe, target)
			s.report.Advanced++
			s.mu.Unlock()
		}
	}
	s.mu.Lock()
	s.report.Closes = len(out)
	s.mu.Unlock()
	return out
}

func (s *Scheduler) dueClose(key models.WatchKey, now time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok || !st.Bootstrapped {
		return time.Time{}, false
	}
	return st.NextExpectedCloseAt, !now.Before(st.NextExpectedCloseAt.Add(s.cfg.FinalityDelay))
}

func (s *Scheduler) stored(ctx context.Context, e models.WatchEntry, target time.Time) (bool, error) {
	rows, err := s.store.Range(ctx, e.Pair, e.Timeframe, target, target)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (s *Scheduler) retryPass(snapshot []models.WatchEntry, now time.Time) []unit {
	byKey := make(map[models.WatchKey]models.WatchEntry, len(snapshot))
	for _, e := range snapshot {
		byKey[e.Key()] = e
	}
	out := make([]unit, 0)
	for _, rec := range s.ledger.Due(now) {
		e, ok := byKey[rec.Key()]
		if !ok || e.Generation != rec.Generation {
			continue
		}
		out = append(out, unit{kind: unitRetry, entry: e, target: rec.TargetOpenTime})
	}
	s.mu.Lock()
	s.report.Retries = len(out)
	s.mu.Unlock()
	return out
}

// dispatch runs units on at most cfg.Workers goroutines and waits for all of them.
func (s *Scheduler) dispatch(ctx context.Context, units []unit) {
	if len(units) == 0 {
		return
	}
	sem := make(chan struct{}, s.cfg.Workers)
	var wg sync.WaitGroup
	for _, u := range units {
		sem <- struct{}{}
		wg.Add(1)
		go func(u unit) {
			defer func() { <-sem }()
			defer wg.Done()
			s.runUnit(ctx, u)
		}(u)
	}
	wg.Wait()
}

func (s *Scheduler) runUnit(ctx context.Context, u unit) {
	defer func() {
		if r := recover(); r != nil {
			err := domrepo.Transient("reconcile", fmt.Errorf("panic: %v", r))
			s.l.Error("unit panicked",
				applogger.String("key", u.entry.Key().String()),
				applogger.String("kind", string(u.kind)),
				applogger.Any("panic", r),
			)
			if u.kind != unitBootstrap {
				s.fail(u, err)
			}
		}
	}()

	fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	switch u.kind {
	case unitBootstrap:
		s.runBootstrap(fctx, u)
	default:
		s.runClose(fctx, u)
	}
}

func (s *Scheduler) runBootstrap(ctx context.Context, u unit) {
	e := u.entry
	candles, err := s.fetcher.Backfill(ctx, e, s.cfg.BootstrapLimit)
	if err == nil && len(candles) == 0 {
		err = domrepo.Invalid("bootstrap", errors.New("exchange returned no candles"))
	}
	if err == nil {
		err = validateBackfill(e.Timeframe, candles)
	}
	if err != nil {
		s.countFailed()
		s.l.Warn("bootstrap failed, retrying next tick",
			applogger.String("pair", e.Pair),
			applogger.String("timeframe", string(e.Timeframe)),
			applogger.String("exchange", e.Exchange),
			applogger.Error(err),
		)
		return
	}
	if !s.registry.Current(e) {
		s.discard(u)
		return
	}

	for _, c := range candles {
		if _, err := s.store.Upsert(ctx, c); err != nil {
			s.countFailed()
			s.metrics.RecordError("store")
			s.l.Warn("bootstrap store failed, retrying next tick",
				applogger.String("key", e.Key().String()),
				applogger.Error(err),
			)
			return
		}
	}

	latest := candles[len(candles)-1].OpenTime
	s.mu.Lock()
	if st, ok := s.states[e.Key()]; ok && st.Generation == e.Generation {
		st.advance(e.Timeframe, latest)
		st.Bootstrapped = true
	}
	s.report.Stored += len(candles)
	s.mu.Unlock()
	s.l.Info("bootstrap complete",
		applogger.String("pair", e.Pair),
		applogger.String("timeframe", string(e.Timeframe)),
		applogger.Int("candles", len(candles)),
		applogger.Time("last_closed_open_time", latest),
	)
}

func (s *Scheduler) runClose(ctx context.Context, u unit) {
	e := u.entry
	window, err := s.fetcher.Fetch(ctx, e, u.target)
	if !s.registry.Current(e) {
		s.discard(u)
		return
	}
	if err != nil {
		s.fail(u, err)
		return
	}

	st, ok := s.State(e.Key())
	if !ok || st.Generation != e.Generation {
		s.discard(u)
		return
	}
	target, prev, err := validateWindow(e.Timeframe, st.LastClosedOpenTime, u.target, window)
	if err != nil {
		s.fail(u, err)
		return
	}

	if prev != nil {
		if _, err := s.store.Upsert(ctx, *prev); err != nil {
			s.metrics.RecordError("store")
			s.fail(u, domrepo.Transient("store", err))
			return
		}
	}
	created, err := s.store.Upsert(ctx, target)
	if err != nil {
		s.metrics.RecordError("store")
		s.fail(u, domrepo.Transient("store", err))
		return
	}

	s.mu.Lock()
	if st, ok := s.states[e.Key()]; ok && st.Generation == e.Generation {
		st.advance(e.Timeframe, target.OpenTime)
	}
	s.report.Stored++
	s.mu.Unlock()
	if s.ledger.Clear(e.Key()) {
		s.l.Info("retry succeeded",
			applogger.String("key", e.Key().String()),
			applogger.Time("target_open_time", u.target),
		)
	}

	if created {
		s.notifier.Publish(models.CandleReadyEvent{
			Pair:      target.Pair,
			Timeframe: target.Timeframe,
			OpenTime:  target.OpenTime,
			Candle:    target,
			Previous:  prev,
			EmittedAt: s.now().UTC(),
		})
	}
}

// fail records a failed unit in the retry ledger, abandoning it when the
// deadline has been reached.
func (s *Scheduler) fail(u unit, err error) {
	if !s.registry.Current(u.entry) {
		s.discard(u)
		return
	}
	s.countFailed()
	fe := domrepo.AsFetchError(string(u.kind), err)

	delay := s.cfg.RetryDelay
	if fe.Kind == domrepo.KindRateLimited {
		cooldown := fe.Cooldown
		if cooldown <= 0 {
			cooldown = s.cfg.RateLimitCooldown
		}
		delay += cooldown
	}

	now := s.now()
	rec, abandoned := s.ledger.RecordFailure(u.entry, u.target, now, delay, fe)
	if abandoned {
		s.abandon(rec, fe)
		return
	}
	s.l.Warn("fetch failed, retry scheduled",
		applogger.String("pair", rec.Pair),
		applogger.String("timeframe", string(rec.Timeframe)),
		applogger.Time("target_open_time", rec.TargetOpenTime),
		applogger.Int("attempts", rec.Attempts),
		applogger.Time("next_retry_at", rec.NextRetryAt),
		applogger.Time("deadline", rec.Deadline),
		applogger.String("kind", string(fe.Kind)),
		applogger.Error(fe),
	)
}

// abandon logs a permanently missed close and moves the cursor past it so the
// next close is scheduled normally.
func (s *Scheduler) abandon(rec RetryRecord, cause error) {
	if cause == nil {
		cause = errors.New(rec.LastError)
	}
	s.l.Error("candle abandoned",
		applogger.String("pair", rec.Pair),
		applogger.String("timeframe", string(rec.Timeframe)),
		applogger.Time("target_open_time", rec.TargetOpenTime),
		applogger.Int("attempts", rec.Attempts),
		applogger.Time("deadline", rec.Deadline),
		applogger.Error(fmt.Errorf("%w: %v", domrepo.ErrAbandoned, cause)),
	)
	s.metrics.RecordAbandoned(string(rec.Timeframe))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.report.Abandoned++
	if st, ok := s.states[rec.Key()]; ok && st.Generation == rec.Generation && st.LastClosedOpenTime.Before(rec.TargetOpenTime) {
		st.advance(rec.Timeframe, rec.TargetOpenTime)
	}
}

func (s *Scheduler) discard(u unit) {
	s.l.Debug("result discarded for removed watch",
		applogger.String("key", u.entry.Key().String()),
		applogger.String("kind", string(u.kind)),
	)
	s.mu.Lock()
	s.report.Discarded++
	s.mu.Unlock()
}

func (s *Scheduler) countFailed() {
	s.mu.Lock()
	s.report.Failed++
	s.mu.Unlock()
}

// validateWindow checks a fetched [predecessor, target] window against the key's
// cursor. The last candle must open exactly at target, the window must be
// contiguous, and a predecessor must be the cursor itself.
func validateWindow(tf models.Timeframe, cursor, target time.Time, window []models.Candle) (models.Candle, *models.Candle, error) {
	const op = "validate"
	if len(window) == 0 {
		return models.Candle{}, nil, domrepo.Invalid(op, errors.New("no candles returned"))
	}
	for i := 1; i < len(window); i++ {
		if !window[i].OpenTime.Equal(tf.Next(window[i-1].OpenTime)) {
			return models.Candle{}, nil, domrepo.Invalid(op, fmt.Errorf("gap between %s and %s",
				window[i-1].OpenTime.Format(time.RFC3339), window[i].OpenTime.Format(time.RFC3339)))
		}
	}
	last := window[len(window)-1]
	if !last.OpenTime.Equal(target) {
		return models.Candle{}, nil, domrepo.Invalid(op, fmt.Errorf("latest candle opens at %s, expected %s",
			last.OpenTime.Format(time.RFC3339), target.Format(time.RFC3339)))
	}
	if err := checkOHLC(last); err != nil {
		return models.Candle{}, nil, domrepo.Invalid(op, err)
	}
	if len(window) == 1 {
		return last, nil, nil
	}
	prev := window[len(window)-2]
	if !prev.OpenTime.Equal(cursor) {
		return models.Candle{}, nil, domrepo.Invalid(op, fmt.Errorf("predecessor opens at %s, cursor is %s",
			prev.OpenTime.Format(time.RFC3339), cursor.Format(time.RFC3339)))
	}
	if err := checkOHLC(prev); err != nil {
		return models.Candle{}, nil, domrepo.Invalid(op, err)
	}
	return last, &prev, nil
}

func validateBackfill(tf models.Timeframe, candles []models.Candle) error {
	for i, c := range candles {
		if !tf.IsBoundary(c.OpenTime) {
			return domrepo.Invalid("bootstrap", fmt.Errorf("candle opens off boundary at %s", c.OpenTime.Format(time.RFC3339)))
		}
		if err := checkOHLC(c); err != nil {
			return domrepo.Invalid("bootstrap", err)
		}
		if i > 0 && !c.OpenTime.After(candles[i-1].OpenTime) {
			return domrepo.Invalid("bootstrap", errors.New("candles out of order"))
		}
	}
	return nil
}

func checkOHLC(c models.Candle) error {
	if c.High.LessThan(c.Low) {
		return fmt.Errorf("candle %s: high %s below low %s", c.OpenTime.Format(time.RFC3339), c.High, c.Low)
	}
	if c.Volume.IsNegative() {
		return fmt.Errorf("candle %s: negative volume", c.OpenTime.Format(time.RFC3339))
	}
	return nil
}
