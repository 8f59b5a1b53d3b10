package sale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/xmrescrow/internal/lease"
	"github.com/mbd888/xmrescrow/internal/pagination"
	"github.com/mbd888/xmrescrow/internal/retry"
	"github.com/mbd888/xmrescrow/internal/xmr"
)

// Worker names, used for scheduling, logs and metrics.
const (
	WorkerPaymentMonitor      = "payment_monitor"
	WorkerPayoutEngine        = "payout_engine"
	WorkerPlatformSweeper     = "platform_sweeper"
	WorkerCancellationHandler = "cancellation_handler"
	WorkerFinalizer           = "finalizer"
	WorkerNotices             = "notices"
)

// Settings tunes the engine. Zero values are replaced by DefaultSettings.
type Settings struct {
	PlatformFeePercent    decimal.Decimal
	EscrowPeriodDays      int
	MinimumConfirmations  uint64
	PlatformPayoutAddress string // empty: primary address of account 0
	DryRunAmount          decimal.Decimal
	CacheTTL              time.Duration
	LeaseTTL              time.Duration
	FinalizeCooldown      time.Duration
	BatchSize             int
	NetType               string // used for explorer links in notices
	SiteName              string
	SiteURL               string
}

// DefaultSettings returns production defaults.
func DefaultSettings() Settings {
	return Settings{
		PlatformFeePercent:   decimal.NewFromInt(4),
		EscrowPeriodDays:     30,
		MinimumConfirmations: 10,
		DryRunAmount:         xmr.MustParse("0.01"),
		CacheTTL:             time.Hour,
		LeaseTTL:             2 * time.Minute,
		FinalizeCooldown:     12 * time.Hour,
		BatchSize:            100,
		NetType:              "mainnet",
		SiteName:             "xmrescrow",
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.EscrowPeriodDays <= 0 {
		s.EscrowPeriodDays = d.EscrowPeriodDays
	}
	if s.DryRunAmount.Sign() <= 0 {
		s.DryRunAmount = d.DryRunAmount
	}
	if s.CacheTTL <= 0 {
		s.CacheTTL = d.CacheTTL
	}
	if s.LeaseTTL <= 0 {
		s.LeaseTTL = d.LeaseTTL
	}
	if s.FinalizeCooldown <= 0 {
		s.FinalizeCooldown = d.FinalizeCooldown
	}
	if s.BatchSize <= 0 {
		s.BatchSize = d.BatchSize
	}
	if s.NetType == "" {
		s.NetType = d.NetType
	}
	if s.SiteName == "" {
		s.SiteName = d.SiteName
	}
	return s
}

// PassResult summarises one worker pass.
type PassResult struct {
	Worker   string `json:"worker"`
	Scanned  int    `json:"scanned"`
	Advanced int    `json:"advanced"`
	Deferred int    `json:"deferred"`
	Failed   int    `json:"failed"`
}

type outcome int

const (
	unchanged outcome = iota
	advanced
	deferred
)

// Engine runs the background settlement workers over the sale store.
type Engine struct {
	store        Store
	wallet       Wallet
	leases       Leaser
	observations ObservationCache
	notifier     Notifier
	archiver     Archiver
	settings     Settings
	logger       *slog.Logger
	now          func() time.Time

	mu           sync.Mutex
	lastFinalize time.Time
}

// NewEngine creates a settlement engine.
func NewEngine(store Store, wallet Wallet, leases Leaser, observations ObservationCache,
	notifier Notifier, settings Settings, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:        store,
		wallet:       wallet,
		leases:       leases,
		observations: observations,
		notifier:     notifier,
		settings:     settings.withDefaults(),
		logger:       logger,
		now:          time.Now,
	}
}

// WithArchiver makes the finalizer archive sales before deleting them.
func (e *Engine) WithArchiver(a Archiver) *Engine {
	e.archiver = a
	return e
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Settings returns the effective settings.
func (e *Engine) Settings() Settings {
	return e.settings
}

// Workers maps each worker name to its pass.
func (e *Engine) Workers() map[string]func(context.Context) (PassResult, error) {
	return map[string]func(context.Context) (PassResult, error){
		WorkerPaymentMonitor:      e.PollPayments,
		WorkerPayoutEngine:        e.PayoutSellers,
		WorkerPlatformSweeper:     e.SweepPlatformFees,
		WorkerCancellationHandler: e.RefundCancelled,
		WorkerFinalizer:           e.FinalizeCompleted,
		WorkerNotices:             e.SendNotices,
	}
}

// runPass pages through every sale in the given states, BatchSize at a
// time, and applies step to each. A failing record never stops the pass.
func (e *Engine) runPass(ctx context.Context, worker string, states []State,
	step func(ctx context.Context, s *Sale) (outcome, error)) (PassResult, error) {
	start := time.Now()
	defer func() {
		passDuration.WithLabelValues(worker).Observe(time.Since(start).Seconds())
	}()

	result := PassResult{Worker: worker}
	var after *pagination.Cursor
	for ctx.Err() == nil {
		page, err := e.store.ListByState(ctx, after, e.settings.BatchSize, states...)
		if err != nil {
			if result.Scanned > 0 {
				e.logger.Warn("worker pass cut short", "worker", worker, "scanned", result.Scanned, "error", err)
				break
			}
			return result, fmt.Errorf("%s: list sales: %w", worker, err)
		}

		for _, s := range page {
			if ctx.Err() != nil {
				break
			}
			result.Scanned++
			e.applyStep(ctx, worker, s, step, &result)
		}

		if len(page) < e.settings.BatchSize {
			break
		}
		last := page[len(page)-1]
		after = pagination.At(last.CreatedAt, last.ID)
	}

	if result.Advanced > 0 || result.Failed > 0 {
		e.logger.Info("worker pass complete",
			"worker", worker,
			"scanned", result.Scanned,
			"advanced", result.Advanced,
			"deferred", result.Deferred,
			"failed", result.Failed,
		)
	}
	return result, nil
}

func (e *Engine) applyStep(ctx context.Context, worker string, s *Sale,
	step func(ctx context.Context, s *Sale) (outcome, error), result *PassResult) {
	out, err := step(ctx, s)
	switch {
	case err != nil:
		kind := KindOf(err)
		stepErrorsTotal.WithLabelValues(worker, kind.String()).Inc()
		if kind.Deferral() {
			result.Deferred++
			passTotal.WithLabelValues(worker, "deferred").Inc()
			e.logger.Info("sale deferred", "worker", worker, "saleId", s.ID, "kind", kind.String(), "error", err)
		} else {
			result.Failed++
			passTotal.WithLabelValues(worker, "failed").Inc()
			e.logger.Warn("sale step failed", "worker", worker, "saleId", s.ID, "kind", kind.String(), "error", err)
		}
	case out == advanced:
		result.Advanced++
		passTotal.WithLabelValues(worker, "advanced").Inc()
	case out == deferred:
		result.Deferred++
		passTotal.WithLabelValues(worker, "deferred").Inc()
	default:
		passTotal.WithLabelValues(worker, "unchanged").Inc()
	}
}

// mutate re-reads the sale, applies fn and writes it back, retrying on
// version conflicts. fn errors are not retried.
func (e *Engine) mutate(ctx context.Context, id string, fn func(s *Sale) error) (*Sale, error) {
	return mutateSale(ctx, e.store, id, e.now, fn)
}

func mutateSale(ctx context.Context, store Store, id string, now func() time.Time, fn func(s *Sale) error) (*Sale, error) {
	var saved *Sale
	err := retry.Do(ctx, retry.Persist, func() error {
		s, err := store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSaleNotFound) {
				return retry.Permanent(err)
			}
			return err
		}
		from := s.State
		if err := fn(s); err != nil {
			return retry.Permanent(err)
		}
		s.UpdatedAt = now()
		if err := store.Update(ctx, s); err != nil {
			return err
		}
		if s.State != from {
			transitionsTotal.WithLabelValues(string(from), string(s.State)).Inc()
		}
		saved = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// acquire takes the per-sale lease guarding wallet transfers.
func (e *Engine) acquire(ctx context.Context, op string, s *Sale) (func(), error) {
	release, err := e.leases.Acquire(ctx, "sale:"+s.ID, e.settings.LeaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		return nil, stepErr(KindLeaseHeld, op, s.ID, err)
	}
	if err != nil {
		return nil, stepErr(KindUnknown, op, s.ID, err)
	}
	return release, nil
}

func (r PassResult) merge(o PassResult) PassResult {
	r.Scanned += o.Scanned
	r.Advanced += o.Advanced
	r.Deferred += o.Deferred
	r.Failed += o.Failed
	return r
}
