// Package settlement turns an allocation draft into sale records and the
// lot's new remaining quantity in one atomic write.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/mandi/auction/internal/allocation"
	"github.com/mandi/auction/internal/domain"
	"github.com/mandi/auction/internal/money"
)

type LotStore interface {
	Find(ctx context.Context, id string) (*domain.Lot, error)
}

// Ledger persists settlements. CommitSettlement must write the commit, its
// sales and the lot update atomically, failing with ErrLotModifiedConcurrently
// when the lot is no longer at ExpectedVersion and with ErrDuplicate when the
// token is taken.
type Ledger interface {
	FindCommit(ctx context.Context, token string) (*domain.Commit, []domain.SaleRecord, error)
	CommitSettlement(ctx context.Context, s domain.Settlement) error
}

type RateResolver interface {
	Rate(ctx context.Context, role domain.Role, crop string, asOf time.Time) (decimal.Decimal, error)
}

type TraderDirectory interface {
	Find(ctx context.Context, id string) (*domain.Trader, error)
}

type Options struct {
	MaxAttempts int
	BaseBackoff time.Duration
	LockTimeout time.Duration
	CacheSize   int
	// Traders, when set, makes every line's trader a registered one.
	Traders TraderDirectory
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts: 4,
		BaseBackoff: 25 * time.Millisecond,
		LockTimeout: 2 * time.Second,
		CacheSize:   1024,
	}
}

type CommitRequest struct {
	LotID      string
	Token      string
	Unit       domain.Unit
	Lines      []allocation.Line
	OperatorID string
	// ExpectedVersion, when set, pins the lot version the draft was built
	// against; any other version fails without retry.
	ExpectedVersion *int64
}

type CommitResult struct {
	Commit   domain.Commit       `json:"commit"`
	Sales    []domain.SaleRecord `json:"sales"`
	Lot      *domain.Lot         `json:"lot"`
	Replayed bool                `json:"replayed"`
}

type Engine struct {
	lots   LotStore
	ledger Ledger
	rates  RateResolver
	logger *slog.Logger
	opts   Options
	locks  *lockSet
	group  singleflight.Group
	recent *lru.Cache[string, *CommitResult]
	now    func() time.Time
}

func NewEngine(lots LotStore, ledger Ledger, rates RateResolver, opts Options, logger *slog.Logger) (*Engine, error) {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = def.BaseBackoff
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = def.LockTimeout
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = def.CacheSize
	}

	recent, err := lru.New[string, *CommitResult](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("commit cache: %w", err)
	}

	return &Engine{
		lots:   lots,
		ledger: ledger,
		rates:  rates,
		logger: logger.With("system", "settlement"),
		opts:   opts,
		locks:  newLockSet(),
		recent: recent,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Commit settles a draft. Repeating a commit with the same token returns the
// stored result with Replayed set; the same token with a different payload
// fails with ErrCommitTokenConflict.
//
// Concurrent calls with one token share a single settlement. That work is
// detached from any one caller's cancellation and bounded by the retry
// budget; each caller stops waiting when its own ctx ends.
func (e *Engine) Commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	fp := Fingerprint(req.LotID, req.Unit, req.Lines)

	if res, ok := e.recent.Get(req.Token); ok {
		return e.replayCached(ctx, res, fp)
	}

	leader := false
	ch := e.group.DoChan(req.Token, func() (any, error) {
		leader = true
		return e.settle(ctx, req, fp)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		res := r.Val.(*CommitResult)
		if !leader {
			return e.replayCached(ctx, res, fp)
		}
		return res.clone(), nil
	}
}

// settle runs commitWithRetry under a budget instead of the caller's
// cancellation. Running out of budget is reported as contention.
func (e *Engine) settle(ctx context.Context, req CommitRequest, fp string) (*CommitResult, error) {
	budget := e.budget()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
	defer cancel()

	res, err := e.commitWithRetry(ctx, req, fp)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("commit %s not settled within %s: %w", req.Token, budget, domain.ErrLotModifiedConcurrently)
	}
	return res, err
}

// budget covers every attempt waiting out its lock timeout plus the backoff
// between attempts.
func (e *Engine) budget() time.Duration {
	n := time.Duration(e.opts.MaxAttempts)
	return n*e.opts.LockTimeout + e.opts.BaseBackoff<<uint(e.opts.MaxAttempts)
}

// replayCached answers a repeated token from an in-memory result. The lot is
// reloaded so that every replay, cached or stored, reports the lot as it is
// now.
func (e *Engine) replayCached(ctx context.Context, res *CommitResult, fp string) (*CommitResult, error) {
	if res.Commit.Fingerprint != fp {
		return nil, fmt.Errorf("token %s: %w", res.Commit.Token, domain.ErrCommitTokenConflict)
	}
	lot, err := e.lots.Find(ctx, res.Commit.LotID)
	if err != nil {
		return nil, err
	}
	return &CommitResult{
		Commit:   res.Commit,
		Sales:    slices.Clone(res.Sales),
		Lot:      lot,
		Replayed: true,
	}, nil
}

// clone copies r so callers cannot reach the cached value.
func (r *CommitResult) clone() *CommitResult {
	out := *r
	out.Sales = slices.Clone(r.Sales)
	if r.Lot != nil {
		lot := *r.Lot
		out.Lot = &lot
	}
	return &out
}

func (e *Engine) commitWithRetry(ctx context.Context, req CommitRequest, fp string) (*CommitResult, error) {
	backoff := e.opts.BaseBackoff
	for attempt := 1; ; attempt++ {
		res, err := e.attempt(ctx, req, fp)
		if err == nil {
			if !res.Replayed {
				e.recent.Add(req.Token, res)
			}
			return res, nil
		}

		if !errors.Is(err, domain.ErrLotModifiedConcurrently) || req.ExpectedVersion != nil {
			return nil, err
		}
		if attempt >= e.opts.MaxAttempts {
			e.logger.Warn("settlement retries exhausted", "lot_id", req.LotID, "token", req.Token, "attempts", attempt)
			return nil, fmt.Errorf("commit %s after %d attempts: %w", req.Token, attempt, err)
		}

		e.logger.Debug("settlement contention, backing off",
			"lot_id", req.LotID, "attempt", attempt, "backoff", backoff, "error", err)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
}

func (e *Engine) attempt(ctx context.Context, req CommitRequest, fp string) (*CommitResult, error) {
	release, err := e.locks.acquire(ctx, req.LotID, e.opts.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	if res, err := e.replay(ctx, req.Token, fp); err != nil || res != nil {
		return res, err
	}

	lot, err := e.lots.Find(ctx, req.LotID)
	if err != nil {
		return nil, err
	}
	if lot.Unit() != req.Unit {
		return nil, fmt.Errorf("%w: lot %s is measured by %s, draft is in %s",
			domain.ErrInvalidArgument, lot.ID, lot.Unit(), req.Unit)
	}
	if req.ExpectedVersion != nil && *req.ExpectedVersion != lot.Version {
		return nil, fmt.Errorf("lot %s is at version %d, draft built on %d: %w",
			lot.ID, lot.Version, *req.ExpectedVersion, domain.ErrLotModifiedConcurrently)
	}

	draft, err := allocation.Rebuild(lot, req.Lines)
	if err != nil {
		if errors.Is(err, domain.ErrOverAllocation) {
			return nil, &domain.QuantityError{
				Kind:      domain.ErrInsufficientQuantity,
				Requested: sumQuantity(req.Lines),
				Max:       lot.Remaining(),
				Unit:      lot.Unit(),
			}
		}
		return nil, err
	}
	if err := e.checkTraders(ctx, req.Lines); err != nil {
		return nil, err
	}

	now := e.now()
	quotes, err := e.quote(ctx, lot, draft.Lines(), now)
	if err != nil {
		return nil, err
	}

	next := *lot
	if err := next.Reserve(draft.Total()); err != nil {
		return nil, err
	}
	next.UpdatedAt = now

	commit := domain.Commit{
		Token:       req.Token,
		LotID:       lot.ID,
		Fingerprint: fp,
		OperatorID:  req.OperatorID,
		LineCount:   len(quotes),
		CommittedAt: now,
	}
	sales := make([]domain.SaleRecord, len(quotes))
	for i, q := range quotes {
		sales[i] = domain.SaleRecord{
			ID:               uuid.NewString(),
			CommitToken:      req.Token,
			LotID:            lot.ID,
			FarmerID:         lot.FarmerID,
			TraderID:         q.TraderID,
			CropName:         lot.CropName,
			Quantity:         q.Quantity,
			Unit:             lot.Unit(),
			Rate:             q.Rate,
			SaleAmount:       q.SaleAmount,
			FarmerRate:       q.FarmerRate,
			TraderRate:       q.TraderRate,
			FarmerCommission: q.FarmerCommission,
			TraderCommission: q.TraderCommission,
			PaymentStatus:    domain.PaymentPending,
			CreatedBy:        req.OperatorID,
			SoldAt:           now,
		}
	}

	err = e.ledger.CommitSettlement(ctx, domain.Settlement{
		Commit:          commit,
		Sales:           sales,
		Lot:             next,
		ExpectedVersion: lot.Version,
	})
	if errors.Is(err, domain.ErrDuplicate) {
		// Another process committed this token between our check and write.
		res, rerr := e.replay(ctx, req.Token, fp)
		if rerr != nil {
			return nil, rerr
		}
		if res != nil {
			return res, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("commit lot %s: %w", lot.ID, err)
	}

	next.Version = lot.Version + 1
	e.logger.Info("settlement committed",
		"lot_id", lot.ID,
		"token", req.Token,
		"lines", len(sales),
		"quantity", domain.FormatQuantity(draft.Total(), lot.Unit()),
		"remaining", domain.FormatQuantity(next.Remaining(), lot.Unit()),
		"status", next.Status,
	)

	return &CommitResult{Commit: commit, Sales: sales, Lot: &next}, nil
}

// replay returns the stored result for token, or nil when it was never used.
func (e *Engine) replay(ctx context.Context, token, fp string) (*CommitResult, error) {
	commit, sales, err := e.ledger.FindCommit(ctx, token)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up commit %s: %w", token, err)
	}
	if commit.Fingerprint != fp {
		return nil, fmt.Errorf("token %s: %w", token, domain.ErrCommitTokenConflict)
	}

	lot, err := e.lots.Find(ctx, commit.LotID)
	if err != nil {
		return nil, err
	}
	e.logger.Info("settlement replayed", "lot_id", commit.LotID, "token", token)
	return &CommitResult{Commit: *commit, Sales: sales, Lot: lot, Replayed: true}, nil
}

// Quote is one priced line.
type Quote struct {
	TraderID         string          `json:"trader_id"`
	Quantity         decimal.Decimal `json:"quantity"`
	Rate             decimal.Decimal `json:"rate"`
	SaleAmount       decimal.Decimal `json:"sale_amount"`
	FarmerRate       decimal.Decimal `json:"farmer_rate"`
	TraderRate       decimal.Decimal `json:"trader_rate"`
	FarmerCommission decimal.Decimal `json:"farmer_commission"`
	TraderCommission decimal.Decimal `json:"trader_commission"`
}

// quote prices lines with the commission rates in effect at asOf. Farmer and
// trader commissions are rounded separately.
func (e *Engine) quote(ctx context.Context, lot *domain.Lot, lines []allocation.Line, asOf time.Time) ([]Quote, error) {
	farmerRate, err := e.rates.Rate(ctx, domain.RoleFarmer, lot.CropName, asOf)
	if err != nil {
		return nil, fmt.Errorf("farmer rate: %w", err)
	}
	traderRate, err := e.rates.Rate(ctx, domain.RoleTrader, lot.CropName, asOf)
	if err != nil {
		return nil, fmt.Errorf("trader rate: %w", err)
	}

	quotes := make([]Quote, len(lines))
	for i, l := range lines {
		amount := money.SaleAmount(l.Quantity, l.Rate)
		quotes[i] = Quote{
			TraderID:         l.TraderID,
			Quantity:         l.Quantity,
			Rate:             l.Rate,
			SaleAmount:       amount,
			FarmerRate:       farmerRate,
			TraderRate:       traderRate,
			FarmerCommission: money.Commission(amount, farmerRate),
			TraderCommission: money.Commission(amount, traderRate),
		}
	}
	return quotes, nil
}

// Preview is a priced draft that has not been committed.
type Preview struct {
	LotID               string          `json:"lot_id"`
	LotVersion          int64           `json:"lot_version"`
	Unit                domain.Unit     `json:"unit"`
	Lines               []Quote         `json:"lines"`
	Totals              money.Totals    `json:"totals"`
	RemainingAfterDraft decimal.Decimal `json:"remaining_after_draft"`
}

// Preview validates lines against the lot's current state and prices them
// without writing anything.
func (e *Engine) Preview(ctx context.Context, lotID string, lines []allocation.Line) (*Preview, error) {
	lot, err := e.lots.Find(ctx, lotID)
	if err != nil {
		return nil, err
	}
	draft, err := allocation.Rebuild(lot, lines)
	if err != nil {
		return nil, err
	}
	if err := e.checkTraders(ctx, lines); err != nil {
		return nil, err
	}
	quotes, err := e.quote(ctx, lot, draft.Lines(), e.now())
	if err != nil {
		return nil, err
	}

	p := &Preview{
		LotID:               lot.ID,
		LotVersion:          lot.Version,
		Unit:                lot.Unit(),
		Lines:               quotes,
		RemainingAfterDraft: draft.RemainingAfterDraft(),
	}
	for _, q := range quotes {
		p.Totals.Add(q.Quantity, q.SaleAmount, q.FarmerCommission, q.TraderCommission)
	}
	return p, nil
}

func (r CommitRequest) validate() error {
	switch {
	case strings.TrimSpace(r.Token) == "":
		return fmt.Errorf("%w: commit token is required", domain.ErrInvalidArgument)
	case strings.TrimSpace(r.LotID) == "":
		return fmt.Errorf("%w: lot id is required", domain.ErrInvalidArgument)
	case len(r.Lines) == 0:
		return fmt.Errorf("%w: at least one allocation line is required", domain.ErrInvalidArgument)
	case !r.Unit.Valid():
		return fmt.Errorf("%w: unit %q must be weight or count", domain.ErrInvalidArgument, r.Unit)
	}
	for i, l := range r.Lines {
		if err := allocation.CheckLine(r.Unit, l); err != nil {
			return fmt.Errorf("line %d: %w", i+1, err)
		}
	}
	return nil
}

// checkTraders rejects lines naming a trader that is not registered. It is a
// no-op when no directory is configured.
func (e *Engine) checkTraders(ctx context.Context, lines []allocation.Line) error {
	if e.opts.Traders == nil {
		return nil
	}
	for i, l := range lines {
		id := strings.TrimSpace(l.TraderID)
		_, err := e.opts.Traders.Find(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("line %d: %w: trader %s is not registered", i+1, domain.ErrInvalidLine, id)
		}
		if err != nil {
			return fmt.Errorf("line %d: look up trader %s: %w", i+1, id, err)
		}
	}
	return nil
}

func sumQuantity(lines []allocation.Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Quantity)
	}
	return total
}
