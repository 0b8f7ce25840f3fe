// Package market is the serialized orchestrator for one trading pair. Every
// public operation takes the market lock, lazily rolls the epoch, touches the
// caller's account, and runs the plan/commit pipeline: book plan, ledger
// plan, custody prepare, then commit of all three. A failure at any stage
// before commit leaves book, ledger and custody exactly as they were.
package market

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/unxversal/dexcore/common/errors"
	"github.com/unxversal/dexcore/internal/dex/account"
	"github.com/unxversal/dexcore/internal/dex/book"
	"github.com/unxversal/dexcore/internal/dex/custody"
	"github.com/unxversal/dexcore/internal/dex/events"
	"github.com/unxversal/dexcore/internal/dex/governance"
	"github.com/unxversal/dexcore/internal/dex/history"
	"github.com/unxversal/dexcore/internal/dex/metrics"
	"github.com/unxversal/dexcore/internal/dex/model"
	"github.com/unxversal/dexcore/internal/dex/persistence"
	"github.com/unxversal/dexcore/internal/dex/state"
	"github.com/unxversal/dexcore/internal/dex/vault"
)

// Config collects everything needed to stand up one market.
type Config struct {
	Params        model.MarketParams
	InitialParams model.TradeParams
	EpochLength   time.Duration
	VotingCutoff  decimal.Decimal
	PhaseOut      decimal.Decimal // liquidity threshold for rebate phase-out
	DiscountRatio decimal.Decimal // taker fee multiplier for qualified stakers

	Custody custody.Service
	PoolID  uuid.UUID

	Events  events.Publisher     // nil -> Nop
	Metrics *metrics.Metrics     // nil -> no-op
	Journal *persistence.Journal // nil -> no journaling
	Clock   func() time.Time     // nil -> time.Now
	Logger  *zap.Logger          // nil -> Nop
}

// Market serializes all access to one trading pair's engine state.
type Market struct {
	mu sync.Mutex

	symbol   string
	epochLen uint64 // seconds

	book  *book.Book
	state *state.State
	vault *vault.Vault

	lastEpoch uint64
	clock     func() time.Time

	events  events.Publisher
	metrics *metrics.Metrics
	journal *persistence.Journal
	log     *zap.Logger
}

// New builds a market from its config. The epoch counter starts at the
// current wall-clock epoch.
func New(cfg Config) (*Market, error) {
	if cfg.EpochLength < time.Second {
		return nil, errors.InvalidOrderParameters("epoch length must be at least one second")
	}
	if cfg.Custody == nil {
		return nil, errors.InvalidOrderParameters("custody service is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	pub := cfg.Events
	if pub == nil {
		pub = events.Nop{}
	}

	epochLen := uint64(cfg.EpochLength / time.Second)
	epoch := uint64(clock().Unix()) / epochLen

	gov := governance.New(cfg.Params.PoolClass, cfg.VotingCutoff, cfg.InitialParams, log)
	hist := history.New(epoch, cfg.PhaseOut, log)
	accounts := account.NewManager(log)

	m := &Market{
		symbol:    cfg.Params.Symbol,
		epochLen:  epochLen,
		book:      book.New(cfg.Params, log),
		state:     state.New(gov, hist, accounts, cfg.DiscountRatio, log),
		vault:     vault.New(cfg.Custody, cfg.PoolID, log),
		lastEpoch: epoch,
		clock:     clock,
		events:    pub,
		metrics:   cfg.Metrics,
		journal:   cfg.Journal,
		log:       log.With(zap.String("market", cfg.Params.Symbol)),
	}
	return m, nil
}

// Symbol returns the market's pair symbol.
func (m *Market) Symbol() string { return m.symbol }

// Epoch returns the epoch the market is currently in.
func (m *Market) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epochOf(m.clock())
}

func (m *Market) epochOf(t time.Time) uint64 { return uint64(t.Unix()) / m.epochLen }

// rollEpoch closes any epochs that elapsed since the last operation. Called
// at the top of every public operation, under the lock.
func (m *Market) rollEpoch(ctx context.Context, epoch uint64) {
	if epoch <= m.lastEpoch {
		return
	}
	_, applied := m.state.Governance().Rollover()
	closed := m.state.History().Rollover(epoch)
	m.lastEpoch = epoch

	if closed == nil {
		return
	}
	rebates, _ := closed.RebatesPaid.Float64()
	m.metrics.RecordRollover(m.symbol, rebates)
	m.events.Publish(ctx, events.TypeEpochRolledOver, m.symbol, events.EpochPayload{
		Epoch:             closed.Epoch,
		TotalVolume:       closed.TotalVolume,
		FeesCollected:     closed.FeesCollected,
		FeeAssetCollected: closed.FeeAssetCollected,
		RebatesPaid:       closed.RebatesPaid,
		Burned:            closed.Burned,
		ParamsChanged:     applied,
	})
	if m.journal != nil {
		if err := m.journal.RecordEpoch(m.symbol, closed.Epoch, closed.TotalVolume,
			closed.StakedVolume, closed.FeesCollected, closed.FeeAssetCollected,
			closed.RebatesPaid, closed.Burned); err != nil {
			m.log.Error("epoch journal write failed", zap.Uint64("epoch", closed.Epoch), zap.Error(err))
		}
	}
	m.log.Info("epoch rolled over",
		zap.Uint64("epoch", epoch),
		zap.String("volume", closed.TotalVolume.String()),
		zap.Bool("params_changed", applied))
}

// enter performs the common preamble of every account-bound operation:
// epoch roll, account materialization and epoch touch, and the governance
// stake mirror sync.
func (m *Market) enter(ctx context.Context, owner, custodyID uuid.UUID) (*account.Account, uint64) {
	now := m.clock()
	epoch := m.epochOf(now)
	m.rollEpoch(ctx, epoch)
	acct := m.state.Accounts().GetOrCreate(owner, custodyID, epoch)
	m.state.Accounts().Touch(acct, epoch, m.state.History())
	m.state.Governance().SetStake(owner, acct.Stake)
	return acct, epoch
}

// settle runs the custody prepare for the account's accrued balances plus the
// operation's deltas. Nothing is moved yet.
func (m *Market) settle(acct *account.Account, proof []byte, dSettled, dOwed model.Balances) (*vault.Settlement, error) {
	s, err := m.vault.Prepare(acct.CustodyID, proof,
		acct.Settled.Add(dSettled), acct.Owed.Add(dOwed))
	if err != nil {
		m.metrics.RecordSettlementFailure(m.symbol, string(errors.CodeOf(err)))
		return nil, err
	}
	return s, nil
}

// finish asserts the operation's loan discipline and publishes book depth.
func (m *Market) finish(op string, started time.Time) {
	if n := m.vault.Outstanding(); n != 0 {
		panic(errors.Internal("%d loans outstanding after %s", n, op))
	}
	bids, asks := m.book.Depth()
	m.metrics.SetDepth(m.symbol, bids, asks)
	m.metrics.ObserveOperation(m.symbol, op, time.Since(started).Seconds())
}

// PlaceResult is the outcome of a successful PlaceOrder.
type PlaceResult struct {
	Fills     []model.Fill
	FilledQty decimal.Decimal
	RestingID *model.OrderID
	TakerCxl  bool // remainder cancelled by self-match policy
}

// PlaceOrder runs the full create pipeline for one request.
func (m *Market) PlaceOrder(ctx context.Context, owner, custodyID uuid.UUID, proof []byte, req book.Request) (*PlaceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	started := m.clock()
	defer m.finish("place", started)

	acct, epoch := m.enter(ctx, owner, custodyID)
	req.Owner = owner

	plan, err := m.book.CreateOrder(req, started)
	if err != nil {
		m.metrics.OrderResult(m.symbol, "rejected")
		return nil, err
	}
	convRate, hasRate := m.vault.ConversionRate()
	res, err := m.state.PlanCreate(plan, acct, epoch, convRate, hasRate)
	if err != nil {
		m.metrics.OrderResult(m.symbol, "rejected")
		return nil, err
	}
	settlement, err := m.settle(acct, proof, res.Settled, res.Owed)
	if err != nil {
		m.metrics.OrderResult(m.symbol, "settlement_failed")
		return nil, err
	}

	// Point of no return: every stage prepared, commit all.
	m.book.Commit(plan)
	m.state.ApplyCreate(res)
	m.vault.Commit(settlement)
	acct.ResetSettlement()

	m.metrics.OrderResult(m.symbol, "accepted")
	var volume, fees float64
	for _, f := range res.Fills {
		v, _ := f.QuoteQty.Float64()
		volume += v
		fq, _ := f.TakerFee.Add(f.MakerFee).Float64()
		fees += fq
		m.events.Publish(ctx, events.TypeOrderFilled, m.symbol, events.FillPayload{
			MakerOrderID: f.MakerOrderID.String(),
			Maker:        f.Maker,
			Taker:        f.Taker,
			Price:        f.Price,
			BaseQty:      f.BaseQty,
			QuoteQty:     f.QuoteQty,
			MakerFee:     f.MakerFee,
			TakerFee:     f.TakerFee,
			Epoch:        f.MakerEpoch,
		})
	}
	m.metrics.RecordFills(m.symbol, len(res.Fills), volume, fees)
	if m.journal != nil {
		if err := m.journal.RecordFills(m.symbol, res.Fills); err != nil {
			m.log.Error("fill journal write failed", zap.Error(err))
		}
	}

	for _, o := range plan.Pruned {
		m.events.Publish(ctx, events.TypeOrderExpired, m.symbol, events.OrderPayload{
			OrderID:  o.ID.String(),
			Owner:    o.Owner,
			Side:     o.Side,
			Price:    o.Price,
			Quantity: o.Quantity,
		})
	}

	out := &PlaceResult{Fills: res.Fills, FilledQty: plan.FilledQty, TakerCxl: plan.TakerCxl}
	if plan.Resting != nil {
		id := plan.Resting.ID
		out.RestingID = &id
		m.events.Publish(ctx, events.TypeOrderPlaced, m.symbol, events.OrderPayload{
			OrderID:  id.String(),
			Owner:    owner,
			Side:     plan.Resting.Side,
			Price:    plan.Resting.Price,
			Quantity: plan.Resting.Quantity,
		})
	}
	return out, nil
}

// CancelOrder removes the caller's resting order and releases its escrow.
func (m *Market) CancelOrder(ctx context.Context, owner uuid.UUID, proof []byte, id model.OrderID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	started := m.clock()
	defer m.finish("cancel", started)

	acct, _ := m.enter(ctx, owner, owner)
	o, err := m.book.Get(id)
	if err != nil {
		return err
	}
	if o.Owner != owner {
		// Not distinguishable from absent: ownership is not leaked.
		return errors.NotFound("order %s", id)
	}
	res := m.state.PlanCancel(o, acct)
	settlement, err := m.settle(acct, proof, res.Settled, model.Balances{})
	if err != nil {
		return err
	}

	if _, err := m.book.Remove(id); err != nil {
		panic(errors.Internal("cancel commit lost order %s", id))
	}
	m.state.ApplyCancel(res)
	m.vault.Commit(settlement)
	acct.ResetSettlement()

	m.events.Publish(ctx, events.TypeOrderCancelled, m.symbol, events.OrderPayload{
		OrderID:  id.String(),
		Owner:    owner,
		Side:     o.Side,
		Price:    o.Price,
		Quantity: o.Quantity,
	})
	return nil
}

// ModifyOrder reduces a resting order's quantity (and optionally shortens its
// expiry) in place, releasing the freed escrow. Time priority is kept.
func (m *Market) ModifyOrder(ctx context.Context, owner uuid.UUID, proof []byte, id model.OrderID, newQty decimal.Decimal, newExpiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	started := m.clock()
	defer m.finish("modify", started)

	acct, _ := m.enter(ctx, owner, owner)
	o, err := m.book.ValidateModify(id, newQty, newExpiry)
	if err != nil {
		return err
	}
	if o.Owner != owner {
		return errors.NotFound("order %s", id)
	}
	res := m.state.PlanModify(o, acct, newQty, newExpiry)
	settlement, err := m.settle(acct, proof, res.Settled, model.Balances{})
	if err != nil {
		return err
	}

	m.book.Reduce(o, newQty, newExpiry)
	m.state.ApplyModify(res)
	m.vault.Commit(settlement)
	acct.ResetSettlement()

	m.events.Publish(ctx, events.TypeOrderModified, m.symbol, events.OrderPayload{
		OrderID:  id.String(),
		Owner:    owner,
		Side:     o.Side,
		Price:    o.Price,
		Quantity: newQty,
	})
	return nil
}

// DepositStake locks fee-asset stake. It activates at the next epoch
// boundary.
func (m *Market) DepositStake(ctx context.Context, owner, custodyID uuid.UUID, proof []byte, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	started := m.clock()
	defer m.finish("deposit_stake", started)

	if !amount.IsPositive() {
		return errors.InvalidOrderParameters("stake amount must be positive")
	}
	acct, epoch := m.enter(ctx, owner, custodyID)
	settlement, err := m.settle(acct, proof, model.Balances{}, model.Balances{Fee: amount})
	if err != nil {
		return err
	}

	acct.QueueStake(amount, epoch)
	m.vault.Commit(settlement)
	acct.ResetSettlement()
	m.log.Info("stake queued",
		zap.String("owner", owner.String()),
		zap.String("amount", amount.String()),
		zap.Uint64("epoch", epoch))
	return nil
}

// WithdrawStake releases all active and pending stake back to custody.
// Governance benefits stop immediately.
func (m *Market) WithdrawStake(ctx context.Context, owner uuid.UUID, proof []byte) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	started := m.clock()
	defer m.finish("withdraw_stake", started)

	acct, epoch := m.enter(ctx, owner, owner)
	total := acct.Stake.Add(acct.PendingStake)
	if !total.IsPositive() {
		return decimal.Zero, errors.NotFound("no stake to withdraw")
	}
	settlement, err := m.settle(acct, proof, model.Balances{Fee: total}, model.Balances{})
	if err != nil {
		return decimal.Zero, err
	}

	acct.WithdrawStake(epoch)
	m.state.Governance().SetStake(owner, decimal.Zero)
	m.vault.Commit(settlement)
	acct.ResetSettlement()
	return total, nil
}

// ClaimRebate pays out the account's accumulated maker rebates in quote.
func (m *Market) ClaimRebate(ctx context.Context, owner uuid.UUID, proof []byte) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	started := m.clock()
	defer m.finish("claim_rebate", started)

	acct, _ := m.enter(ctx, owner, owner)
	rebate := acct.UnclaimedRebate
	if !rebate.IsPositive() {
		return decimal.Zero, nil
	}
	settlement, err := m.settle(acct, proof, model.Balances{Quote: rebate}, model.Balances{})
	if err != nil {
		return decimal.Zero, err
	}

	m.state.ClaimRebate(acct)
	m.vault.Commit(settlement)
	acct.ResetSettlement()
	return rebate, nil
}

// AddPricePoint feeds one fee-asset conversion sample into the vault window.
func (m *Market) AddPricePoint(ctx context.Context, rate decimal.Decimal, feeToQuote bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	m.rollEpoch(ctx, m.epochOf(now))
	return m.vault.AddPricePoint(rate, now, feeToQuote)
}

// SubmitProposal registers a fee-parameter proposal for the next epoch.
func (m *Market) SubmitProposal(ctx context.Context, owner uuid.UUID, params model.TradeParams) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, epoch := m.enter(ctx, owner, owner)
	return m.state.Governance().SubmitProposal(owner, acct.Stake, acct.StakeEligible(epoch), params)
}

// Vote adds the caller's voting power to a proposal.
func (m *Market) Vote(ctx context.Context, owner uuid.UUID, proposalID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, epoch := m.enter(ctx, owner, owner)
	if !acct.StakeEligible(epoch) {
		return errors.OutOfBounds("stake not active long enough to vote")
	}
	return m.state.Governance().Vote(owner, proposalID)
}

// FlashLoan borrows pool liquidity for the duration of fn. fn must repay the
// loan through the vault handle it is given; an unrepaid loan is force-repaid
// and the operation fails.
func (m *Market) FlashLoan(custodyID uuid.UUID, asset model.Asset, amount decimal.Decimal, fn func(*vault.Vault, *vault.Loan) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	started := m.clock()
	defer m.finish("flash_loan", started)

	loan, err := m.vault.Borrow(custodyID, asset, amount)
	if err != nil {
		return err
	}
	fnErr := fn(m.vault, loan)
	if m.vault.Outstanding() > 0 {
		if err := m.vault.Repay(custodyID, loan); err != nil {
			panic(errors.Internal("unrepayable flash loan of %s %s: %v", amount, asset, err))
		}
		if fnErr == nil {
			fnErr = errors.InvalidOrderParameters("flash loan was not repaid by the borrower")
		}
	}
	return fnErr
}

// Snapshot returns the aggregated top-of-book depth.
func (m *Market) Snapshot(depth int) (bids, asks []book.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.book.Snapshot(depth)
}

// Order returns a resting order by id.
func (m *Market) Order(id model.OrderID) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.book.Get(id)
	if err != nil {
		return nil, err
	}
	cp := *o
	return &cp, nil
}

// Account returns a copy of the owner's ledger view.
func (m *Market) Account(owner uuid.UUID) (*account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.state.Accounts().Get(owner)
	if a == nil {
		return nil, errors.NotFound("account %s", owner)
	}
	cp := *a
	cp.OpenOrders = make(map[model.OrderID]struct{}, len(a.OpenOrders))
	for id := range a.OpenOrders {
		cp.OpenOrders[id] = struct{}{}
	}
	return &cp, nil
}

// TradeParams returns the currently effective fee parameters.
func (m *Market) TradeParams() model.TradeParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Governance().Params()
}

// EpochRecord returns a closed epoch's aggregates.
func (m *Market) EpochRecord(epoch uint64) (*history.EpochRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.History().Archived(epoch)
}
