// Package state turns book match plans into ledger effects: maker proceeds,
// taker fees, escrow reservation and release, and the volume aggregates that
// feed governance and history. Like the book, it is two-phase: Plan* methods
// compute deltas without mutating anything, Apply* methods commit them.
package state

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/unxversal/dexcore/common/errors"
	"github.com/unxversal/dexcore/internal/dex/account"
	"github.com/unxversal/dexcore/internal/dex/book"
	"github.com/unxversal/dexcore/internal/dex/governance"
	"github.com/unxversal/dexcore/internal/dex/history"
	"github.com/unxversal/dexcore/internal/dex/model"
)

var bpsDivisor = decimal.NewFromInt(10_000)

// State orchestrates governance, history and accounts against book events.
type State struct {
	gov      *governance.Governance
	hist     *history.History
	accounts *account.Manager

	// discountRatio scales the taker fee for accounts qualifying on both
	// the stake and fee-asset-volume thresholds.
	discountRatio decimal.Decimal

	log *zap.Logger
}

// New wires the ledger layers together.
func New(gov *governance.Governance, hist *history.History, accounts *account.Manager, discountRatio decimal.Decimal, log *zap.Logger) *State {
	if log == nil {
		log = zap.NewNop()
	}
	return &State{
		gov:           gov,
		hist:          hist,
		accounts:      accounts,
		discountRatio: discountRatio,
		log:           log,
	}
}

// Accounts exposes the account ledger to the market orchestrator.
func (s *State) Accounts() *account.Manager { return s.accounts }

// Governance exposes governance state to the market orchestrator.
func (s *State) Governance() *governance.Governance { return s.gov }

// History exposes epoch history to the market orchestrator.
func (s *State) History() *history.History { return s.hist }

// makerEffect is one maker's pending ledger mutation.
type makerEffect struct {
	acct        *account.Account
	settled     model.Balances
	notional    decimal.Decimal
	fees        decimal.Decimal // quote-denominated fees collected on the fill
	staked      bool
	removeOrder *model.OrderID // set when the resting order leaves the book
}

// escrowRelease returns reserved funds to an order owner's settled balance.
type escrowRelease struct {
	acct    *account.Account
	settled model.Balances
	orderID model.OrderID
}

// CreateResult is the planned ledger effect of one match plan.
type CreateResult struct {
	Fills   []model.Fill
	Settled model.Balances // taker delta
	Owed    model.Balances // taker delta

	taker        *account.Account
	takerVolume  decimal.Decimal
	feeVolume    decimal.Decimal
	feeAssetFees decimal.Decimal // taker fees collected in fee-asset units
	makerEffects []makerEffect
	releases     []escrowRelease
	resting      *model.OrderID
}

// escrowFor returns the funds reserved for the unfilled remainder of a
// resting order: quote at the limit price for bids, base for asks.
func escrowFor(o *model.Order, qty decimal.Decimal) model.Balances {
	if o.Side == model.SideBuy {
		return model.Balances{Quote: qty.Mul(o.Price)}
	}
	return model.Balances{Base: qty}
}

// takerQualifiesForDiscount requires both thresholds: active stake at the
// required level and epoch-to-date fee-asset volume at the same level.
// Partial qualification grants nothing.
func (s *State) takerQualifiesForDiscount(taker *account.Account, required decimal.Decimal) bool {
	if !required.IsPositive() {
		return false
	}
	return taker.Stake.GreaterThanOrEqual(required) &&
		taker.FeeAssetVolume.GreaterThanOrEqual(required)
}

// PlanCreate computes the full ledger effect of a match plan. convRate is the
// latest fee-asset conversion rate (quote per fee-asset unit); hasRate is
// false when no price sample has been pushed yet.
func (s *State) PlanCreate(bp *book.MatchPlan, taker *account.Account, epoch uint64, convRate decimal.Decimal, hasRate bool) (*CreateResult, error) {
	if bp.Request.PayFeeInAsset && !hasRate {
		return nil, errors.InvalidOrderParameters("no fee-asset conversion rate available")
	}

	params := s.gov.Params()
	takerRate := params.TakerFeeBps.Div(bpsDivisor)
	if s.takerQualifiesForDiscount(taker, params.RequiredStake) {
		takerRate = takerRate.Mul(s.discountRatio)
	}
	makerRate := params.MakerFeeBps.Div(bpsDivisor)

	res := &CreateResult{taker: taker}
	takerBuys := bp.Request.Side == model.SideBuy

	for _, pf := range bp.Fills {
		o := pf.Order
		notional := pf.Qty.Mul(o.Price)
		takerFee := notional.Mul(takerRate)
		makerFee := notional.Mul(makerRate)

		makerAcct := s.accounts.Get(o.Owner)
		if makerAcct == nil {
			return nil, errors.Internal("maker %s has no account", o.Owner)
		}
		makerStaked := makerAcct.Stake.GreaterThanOrEqual(params.RequiredStake) &&
			params.RequiredStake.IsPositive()

		// Maker attribution counts only fees the pool collects in quote;
		// fee-asset-paid taker fees are tracked apart and never rebated.
		attributed := makerFee
		if !bp.Request.PayFeeInAsset {
			attributed = attributed.Add(takerFee)
		}
		eff := makerEffect{
			acct:     makerAcct,
			notional: notional,
			fees:     attributed,
			staked:   makerStaked,
		}
		if takerBuys {
			// Maker sold base it escrowed at placement; proceeds are
			// quote net of the maker fee.
			eff.settled = model.Balances{Quote: notional.Sub(makerFee)}
			res.Settled = res.Settled.AddAsset(model.AssetBase, pf.Qty)
			res.Owed = res.Owed.AddAsset(model.AssetQuote, notional)
		} else {
			// Maker bought base against escrowed quote; the maker fee
			// comes out of the base proceeds at the fill price.
			baseFee := makerFee.Div(o.Price)
			eff.settled = model.Balances{Base: pf.Qty.Sub(baseFee)}
			res.Settled = res.Settled.AddAsset(model.AssetQuote, notional)
			res.Owed = res.Owed.AddAsset(model.AssetBase, pf.Qty)
		}
		if makerAcct == taker {
			// A self-fill settles the maker proceeds inside this
			// operation; deferring them to the account's next interaction
			// would strand them when the taker's accrual is reset.
			res.Settled = res.Settled.Add(eff.settled)
			eff.settled = model.Balances{}
		}
		if bp.Request.PayFeeInAsset {
			feeAsset := takerFee.Div(convRate)
			res.Owed = res.Owed.AddAsset(model.AssetFee, feeAsset)
			res.feeAssetFees = res.feeAssetFees.Add(feeAsset)
		} else {
			res.Owed = res.Owed.AddAsset(model.AssetQuote, takerFee)
		}
		if pf.Qty.Equal(o.Quantity) {
			id := o.ID
			eff.removeOrder = &id
		}
		res.makerEffects = append(res.makerEffects, eff)

		res.Fills = append(res.Fills, model.Fill{
			MakerOrderID:   o.ID,
			Maker:          o.Owner,
			TakerRequestID: bp.Request.RequestID,
			Taker:          bp.Request.Owner,
			Price:          o.Price,
			BaseQty:        pf.Qty,
			QuoteQty:       notional,
			MakerFee:       makerFee,
			TakerFee:       takerFee,
			MakerEpoch:     epoch,
		})
		res.takerVolume = res.takerVolume.Add(notional)
		if hasRate {
			res.feeVolume = res.feeVolume.Add(notional.Div(convRate))
		}
	}

	// Expired and self-match-cancelled orders release their escrow back to
	// their owners. Releases for the taker's own orders settle in this
	// operation for the same reason as self-fill proceeds.
	for _, o := range append(append([]*model.Order{}, bp.Pruned...), bp.SelfCxl...) {
		owner := s.accounts.Get(o.Owner)
		if owner == nil {
			return nil, errors.Internal("order owner %s has no account", o.Owner)
		}
		rel := escrowRelease{
			acct:    owner,
			settled: escrowFor(o, o.Quantity),
			orderID: o.ID,
		}
		if owner == taker {
			res.Settled = res.Settled.Add(rel.settled)
			rel.settled = model.Balances{}
		}
		res.releases = append(res.releases, rel)
	}

	// The injected remainder reserves its escrow from the taker.
	if bp.Resting != nil {
		res.Owed = res.Owed.Add(escrowFor(bp.Resting, bp.Resting.Quantity))
		id := bp.Resting.ID
		res.resting = &id
	}
	return res, nil
}

// ApplyCreate commits a planned create: maker ledgers, history aggregates,
// open-order bookkeeping and the taker's settled/owed accumulation.
func (s *State) ApplyCreate(res *CreateResult) {
	for _, eff := range res.makerEffects {
		eff.acct.Settled = eff.acct.Settled.Add(eff.settled)
		eff.acct.ActiveVolume = eff.acct.ActiveVolume.Add(eff.notional)
		if eff.removeOrder != nil {
			eff.acct.RemoveOpenOrder(*eff.removeOrder)
		}
		s.hist.AddFill(eff.acct.Owner, eff.notional, eff.fees, eff.staked)
	}
	for _, rel := range res.releases {
		rel.acct.Settled = rel.acct.Settled.Add(rel.settled)
		rel.acct.RemoveOpenOrder(rel.orderID)
	}
	if res.feeAssetFees.IsPositive() {
		s.hist.AddFeeAssetFees(res.feeAssetFees)
	}
	res.taker.ActiveVolume = res.taker.ActiveVolume.Add(res.takerVolume)
	res.taker.FeeAssetVolume = res.taker.FeeAssetVolume.Add(res.feeVolume)
	if res.resting != nil {
		res.taker.AddOpenOrder(*res.resting)
	}
	res.taker.Settled = res.taker.Settled.Add(res.Settled)
	res.taker.Owed = res.taker.Owed.Add(res.Owed)
}

// CancelResult is the planned effect of cancelling one resting order.
type CancelResult struct {
	Order   *model.Order
	Settled model.Balances

	acct *account.Account
}

// PlanCancel releases the escrow reserved for the order's remaining
// quantity. The caller must have established ownership.
func (s *State) PlanCancel(o *model.Order, owner *account.Account) *CancelResult {
	return &CancelResult{
		Order:   o,
		Settled: escrowFor(o, o.Quantity),
		acct:    owner,
	}
}

// ApplyCancel commits the release.
func (s *State) ApplyCancel(res *CancelResult) {
	res.acct.Settled = res.acct.Settled.Add(res.Settled)
	res.acct.RemoveOpenOrder(res.Order.ID)
}

// ModifyResult is the planned effect of reducing a resting order.
type ModifyResult struct {
	Order   *model.Order
	OldQty  decimal.Decimal
	NewQty  decimal.Decimal
	Expiry  time.Time
	Settled model.Balances

	acct *account.Account
}

// PlanModify releases escrow proportional to the quantity reduction.
func (s *State) PlanModify(o *model.Order, owner *account.Account, newQty decimal.Decimal, newExpiry time.Time) *ModifyResult {
	released := o.Quantity.Sub(newQty)
	return &ModifyResult{
		Order:   o,
		OldQty:  o.Quantity,
		NewQty:  newQty,
		Expiry:  newExpiry,
		Settled: escrowFor(o, released),
		acct:    owner,
	}
}

// ApplyModify commits the release. The book applies the reduction itself.
func (s *State) ApplyModify(res *ModifyResult) {
	res.acct.Settled = res.acct.Settled.Add(res.Settled)
}

// ClaimRebate moves the account's unclaimed rebate into its settled quote
// balance and returns the claimed amount.
func (s *State) ClaimRebate(a *account.Account) decimal.Decimal {
	r := a.UnclaimedRebate
	if !r.IsPositive() {
		return decimal.Zero
	}
	a.UnclaimedRebate = decimal.Zero
	a.Settled = a.Settled.AddAsset(model.AssetQuote, r)
	return r
}
