// Package history keeps the per-epoch volume and fee aggregates and computes
// maker rebates at epoch rollover. Closed epochs are archived by epoch number
// so accounts can claim rebates lazily on their next interaction.
package history

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
	"go.uber.org/zap"
)

// MakerStats accumulates one maker's contribution inside an epoch.
type MakerStats struct {
	Fees      decimal.Decimal // fees attributable to this maker's volume
	Liquidity decimal.Decimal // traded, not merely quoted, liquidity
	Staked    bool            // met the epoch's stake requirement
}

// EpochRecord is the aggregate for one epoch. Mutable while the epoch is
// open, frozen once archived.
type EpochRecord struct {
	Epoch         uint64
	TotalVolume   decimal.Decimal
	StakedVolume  decimal.Decimal
	FeesCollected decimal.Decimal // quote-denominated; the rebate cap

	// FeeAssetCollected holds taker fees paid in fee-asset units. They back
	// no rebates (those are paid in quote) and are burned in full.
	FeeAssetCollected decimal.Decimal

	RebatesPaid decimal.Decimal
	Burned      decimal.Decimal
	Makers      map[uuid.UUID]*MakerStats
	Rebates     map[uuid.UUID]decimal.Decimal // filled at rollover
}

func newRecord(epoch uint64) *EpochRecord {
	return &EpochRecord{
		Epoch:             epoch,
		TotalVolume:       decimal.Zero,
		StakedVolume:      decimal.Zero,
		FeesCollected:     decimal.Zero,
		FeeAssetCollected: decimal.Zero,
		RebatesPaid:       decimal.Zero,
		Burned:            decimal.Zero,
		Makers:            make(map[uuid.UUID]*MakerStats),
	}
}

// History owns the open EpochRecord and the archive of closed ones.
type History struct {
	current *EpochRecord
	archive btree.Map[uint64, *EpochRecord]

	// phaseOut is the per-epoch rebate phase-out liquidity threshold. It is
	// an external policy input, never derived here.
	phaseOut decimal.Decimal

	log *zap.Logger
}

// New creates history state opening at the given epoch.
func New(epoch uint64, phaseOut decimal.Decimal, log *zap.Logger) *History {
	if log == nil {
		log = zap.NewNop()
	}
	return &History{current: newRecord(epoch), phaseOut: phaseOut, log: log}
}

// Current returns the open epoch record.
func (h *History) Current() *EpochRecord { return h.current }

// SetPhaseOutLiquidity updates the policy threshold used at the next
// rollover.
func (h *History) SetPhaseOutLiquidity(p decimal.Decimal) { h.phaseOut = p }

// AddFill folds one fill into the open epoch: quote notional into volume,
// the fill's fees into the collection totals, and the maker's attribution.
func (h *History) AddFill(maker uuid.UUID, quoteNotional, fees decimal.Decimal, makerStaked bool) {
	rec := h.current
	rec.TotalVolume = rec.TotalVolume.Add(quoteNotional)
	if makerStaked {
		rec.StakedVolume = rec.StakedVolume.Add(quoteNotional)
	}
	rec.FeesCollected = rec.FeesCollected.Add(fees)

	ms, ok := rec.Makers[maker]
	if !ok {
		ms = &MakerStats{Fees: decimal.Zero, Liquidity: decimal.Zero}
		rec.Makers[maker] = ms
	}
	ms.Fees = ms.Fees.Add(fees)
	ms.Liquidity = ms.Liquidity.Add(quoteNotional)
	if makerStaked {
		ms.Staked = true
	}
}

// AddFeeAssetFees records taker fees collected in fee-asset units. They are
// kept apart from FeesCollected so the rebate cap only covers quote the pool
// actually holds.
func (h *History) AddFeeAssetFees(amount decimal.Decimal) {
	h.current.FeeAssetCollected = h.current.FeeAssetCollected.Add(amount)
}

// Rollover closes the open record, computes rebates, archives it, and opens
// a fresh record for newEpoch. Calling it again for the same boundary is a
// no-op, which makes racing triggers harmless.
func (h *History) Rollover(newEpoch uint64) *EpochRecord {
	if newEpoch <= h.current.Epoch {
		return nil
	}
	closed := h.current
	closed.Rebates = h.computeRebates(closed)

	paid := decimal.Zero
	for _, r := range closed.Rebates {
		paid = paid.Add(r)
	}
	closed.RebatesPaid = paid
	closed.Burned = closed.FeesCollected.Sub(paid)

	h.archive.Set(closed.Epoch, closed)
	h.current = newRecord(newEpoch)
	h.log.Info("epoch closed",
		zap.Uint64("epoch", closed.Epoch),
		zap.String("volume", closed.TotalVolume.String()),
		zap.String("fees", closed.FeesCollected.String()),
		zap.String("rebates", paid.String()),
		zap.String("burned", closed.Burned.String()))
	return closed
}

// computeRebates evaluates, for each maker i in the staked set M (with M̄ the
// unstaked rest):
//
//	incentive_i = max( F_i * (1 + ΣF_M̄/ΣF_M) * (1 − (ΣL_all − L_i)/p), 0 )
//
// and scales the result so the total never exceeds the fees collected. The
// uncommitted remainder is burned, not distributed.
func (h *History) computeRebates(rec *EpochRecord) map[uuid.UUID]decimal.Decimal {
	out := make(map[uuid.UUID]decimal.Decimal)
	if !h.phaseOut.IsPositive() {
		return out
	}

	sumFStaked := decimal.Zero
	sumFUnstaked := decimal.Zero
	sumLAll := decimal.Zero
	for _, ms := range rec.Makers {
		sumLAll = sumLAll.Add(ms.Liquidity)
		if ms.Staked {
			sumFStaked = sumFStaked.Add(ms.Fees)
		} else {
			sumFUnstaked = sumFUnstaked.Add(ms.Fees)
		}
	}
	if !sumFStaked.IsPositive() {
		return out
	}

	boost := decimal.NewFromInt(1).Add(sumFUnstaked.Div(sumFStaked))
	total := decimal.Zero
	for id, ms := range rec.Makers {
		if !ms.Staked {
			continue
		}
		others := sumLAll.Sub(ms.Liquidity)
		factor := decimal.NewFromInt(1).Sub(others.Div(h.phaseOut))
		incentive := ms.Fees.Mul(boost).Mul(factor)
		if !incentive.IsPositive() {
			continue
		}
		out[id] = incentive
		total = total.Add(incentive)
	}

	// Cap the payout at the fees actually collected this epoch.
	if total.GreaterThan(rec.FeesCollected) && total.IsPositive() {
		scale := rec.FeesCollected.Div(total)
		for id := range out {
			out[id] = out[id].Mul(scale)
		}
	}
	return out
}

// Archived returns the closed record for an epoch.
func (h *History) Archived(epoch uint64) (*EpochRecord, bool) {
	return h.archive.Get(epoch)
}

// RebateFor returns the rebate owed to maker for a closed epoch.
func (h *History) RebateFor(epoch uint64, maker uuid.UUID) decimal.Decimal {
	rec, ok := h.archive.Get(epoch)
	if !ok {
		return decimal.Zero
	}
	if r, ok := rec.Rebates[maker]; ok {
		return r
	}
	return decimal.Zero
}
