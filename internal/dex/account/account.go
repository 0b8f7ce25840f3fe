// Package account is the per-trader ledger: stake with delayed activation,
// epoch volumes, settled/owed balances and the open-order set. Accounts are
// mutated only by the state layer inside a serialized market operation.
package account

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/unxversal/dexcore/internal/dex/history"
	"github.com/unxversal/dexcore/internal/dex/model"
)

// Account is one trader's ledger, tied one-to-one to a custody identity.
// Never deleted once created.
type Account struct {
	Owner     uuid.UUID
	CustodyID uuid.UUID

	// Stake active this epoch. Newly queued stake sits in PendingStake and
	// activates one epoch after it was queued.
	Stake             decimal.Decimal
	PendingStake      decimal.Decimal
	PendingStakeEpoch uint64
	StakeActiveSince  uint64 // epoch in which the current stake became active

	ActiveVolume   decimal.Decimal // quote volume this epoch
	FeeAssetVolume decimal.Decimal // epoch volume converted to fee-asset units

	Settled model.Balances
	Owed    model.Balances

	OpenOrders      map[model.OrderID]struct{}
	UnclaimedRebate decimal.Decimal

	LastEpoch uint64
}

// StakeEligible reports whether the account's stake has been active since the
// start of the prior epoch, the bar for submitting and voting on proposals.
func (a *Account) StakeEligible(epoch uint64) bool {
	return a.Stake.IsPositive() && a.StakeActiveSince+1 <= epoch
}

// Manager owns every account of one market.
type Manager struct {
	accounts map[uuid.UUID]*Account
	log      *zap.Logger
}

// NewManager creates an empty account ledger.
func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{accounts: make(map[uuid.UUID]*Account), log: log}
}

// GetOrCreate returns the account for owner, creating it on first
// interaction.
func (m *Manager) GetOrCreate(owner, custodyID uuid.UUID, epoch uint64) *Account {
	if a, ok := m.accounts[owner]; ok {
		return a
	}
	a := &Account{
		Owner:            owner,
		CustodyID:        custodyID,
		Stake:            decimal.Zero,
		PendingStake:     decimal.Zero,
		ActiveVolume:     decimal.Zero,
		FeeAssetVolume:   decimal.Zero,
		UnclaimedRebate:  decimal.Zero,
		OpenOrders:       make(map[model.OrderID]struct{}),
		LastEpoch:        epoch,
		StakeActiveSince: epoch,
	}
	m.accounts[owner] = a
	return a
}

// Get returns an existing account, or nil.
func (m *Manager) Get(owner uuid.UUID) *Account { return m.accounts[owner] }

// Touch performs the account's epoch transition on its first interaction in
// a new epoch: collect rebates from every closed epoch since the last one
// seen, activate stake queued in a prior epoch, and reset epoch volumes.
func (m *Manager) Touch(a *Account, epoch uint64, hist *history.History) {
	if a.LastEpoch >= epoch {
		return
	}
	for e := a.LastEpoch; e < epoch; e++ {
		if r := hist.RebateFor(e, a.Owner); r.IsPositive() {
			a.UnclaimedRebate = a.UnclaimedRebate.Add(r)
		}
	}
	if a.PendingStake.IsPositive() && a.PendingStakeEpoch < epoch {
		a.Stake = a.Stake.Add(a.PendingStake)
		a.StakeActiveSince = a.PendingStakeEpoch + 1
		a.PendingStake = decimal.Zero
	}
	a.ActiveVolume = decimal.Zero
	a.FeeAssetVolume = decimal.Zero
	a.LastEpoch = epoch
	m.log.Debug("account rolled into epoch",
		zap.String("owner", a.Owner.String()),
		zap.Uint64("epoch", epoch),
		zap.String("stake", a.Stake.String()),
		zap.String("unclaimed_rebate", a.UnclaimedRebate.String()))
}

// QueueStake schedules additional stake; it activates next epoch.
func (a *Account) QueueStake(amount decimal.Decimal, epoch uint64) {
	a.PendingStake = a.PendingStake.Add(amount)
	a.PendingStakeEpoch = epoch
}

// WithdrawStake removes active and pending stake at once and returns the
// total to be released to custody. Benefits stop immediately.
func (a *Account) WithdrawStake(epoch uint64) decimal.Decimal {
	total := a.Stake.Add(a.PendingStake)
	a.Stake = decimal.Zero
	a.PendingStake = decimal.Zero
	a.StakeActiveSince = epoch
	return total
}

// AddOpenOrder records an injected resting order.
func (a *Account) AddOpenOrder(id model.OrderID) { a.OpenOrders[id] = struct{}{} }

// RemoveOpenOrder drops an order on fill completion, cancel, or expiry.
func (a *Account) RemoveOpenOrder(id model.OrderID) { delete(a.OpenOrders, id) }

// ResetSettlement zeroes the settled/owed balances after a vault settlement
// has reconciled them against custody.
func (a *Account) ResetSettlement() {
	a.Settled = model.Balances{}
	a.Owed = model.Balances{}
}
