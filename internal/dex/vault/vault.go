// Package vault reconciles an account's settled/owed balances against the
// custody collaborator and maintains the fee-asset conversion-rate window.
// Settlement is two-phase: Prepare verifies coverage without moving anything,
// Commit performs the transfers. The market pipeline commits only after every
// stage has prepared successfully.
package vault

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/unxversal/dexcore/common/errors"
	"github.com/unxversal/dexcore/internal/dex/custody"
	"github.com/unxversal/dexcore/internal/dex/model"
)

// Vault mediates between ledger deltas and custody for one market.
type Vault struct {
	custody custody.Service
	poolID  uuid.UUID // the market's own custody account

	window      *priceWindow
	outstanding int // unrepaid flash loans in the current operation

	log *zap.Logger
}

// New creates a vault settling against the given custody pool account.
func New(svc custody.Service, poolID uuid.UUID, log *zap.Logger) *Vault {
	if log == nil {
		log = zap.NewNop()
	}
	return &Vault{
		custody: svc,
		poolID:  poolID,
		window:  newPriceWindow(priceWindowCapacity),
		log:     log,
	}
}

// PoolID returns the market's custody account id.
func (v *Vault) PoolID() uuid.UUID { return v.poolID }

type transfer struct {
	asset     model.Asset
	amount    decimal.Decimal
	toAccount bool // pool -> account when true, account -> pool otherwise
}

// Settlement is a prepared, not-yet-applied set of custody transfers for one
// account.
type Settlement struct {
	custodyID uuid.UUID
	transfers []transfer
}

// Empty reports whether the settlement moves nothing.
func (s *Settlement) Empty() bool { return len(s.transfers) == 0 }

// Prepare verifies the proof and that both sides can cover their transfers:
// the account's external balances for every owed excess, and the pool's for
// every settled excess. Nothing is moved yet. Fails closed with
// StaleOrInvalidProof or InsufficientExternalBalance.
func (v *Vault) Prepare(custodyID uuid.UUID, proof []byte, settled, owed model.Balances) (*Settlement, error) {
	if !v.custody.ValidateProof(custodyID, proof) {
		return nil, errors.StaleOrInvalidProof("custody %s rejected proof", custodyID)
	}
	s := &Settlement{custodyID: custodyID}
	for _, asset := range model.Assets {
		net := settled.Get(asset).Sub(owed.Get(asset))
		switch {
		case net.IsPositive():
			if v.custody.Balance(v.poolID, asset).LessThan(net) {
				return nil, errors.InsufficientExternalBalance("%s: pool cannot cover %s owed to %s",
					asset, net, custodyID)
			}
			s.transfers = append(s.transfers, transfer{asset: asset, amount: net, toAccount: true})
		case net.IsNegative():
			need := net.Neg()
			if v.custody.Balance(custodyID, asset).LessThan(need) {
				return nil, errors.InsufficientExternalBalance("%s: account %s cannot cover %s",
					asset, custodyID, need)
			}
			s.transfers = append(s.transfers, transfer{asset: asset, amount: need})
		}
	}
	return s, nil
}

// Commit applies a prepared settlement. Prepare verified coverage inside the
// same serialized operation, so a debit failure here is an invariant
// violation.
func (v *Vault) Commit(s *Settlement) {
	for _, t := range s.transfers {
		if t.toAccount {
			if err := v.custody.Debit(v.poolID, t.asset, t.amount); err != nil {
				panic(errors.Internal("custody pool underfunded for %s %s: %v", t.amount, t.asset, err))
			}
			v.custody.Credit(s.custodyID, t.asset, t.amount)
		} else {
			if err := v.custody.Debit(s.custodyID, t.asset, t.amount); err != nil {
				panic(errors.Internal("prepared debit failed for %s %s: %v", t.amount, t.asset, err))
			}
			v.custody.Credit(v.poolID, t.asset, t.amount)
		}
	}
	if len(s.transfers) > 0 {
		v.log.Debug("settlement committed",
			zap.String("custody_id", s.custodyID.String()),
			zap.Int("transfers", len(s.transfers)))
	}
}

// Loan is the linear settlement token: custody pool liquidity borrowed for
// the duration of one operation. It cannot be constructed outside this
// package and must be returned via Repay before the operation ends; the
// market fails any operation that leaves a loan outstanding.
type Loan struct {
	asset  model.Asset
	amount decimal.Decimal
	repaid bool
	v      *Vault
}

// Amount returns the borrowed quantity.
func (l *Loan) Amount() decimal.Decimal { return l.amount }

// Borrow draws liquidity from the custody pool into the borrower's external
// balance and issues the matching Loan token.
func (v *Vault) Borrow(custodyID uuid.UUID, asset model.Asset, amount decimal.Decimal) (*Loan, error) {
	if !amount.IsPositive() {
		return nil, errors.InvalidOrderParameters("loan amount must be positive")
	}
	if err := v.custody.Debit(v.poolID, asset, amount); err != nil {
		return nil, errors.Wrap(errors.CodeInsufficientExternalBalance, err,
			"pool cannot fund loan of %s %s", amount, asset)
	}
	v.custody.Credit(custodyID, asset, amount)
	v.outstanding++
	return &Loan{asset: asset, amount: amount, v: v}, nil
}

// Repay returns the borrowed amount to the pool and consumes the token.
func (v *Vault) Repay(custodyID uuid.UUID, l *Loan) error {
	if l == nil || l.v != v || l.repaid {
		return errors.StaleOrInvalidProof("loan token is not live")
	}
	if err := v.custody.Debit(custodyID, l.asset, l.amount); err != nil {
		return errors.Wrap(errors.CodeInsufficientExternalBalance, err,
			"cannot repay loan of %s %s", l.amount, l.asset)
	}
	v.custody.Credit(v.poolID, l.asset, l.amount)
	l.repaid = true
	v.outstanding--
	return nil
}

// Outstanding returns the number of unrepaid loans.
func (v *Vault) Outstanding() int { return v.outstanding }
