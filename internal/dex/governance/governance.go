// Package governance holds the epoch-scoped fee-parameter state machine:
// staked accounts propose TradeParams for the next epoch and vote with
// stake-derived voting power. Quorum is evaluated lazily at rollover; all
// proposals and votes are discarded every epoch regardless of outcome.
package governance

import (
	"math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/unxversal/dexcore/common/errors"
	"github.com/unxversal/dexcore/internal/dex/model"
)

// Bounds are the per-pool-class limits on proposed fees, in basis points.
type Bounds struct {
	TakerMin decimal.Decimal
	TakerMax decimal.Decimal
	MakerMin decimal.Decimal
	MakerMax decimal.Decimal
}

func bps(v string) decimal.Decimal { d, _ := decimal.NewFromString(v); return d }

var poolBounds = map[string]Bounds{
	model.PoolVolatile:    {TakerMin: bps("1"), TakerMax: bps("10"), MakerMin: bps("0"), MakerMax: bps("5")},
	model.PoolStable:      {TakerMin: bps("0.1"), TakerMax: bps("1"), MakerMin: bps("0"), MakerMax: bps("0.5")},
	model.PoolWhitelisted: {TakerMin: bps("0"), TakerMax: bps("0"), MakerMin: bps("0"), MakerMax: bps("0")},
}

// BoundsFor returns the proposal bounds for a pool class.
func BoundsFor(poolClass string) (Bounds, bool) {
	b, ok := poolBounds[poolClass]
	return b, ok
}

// Proposal is one staked account's suggested TradeParams for the next epoch.
type Proposal struct {
	ID       uuid.UUID
	Proposer uuid.UUID
	Params   model.TradeParams
	Votes    decimal.Decimal
}

// Governance tracks the current parameter set and the active epoch's
// proposals and votes for one market.
type Governance struct {
	poolClass string
	cutoff    decimal.Decimal // voting-power stake cutoff Vc
	params    model.TradeParams

	proposals map[uuid.UUID]*Proposal
	voted     map[uuid.UUID]uuid.UUID // voter -> proposal

	// stakes mirrors every account's active stake so total voting power
	// (the quorum denominator) is known without walking the ledger.
	stakes map[uuid.UUID]decimal.Decimal

	log *zap.Logger
}

// New creates governance state with the given initial parameters.
func New(poolClass string, cutoff decimal.Decimal, initial model.TradeParams, log *zap.Logger) *Governance {
	if log == nil {
		log = zap.NewNop()
	}
	return &Governance{
		poolClass: poolClass,
		cutoff:    cutoff,
		params:    initial,
		proposals: make(map[uuid.UUID]*Proposal),
		voted:     make(map[uuid.UUID]uuid.UUID),
		stakes:    make(map[uuid.UUID]decimal.Decimal),
		log:       log,
	}
}

// Params returns the currently effective TradeParams.
func (g *Governance) Params() model.TradeParams { return g.params }

// SetStake records an account's active stake for quorum accounting. A zero
// stake removes the entry.
func (g *Governance) SetStake(account uuid.UUID, stake decimal.Decimal) {
	if stake.IsPositive() {
		g.stakes[account] = stake
		return
	}
	delete(g.stakes, account)
}

// VotingPower implements the sub-linear power curve
// V = min(S, Vc) + sqrt(max(S - Vc, 0)): linear up to the cutoff, square-root
// beyond it.
func (g *Governance) VotingPower(stake decimal.Decimal) decimal.Decimal {
	capped := decimal.Min(stake, g.cutoff)
	excess := decimal.Max(stake.Sub(g.cutoff), decimal.Zero)
	if excess.IsZero() {
		return capped
	}
	f, _ := excess.Float64()
	return capped.Add(decimal.NewFromFloat(math.Sqrt(f)))
}

// TotalVotingPower sums the voting power of every staked account this epoch.
func (g *Governance) TotalVotingPower() decimal.Decimal {
	total := decimal.Zero
	for _, s := range g.stakes {
		total = total.Add(g.VotingPower(s))
	}
	return total
}

// SubmitProposal registers a proposal for the next epoch. The proposer must
// hold active stake that has been in place since the start of the prior epoch
// (stakeEligible, established by the account ledger), and the proposed values
// must fall within the pool class bounds.
func (g *Governance) SubmitProposal(proposer uuid.UUID, stake decimal.Decimal, stakeEligible bool, params model.TradeParams) (uuid.UUID, error) {
	if !stake.IsPositive() || !stakeEligible {
		return uuid.Nil, errors.OutOfBounds("proposer stake not active long enough")
	}
	b, ok := poolBounds[g.poolClass]
	if !ok {
		return uuid.Nil, errors.OutOfBounds("unknown pool class %q", g.poolClass)
	}
	if params.TakerFeeBps.LessThan(b.TakerMin) || params.TakerFeeBps.GreaterThan(b.TakerMax) {
		return uuid.Nil, errors.OutOfBounds("taker fee %s outside [%s, %s] bps",
			params.TakerFeeBps, b.TakerMin, b.TakerMax)
	}
	if params.MakerFeeBps.LessThan(b.MakerMin) || params.MakerFeeBps.GreaterThan(b.MakerMax) {
		return uuid.Nil, errors.OutOfBounds("maker fee %s outside [%s, %s] bps",
			params.MakerFeeBps, b.MakerMin, b.MakerMax)
	}
	if params.RequiredStake.IsNegative() {
		return uuid.Nil, errors.OutOfBounds("required stake must not be negative")
	}
	p := &Proposal{ID: uuid.New(), Proposer: proposer, Params: params, Votes: decimal.Zero}
	g.proposals[p.ID] = p
	g.log.Debug("proposal submitted",
		zap.String("proposal_id", p.ID.String()),
		zap.String("taker_fee_bps", params.TakerFeeBps.String()),
		zap.String("maker_fee_bps", params.MakerFeeBps.String()))
	return p.ID, nil
}

// Vote adds the account's voting power to a proposal. Re-voting moves the
// account's power from its previous choice.
func (g *Governance) Vote(account uuid.UUID, proposalID uuid.UUID) error {
	p, ok := g.proposals[proposalID]
	if !ok {
		return errors.NotFound("proposal %s", proposalID)
	}
	stake, ok := g.stakes[account]
	if !ok || !stake.IsPositive() {
		return errors.OutOfBounds("account has no active stake to vote with")
	}
	power := g.VotingPower(stake)
	if prev, ok := g.voted[account]; ok {
		if prevP, ok := g.proposals[prev]; ok {
			prevP.Votes = prevP.Votes.Sub(power)
		}
	}
	p.Votes = p.Votes.Add(power)
	g.voted[account] = proposalID
	return nil
}

// Proposals returns the live proposals for inspection.
func (g *Governance) Proposals() []*Proposal {
	out := make([]*Proposal, 0, len(g.proposals))
	for _, p := range g.proposals {
		out = append(out, p)
	}
	return out
}

// Rollover evaluates quorum and resets the epoch's proposal state. The
// winning proposal's parameters become effective from the new epoch if and
// only if its accumulated votes exceed half the total voting power. Ties and
// missed quorum leave the current parameters unchanged.
func (g *Governance) Rollover() (model.TradeParams, bool) {
	defer func() {
		g.proposals = make(map[uuid.UUID]*Proposal)
		g.voted = make(map[uuid.UUID]uuid.UUID)
	}()

	quorum := g.TotalVotingPower().Div(decimal.NewFromInt(2))
	var winner *Proposal
	tied := false
	for _, p := range g.proposals {
		switch {
		case winner == nil || p.Votes.GreaterThan(winner.Votes):
			winner = p
			tied = false
		case p.Votes.Equal(winner.Votes):
			tied = true
		}
	}
	if winner == nil || tied || !winner.Votes.GreaterThan(quorum) {
		return g.params, false
	}
	g.params = winner.Params
	g.log.Info("trade params applied",
		zap.String("proposal_id", winner.ID.String()),
		zap.String("taker_fee_bps", g.params.TakerFeeBps.String()),
		zap.String("maker_fee_bps", g.params.MakerFeeBps.String()),
		zap.String("required_stake", g.params.RequiredStake.String()))
	return g.params, true
}
