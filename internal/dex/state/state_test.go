package state

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unxversal/dexcore/internal/dex/account"
	"github.com/unxversal/dexcore/internal/dex/book"
	"github.com/unxversal/dexcore/internal/dex/governance"
	"github.com/unxversal/dexcore/internal/dex/history"
	"github.com/unxversal/dexcore/internal/dex/model"
)

func d(v string) decimal.Decimal {
	dec, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return dec
}

func newState(t *testing.T) *State {
	t.Helper()
	params := model.TradeParams{
		TakerFeeBps:   d("10"), // 0.10%
		MakerFeeBps:   d("5"),  // 0.05%
		RequiredStake: d("1000"),
	}
	gov := governance.New(model.PoolVolatile, d("100000"), params, nil)
	hist := history.New(1, d("1000000"), nil)
	accounts := account.NewManager(nil)
	return New(gov, hist, accounts, d("0.5"), nil)
}

func maker(s *State, stake string) (*account.Account, *model.Order) {
	owner := uuid.New()
	a := s.Accounts().GetOrCreate(owner, owner, 1)
	a.Stake = d(stake)
	o := &model.Order{
		ID:       model.OrderID{Price: d("100"), Seq: 1},
		Owner:    owner,
		Side:     model.SideSell,
		Price:    d("100"),
		Quantity: d("10"),
		Original: d("10"),
		Status:   model.OrderStatusOpen,
	}
	a.AddOpenOrder(o.ID)
	return a, o
}

func takerAcct(s *State) *account.Account {
	owner := uuid.New()
	return s.Accounts().GetOrCreate(owner, owner, 1)
}

func buyPlan(taker uuid.UUID, o *model.Order, qty string) *book.MatchPlan {
	q := d(qty)
	return &book.MatchPlan{
		Request: book.Request{
			RequestID: uuid.New(),
			Owner:     taker,
			Side:      model.SideBuy,
			Type:      model.OrderTypeLimit,
			SelfMatch: model.SelfMatchAllow,
			Price:     o.Price,
			Quantity:  q,
		},
		Fills:     []book.PlannedFill{{Order: o, Qty: q}},
		FilledQty: q,
	}
}

func TestPlanCreate_TakerBuyFullFill(t *testing.T) {
	s := newState(t)
	makerA, o := maker(s, "0")
	tk := takerAcct(s)

	res, err := s.PlanCreate(buyPlan(tk.Owner, o, "10"), tk, 1, decimal.Decimal{}, false)
	require.NoError(t, err)

	// Notional 1000; taker fee 10bps = 1, maker fee 5bps = 0.5.
	require.Len(t, res.Fills, 1)
	assert.True(t, res.Fills[0].TakerFee.Equal(d("1")))
	assert.True(t, res.Fills[0].MakerFee.Equal(d("0.5")))
	assert.True(t, res.Settled.Base.Equal(d("10")))
	assert.True(t, res.Owed.Quote.Equal(d("1001"))) // notional + taker fee

	// Planning alone mutates nothing.
	assert.True(t, makerA.Settled.IsZero())
	assert.True(t, tk.ActiveVolume.IsZero())

	s.ApplyCreate(res)
	assert.True(t, makerA.Settled.Quote.Equal(d("999.5")))
	assert.True(t, makerA.ActiveVolume.Equal(d("1000")))
	assert.True(t, tk.ActiveVolume.Equal(d("1000")))
	assert.True(t, tk.Owed.Quote.Equal(d("1001")))
	assert.Empty(t, makerA.OpenOrders)

	rec := s.History().Current()
	assert.True(t, rec.TotalVolume.Equal(d("1000")))
	assert.True(t, rec.FeesCollected.Equal(d("1.5")))
}

func TestPlanCreate_TakerSellMakerBuysBase(t *testing.T) {
	s := newState(t)
	makerOwner := uuid.New()
	makerA := s.Accounts().GetOrCreate(makerOwner, makerOwner, 1)
	o := &model.Order{
		ID:       model.OrderID{Price: d("100"), Seq: 1},
		Owner:    makerOwner,
		Side:     model.SideBuy,
		Price:    d("100"),
		Quantity: d("10"),
		Original: d("10"),
		Status:   model.OrderStatusOpen,
	}
	makerA.AddOpenOrder(o.ID)
	tk := takerAcct(s)

	plan := &book.MatchPlan{
		Request: book.Request{
			RequestID: uuid.New(),
			Owner:     tk.Owner,
			Side:      model.SideSell,
			Type:      model.OrderTypeLimit,
			SelfMatch: model.SelfMatchAllow,
			Price:     d("100"),
			Quantity:  d("10"),
		},
		Fills:     []book.PlannedFill{{Order: o, Qty: d("10")}},
		FilledQty: d("10"),
	}
	res, err := s.PlanCreate(plan, tk, 1, decimal.Decimal{}, false)
	require.NoError(t, err)
	s.ApplyCreate(res)

	// Maker fee 0.5 quote converts to 0.005 base at price 100.
	assert.True(t, makerA.Settled.Base.Equal(d("9.995")))
	assert.True(t, tk.Settled.Quote.Equal(d("1000")))
	assert.True(t, tk.Owed.Base.Equal(d("10")))
	assert.True(t, tk.Owed.Quote.Equal(d("1")))
}

func TestPlanCreate_DiscountRequiresBothThresholds(t *testing.T) {
	s := newState(t)
	_, o := maker(s, "0")
	tk := takerAcct(s)
	tk.Stake = d("1000")

	// Stake alone is not enough.
	res, err := s.PlanCreate(buyPlan(tk.Owner, o, "10"), tk, 1, decimal.Decimal{}, false)
	require.NoError(t, err)
	assert.True(t, res.Fills[0].TakerFee.Equal(d("1")))

	// With matching fee-asset volume the taker fee halves.
	tk.FeeAssetVolume = d("1000")
	res, err = s.PlanCreate(buyPlan(tk.Owner, o, "10"), tk, 1, decimal.Decimal{}, false)
	require.NoError(t, err)
	assert.True(t, res.Fills[0].TakerFee.Equal(d("0.5")))
}

func TestPlanCreate_FeeAssetPayment(t *testing.T) {
	s := newState(t)
	_, o := maker(s, "0")
	tk := takerAcct(s)

	plan := buyPlan(tk.Owner, o, "10")
	plan.Request.PayFeeInAsset = true

	// No conversion rate published yet: rejected.
	_, err := s.PlanCreate(plan, tk, 1, decimal.Decimal{}, false)
	require.Error(t, err)

	// Rate 2 quote per fee-asset unit: fee 1 quote becomes 0.5 fee-asset.
	res, err := s.PlanCreate(plan, tk, 1, d("2"), true)
	require.NoError(t, err)
	assert.True(t, res.Owed.Fee.Equal(d("0.5")))
	assert.True(t, res.Owed.Quote.Equal(d("1000"))) // notional only

	s.ApplyCreate(res)
	// Fee-asset volume accrues at the conversion rate.
	assert.True(t, tk.FeeAssetVolume.Equal(d("500")))
}

func TestPlanCreate_SelfFillSettlesProceedsInline(t *testing.T) {
	s := newState(t)
	makerA, o := maker(s, "0")

	// The taker lifts its own resting sell. The maker proceeds must land
	// in the operation's own settled delta, not in the deferred accrual
	// the commit resets afterwards.
	res, err := s.PlanCreate(buyPlan(makerA.Owner, o, "10"), makerA, 1, decimal.Decimal{}, false)
	require.NoError(t, err)
	assert.True(t, res.Settled.Base.Equal(d("10")))
	assert.True(t, res.Settled.Quote.Equal(d("999.5")))

	s.ApplyCreate(res)
	// Applied exactly once: the taker-side delta carries everything.
	assert.True(t, makerA.Settled.Base.Equal(d("10")))
	assert.True(t, makerA.Settled.Quote.Equal(d("999.5")))
	assert.True(t, makerA.Owed.Quote.Equal(d("1001")))
	assert.Empty(t, makerA.OpenOrders)
}

func TestPlanCreate_SelfCancelledOrderSettlesInline(t *testing.T) {
	s := newState(t)
	makerA, o := maker(s, "0")

	plan := &book.MatchPlan{
		Request: book.Request{
			RequestID: uuid.New(),
			Owner:     makerA.Owner,
			Side:      model.SideBuy,
			Type:      model.OrderTypeLimit,
			SelfMatch: model.SelfMatchCancelMaker,
			Price:     d("100"),
			Quantity:  d("10"),
		},
		SelfCxl: []*model.Order{o},
	}
	res, err := s.PlanCreate(plan, makerA, 1, decimal.Decimal{}, false)
	require.NoError(t, err)
	assert.True(t, res.Settled.Base.Equal(d("10")))

	s.ApplyCreate(res)
	assert.True(t, makerA.Settled.Base.Equal(d("10")))
	assert.Empty(t, makerA.OpenOrders)
}

func TestPlanCreate_FeeAssetFeesKeptOutOfQuoteCollection(t *testing.T) {
	s := newState(t)
	_, o := maker(s, "2000")
	tk := takerAcct(s)

	plan := buyPlan(tk.Owner, o, "10")
	plan.Request.PayFeeInAsset = true

	res, err := s.PlanCreate(plan, tk, 1, d("2"), true)
	require.NoError(t, err)
	s.ApplyCreate(res)

	// The taker fee arrived as 0.5 fee-asset; only the 0.5 quote maker fee
	// backs the epoch's rebate cap.
	rec := s.History().Current()
	assert.True(t, rec.FeesCollected.Equal(d("0.5")))
	assert.True(t, rec.FeeAssetCollected.Equal(d("0.5")))
	assert.True(t, rec.Makers[o.Owner].Fees.Equal(d("0.5")))
}

func TestPlanCreate_ZeroRequiredStakeDisablesDiscount(t *testing.T) {
	params := model.TradeParams{
		TakerFeeBps:   d("10"),
		MakerFeeBps:   d("5"),
		RequiredStake: decimal.Zero,
	}
	gov := governance.New(model.PoolVolatile, d("100000"), params, nil)
	hist := history.New(1, d("1000000"), nil)
	s := New(gov, hist, account.NewManager(nil), d("0.5"), nil)

	_, o := maker(s, "5000")
	tk := takerAcct(s)
	tk.Stake = d("5000")
	tk.FeeAssetVolume = d("5000")

	// A zero requirement switches the stake-gated features off rather
	// than qualifying every account.
	res, err := s.PlanCreate(buyPlan(tk.Owner, o, "10"), tk, 1, decimal.Decimal{}, false)
	require.NoError(t, err)
	assert.True(t, res.Fills[0].TakerFee.Equal(d("1")))

	s.ApplyCreate(res)
	assert.True(t, s.History().Current().StakedVolume.IsZero())
}

func TestPlanCreate_RestingReservesEscrow(t *testing.T) {
	s := newState(t)
	tk := takerAcct(s)

	resting := &model.Order{
		ID:       model.OrderID{Price: d("90"), Seq: 7},
		Owner:    tk.Owner,
		Side:     model.SideBuy,
		Price:    d("90"),
		Quantity: d("5"),
		Original: d("5"),
		Status:   model.OrderStatusOpen,
	}
	plan := &book.MatchPlan{
		Request: book.Request{
			RequestID: uuid.New(),
			Owner:     tk.Owner,
			Side:      model.SideBuy,
			Type:      model.OrderTypeLimit,
			SelfMatch: model.SelfMatchAllow,
			Price:     d("90"),
			Quantity:  d("5"),
		},
		Resting: resting,
	}
	res, err := s.PlanCreate(plan, tk, 1, decimal.Decimal{}, false)
	require.NoError(t, err)
	assert.True(t, res.Owed.Quote.Equal(d("450"))) // 5 * 90

	s.ApplyCreate(res)
	assert.Contains(t, tk.OpenOrders, resting.ID)
}

func TestPlanCreate_PrunedOrdersReleaseEscrow(t *testing.T) {
	s := newState(t)
	makerA, o := maker(s, "0") // sell 10 @ 100, base escrow
	tk := takerAcct(s)

	plan := &book.MatchPlan{
		Request: book.Request{
			RequestID: uuid.New(),
			Owner:     tk.Owner,
			Side:      model.SideBuy,
			Type:      model.OrderTypeIOC,
			SelfMatch: model.SelfMatchAllow,
			Price:     d("100"),
			Quantity:  d("1"),
		},
		Pruned: []*model.Order{o},
	}
	res, err := s.PlanCreate(plan, tk, 1, decimal.Decimal{}, false)
	require.NoError(t, err)
	s.ApplyCreate(res)

	assert.True(t, makerA.Settled.Base.Equal(d("10")))
	assert.Empty(t, makerA.OpenOrders)
}

func TestCancelReleasesEscrow(t *testing.T) {
	s := newState(t)
	makerA, o := maker(s, "0")

	res := s.PlanCancel(o, makerA)
	assert.True(t, res.Settled.Base.Equal(d("10")))
	s.ApplyCancel(res)

	assert.True(t, makerA.Settled.Base.Equal(d("10")))
	assert.Empty(t, makerA.OpenOrders)
}

func TestCancel_BuyOrderReleasesQuote(t *testing.T) {
	s := newState(t)
	owner := uuid.New()
	a := s.Accounts().GetOrCreate(owner, owner, 1)
	o := &model.Order{
		ID:       model.OrderID{Price: d("50"), Seq: 3},
		Owner:    owner,
		Side:     model.SideBuy,
		Price:    d("50"),
		Quantity: d("4"),
		Original: d("4"),
	}
	a.AddOpenOrder(o.ID)

	s.ApplyCancel(s.PlanCancel(o, a))
	assert.True(t, a.Settled.Quote.Equal(d("200")))
}

func TestModifyReleasesProportionalEscrow(t *testing.T) {
	s := newState(t)
	makerA, o := maker(s, "0") // sell 10 base escrowed

	res := s.PlanModify(o, makerA, d("4"), time.Time{})
	assert.True(t, res.Settled.Base.Equal(d("6")))
	s.ApplyModify(res)

	assert.True(t, makerA.Settled.Base.Equal(d("6")))
	// The order stays open; the book applies the quantity change.
	assert.Contains(t, makerA.OpenOrders, o.ID)
}

func TestClaimRebate(t *testing.T) {
	s := newState(t)
	a := takerAcct(s)
	a.UnclaimedRebate = d("12.5")

	claimed := s.ClaimRebate(a)
	assert.True(t, claimed.Equal(d("12.5")))
	assert.True(t, a.Settled.Quote.Equal(d("12.5")))
	assert.True(t, a.UnclaimedRebate.IsZero())

	// Nothing left to claim.
	assert.True(t, s.ClaimRebate(a).IsZero())
}
