package market

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unxversal/dexcore/common/errors"
	"github.com/unxversal/dexcore/internal/dex/book"
	"github.com/unxversal/dexcore/internal/dex/custody"
	"github.com/unxversal/dexcore/internal/dex/model"
	"github.com/unxversal/dexcore/internal/dex/vault"
)

func d(v string) decimal.Decimal {
	dec, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return dec
}

type harness struct {
	m       *Market
	svc     *custody.InMemory
	pool    uuid.UUID
	now     time.Time
	advance func(time.Duration)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		svc:  custody.NewInMemory(),
		pool: uuid.New(),
		now:  time.Unix(3600*1000, 0), // epoch 1000 at 1h epochs
	}
	h.svc.Register(h.pool, []byte("pool"))
	h.advance = func(dd time.Duration) { h.now = h.now.Add(dd) }

	m, err := New(Config{
		Params: model.MarketParams{
			Symbol:    "BASE-QUOTE",
			PoolClass: model.PoolVolatile,
			TickSize:  d("1"),
			LotSize:   d("1"),
			MinSize:   d("1"),
		},
		InitialParams: model.TradeParams{
			TakerFeeBps:   d("10"),
			MakerFeeBps:   d("5"),
			RequiredStake: d("1000"),
		},
		EpochLength:   time.Hour,
		VotingCutoff:  d("100000"),
		PhaseOut:      d("1000000"),
		DiscountRatio: d("0.5"),
		Custody:       h.svc,
		PoolID:        h.pool,
		Clock:         func() time.Time { return h.now },
	})
	require.NoError(t, err)
	h.m = m
	return h
}

func (h *harness) trader(base, quote, fee string) uuid.UUID {
	id := uuid.New()
	h.svc.Register(id, []byte("proof"))
	h.svc.Deposit(id, model.AssetBase, d(base))
	h.svc.Deposit(id, model.AssetQuote, d(quote))
	h.svc.Deposit(id, model.AssetFee, d(fee))
	return id
}

func limit(owner uuid.UUID, side, price, qty string) book.Request {
	return book.Request{
		RequestID: uuid.New(),
		Owner:     owner,
		Side:      side,
		Type:      model.OrderTypeLimit,
		SelfMatch: model.SelfMatchAllow,
		Price:     d(price),
		Quantity:  d(qty),
	}
}

func TestPlaceOrder_RestThenFill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	maker := h.trader("100", "0", "0")
	taker := h.trader("0", "2000", "0")

	// Maker rests a sell; base escrow moves to the pool.
	res, err := h.m.PlaceOrder(ctx, maker, maker, []byte("proof"), limit(maker, model.SideSell, "100", "10"))
	require.NoError(t, err)
	require.NotNil(t, res.RestingID)
	assert.True(t, h.svc.Balance(maker, model.AssetBase).Equal(d("90")))
	assert.True(t, h.svc.Balance(h.pool, model.AssetBase).Equal(d("10")))

	// Taker lifts the whole order: pays notional 1000 plus taker fee 1,
	// receives the escrowed base.
	res, err = h.m.PlaceOrder(ctx, taker, taker, []byte("proof"), limit(taker, model.SideBuy, "100", "10"))
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.Nil(t, res.RestingID)
	assert.True(t, h.svc.Balance(taker, model.AssetBase).Equal(d("10")))
	assert.True(t, h.svc.Balance(taker, model.AssetQuote).Equal(d("999")))

	// Maker proceeds (999.5 = 1000 - maker fee) accrue until the maker's
	// next interaction.
	acct, err := h.m.Account(maker)
	require.NoError(t, err)
	assert.True(t, acct.Settled.Quote.Equal(d("999.5")))
	assert.Empty(t, acct.OpenOrders)

	// The maker's next settled operation flushes the accrual to custody.
	_, err = h.m.PlaceOrder(ctx, maker, maker, []byte("proof"), limit(maker, model.SideSell, "200", "1"))
	require.NoError(t, err)
	assert.True(t, h.svc.Balance(maker, model.AssetQuote).Equal(d("999.5")))
}

func TestPlaceOrder_FailureLeavesEverythingUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	maker := h.trader("100", "0", "0")
	broke := h.trader("0", "5", "0")

	_, err := h.m.PlaceOrder(ctx, maker, maker, []byte("proof"), limit(maker, model.SideSell, "100", "10"))
	require.NoError(t, err)

	_, err = h.m.PlaceOrder(ctx, broke, broke, []byte("proof"), limit(broke, model.SideBuy, "100", "10"))
	assert.ErrorIs(t, err, errors.InsufficientExternalBalance(""))

	// The maker's order is intact and no balance moved.
	o, err := h.m.Order(model.OrderID{Price: d("100"), Seq: 1})
	require.NoError(t, err)
	assert.True(t, o.Quantity.Equal(d("10")))
	assert.True(t, h.svc.Balance(broke, model.AssetQuote).Equal(d("5")))
	assert.True(t, h.svc.Balance(h.pool, model.AssetQuote).IsZero())
}

func TestPlaceOrder_InvalidProofRejected(t *testing.T) {
	h := newHarness(t)
	trader := h.trader("100", "0", "0")

	_, err := h.m.PlaceOrder(context.Background(), trader, trader, []byte("forged"),
		limit(trader, model.SideSell, "100", "10"))
	assert.ErrorIs(t, err, errors.StaleOrInvalidProof(""))
	bids, asks := h.m.Snapshot(10)
	assert.Empty(t, bids)
	assert.Empty(t, asks)
}

func TestCancel_ReturnsEscrowToCustody(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	maker := h.trader("100", "0", "0")

	res, err := h.m.PlaceOrder(ctx, maker, maker, []byte("proof"), limit(maker, model.SideSell, "100", "10"))
	require.NoError(t, err)

	require.NoError(t, h.m.CancelOrder(ctx, maker, []byte("proof"), *res.RestingID))
	assert.True(t, h.svc.Balance(maker, model.AssetBase).Equal(d("100")))
	assert.True(t, h.svc.Balance(h.pool, model.AssetBase).IsZero())

	// Cancelled order is gone.
	err = h.m.CancelOrder(ctx, maker, []byte("proof"), *res.RestingID)
	assert.ErrorIs(t, err, errors.NotFound(""))
}

func TestCancel_ForeignOrderLooksAbsent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	maker := h.trader("100", "0", "0")
	other := h.trader("0", "100", "0")

	res, err := h.m.PlaceOrder(ctx, maker, maker, []byte("proof"), limit(maker, model.SideSell, "100", "10"))
	require.NoError(t, err)

	err = h.m.CancelOrder(ctx, other, []byte("proof"), *res.RestingID)
	assert.ErrorIs(t, err, errors.NotFound(""))
}

func TestModify_ReleasesProportionalEscrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	maker := h.trader("100", "0", "0")

	res, err := h.m.PlaceOrder(ctx, maker, maker, []byte("proof"), limit(maker, model.SideSell, "100", "10"))
	require.NoError(t, err)

	require.NoError(t, h.m.ModifyOrder(ctx, maker, []byte("proof"), *res.RestingID, d("4"), time.Time{}))
	assert.True(t, h.svc.Balance(maker, model.AssetBase).Equal(d("96")))
	assert.True(t, h.svc.Balance(h.pool, model.AssetBase).Equal(d("4")))

	o, err := h.m.Order(*res.RestingID)
	require.NoError(t, err)
	assert.True(t, o.Quantity.Equal(d("4")))
}

func TestStake_DepositAndWithdraw(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	staker := h.trader("0", "0", "5000")

	require.NoError(t, h.m.DepositStake(ctx, staker, staker, []byte("proof"), d("2000")))
	assert.True(t, h.svc.Balance(staker, model.AssetFee).Equal(d("3000")))
	assert.True(t, h.svc.Balance(h.pool, model.AssetFee).Equal(d("2000")))

	// Pending until the next epoch boundary.
	acct, err := h.m.Account(staker)
	require.NoError(t, err)
	assert.True(t, acct.Stake.IsZero())
	assert.True(t, acct.PendingStake.Equal(d("2000")))

	total, err := h.m.WithdrawStake(ctx, staker, []byte("proof"))
	require.NoError(t, err)
	assert.True(t, total.Equal(d("2000")))
	assert.True(t, h.svc.Balance(staker, model.AssetFee).Equal(d("5000")))
}

func TestGovernance_FullLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	staker := h.trader("0", "0", "5000")

	require.NoError(t, h.m.DepositStake(ctx, staker, staker, []byte("proof"), d("2000")))

	// Stake activates one epoch after deposit and becomes proposal-eligible
	// one epoch after that.
	h.advance(time.Hour)
	_, err := h.m.SubmitProposal(ctx, staker, model.TradeParams{
		TakerFeeBps: d("5"), MakerFeeBps: d("2"), RequiredStake: d("500"),
	})
	assert.ErrorIs(t, err, errors.OutOfBounds(""))

	h.advance(time.Hour)
	pid, err := h.m.SubmitProposal(ctx, staker, model.TradeParams{
		TakerFeeBps: d("5"), MakerFeeBps: d("2"), RequiredStake: d("500"),
	})
	require.NoError(t, err)
	require.NoError(t, h.m.Vote(ctx, staker, pid))

	// Out-of-bounds proposals are rejected outright.
	_, err = h.m.SubmitProposal(ctx, staker, model.TradeParams{
		TakerFeeBps: d("50"), MakerFeeBps: d("2"), RequiredStake: d("500"),
	})
	assert.ErrorIs(t, err, errors.OutOfBounds(""))

	// The sole staker's vote carries quorum; the next rollover applies it.
	h.advance(time.Hour)
	_ = h.m.Epoch()
	require.NoError(t, h.m.AddPricePoint(ctx, d("2"), true))
	params := h.m.TradeParams()
	assert.True(t, params.TakerFeeBps.Equal(d("5")))
	assert.True(t, params.MakerFeeBps.Equal(d("2")))
}

func TestEpochRollover_ArchivesClosedEpoch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	maker := h.trader("100", "0", "0")
	taker := h.trader("0", "2000", "0")

	_, err := h.m.PlaceOrder(ctx, maker, maker, []byte("proof"), limit(maker, model.SideSell, "100", "10"))
	require.NoError(t, err)
	_, err = h.m.PlaceOrder(ctx, taker, taker, []byte("proof"), limit(taker, model.SideBuy, "100", "10"))
	require.NoError(t, err)

	epoch := h.m.Epoch()
	h.advance(time.Hour)
	require.NoError(t, h.m.AddPricePoint(ctx, d("2"), true))

	rec, ok := h.m.EpochRecord(epoch)
	require.True(t, ok)
	assert.True(t, rec.TotalVolume.Equal(d("1000")))
	assert.True(t, rec.FeesCollected.Equal(d("1.5")))
}

func TestFlashLoan_MustRepayWithinOperation(t *testing.T) {
	h := newHarness(t)
	borrower := h.trader("0", "0", "0")
	h.svc.Deposit(h.pool, model.AssetQuote, d("1000"))

	// A borrower that repays keeps the pool whole.
	err := h.m.FlashLoan(borrower, model.AssetQuote, d("400"), func(v *vault.Vault, l *vault.Loan) error {
		return v.Repay(borrower, l)
	})
	require.NoError(t, err)
	assert.True(t, h.svc.Balance(h.pool, model.AssetQuote).Equal(d("1000")))

	// A borrower that does not repay is force-unwound and the operation
	// fails.
	err = h.m.FlashLoan(borrower, model.AssetQuote, d("400"), func(*vault.Vault, *vault.Loan) error {
		return nil
	})
	assert.ErrorIs(t, err, errors.InvalidOrderParameters(""))
	assert.True(t, h.svc.Balance(h.pool, model.AssetQuote).Equal(d("1000")))
}

func TestNew_RejectsSubSecondEpoch(t *testing.T) {
	_, err := New(Config{
		Params: model.MarketParams{
			Symbol:    "BASE-QUOTE",
			PoolClass: model.PoolVolatile,
			TickSize:  d("1"),
			LotSize:   d("1"),
			MinSize:   d("1"),
		},
		InitialParams: model.TradeParams{
			TakerFeeBps:   d("10"),
			MakerFeeBps:   d("5"),
			RequiredStake: d("1000"),
		},
		EpochLength: 500 * time.Millisecond,
		Custody:     custody.NewInMemory(),
		PoolID:      uuid.New(),
	})
	assert.ErrorIs(t, err, errors.InvalidOrderParameters(""))
}

func TestSelfMatch_AllowConservesFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.trader("100", "10000", "0")

	_, err := h.m.PlaceOrder(ctx, a, a, []byte("proof"), limit(a, model.SideSell, "100", "50"))
	require.NoError(t, err)

	// The buy crosses the trader's own sell; proceeds and escrow must both
	// settle inside this operation, leaving only the fees in the pool.
	res, err := h.m.PlaceOrder(ctx, a, a, []byte("proof"), limit(a, model.SideBuy, "100", "50"))
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)

	assert.True(t, h.svc.Balance(a, model.AssetBase).Equal(d("100")))
	assert.True(t, h.svc.Balance(a, model.AssetQuote).Equal(d("9992.5")))
	assert.True(t, h.svc.Balance(h.pool, model.AssetBase).IsZero())
	assert.True(t, h.svc.Balance(h.pool, model.AssetQuote).Equal(d("7.5")))

	acct, err := h.m.Account(a)
	require.NoError(t, err)
	assert.True(t, acct.Settled.IsZero())
	assert.True(t, acct.Owed.IsZero())
}

func TestSelfMatch_CancelMakerConservesEscrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.trader("100", "10000", "0")

	_, err := h.m.PlaceOrder(ctx, a, a, []byte("proof"), limit(a, model.SideSell, "100", "50"))
	require.NoError(t, err)

	buy := limit(a, model.SideBuy, "100", "50")
	buy.SelfMatch = model.SelfMatchCancelMaker
	res, err := h.m.PlaceOrder(ctx, a, a, []byte("proof"), buy)
	require.NoError(t, err)
	require.Empty(t, res.Fills)
	require.NotNil(t, res.RestingID)

	// The cancelled sell's base escrow came back in the same operation.
	assert.True(t, h.svc.Balance(a, model.AssetBase).Equal(d("100")))
	assert.True(t, h.svc.Balance(h.pool, model.AssetBase).IsZero())

	// Cancelling the surviving buy restores the quote escrow too.
	require.NoError(t, h.m.CancelOrder(ctx, a, []byte("proof"), *res.RestingID))
	assert.True(t, h.svc.Balance(a, model.AssetQuote).Equal(d("10000")))
	assert.True(t, h.svc.Balance(h.pool, model.AssetQuote).IsZero())
}

func TestClaimRebate_PoolShortfallLeavesRebateClaimable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	maker := h.trader("0", "2000", "2000")
	taker := h.trader("10", "0", "10")

	require.NoError(t, h.m.DepositStake(ctx, maker, maker, []byte("proof"), d("2000")))

	h.advance(time.Hour)
	require.NoError(t, h.m.AddPricePoint(ctx, d("2"), true))
	_, err := h.m.PlaceOrder(ctx, maker, maker, []byte("proof"), limit(maker, model.SideBuy, "100", "10"))
	require.NoError(t, err)

	// The taker pays its fee in fee-asset, so the epoch collects 0.5 quote
	// (the maker fee) and 0.5 fee-asset, and the pool ends with no quote.
	sell := limit(taker, model.SideSell, "100", "10")
	sell.PayFeeInAsset = true
	epoch := h.m.Epoch()
	_, err = h.m.PlaceOrder(ctx, taker, taker, []byte("proof"), sell)
	require.NoError(t, err)
	assert.True(t, h.svc.Balance(h.pool, model.AssetQuote).IsZero())

	// The maker's 0.5 quote rebate exceeds what the pool holds, so the
	// claim fails cleanly and stays claimable.
	h.advance(time.Hour)
	claimed, err := h.m.ClaimRebate(ctx, maker, []byte("proof"))
	assert.ErrorIs(t, err, errors.InsufficientExternalBalance(""))
	assert.True(t, claimed.IsZero())

	rec, ok := h.m.EpochRecord(epoch)
	require.True(t, ok)
	assert.True(t, rec.FeesCollected.Equal(d("0.5")))
	assert.True(t, rec.FeeAssetCollected.Equal(d("0.5")))

	acct, err := h.m.Account(maker)
	require.NoError(t, err)
	assert.True(t, acct.UnclaimedRebate.Equal(d("0.5")))
	assert.True(t, h.svc.Balance(maker, model.AssetQuote).Equal(d("1000")))
	assert.True(t, h.svc.Balance(h.pool, model.AssetBase).Equal(d("10")))
}

func TestPostOnlyAndFOKThroughPipeline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	maker := h.trader("100", "0", "0")
	taker := h.trader("0", "2000", "0")

	_, err := h.m.PlaceOrder(ctx, maker, maker, []byte("proof"), limit(maker, model.SideSell, "100", "10"))
	require.NoError(t, err)

	po := limit(taker, model.SideBuy, "100", "5")
	po.Type = model.OrderTypePostOnly
	_, err = h.m.PlaceOrder(ctx, taker, taker, []byte("proof"), po)
	assert.ErrorIs(t, err, errors.PostOnlyWouldCross(""))

	fok := limit(taker, model.SideBuy, "100", "20")
	fok.Type = model.OrderTypeFOK
	_, err = h.m.PlaceOrder(ctx, taker, taker, []byte("proof"), fok)
	assert.ErrorIs(t, err, errors.FillOrKillUnsatisfied(""))

	// Neither rejected request moved anything.
	assert.True(t, h.svc.Balance(taker, model.AssetQuote).Equal(d("2000")))
	o, err := h.m.Order(model.OrderID{Price: d("100"), Seq: 1})
	require.NoError(t, err)
	assert.True(t, o.Quantity.Equal(d("10")))
}
