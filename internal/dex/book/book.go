// Package book owns the two ordered indexes of a market (bids and asks),
// validates incoming requests, and matches them with price-time priority.
//
// Matching is two-phase. CreateOrder walks the opposite side and produces a
// MatchPlan without touching either index; Commit applies the plan. Ledger
// state and custody checks run between the two phases, so a failure anywhere
// in the pipeline leaves the book untouched.
package book

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/unxversal/dexcore/common/errors"
	"github.com/unxversal/dexcore/internal/dex/model"
	"github.com/unxversal/dexcore/internal/dex/orderedindex"
)

// Request is one incoming trade request, already bound to an owner.
type Request struct {
	RequestID     uuid.UUID
	Owner         uuid.UUID
	Side          string
	Type          string
	SelfMatch     string
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Expiry        time.Time
	PayFeeInAsset bool
}

// PlannedFill pairs a resting order with the quantity the plan takes from it.
type PlannedFill struct {
	Order *model.Order
	Qty   decimal.Decimal
}

// MatchPlan is the full effect of one request, computed before any mutation.
type MatchPlan struct {
	Request   Request
	Fills     []PlannedFill
	Pruned    []*model.Order // expired during the walk, removed without a fill
	SelfCxl   []*model.Order // resting orders removed by CancelMaker policy
	TakerCxl  bool           // CancelTaker stopped the request's remainder
	Resting   *model.Order   // unfilled remainder to inject, nil if none
	FilledQty decimal.Decimal
}

// Book validates, matches and stores orders for one market.
type Book struct {
	params model.MarketParams
	bids   *orderedindex.Tree[*model.Order]
	asks   *orderedindex.Tree[*model.Order]
	byID   map[model.OrderID]*model.Order
	seq    uint64
	log    *zap.Logger
}

// New creates an empty book for the given market parameters.
func New(params model.MarketParams, log *zap.Logger) *Book {
	if log == nil {
		log = zap.NewNop()
	}
	return &Book{
		params: params,
		bids:   orderedindex.New[*model.Order](),
		asks:   orderedindex.New[*model.Order](),
		byID:   make(map[model.OrderID]*model.Order),
		log:    log,
	}
}

// Params returns the book's static market parameters.
func (b *Book) Params() model.MarketParams { return b.params }

// Depth returns the number of resting orders per side.
func (b *Book) Depth() (bids, asks int) { return b.bids.Len(), b.asks.Len() }

func (b *Book) validate(req *Request, now time.Time) error {
	if !model.ValidSide(req.Side) {
		return errors.InvalidOrderParameters("unknown side %q", req.Side)
	}
	if !model.ValidOrderType(req.Type) {
		return errors.InvalidOrderParameters("unknown order type %q", req.Type)
	}
	if !model.ValidSelfMatch(req.SelfMatch) {
		return errors.InvalidOrderParameters("unknown self-match policy %q", req.SelfMatch)
	}
	if req.Quantity.LessThan(b.params.MinSize) {
		return errors.InvalidOrderParameters("quantity %s below min size %s",
			req.Quantity, b.params.MinSize)
	}
	if !req.Quantity.Mod(b.params.LotSize).IsZero() {
		return errors.InvalidOrderParameters("quantity %s not a multiple of lot size %s",
			req.Quantity, b.params.LotSize)
	}
	if req.Type != model.OrderTypeMarket {
		if req.Price.LessThanOrEqual(decimal.Zero) {
			return errors.InvalidOrderParameters("price %s must be positive", req.Price)
		}
		if !req.Price.Mod(b.params.TickSize).IsZero() {
			return errors.InvalidOrderParameters("price %s not a multiple of tick size %s",
				req.Price, b.params.TickSize)
		}
	}
	if !req.Expiry.IsZero() && !req.Expiry.After(now) {
		return errors.InvalidOrderParameters("expiry %s is not in the future", req.Expiry)
	}
	return nil
}

// crosses reports whether a resting order at restPrice can trade against the
// request. Market requests cross everything.
func (b *Book) crosses(req *Request, restPrice decimal.Decimal) bool {
	if req.Type == model.OrderTypeMarket {
		return true
	}
	if req.Side == model.SideBuy {
		return restPrice.LessThanOrEqual(req.Price)
	}
	return restPrice.GreaterThanOrEqual(req.Price)
}

// CreateOrder validates the request and computes its match plan. The book is
// not mutated; apply the plan with Commit once the rest of the pipeline has
// succeeded.
func (b *Book) CreateOrder(req Request, now time.Time) (*MatchPlan, error) {
	if err := b.validate(&req, now); err != nil {
		return nil, err
	}

	plan := &MatchPlan{Request: req, FilledQty: decimal.Zero}
	remaining := req.Quantity

	opposite := b.asks
	if req.Side == model.SideSell {
		opposite = b.bids
	}
	var cur *orderedindex.Cursor[*model.Order]
	if req.Side == model.SideBuy {
		cur = opposite.Ascend(nil) // best ask = lowest price, earliest seq
	} else {
		cur = opposite.Descend(nil) // best bid = highest price, earliest seq
	}

	// Descending iteration visits the latest order first within a price
	// level, so per-level FIFO is restored by collecting the level and
	// replaying it in sequence order.
	var level []*model.Order
	flushLevel := func() bool {
		for i := len(level) - 1; i >= 0; i-- {
			if !b.planAgainst(plan, &remaining, level[i]) {
				return false
			}
		}
		level = level[:0]
		return true
	}

	for remaining.IsPositive() {
		_, rest, ok := cur.Next()
		if !ok {
			break
		}
		if rest.Expired(now) {
			plan.Pruned = append(plan.Pruned, rest)
			continue
		}
		if !b.crosses(&req, rest.Price) {
			break
		}
		if req.Side == model.SideBuy {
			if !b.planAgainst(plan, &remaining, rest) {
				break
			}
			continue
		}
		// Sell side walks bids in descending key order; buffer one price
		// level at a time.
		if len(level) > 0 && !level[0].Price.Equal(rest.Price) {
			if !flushLevel() {
				break
			}
			if !remaining.IsPositive() {
				break
			}
		}
		level = append(level, rest)
	}
	if remaining.IsPositive() && len(level) > 0 && !plan.TakerCxl {
		flushLevel()
	}

	if req.Type == model.OrderTypePostOnly && len(plan.Fills) > 0 {
		return nil, errors.PostOnlyWouldCross("post-only %s at %s would match",
			req.Side, req.Price)
	}
	if req.Type == model.OrderTypeFOK && plan.FilledQty.LessThan(req.Quantity) {
		return nil, errors.FillOrKillUnsatisfied("filled %s of %s",
			plan.FilledQty, req.Quantity)
	}

	rests := req.Type == model.OrderTypeLimit || req.Type == model.OrderTypePostOnly
	if remaining.IsPositive() && rests && !plan.TakerCxl {
		// The sequence is assigned here so downstream ledger planning can
		// reference the order id; discarded plans leave harmless gaps.
		b.seq++
		plan.Resting = &model.Order{
			ID:        model.OrderID{Price: req.Price, Seq: b.seq},
			Owner:     req.Owner,
			Side:      req.Side,
			Price:     req.Price,
			Quantity:  remaining,
			Original:  req.Quantity,
			Expiry:    req.Expiry,
			Status:    model.OrderStatusOpen,
			CreatedAt: now,
		}
	}
	return plan, nil
}

// planAgainst records the interaction between the request and one crossing
// resting order. Returns false when matching must stop.
func (b *Book) planAgainst(plan *MatchPlan, remaining *decimal.Decimal, rest *model.Order) bool {
	if !remaining.IsPositive() {
		return false
	}
	if rest.Owner == plan.Request.Owner {
		switch plan.Request.SelfMatch {
		case model.SelfMatchCancelTaker:
			plan.TakerCxl = true
			return false
		case model.SelfMatchCancelMaker:
			plan.SelfCxl = append(plan.SelfCxl, rest)
			return true
		}
	}
	qty := decimal.Min(*remaining, rest.Quantity)
	plan.Fills = append(plan.Fills, PlannedFill{Order: rest, Qty: qty})
	plan.FilledQty = plan.FilledQty.Add(qty)
	*remaining = remaining.Sub(qty)
	return true
}

// Commit applies a plan produced by CreateOrder. It cannot fail on a plan the
// book itself produced; an index inconsistency here is an invariant violation.
func (b *Book) Commit(plan *MatchPlan) {
	for _, o := range plan.Pruned {
		b.mustRemove(o.ID)
		o.Status = model.OrderStatusExpired
	}
	for _, o := range plan.SelfCxl {
		b.mustRemove(o.ID)
		o.Status = model.OrderStatusCancelled
	}
	for _, f := range plan.Fills {
		f.Order.Quantity = f.Order.Quantity.Sub(f.Qty)
		if f.Order.Quantity.IsZero() {
			b.mustRemove(f.Order.ID)
			f.Order.Status = model.OrderStatusFilled
		} else {
			f.Order.Status = model.OrderStatusPartiallyFilled
		}
	}
	if plan.Resting != nil {
		b.insert(plan.Resting)
	}
}

func (b *Book) side(o *model.Order) *orderedindex.Tree[*model.Order] {
	if o.Side == model.SideBuy {
		return b.bids
	}
	return b.asks
}

func (b *Book) insert(o *model.Order) {
	k := orderedindex.Key{Price: o.ID.Price, Seq: o.ID.Seq}
	if err := b.side(o).Insert(k, o); err != nil {
		b.log.Error("order id collision", zap.String("order_id", o.ID.String()), zap.Error(err))
		panic(errors.Internal("duplicate order id %s", o.ID))
	}
	b.byID[o.ID] = o
}

func (b *Book) mustRemove(id model.OrderID) {
	o, ok := b.byID[id]
	if !ok {
		panic(errors.Internal("committed order %s not in book", id))
	}
	k := orderedindex.Key{Price: id.Price, Seq: id.Seq}
	if _, err := b.side(o).Remove(k); err != nil {
		panic(errors.Internal("committed order %s not in index", id))
	}
	delete(b.byID, id)
}

// Get returns the resting order with the given id.
func (b *Book) Get(id model.OrderID) (*model.Order, error) {
	o, ok := b.byID[id]
	if !ok {
		return nil, errors.NotFound("order %s", id)
	}
	return o, nil
}

// Remove takes the order out of the book and returns it. Used by the cancel
// pipeline at commit time.
func (b *Book) Remove(id model.OrderID) (*model.Order, error) {
	o, ok := b.byID[id]
	if !ok {
		return nil, errors.NotFound("order %s", id)
	}
	b.mustRemove(id)
	o.Status = model.OrderStatusCancelled
	return o, nil
}

// ValidateModify checks a quantity reduction against the book rules: the new
// quantity must be a positive lot multiple strictly below the current
// remainder, and the new expiry may only shorten (or keep) the old one.
func (b *Book) ValidateModify(id model.OrderID, newQty decimal.Decimal, newExpiry time.Time) (*model.Order, error) {
	o, ok := b.byID[id]
	if !ok {
		return nil, errors.NotFound("order %s", id)
	}
	if newQty.LessThanOrEqual(decimal.Zero) || !newQty.Mod(b.params.LotSize).IsZero() {
		return nil, errors.InvalidOrderParameters("new quantity %s not a positive lot multiple", newQty)
	}
	if newQty.GreaterThanOrEqual(o.Quantity) {
		return nil, errors.InvalidOrderParameters("modify may only decrease quantity (%s -> %s)",
			o.Quantity, newQty)
	}
	if !newExpiry.IsZero() {
		if o.Expiry.IsZero() || newExpiry.After(o.Expiry) {
			return nil, errors.InvalidOrderParameters("modify may not extend expiry")
		}
	}
	return o, nil
}

// Reduce applies a validated quantity reduction in place. The order keeps its
// book position; shrinking never forfeits time priority.
func (b *Book) Reduce(o *model.Order, newQty decimal.Decimal, newExpiry time.Time) {
	o.Quantity = newQty
	if !newExpiry.IsZero() {
		o.Expiry = newExpiry
	}
}

// Level is one aggregated price level of a depth snapshot.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Snapshot aggregates the top depth price levels per side, bids descending
// and asks ascending.
func (b *Book) Snapshot(depth int) (bids, asks []Level) {
	collect := func(cur *orderedindex.Cursor[*model.Order]) []Level {
		var out []Level
		for {
			_, o, ok := cur.Next()
			if !ok {
				break
			}
			if n := len(out); n > 0 && out[n-1].Price.Equal(o.Price) {
				out[n-1].Quantity = out[n-1].Quantity.Add(o.Quantity)
				out[n-1].Orders++
				continue
			}
			if len(out) == depth {
				break
			}
			out = append(out, Level{Price: o.Price, Quantity: o.Quantity, Orders: 1})
		}
		return out
	}
	return collect(b.bids.Descend(nil)), collect(b.asks.Ascend(nil))
}

// BestBid returns the highest-priced resting bid.
func (b *Book) BestBid() (*model.Order, bool) {
	_, o, ok := b.bids.Max()
	return o, ok
}

// BestAsk returns the lowest-priced resting ask.
func (b *Book) BestAsk() (*model.Order, bool) {
	_, o, ok := b.asks.Min()
	return o, ok
}
