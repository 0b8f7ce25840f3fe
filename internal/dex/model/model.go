package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Constants for order sides, types, self-match policies and statuses.
const (
	// Order sides
	SideBuy  = "BUY"
	SideSell = "SELL"

	// Order types
	OrderTypeLimit    = "LIMIT"
	OrderTypeMarket   = "MARKET"
	OrderTypeIOC      = "IOC"
	OrderTypeFOK      = "FOK"
	OrderTypePostOnly = "POST_ONLY"

	// Self-match policies
	SelfMatchAllow       = "ALLOW"
	SelfMatchCancelTaker = "CANCEL_TAKER"
	SelfMatchCancelMaker = "CANCEL_MAKER"

	// Order statuses
	OrderStatusOpen            = "OPEN"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusExpired         = "EXPIRED"
	OrderStatusRejected        = "REJECTED"
)

// ValidSide reports whether s is a defined order side.
func ValidSide(s string) bool { return s == SideBuy || s == SideSell }

// ValidOrderType reports whether t is a defined order type.
func ValidOrderType(t string) bool {
	switch t {
	case OrderTypeLimit, OrderTypeMarket, OrderTypeIOC, OrderTypeFOK, OrderTypePostOnly:
		return true
	}
	return false
}

// ValidSelfMatch reports whether p is a defined self-match policy.
func ValidSelfMatch(p string) bool {
	switch p {
	case SelfMatchAllow, SelfMatchCancelTaker, SelfMatchCancelMaker:
		return true
	}
	return false
}

// OrderID is the composite (price, sequence) identity of a resting order.
// Price fixes the order's position in the book, the sequence number breaks
// ties FIFO within a price level.
type OrderID struct {
	Price decimal.Decimal `json:"price"`
	Seq   uint64          `json:"seq"`
}

func (id OrderID) String() string {
	return fmt.Sprintf("%s/%d", id.Price.String(), id.Seq)
}

// ParseOrderID parses the "price/seq" form produced by String.
func ParseOrderID(s string) (OrderID, error) {
	i := strings.LastIndexByte(s, '/')
	if i < 0 {
		return OrderID{}, fmt.Errorf("malformed order id %q", s)
	}
	price, err := decimal.NewFromString(s[:i])
	if err != nil {
		return OrderID{}, fmt.Errorf("malformed order id price %q: %w", s[:i], err)
	}
	seq, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return OrderID{}, fmt.Errorf("malformed order id sequence %q: %w", s[i+1:], err)
	}
	return OrderID{Price: price, Seq: seq}, nil
}

// Order is a resting commitment on the book. Quantity is the unfilled
// remainder and strictly decreases over the order's life.
type Order struct {
	ID        OrderID         `json:"id"`
	Owner     uuid.UUID       `json:"owner"`
	Side      string          `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Original  decimal.Decimal `json:"original_quantity"`
	Expiry    time.Time       `json:"expiry"` // zero value means no expiry
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Expired reports whether the order's expiry has passed at now.
func (o *Order) Expired(now time.Time) bool {
	return !o.Expiry.IsZero() && !o.Expiry.After(now)
}

// Fill is one match between an incoming request and a resting order. It is
// consumed immediately by ledger state and never persisted standalone.
type Fill struct {
	MakerOrderID   OrderID         `json:"maker_order_id"`
	Maker          uuid.UUID       `json:"maker"`
	TakerRequestID uuid.UUID       `json:"taker_request_id"`
	Taker          uuid.UUID       `json:"taker"`
	Price          decimal.Decimal `json:"price"`
	BaseQty        decimal.Decimal `json:"base_qty"`
	QuoteQty       decimal.Decimal `json:"quote_qty"`
	MakerFee       decimal.Decimal `json:"maker_fee"`
	TakerFee       decimal.Decimal `json:"taker_fee"`
	MakerEpoch     uint64          `json:"maker_epoch"`
}

// RequestInfo is the full lifecycle record of one incoming request. It is
// returned to the caller after settlement and not retained by the engine.
type RequestInfo struct {
	RequestID     uuid.UUID       `json:"request_id"`
	Owner         uuid.UUID       `json:"owner"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	SelfMatch     string          `json:"self_match"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	Fills         []Fill          `json:"fills"`
	RestingID     *OrderID        `json:"resting_id,omitempty"`
	PayFeeInAsset bool            `json:"pay_fee_in_asset"`
	TakerFeePaid  decimal.Decimal `json:"taker_fee_paid"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// TradeParams is the effective fee/stake parameter set for a market. Fees are
// expressed in basis points of quote notional. Mutated only at epoch rollover.
type TradeParams struct {
	TakerFeeBps   decimal.Decimal `json:"taker_fee_bps"`
	MakerFeeBps   decimal.Decimal `json:"maker_fee_bps"`
	RequiredStake decimal.Decimal `json:"required_stake"`
}

// Pool classes determine the governance bounds for TradeParams.
const (
	PoolVolatile    = "VOLATILE"
	PoolStable      = "STABLE"
	PoolWhitelisted = "WHITELISTED"
)

// MarketParams are the static book parameters for one market.
type MarketParams struct {
	Symbol    string          `json:"symbol"`
	PoolClass string          `json:"pool_class"`
	TickSize  decimal.Decimal `json:"tick_size"`
	LotSize   decimal.Decimal `json:"lot_size"`
	MinSize   decimal.Decimal `json:"min_size"`
}

// Asset names the three balance dimensions of a market in their fixed
// settlement order.
type Asset int

const (
	AssetBase Asset = iota
	AssetQuote
	AssetFee
)

func (a Asset) String() string {
	switch a {
	case AssetBase:
		return "base"
	case AssetQuote:
		return "quote"
	case AssetFee:
		return "fee"
	}
	return "unknown"
}

// Assets lists the settlement order used throughout the pipeline.
var Assets = [3]Asset{AssetBase, AssetQuote, AssetFee}

// Balances holds one amount per asset, always in (base, quote, fee) order.
type Balances struct {
	Base  decimal.Decimal `json:"base"`
	Quote decimal.Decimal `json:"quote"`
	Fee   decimal.Decimal `json:"fee"`
}

// Get returns the amount for asset a.
func (b Balances) Get(a Asset) decimal.Decimal {
	switch a {
	case AssetBase:
		return b.Base
	case AssetQuote:
		return b.Quote
	default:
		return b.Fee
	}
}

// AddAsset returns a copy of b with amt added to asset a.
func (b Balances) AddAsset(a Asset, amt decimal.Decimal) Balances {
	switch a {
	case AssetBase:
		b.Base = b.Base.Add(amt)
	case AssetQuote:
		b.Quote = b.Quote.Add(amt)
	default:
		b.Fee = b.Fee.Add(amt)
	}
	return b
}

// Add returns the element-wise sum of b and o.
func (b Balances) Add(o Balances) Balances {
	return Balances{
		Base:  b.Base.Add(o.Base),
		Quote: b.Quote.Add(o.Quote),
		Fee:   b.Fee.Add(o.Fee),
	}
}

// IsZero reports whether every amount is zero.
func (b Balances) IsZero() bool {
	return b.Base.IsZero() && b.Quote.IsZero() && b.Fee.IsZero()
}
