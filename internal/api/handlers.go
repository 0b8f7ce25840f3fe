package api

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/unxversal/dexcore/common/errors"
	"github.com/unxversal/dexcore/internal/dex/book"
	"github.com/unxversal/dexcore/internal/dex/model"
)

// authFields carry the caller's identity and custody proof on every mutating
// request.
type authFields struct {
	Owner     uuid.UUID `json:"owner" binding:"required"`
	CustodyID uuid.UUID `json:"custody_id"`
	Proof     string    `json:"proof" binding:"required"` // base64
}

func (a *authFields) custody() uuid.UUID {
	if a.CustodyID == uuid.Nil {
		return a.Owner
	}
	return a.CustodyID
}

func (a *authFields) proofBytes() ([]byte, error) {
	p, err := base64.StdEncoding.DecodeString(a.Proof)
	if err != nil {
		return nil, errors.StaleOrInvalidProof("proof is not valid base64")
	}
	return p, nil
}

func orderIDParam(c *gin.Context) (model.OrderID, error) {
	raw := strings.TrimPrefix(c.Param("order_id"), "/")
	id, err := model.ParseOrderID(raw)
	if err != nil {
		return model.OrderID{}, errors.InvalidOrderParameters("%v", err)
	}
	return id, nil
}

type placeOrderRequest struct {
	authFields
	Side          string          `json:"side" binding:"required"`
	Type          string          `json:"type" binding:"required"`
	SelfMatch     string          `json:"self_match"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity" binding:"required"`
	Expiry        *time.Time      `json:"expiry,omitempty"`
	PayFeeInAsset bool            `json:"pay_fee_in_asset"`
}

func (s *Server) placeOrder(c *gin.Context) {
	m, ok := s.market(c)
	if !ok {
		return
	}
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.InvalidOrderParameters("%v", err))
		return
	}
	proof, err := req.proofBytes()
	if err != nil {
		s.writeError(c, err)
		return
	}
	if req.SelfMatch == "" {
		req.SelfMatch = model.SelfMatchAllow
	}
	br := book.Request{
		RequestID:     uuid.New(),
		Owner:         req.Owner,
		Side:          req.Side,
		Type:          req.Type,
		SelfMatch:     req.SelfMatch,
		Price:         req.Price,
		Quantity:      req.Quantity,
		PayFeeInAsset: req.PayFeeInAsset,
	}
	if req.Expiry != nil {
		br.Expiry = *req.Expiry
	}
	res, err := m.PlaceOrder(c.Request.Context(), req.Owner, req.custody(), proof, br)
	if err != nil {
		s.writeError(c, err)
		return
	}
	body := gin.H{
		"request_id": br.RequestID,
		"filled_qty": res.FilledQty,
		"fills":      res.Fills,
	}
	if res.RestingID != nil {
		body["resting_id"] = res.RestingID.String()
	}
	if res.TakerCxl {
		body["self_match_cancelled"] = true
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) cancelOrder(c *gin.Context) {
	m, ok := s.market(c)
	if !ok {
		return
	}
	id, err := orderIDParam(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var req authFields
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.InvalidOrderParameters("%v", err))
		return
	}
	proof, err := req.proofBytes()
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := m.CancelOrder(c.Request.Context(), req.Owner, proof, id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": id.String()})
}

type modifyOrderRequest struct {
	authFields
	Quantity decimal.Decimal `json:"quantity" binding:"required"`
	Expiry   *time.Time      `json:"expiry,omitempty"`
}

func (s *Server) modifyOrder(c *gin.Context) {
	m, ok := s.market(c)
	if !ok {
		return
	}
	id, err := orderIDParam(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var req modifyOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.InvalidOrderParameters("%v", err))
		return
	}
	proof, err := req.proofBytes()
	if err != nil {
		s.writeError(c, err)
		return
	}
	var expiry time.Time
	if req.Expiry != nil {
		expiry = *req.Expiry
	}
	if err := m.ModifyOrder(c.Request.Context(), req.Owner, proof, id, req.Quantity, expiry); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"modified": id.String(), "quantity": req.Quantity})
}

type stakeRequest struct {
	authFields
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) depositStake(c *gin.Context) {
	m, ok := s.market(c)
	if !ok {
		return
	}
	var req stakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.InvalidOrderParameters("%v", err))
		return
	}
	proof, err := req.proofBytes()
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := m.DepositStake(c.Request.Context(), req.Owner, req.custody(), proof, req.Amount); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"staked": req.Amount})
}

func (s *Server) withdrawStake(c *gin.Context) {
	m, ok := s.market(c)
	if !ok {
		return
	}
	var req authFields
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.InvalidOrderParameters("%v", err))
		return
	}
	proof, err := req.proofBytes()
	if err != nil {
		s.writeError(c, err)
		return
	}
	total, err := m.WithdrawStake(c.Request.Context(), req.Owner, proof)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawn": total})
}

func (s *Server) claimRebate(c *gin.Context) {
	m, ok := s.market(c)
	if !ok {
		return
	}
	var req authFields
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.InvalidOrderParameters("%v", err))
		return
	}
	proof, err := req.proofBytes()
	if err != nil {
		s.writeError(c, err)
		return
	}
	claimed, err := m.ClaimRebate(c.Request.Context(), req.Owner, proof)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claimed": claimed})
}

type pricePointRequest struct {
	Rate       decimal.Decimal `json:"rate" binding:"required"`
	FeeToQuote *bool           `json:"fee_to_quote,omitempty"`
}

func (s *Server) addPricePoint(c *gin.Context) {
	m, ok := s.market(c)
	if !ok {
		return
	}
	var req pricePointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.InvalidOrderParameters("%v", err))
		return
	}
	feeToQuote := true
	if req.FeeToQuote != nil {
		feeToQuote = *req.FeeToQuote
	}
	if err := m.AddPricePoint(c.Request.Context(), req.Rate, feeToQuote); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rate": req.Rate})
}

type proposalRequest struct {
	Owner         uuid.UUID       `json:"owner" binding:"required"`
	TakerFeeBps   decimal.Decimal `json:"taker_fee_bps"`
	MakerFeeBps   decimal.Decimal `json:"maker_fee_bps"`
	RequiredStake decimal.Decimal `json:"required_stake"`
}

func (s *Server) submitProposal(c *gin.Context) {
	m, ok := s.market(c)
	if !ok {
		return
	}
	var req proposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.InvalidOrderParameters("%v", err))
		return
	}
	pid, err := m.SubmitProposal(c.Request.Context(), req.Owner, model.TradeParams{
		TakerFeeBps:   req.TakerFeeBps,
		MakerFeeBps:   req.MakerFeeBps,
		RequiredStake: req.RequiredStake,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal_id": pid})
}

func (s *Server) vote(c *gin.Context) {
	m, ok := s.market(c)
	if !ok {
		return
	}
	pid, err := uuid.Parse(c.Param("proposal_id"))
	if err != nil {
		s.writeError(c, errors.InvalidOrderParameters("malformed proposal id"))
		return
	}
	var req struct {
		Owner uuid.UUID `json:"owner" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.InvalidOrderParameters("%v", err))
		return
	}
	if err := m.Vote(c.Request.Context(), req.Owner, pid); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"voted": pid})
}

func (s *Server) getBook(c *gin.Context) {
	m, ok := s.market(c)
	if !ok {
		return
	}
	depth := 20
	if v := c.Query("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			s.writeError(c, errors.InvalidOrderParameters("depth must be in [1, 500]"))
			return
		}
		depth = n
	}
	bids, asks := m.Snapshot(depth)
	c.JSON(http.StatusOK, gin.H{"bids": bids, "asks": asks})
}

func (s *Server) getParams(c *gin.Context) {
	m, ok := s.market(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"params": m.TradeParams(), "epoch": m.Epoch()})
}

func (s *Server) getEpoch(c *gin.Context) {
	m, ok := s.market(c)
	if !ok {
		return
	}
	epoch, err := strconv.ParseUint(c.Param("epoch"), 10, 64)
	if err != nil {
		s.writeError(c, errors.InvalidOrderParameters("malformed epoch"))
		return
	}
	rec, found := m.EpochRecord(epoch)
	if !found {
		s.writeError(c, errors.NotFound("epoch %d not closed", epoch))
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) getOrder(c *gin.Context) {
	m, ok := s.market(c)
	if !ok {
		return
	}
	id, err := orderIDParam(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	o, err := m.Order(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) getAccount(c *gin.Context) {
	m, ok := s.market(c)
	if !ok {
		return
	}
	owner, err := uuid.Parse(c.Param("owner"))
	if err != nil {
		s.writeError(c, errors.InvalidOrderParameters("malformed owner id"))
		return
	}
	a, err := m.Account(owner)
	if err != nil {
		s.writeError(c, err)
		return
	}
	open := make([]string, 0, len(a.OpenOrders))
	for id := range a.OpenOrders {
		open = append(open, id.String())
	}
	c.JSON(http.StatusOK, gin.H{
		"owner":            a.Owner,
		"stake":            a.Stake,
		"pending_stake":    a.PendingStake,
		"active_volume":    a.ActiveVolume,
		"fee_asset_volume": a.FeeAssetVolume,
		"unclaimed_rebate": a.UnclaimedRebate,
		"open_orders":      open,
	})
}
