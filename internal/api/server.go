// Package api exposes the engine over HTTP with gin. One Server fronts every
// configured market; all trading routes resolve the market from the path.
package api

import (
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/unxversal/dexcore/common/errors"
	"github.com/unxversal/dexcore/internal/dex/market"
)

// Server routes HTTP requests to markets.
type Server struct {
	markets map[string]*market.Market
	log     *zap.Logger
}

// NewServer creates the API front for the given markets.
func NewServer(markets map[string]*market.Market, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{markets: markets, log: log}
}

// Router builds the gin engine with logging, recovery and all routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(ginzap.Ginzap(s.log, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(s.log, true))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/markets", s.listMarkets)
		mg := v1.Group("/markets/:symbol")
		{
			mg.GET("/book", s.getBook)
			mg.GET("/params", s.getParams)
			mg.GET("/epochs/:epoch", s.getEpoch)
			// Order ids are "price/seq", so the id segment is a wildcard.
			mg.GET("/orders/*order_id", s.getOrder)
			mg.GET("/accounts/:owner", s.getAccount)

			mg.POST("/orders", s.placeOrder)
			mg.DELETE("/orders/*order_id", s.cancelOrder)
			mg.PATCH("/orders/*order_id", s.modifyOrder)
			mg.POST("/stake", s.depositStake)
			mg.DELETE("/stake", s.withdrawStake)
			mg.POST("/rebates/claim", s.claimRebate)
			mg.POST("/prices", s.addPricePoint)
			mg.POST("/proposals", s.submitProposal)
			mg.POST("/proposals/:proposal_id/votes", s.vote)
		}
	}
	return r
}

func (s *Server) market(c *gin.Context) (*market.Market, bool) {
	m, ok := s.markets[c.Param("symbol")]
	if !ok {
		s.writeError(c, errors.NotFound("market %s", c.Param("symbol")))
		return nil, false
	}
	return m, true
}

// writeError maps engine error codes onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errors.CodeOf(err) {
	case errors.CodeInvalidOrderParameters, errors.CodeOutOfBounds:
		status = http.StatusBadRequest
	case errors.CodePostOnlyWouldCross, errors.CodeFillOrKillUnsatisfied:
		status = http.StatusUnprocessableEntity
	case errors.CodeNotFound:
		status = http.StatusNotFound
	case errors.CodeInsufficientExternalBalance:
		status = http.StatusPaymentRequired
	case errors.CodeStaleOrInvalidProof:
		status = http.StatusUnauthorized
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"code": string(errors.CodeOf(err)), "error": err.Error()})
}

func (s *Server) listMarkets(c *gin.Context) {
	symbols := make([]string, 0, len(s.markets))
	for sym := range s.markets {
		symbols = append(symbols, sym)
	}
	c.JSON(http.StatusOK, gin.H{"markets": symbols})
}
