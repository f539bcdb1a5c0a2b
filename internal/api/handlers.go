package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"petrosa-tradeengine/internal/exchange"
	"petrosa-tradeengine/internal/position"
	"petrosa-tradeengine/internal/signal"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) handleReady(c *gin.Context) {
	if s.ready != nil && !s.ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// handleTrade accepts one signal and hands it to the aggregation window.
// The response acknowledges receipt; execution is asynchronous.
func (s *Server) handleTrade(c *gin.Context) {
	var sig signal.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signal payload: " + err.Error()})
		return
	}
	sig.Normalize()
	if err := sig.Validate(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	s.agg.Submit(c.Request.Context(), &sig, "http")
	c.JSON(http.StatusAccepted, gin.H{
		"status":      "accepted",
		"strategy_id": sig.StrategyID,
		"symbol":      sig.Symbol,
	})
}

func (s *Server) handleAccount(c *gin.Context) {
	info, err := s.client.AccountInfo(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handlePrice(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	price, err := s.client.CurrentPrice(c.Request.Context(), symbol)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "price": price})
}

func (s *Server) handleQueryOrder(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	order, err := s.client.QueryOrder(c.Request.Context(), symbol, c.Param("order_id"))
	if err != nil {
		if exchange.IsOrderGone(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	if err := s.client.CancelOrder(c.Request.Context(), symbol, c.Param("order_id")); err != nil {
		if exchange.IsOrderGone(err) {
			c.JSON(http.StatusOK, gin.H{"status": "already_gone"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"exchange_positions": s.manager.Snapshot(),
		"daily_pnl":          s.manager.DailyPnL(),
		"total_exposure":     s.manager.TotalExposure(),
	})
}

func (s *Server) handleStrategyPositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"positions": s.tracker.ByStrategy(c.Param("strategy_id")),
	})
}

func (s *Server) handleClosePosition(c *gin.Context) {
	sp, err := s.disp.ClosePosition(c.Request.Context(), c.Param("id"), position.CloseManual)
	if err != nil {
		switch err {
		case position.ErrStrategyPositionNotFound:
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case position.ErrAlreadyClosed:
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, sp)
}

func (s *Server) handleOCOPairs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pairs": s.pairs.ActivePairs()})
}
