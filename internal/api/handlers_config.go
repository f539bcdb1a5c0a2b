package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"petrosa-tradeengine/internal/tradingconfig"
)

func configScope(c *gin.Context) (symbol, side string, ok bool) {
	symbol = strings.ToUpper(c.Param("symbol"))
	side = strings.ToUpper(c.Param("side"))
	if side != "" && side != "LONG" && side != "SHORT" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side must be LONG or SHORT"})
		return "", "", false
	}
	return symbol, side, true
}

// handleGetConfig returns the effective parameters at the requested level
// of the tree.
func (s *Server) handleGetConfig(c *gin.Context) {
	symbol, side, ok := configScope(c)
	if !ok {
		return
	}
	params, err := s.cfg.Resolve(c.Request.Context(), symbol, side)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol": symbol,
		"side":   side,
		"params": params,
	})
}

func (s *Server) handleSetConfig(c *gin.Context) {
	symbol, side, ok := configScope(c)
	if !ok {
		return
	}
	var override tradingconfig.Override
	if err := c.ShouldBindJSON(&override); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid override payload: " + err.Error()})
		return
	}
	actor := c.GetHeader("X-Actor")
	if err := s.cfg.SetOverride(c.Request.Context(), symbol, side, actor, &override); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated", "symbol": symbol, "side": side})
}

func (s *Server) handleDeleteConfig(c *gin.Context) {
	symbol, side, ok := configScope(c)
	if !ok {
		return
	}
	actor := c.GetHeader("X-Actor")
	if err := s.cfg.DeleteOverride(c.Request.Context(), symbol, side, actor); err != nil {
		if err == tradingconfig.ErrOverrideNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "symbol": symbol, "side": side})
}
