package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

type topupRequest struct {
	OrderID   string `json:"order_id"`
	AmountIDR int64  `json:"amount"`
}

// handleBalance returns the caller's current rupiah balance.
func (s *Server) handleBalance(c *gin.Context) {
	reqID := requestID(c)
	uid := userID(c)

	balance, errBalance := s.ledger.Balance(c.Request.Context(), uid)
	if errBalance != nil {
		log.WithError(errBalance).WithField("request_id", reqID).Error("balance read failed")
		writeError(c, reqID, http.StatusInternalServerError, codeInternalError, "balance unavailable")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"request_id": reqID,
		"balance":    balance,
	})
}

// handleTopup credits a confirmed payment order. Replaying an order ID is
// safe: the credit applies once and later calls report applied=false.
func (s *Server) handleTopup(c *gin.Context) {
	reqID := requestID(c)
	uid := userID(c)

	var body topupRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		writeError(c, reqID, http.StatusBadRequest, codeBadRequest, "invalid body")
		return
	}
	body.OrderID = strings.TrimSpace(body.OrderID)
	if body.OrderID == "" {
		writeError(c, reqID, http.StatusBadRequest, codeBadRequest, "invalid order_id")
		return
	}
	if body.AmountIDR <= 0 {
		writeError(c, reqID, http.StatusBadRequest, codeBadRequest, "invalid amount")
		return
	}

	result, errCredit := s.ledger.Credit(c.Request.Context(), uid, body.OrderID, body.AmountIDR)
	if errCredit != nil {
		log.WithError(errCredit).WithFields(log.Fields{
			"request_id": reqID,
			"order_id":   body.OrderID,
		}).Error("topup credit failed")
		writeError(c, reqID, http.StatusInternalServerError, codeInternalError, "topup failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"request_id": reqID,
		"applied":    result.Applied,
		"balance":    result.BalanceAfterIDR,
	})
}
