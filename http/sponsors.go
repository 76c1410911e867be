package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	payload "github.com/microchipgnu/payload-exchange-sub000"
)

const (
	HeaderWallet = "X-Wallet-Address"

	walletKey = "payload.wallet"
)

// requireWallet identifies the sponsor by the X-Wallet-Address header.
// Authenticating the header is the job of the wallet login in front of us.
func requireWallet() gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet, err := payload.NormalizeWallet(c.GetHeader(HeaderWallet))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   errCodeUnauthorized,
				"message": HeaderWallet + " header with a valid wallet address is required",
			})
			return
		}
		c.Set(walletKey, wallet)
		c.Next()
	}
}

func wallet(c *gin.Context) string {
	return c.GetString(walletKey)
}

type amountRequest struct {
	Amount          string `json:"amount"`
	TransactionHash string `json:"transactionHash,omitempty"`
}

// bindAmount decodes a body whose amount is a decimal string in the
// asset's smallest unit
func bindAmount(c *gin.Context) (amountRequest, int64, bool) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return req, 0, false
	}
	amount, err := payload.ParseAmount(req.Amount)
	if err != nil || amount <= 0 {
		badRequest(c, "amount must be a positive integer decimal string in the smallest unit")
		return req, 0, false
	}
	return req, amount, true
}

func (s *Server) fund(c *gin.Context) {
	req, amount, ok := bindAmount(c)
	if !ok {
		return
	}
	sponsor, err := s.sponsorship.Fund(c.Request.Context(), payload.FundRequest{
		WalletAddress:   wallet(c),
		Amount:          amount,
		TransactionHash: req.TransactionHash,
	})
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sponsor": sponsor})
}

func (s *Server) withdraw(c *gin.Context) {
	_, amount, ok := bindAmount(c)
	if !ok {
		return
	}
	result, err := s.sponsorship.Withdraw(c.Request.Context(), payload.WithdrawRequest{
		WalletAddress: wallet(c),
		Amount:        amount,
	})
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) analytics(c *gin.Context) {
	analytics, err := s.sponsorship.Analytics(c.Request.Context(), wallet(c))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"analytics": analytics,
		"display": gin.H{
			"balance":    payload.DisplayAmount(analytics.Balance, payload.DefaultDecimals),
			"totalSpent": payload.DisplayAmount(analytics.TotalSpent, payload.DefaultDecimals),
		},
	})
}

func (s *Server) listSponsorActions(c *gin.Context) {
	list, err := s.sponsorship.SponsorActions(c.Request.Context(), wallet(c))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": list})
}

func (s *Server) createAction(c *gin.Context) {
	var spec payload.ActionSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	action, err := s.sponsorship.CreateAction(c.Request.Context(), wallet(c), spec)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"action": action})
}

// updateAction toggles an action. Actions are otherwise immutable, so any
// field besides active is rejected.
func (s *Server) updateAction(c *gin.Context) {
	var fields map[string]json.RawMessage
	if err := c.ShouldBindJSON(&fields); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	raw, ok := fields["active"]
	if !ok || len(fields) != 1 {
		badRequest(c, "only active may be changed")
		return
	}
	var active bool
	if err := json.Unmarshal(raw, &active); err != nil {
		badRequest(c, fmt.Sprintf("active must be a boolean: %v", err))
		return
	}

	action, err := s.sponsorship.SetActionActive(c.Request.Context(), wallet(c), c.Param("id"), active)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": action})
}

func (s *Server) listPlugins(c *gin.Context) {
	plugins := s.sponsorship.Plugins().List()
	out := make([]interface{}, 0, len(plugins))
	for _, p := range plugins {
		out = append(out, p.Describe(nil))
	}
	c.JSON(http.StatusOK, gin.H{"plugins": out})
}

func (s *Server) getPlugin(c *gin.Context) {
	plugin, err := s.sponsorship.Plugins().Get(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": errCodeNotFound, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plugin": plugin.Describe(nil)})
}
