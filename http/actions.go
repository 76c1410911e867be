package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	payload "github.com/microchipgnu/payload-exchange-sub000"
)

type startActionRequest struct {
	ActionID      string `json:"actionId"`
	UserID        string `json:"userId,omitempty"`
	ResourceID    string `json:"resourceId,omitempty"`
	WalletAddress string `json:"walletAddress,omitempty"`
}

func (s *Server) startAction(c *gin.Context) {
	var req startActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.ActionID == "" {
		badRequest(c, "actionId is required")
		return
	}
	if req.UserID == "" {
		req.UserID = c.GetHeader(HeaderUserID)
	}
	if req.WalletAddress == "" {
		req.WalletAddress = c.GetHeader(HeaderUserWallet)
	}

	resp, err := s.sponsorship.StartAction(c.Request.Context(), payload.StartRequest{
		ActionID:      req.ActionID,
		UserID:        req.UserID,
		ResourceID:    req.ResourceID,
		WalletAddress: req.WalletAddress,
	})
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type validateActionRequest struct {
	ActionInstanceID string                 `json:"actionInstanceId"`
	Input            map[string]interface{} `json:"input"`
	UserID           string                 `json:"userId,omitempty"`
}

// validateAction answers 200 with the completed outcome, or the failed
// outcome with 400 for business rejections and 500 otherwise
func (s *Server) validateAction(c *gin.Context) {
	var req validateActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"status": payload.RedemptionFailed, "reason": "invalid request body: " + err.Error()})
		return
	}
	if req.ActionInstanceID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"status": payload.RedemptionFailed, "reason": "actionInstanceId is required"})
		return
	}
	if req.UserID == "" {
		req.UserID = c.GetHeader(HeaderUserID)
	}

	result, err := s.sponsorship.ValidateAction(c.Request.Context(), payload.ValidateRequest{
		InstanceID: req.ActionInstanceID,
		UserID:     req.UserID,
		Input:      req.Input,
	})
	if err != nil {
		status, code := errorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("validation failed", "instance", req.ActionInstanceID, "code", code, "error", err)
		}
		c.AbortWithStatusJSON(status, gin.H{"status": payload.RedemptionFailed, "code": code, "reason": err.Error()})
		return
	}

	if result.Status == payload.RedemptionCompleted {
		c.JSON(http.StatusOK, result)
		return
	}
	status, _ := errorStatus(payload.NewSponsorshipError(result.Code, result.Reason, nil))
	c.JSON(status, result)
}

func (s *Server) availableActions(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		userID = c.GetHeader(HeaderUserID)
	}
	list, err := s.sponsorship.AvailableActions(c.Request.Context(), userID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": list})
}
