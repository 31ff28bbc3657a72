// Package handlers exposes the subscription and stats API over HTTP.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/skudskud/polycool-copy-sub002/middleware"
	"github.com/skudskud/polycool-copy-sub002/models"
	"github.com/skudskud/polycool-copy-sub002/service"
)

// Handler handles HTTP requests
type Handler struct {
	subs    *service.SubscriptionService
	budgets *service.BudgetService
}

// NewHandler creates a new handler
func NewHandler(subs *service.SubscriptionService, budgets *service.BudgetService) *Handler {
	return &Handler{subs: subs, budgets: budgets}
}

type subscribeRequest struct {
	FollowerID    int64   `json:"follower_id" binding:"required"`
	LeaderAddress string  `json:"leader_address" binding:"required"`
	Mode          string  `json:"mode" binding:"required"`
	FixedAmount   float64 `json:"fixed_amount"`
}

// Subscribe starts copying a leader for a follower
func (h *Handler) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "follower_id, leader_address and mode are required"})
		return
	}
	if !middleware.IsValidEthAddress(req.LeaderAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "leader_address must be a valid Ethereum address"})
		return
	}

	sub, err := h.subs.Subscribe(c.Request.Context(), req.FollowerID, req.LeaderAddress,
		models.CopyMode(req.Mode), req.FixedAmount)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}

type followerRequest struct {
	FollowerID int64 `json:"follower_id" binding:"required"`
}

// Unsubscribe cancels the follower's subscription
func (h *Handler) Unsubscribe(c *gin.Context) {
	var req followerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "follower_id is required"})
		return
	}

	if err := h.subs.Unsubscribe(c.Request.Context(), req.FollowerID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// Pause suspends replication for the follower
func (h *Handler) Pause(c *gin.Context) {
	var req followerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "follower_id is required"})
		return
	}

	if err := h.subs.Pause(c.Request.Context(), req.FollowerID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// Resume reactivates a paused subscription
func (h *Handler) Resume(c *gin.Context) {
	var req followerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "follower_id is required"})
		return
	}

	if err := h.subs.Resume(c.Request.Context(), req.FollowerID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "active"})
}

type allocationRequest struct {
	FollowerID int64   `json:"follower_id" binding:"required"`
	Percentage float64 `json:"percentage" binding:"required"`
}

// SetAllocation updates the follower's budget allocation percentage
func (h *Handler) SetAllocation(c *gin.Context) {
	var req allocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "follower_id and percentage are required"})
		return
	}

	budget, err := h.budgets.SetAllocation(c.Request.Context(), req.FollowerID, req.Percentage)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"budget": budget})
}

type modeRequest struct {
	FollowerID  int64   `json:"follower_id" binding:"required"`
	Mode        string  `json:"mode" binding:"required"`
	FixedAmount float64 `json:"fixed_amount"`
}

// SetMode switches the sizing mode of the active subscription
func (h *Handler) SetMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "follower_id and mode are required"})
		return
	}

	if err := h.subs.SetMode(c.Request.Context(), req.FollowerID, models.CopyMode(req.Mode), req.FixedAmount); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// GetSubscription returns the follower's active subscription
func (h *Handler) GetSubscription(c *gin.Context) {
	followerID := c.GetInt64("followerID")

	sub, err := h.subs.Current(c.Request.Context(), followerID)
	if err != nil {
		respondError(c, err)
		return
	}
	if sub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active subscription"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// GetFollowerStats returns the follower's aggregate copy activity
func (h *Handler) GetFollowerStats(c *gin.Context) {
	followerID := c.GetInt64("followerID")

	stats, err := h.subs.FollowerStats(c.Request.Context(), followerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// GetLeaderStats returns the aggregate for one leader
func (h *Handler) GetLeaderStats(c *gin.Context) {
	leaderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "leader ID must be an integer"})
		return
	}

	stats, err := h.subs.LeaderStatsFor(c.Request.Context(), leaderID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// GetHistory lists the follower's replication attempts
func (h *Handler) GetHistory(c *gin.Context) {
	followerID := c.GetInt64("followerID")

	limit := 100
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	history, err := h.subs.History(c.Request.Context(), followerID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history, "count": len(history)})
}

// GetBudget returns the follower's current budget snapshot
func (h *Handler) GetBudget(c *gin.Context) {
	followerID := c.GetInt64("followerID")

	budget, err := h.budgets.Get(c.Request.Context(), followerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"budget": budget})
}

// Health is the liveness endpoint
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidConfig):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrLeaderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
