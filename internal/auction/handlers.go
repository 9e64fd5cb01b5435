package auction

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-auction/pkg/response"
)

// GinHandlers contains HTTP handlers for auction endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for auction endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type createAuctionRequest struct {
	LotID string `json:"lot_id" binding:"required"`
}

type bidRequest struct {
	Percentage *float64 `json:"percentage" binding:"required"`
}

// CreateAuctionHandler handles POST requests to start an auction for a lot.
// An auction already running for the lot is returned as is.
func (h *GinHandlers) CreateAuctionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createAuctionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "lot_id is required")
			return
		}

		auction, err := h.service.CreateForLotID(c.Request.Context(), req.LotID)
		response.Handle(c, auction, err)
	}
}

// ListActiveHandler handles GET requests for auctions still selling capacity
func (h *GinHandlers) ListActiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		auctions, err := h.service.ActiveAuctions(c.Request.Context())
		response.Handle(c, auctions, err)
	}
}

// HistoryHandler handles GET requests for recent allocations.
// Accepts an optional limit query parameter.
func (h *GinHandlers) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				response.BadRequest(c, "limit must be an integer")
				return
			}
			limit = parsed
		}

		entries, err := h.service.History(c.Request.Context(), limit)
		response.Handle(c, entries, err)
	}
}

// PastAuctionsHandler handles GET requests for recently finished auctions
func (h *GinHandlers) PastAuctionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		auctions, err := h.service.PastAuctions(c.Request.Context())
		response.Handle(c, auctions, err)
	}
}

// StatisticsHandler handles GET requests for the statistics of one auction
func (h *GinHandlers) StatisticsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := h.service.Statistics(c.Request.Context(), c.Param("auction_id"))
		response.Success(c, stats)
	}
}

// PlaceBidHandler handles POST requests to buy a percentage of an auction.
// Requires a valid JWT token; an Idempotency-Key header makes retries safe.
func (h *GinHandlers) PlaceBidHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req bidRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "percentage is required")
			return
		}

		receipt, err := h.service.AcceptBid(c.Request.Context(), BidRequest{
			AuctionID:      c.Param("auction_id"),
			Percentage:     *req.Percentage,
			ClaimantID:     c.GetString("claimantID"),
			IdempotencyKey: c.GetHeader("Idempotency-Key"),
		})
		response.Handle(c, receipt, err)
	}
}

// CancelAuctionHandler handles POST requests to cancel an active auction
func (h *GinHandlers) CancelAuctionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		auction, err := h.service.Cancel(c.Request.Context(), c.Param("auction_id"))
		response.Handle(c, auction, err)
	}
}

// RegisterRoutes mounts the auction endpoints. claimant guards bidding and
// internal guards lot owner operations.
func (h *GinHandlers) RegisterRoutes(group *gin.RouterGroup, claimant, internal gin.HandlerFunc) {
	auctions := group.Group("/auctions")
	auctions.GET("/active", h.ListActiveHandler())
	auctions.GET("/history", h.HistoryHandler())
	auctions.GET("/past", h.PastAuctionsHandler())
	auctions.GET("/:auction_id/statistics", h.StatisticsHandler())
	auctions.POST("/:auction_id/bids", claimant, h.PlaceBidHandler())
	auctions.POST("", internal, h.CreateAuctionHandler())
	auctions.POST("/:auction_id/cancel", internal, h.CancelAuctionHandler())
}
