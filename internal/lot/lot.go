package lot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-auction/internal/types"
	"github.com/ksred/klear-auction/pkg/response"
)

var (
	ErrInvalidLot = errors.New("lot_id is required and capacity must be a positive number")
	ErrNotFound   = errors.New("lot not found")
)

// Trigger is notified after a lot is stored with a future availability time.
type Trigger interface {
	OnLotAvailable(ctx context.Context, lot types.LotRecord)
}

// Service is the lot registry. It owns lot records and fires the auction
// lifecycle trigger when a lot becomes available.
type Service struct {
	db      *Database
	trigger Trigger
	now     func() time.Time
}

// NewService creates a new lot service. trigger may be nil.
func NewService(db *gorm.DB, trigger Trigger) *Service {
	return &Service{
		db:      NewDatabase(db),
		trigger: trigger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// GetDB exposes the lot store; it satisfies auction.LotSource.
func (s *Service) GetDB() *Database {
	return s.db
}

// SetTrigger registers the lifecycle trigger.
func (s *Service) SetTrigger(trigger Trigger) {
	s.trigger = trigger
}

// Apply stores a lot create or update and triggers auction creation when the
// lot has a future availability time.
func (s *Service) Apply(ctx context.Context, record types.LotRecord) (*Lot, error) {
	if record.LotID == "" || !(record.Capacity > 0) || math.IsInf(record.Capacity, 0) {
		return nil, ErrInvalidLot
	}
	if record.AvailabilityTime != nil {
		// Postgres keeps microseconds; store what a read will return.
		at := record.AvailabilityTime.UTC().Truncate(time.Microsecond)
		record.AvailabilityTime = &at
	}

	lot := &Lot{
		LotID:            record.LotID,
		Name:             record.Name,
		Capacity:         record.Capacity,
		AvailabilityTime: record.AvailabilityTime,
	}
	if err := s.db.Upsert(ctx, lot); err != nil {
		return nil, fmt.Errorf("failed to store lot %s: %w", record.LotID, err)
	}

	logger := log.With().
		Str("lot_id", record.LotID).
		Str("service", "lot").
		Logger()
	logger.Debug().Float64("capacity", record.Capacity).Msg("lot stored")

	if s.trigger != nil && record.AvailableAfter(s.now()) {
		s.trigger.OnLotAvailable(ctx, record)
	}

	return s.db.Get(ctx, record.LotID)
}

// Get returns a lot by id.
func (s *Service) Get(ctx context.Context, lotID string) (*Lot, error) {
	lot, err := s.db.Get(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if lot == nil {
		return nil, ErrNotFound
	}
	return lot, nil
}

// GinHandlers contains HTTP handlers for lot endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for lot endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type lotRequest struct {
	LotID            string     `json:"lot_id"`
	Name             string     `json:"name"`
	Capacity         float64    `json:"capacity" binding:"required"`
	AvailabilityTime *time.Time `json:"availability_time"`
}

func (r lotRequest) record() types.LotRecord {
	return types.LotRecord{
		LotID:            r.LotID,
		Name:             r.Name,
		Capacity:         r.Capacity,
		AvailabilityTime: r.AvailabilityTime,
	}
}

// CreateLotHandler handles POST requests registering a lot
func (h *GinHandlers) CreateLotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req lotRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		h.apply(c, req.record())
	}
}

// UpdateLotHandler handles PUT requests replacing a lot's capacity or availability
func (h *GinHandlers) UpdateLotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req lotRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		req.LotID = c.Param("lot_id")
		h.apply(c, req.record())
	}
}

func (h *GinHandlers) apply(c *gin.Context, record types.LotRecord) {
	lot, err := h.service.Apply(c.Request.Context(), record)
	if errors.Is(err, ErrInvalidLot) {
		response.BadRequest(c, err.Error())
		return
	}
	response.Handle(c, lot, err)
}

// GetLotHandler handles GET requests for a single lot
func (h *GinHandlers) GetLotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		lot, err := h.service.Get(c.Request.Context(), c.Param("lot_id"))
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "Lot not found")
			return
		}
		response.Handle(c, lot, err)
	}
}

// RegisterRoutes mounts the lot endpoints; writes are guarded by internal.
func (h *GinHandlers) RegisterRoutes(group *gin.RouterGroup, internal gin.HandlerFunc) {
	lots := group.Group("/lots")
	lots.GET("/:lot_id", h.GetLotHandler())
	lots.POST("", internal, h.CreateLotHandler())
	lots.PUT("/:lot_id", internal, h.UpdateLotHandler())
}
