package sale

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/xmrescrow/internal/pagination"
	"github.com/mbd888/xmrescrow/internal/validation"
)

// Handler provides HTTP endpoints for sales.
type Handler struct {
	service *Service
}

// NewHandler creates a new sale handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up sale routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sales", h.ListSales)
	r.POST("/sales", validation.RequestSizeMiddleware(validation.MaxRequestSize), h.CreateSale)

	byID := r.Group("/sales/:id", validation.SaleIDParamMiddleware())
	byID.GET("", h.GetSale)
	byID.POST("/shipped", h.MarkShipped)
	byID.POST("/received", h.MarkReceived)
	byID.POST("/cancel", h.CancelSale)
}

// CreateSale handles POST /v1/sales
func (h *Handler) CreateSale(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	s, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, saleResponse(s))
}

// GetSale handles GET /v1/sales/:id
func (h *Handler) GetSale(c *gin.Context) {
	s, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, saleResponse(s))
}

// ListSales handles GET /v1/sales?state=a,b&limit=n&cursor=c
func (h *Handler) ListSales(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 500 {
				limit = 500
			}
		}
	}

	states := States
	if q := c.Query("state"); q != "" {
		states = nil
		for _, name := range strings.Split(q, ",") {
			st := State(strings.TrimSpace(name))
			if !st.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_state",
					"message": "Unknown state: " + string(st),
				})
				return
			}
			states = append(states, st)
		}
	}

	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is not one returned by this endpoint",
		})
		return
	}

	sales, err := h.service.List(c.Request.Context(), after, limit+1, states...)
	if err != nil {
		writeError(c, err)
		return
	}
	sales, next, hasMore := pagination.ComputePage(sales, limit, func(s *Sale) (time.Time, string) {
		return s.CreatedAt, s.ID
	})

	resp := gin.H{
		"sales":   sales,
		"count":   len(sales),
		"hasMore": hasMore,
	}
	if hasMore {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// MarkShipped handles POST /v1/sales/:id/shipped
func (h *Handler) MarkShipped(c *gin.Context) {
	s, err := h.service.MarkShipped(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, saleResponse(s))
}

// MarkReceived handles POST /v1/sales/:id/received
func (h *Handler) MarkReceived(c *gin.Context) {
	s, err := h.service.MarkReceived(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, saleResponse(s))
}

// CancelSale handles POST /v1/sales/:id/cancel
func (h *Handler) CancelSale(c *gin.Context) {
	s, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, saleResponse(s))
}

func saleResponse(s *Sale) gin.H {
	return gin.H{"sale": s, "flags": s.Flags()}
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrSaleNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrInvalidRequest):
		status = http.StatusBadRequest
		code = "validation_error"
	case errors.Is(err, ErrInvalidTransition):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrConflict), errors.Is(err, ErrAccountInUse):
		status = http.StatusConflict
		code = "conflict"
	case KindOf(err) == KindRPCUnavailable:
		status = http.StatusServiceUnavailable
		code = "wallet_unavailable"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
