package x402http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	x402 "github.com/bankofai/x402-go"
)

// FacilitatorServer exposes an X402Facilitator over the REST surface
// FacilitatorClient speaks.
type FacilitatorServer struct {
	facilitator *x402.X402Facilitator
	logger      *zap.Logger
}

// NewFacilitatorServer creates a server around a facilitator. A nil logger
// falls back to a no-op logger.
func NewFacilitatorServer(facilitator *x402.X402Facilitator, logger *zap.Logger) *FacilitatorServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FacilitatorServer{facilitator: facilitator, logger: logger}
}

// RegisterRoutes mounts the facilitator endpoints on a gin router.
func (s *FacilitatorServer) RegisterRoutes(router gin.IRouter) {
	router.GET("/supported", s.handleSupported)
	router.POST("/verify", s.handleVerify)
	router.POST("/settle", s.handleSettle)
	router.POST("/fee/quote", s.handleFeeQuote)
}

func (s *FacilitatorServer) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, s.facilitator.Supported())
}

func (s *FacilitatorServer) handleVerify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.PaymentPayload == nil || req.PaymentRequirements == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "paymentPayload and paymentRequirements are required"})
		return
	}

	verify, err := s.facilitator.Verify(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, verify)
}

func (s *FacilitatorServer) handleSettle(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.PaymentPayload == nil || req.PaymentRequirements == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "paymentPayload and paymentRequirements are required"})
		return
	}

	settle, err := s.facilitator.Settle(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, settle)
}

func (s *FacilitatorServer) handleFeeQuote(c *gin.Context) {
	var req FeeQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	quotes, err := s.facilitator.FeeQuote(c.Request.Context(), req.Accepts)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if quotes == nil {
		quotes = []x402.FeeQuoteResponse{}
	}
	c.JSON(http.StatusOK, FeeQuotesResponse{Quotes: quotes})
}

// respondError maps typed errors onto status codes: bad protocol data is
// the caller's fault, everything else is ours.
func (s *FacilitatorServer) respondError(c *gin.Context, err error) {
	var validationErr *x402.ValidationError
	var paymentErr *x402.PaymentError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Error()})
	case errors.As(err, &paymentErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": paymentErr.Error(), "code": paymentErr.Code})
	default:
		s.logger.Error("facilitator request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
