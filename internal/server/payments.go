package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/marketpay/internal/audit/domain"
	paymentdomain "github.com/smallbiznis/marketpay/internal/payment/domain"
)

type createPaymentRequest struct {
	BookingID    string                 `json:"booking_id"`
	Amount       decimal.Decimal        `json:"amount"`
	Currency     string                 `json:"currency"`
	Method       string                 `json:"method"`
	Installments int                    `json:"installments"`
	Description  string                 `json:"description"`
	Payer        paymentdomain.Payer    `json:"payer"`
	BackURLs     paymentdomain.BackURLs `json:"back_urls"`
}

type refundPaymentRequest struct {
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason"`
}

func (s *Server) CreatePayment(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	bookingID, err := parseSnowflakeID(req.BookingID)
	if err != nil {
		AbortWithError(c, newValidationError("booking_id", "invalid_booking_id", "invalid booking id"))
		return
	}

	resp, err := s.paymentSvc.CreatePayment(c.Request.Context(), paymentdomain.CreatePaymentRequest{
		BookingID:    bookingID,
		Amount:       req.Amount,
		Currency:     strings.TrimSpace(req.Currency),
		Method:       strings.TrimSpace(req.Method),
		Installments: req.Installments,
		Description:  strings.TrimSpace(req.Description),
		Payer:        req.Payer,
		BackURLs:     req.BackURLs,
		ActorID:      actorIDFrom(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetPayment(c *gin.Context) {
	paymentID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid payment id"))
		return
	}

	payment, err := s.paymentSvc.GetPayment(c.Request.Context(), paymentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) RefundPayment(c *gin.Context) {
	paymentID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid payment id"))
		return
	}

	var req refundPaymentRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	actorID := actorIDFrom(c)
	actorType := string(auditdomain.ActorTypeSystem)
	if actorID != nil {
		actorType = string(auditdomain.ActorTypeUser)
	}

	payment, err := s.paymentSvc.Refund(c.Request.Context(), paymentdomain.RefundRequest{
		PaymentID: paymentID,
		Amount:    req.Amount,
		Reason:    strings.TrimSpace(req.Reason),
		ActorType: actorType,
		ActorID:   actorID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}
