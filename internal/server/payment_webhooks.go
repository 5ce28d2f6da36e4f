package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/marketpay/internal/payment/domain"
)

const maxWebhookBody = 1 << 20

// HandlePaymentWebhook acknowledges a gateway notification. Anything but a 5xx
// tells the gateway to stop redelivering.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result := s.reconciler.Process(c.Request.Context(), provider, payload, c.Request.Header)
	if result.Error == nil {
		c.JSON(http.StatusOK, result)
		return
	}

	var reconcileErr *paymentdomain.ReconciliationError
	switch {
	case errors.Is(result.Error, paymentdomain.ErrInvalidSignature),
		errors.Is(result.Error, paymentdomain.ErrInvalidPayload),
		errors.Is(result.Error, paymentdomain.ErrProviderNotFound):
		c.JSON(http.StatusBadRequest, errorResponse{Error: errorPayload{
			Type:    "invalid_webhook",
			Message: result.Error.Error(),
		}})
	case errors.As(result.Error, &reconcileErr):
		c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: errorPayload{
			Type:    "reconciliation_error",
			Message: reconcileErr.Reason,
		}})
	default:
		c.JSON(http.StatusInternalServerError, errorResponse{Error: errorPayload{
			Type:    "processing_failed",
			Message: "webhook processing failed",
		}})
	}
}
